// reconcile/reconciler.go
package reconcile

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"pos_bian_go/config"
	"pos_bian_go/exchange"
	"pos_bian_go/logs"
	"pos_bian_go/profit"
	"pos_bian_go/risk"
	"pos_bian_go/state"
)

// UserContext bundles the per-account dependencies of the reconciler.
type UserContext struct {
	Client exchange.Client
	Orders *risk.OrderManager
	Config *config.UserConfig
}

// Reconciler folds exchange-reported positions back into the local store.
// The exchange account is the source of truth: fills are confirmed here,
// externally closed positions are cleaned up here, and a leg that shrank
// to a residual is flattened here.
type Reconciler struct {
	store      state.StoreInterface
	accountant *profit.Accountant
	users      map[string]*UserContext
	strategies []*config.StrategyConfig
}

func NewReconciler(store state.StoreInterface, accountant *profit.Accountant, users map[string]*UserContext, strategies []*config.StrategyConfig) *Reconciler {
	return &Reconciler{
		store:      store,
		accountant: accountant,
		users:      users,
		strategies: strategies,
	}
}

// Refresh runs one reconciliation pass, users in parallel.
func (r *Reconciler) Refresh(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for user, uc := range r.users {
		user, uc := user, uc
		g.Go(func() error {
			r.refreshUser(gctx, user, uc)
			return nil
		})
	}
	return g.Wait()
}

func (r *Reconciler) refreshUser(ctx context.Context, user string, uc *UserContext) {
	positions, err := uc.Client.FetchPositions(ctx)
	if err != nil {
		logs.Errorf("[Reconcile][%s] fetch positions: %v", user, err)
		return
	}

	reported := make(map[string]exchange.ReportedPosition, len(positions))
	for _, p := range positions {
		reported[p.Symbol+"_"+p.PositionSide] = p
	}

	var g errgroup.Group
	for _, strat := range r.strategies {
		if !strat.Enabled {
			continue
		}
		strat := strat
		g.Go(func() error {
			for _, symbol := range strat.Symbols {
				for _, side := range []string{state.SideLong, state.SideShort} {
					p, ok := reported[symbol+"_"+side]
					if !ok {
						continue
					}
					key := state.Key{User: user, Strategy: strat.Name, Symbol: symbol, Side: side}
					r.reconcileLeg(ctx, uc, key, p)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) reconcileLeg(ctx context.Context, uc *UserContext, key state.Key, p exchange.ReportedPosition) {
	rec, ok := r.store.Get(key)
	if !ok {
		logs.Debugf("[Reconcile][%s] not registered, skipping", key)
		return
	}

	amt := abs(p.PositionAmt)
	flattened := false

	if amt > 0 {
		if rec.CumQty > 0 && amt < rec.CumQty/4 {
			// residual of an externally closed position; flatten the rest
			if err := r.store.Update(key, func(rr *state.PositionRecord) { rr.CumQty = amt }); err != nil {
				logs.Errorf("[Reconcile][%s] %v", key, err)
				return
			}
			side := exchange.Sell
			if key.Side == state.SideShort {
				side = exchange.Buy
			}
			if _, err := uc.Client.MakeOrder(ctx, key.Symbol, amt, side, key.Side); err != nil {
				logs.Errorf("[Reconcile][%s] residual flatten failed: %v", key, err)
				if uerr := r.store.Update(key, func(rr *state.PositionRecord) { rr.ProblemClosed = true }); uerr != nil {
					logs.Errorf("[Reconcile][%s] %v", key, uerr)
				}
				return
			}
			flattened = true
		} else if !rec.ProblemClosed {
			r.confirmOpen(key, rec, p, amt)
			return
		}
	}

	if (amt == 0 || flattened) && rec.InPosition {
		r.closeCleanup(ctx, uc, key, rec)
	}
}

// confirmOpen folds a reported open leg into the record. The average price
// always follows the exchange; entry price, notional and open time are kept
// from the first confirmation so drawdown and PnL windows stay anchored to
// the original entry.
func (r *Reconciler) confirmOpen(key state.Key, rec state.PositionRecord, p exchange.ReportedPosition, amt float64) {
	wasOpen := rec.InPosition
	now := time.Now().UnixMilli()
	err := r.store.Update(key, func(rr *state.PositionRecord) {
		rr.Offset = 0
		rr.ActivationPercent = 0
		rr.ProcessVolume = 0

		rr.InPosition = true
		rr.CumQty = amt
		rr.AvgPrice = p.EntryPrice
		if !wasOpen {
			rr.EntryPrice = p.EntryPrice
			rr.Notional = abs(p.Notional)
			rr.OpenTime = now
		}
	})
	if err != nil {
		logs.Errorf("[Reconcile][%s] %v", key, err)
		return
	}
	if !wasOpen {
		logs.Infof("[Reconcile][%s] position confirmed: qty=%.8f entry=%.8f", key, amt, p.EntryPrice)
	}
}

// closeCleanup finishes a position whose exchange leg is gone: report the
// realized PnL, advance the martingale state, cancel any stale protective
// orders and reset the record.
func (r *Reconciler) closeCleanup(ctx context.Context, uc *UserContext, key state.Key, rec state.PositionRecord) {
	now := time.Now().UnixMilli()

	pnl, commission, err := uc.Client.RealizedPnL(ctx, key.Symbol, key.Side, rec.OpenTime, now)
	pnlKnown := err == nil
	if !pnlKnown {
		logs.Errorf("[Reconcile][%s] realized pnl lookup failed: %v", key, err)
	} else {
		r.accountant.RecordClose(key.User, key.Symbol, key.Side, pnl, commission, rec.Notional, rec.OpenTime, now)
	}

	if riskCfg := uc.Config.RiskFor(key.Symbol); riskCfg != nil && riskCfg.IsMartin && pnlKnown {
		base := uc.Config.Core.MarginSize
		r.store.UpdateMartin(key, func(m *state.MartinState) {
			switch {
			case pnl > 0:
				m.Success = 1
				m.CurMarginSize = base
			case pnl < 0:
				cur := m.CurMarginSize
				if cur <= 0 {
					cur = base
				}
				m.Success = -1
				m.CurMarginSize = cur * riskCfg.MartinMultipliter
			}
		})
	}

	if err := uc.Orders.CancelAll(ctx, key, []string{state.KindTP, state.KindSL}); err != nil {
		logs.Errorf("[Reconcile][%s] cancel protective orders: %v", key, err)
	}
	if err := r.store.Reset(key); err != nil {
		logs.Errorf("[Reconcile][%s] %v", key, err)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
