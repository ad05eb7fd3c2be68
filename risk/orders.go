// risk/orders.go
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"pos_bian_go/config"
	"pos_bian_go/exchange"
	"pos_bian_go/logs"
	"pos_bian_go/state"
	"pos_bian_go/utils"
)

// OrderManager owns the exchange-side protective orders of one user's
// positions. Every open position leg keeps at most one stop order and one
// take-profit order; the manager places, cancels and re-places them so the
// pair always reflects the position record in the store.
type OrderManager struct {
	client  exchange.Client
	store   state.StoreInterface
	userCfg *config.UserConfig
}

func NewOrderManager(client exchange.Client, store state.StoreInterface, userCfg *config.UserConfig) *OrderManager {
	return &OrderManager{
		client:  client,
		store:   store,
		userCfg: userCfg,
	}
}

// Kinds lists the protective-order kinds statically configured for a
// symbol, stop first. Dynamic overrides do not add kinds; they only adjust
// thresholds of kinds the configuration already enables.
func (m *OrderManager) Kinds(symbol string) []string {
	r := m.userCfg.RiskFor(symbol)
	if r == nil {
		return nil
	}
	var kinds []string
	if r.SL != nil {
		kinds = append(kinds, state.KindSL)
	}
	if r.TP != nil {
		kinds = append(kinds, state.KindTP)
	}
	return kinds
}

// Cancel removes the protective order of the given kind. A record without
// an order ID and an order the exchange no longer knows both count as
// success; the stored ID is cleared in either case.
func (m *OrderManager) Cancel(ctx context.Context, key state.Key, kind string) error {
	rec, ok := m.store.Get(key)
	if !ok {
		return fmt.Errorf("cancel %s: unknown position %s", kind, key.String())
	}
	orderID := rec.SLOrderID
	if kind == state.KindTP {
		orderID = rec.TPOrderID
	}
	if orderID == "" {
		logs.Debugf("[RiskOrders][%s][%s] no order ID, nothing to cancel", key.String(), kind)
		return nil
	}

	if err := m.client.CancelOrderByID(ctx, key.Symbol, orderID); err != nil {
		if !errors.Is(err, exchange.ErrUnknownOrder) {
			return fmt.Errorf("cancel %s order %s: %w", kind, orderID, err)
		}
		logs.Debugf("[RiskOrders][%s][%s] order %s already gone", key.String(), kind, orderID)
	}

	return m.store.Update(key, func(r *state.PositionRecord) {
		if kind == state.KindTP {
			r.TPOrderID = ""
		} else {
			r.SLOrderID = ""
		}
	})
}

// CancelAll cancels the given kinds concurrently and returns the first
// failure.
func (m *OrderManager) CancelAll(ctx context.Context, key state.Key, kinds []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		kind := kind
		g.Go(func() error {
			return m.Cancel(gctx, key, kind)
		})
	}
	return g.Wait()
}

// placeOpts adjusts the price shift for the two trailing cases: a stop
// re-placed at the recorded offset, and a take-profit moved along with it.
type placeOpts struct {
	offset            float64
	activationPercent float64
	moveTP            bool
}

// Place submits one protective order at the standard threshold. A symbol
// with no threshold configured for the kind is a no-op success.
func (m *OrderManager) Place(ctx context.Context, key state.Key, kind string) error {
	return m.place(ctx, key, kind, placeOpts{})
}

// PlaceAll places the given kinds concurrently at their standard
// thresholds.
func (m *OrderManager) PlaceAll(ctx context.Context, key state.Key, kinds []string) error {
	return m.placeAll(ctx, key, kinds, placeOpts{})
}

// ReplaceSL moves the exchange-side stop after a trailing shift: both
// protective orders are cancelled, the stop is re-placed at the offset
// recorded on the position, and when moveTP is set the take-profit follows,
// shifted by the crossed activation level.
func (m *OrderManager) ReplaceSL(ctx context.Context, key state.Key, moveTP bool) error {
	rec, ok := m.store.Get(key)
	if !ok {
		return fmt.Errorf("replace sl: unknown position %s", key.String())
	}
	if err := m.CancelAll(ctx, key, []string{state.KindTP, state.KindSL}); err != nil {
		return fmt.Errorf("replace sl: %w", err)
	}

	kinds := []string{state.KindSL}
	if moveTP {
		kinds = append(kinds, state.KindTP)
	}
	return m.placeAll(ctx, key, kinds, placeOpts{
		offset:            rec.Offset,
		activationPercent: rec.ActivationPercent,
		moveTP:            moveTP,
	})
}

func (m *OrderManager) placeAll(ctx context.Context, key state.Key, kinds []string, opts placeOpts) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		kind := kind
		g.Go(func() error {
			return m.place(gctx, key, kind, opts)
		})
	}
	return g.Wait()
}

func (m *OrderManager) place(ctx context.Context, key state.Key, kind string, opts placeOpts) error {
	pct := resolvePct(m.store, m.userCfg, key, kind)
	if pct == nil {
		logs.Debugf("[RiskOrders][%s][%s] no threshold configured, skipping", key.String(), kind)
		return nil
	}

	rec, ok := m.store.Get(key)
	if !ok {
		return fmt.Errorf("place %s: unknown position %s", kind, key.String())
	}
	if rec.AvgPrice <= 0 {
		return fmt.Errorf("place %s: position %s has no average price", kind, key.String())
	}
	if rec.CumQty <= 0 {
		return fmt.Errorf("place %s: position %s has no quantity", kind, key.String())
	}

	sign := utils.SideSign(key.Side)
	var shift float64
	switch {
	case kind == state.KindSL && opts.offset != 0:
		shift = opts.offset
	case kind == state.KindTP && opts.moveTP:
		shift = opts.activationPercent + *pct
	case kind == state.KindTP:
		shift = *pct
	default:
		shift = -math.Abs(*pct)
	}
	targetPrice := utils.RoundPrice(rec.AvgPrice*(1+sign*shift/100), rec.PricePrecision)

	side := exchange.Sell
	if key.Side == state.SideShort {
		side = exchange.Buy
	}
	orderType := ""
	if r := m.userCfg.RiskFor(key.Symbol); r != nil {
		orderType = r.TPOrderType
	}

	logs.Debugf("[RiskOrders][%s][%s] placing: shift %.2f%%, target %.8f, qty %.8f",
		key.String(), kind, shift, targetPrice, rec.CumQty)

	res, err := m.client.PlaceRiskOrder(ctx, exchange.RiskOrderParams{
		Symbol:       key.Symbol,
		Qty:          rec.CumQty,
		Side:         side,
		PositionSide: key.Side,
		TargetPrice:  targetPrice,
		Kind:         kind,
		OrderType:    orderType,
		PricePrec:    rec.PricePrecision,
	})
	if err != nil {
		return fmt.Errorf("place %s order: %w", kind, err)
	}

	if err := m.store.Update(key, func(r *state.PositionRecord) {
		if kind == state.KindTP {
			r.TPOrderID = res.OrderID
		} else {
			r.SLOrderID = res.OrderID
		}
	}); err != nil {
		return err
	}
	logs.Infof("[RiskOrders][%s][%s] order placed: id=%s target=%.8f", key.String(), kind, res.OrderID, targetPrice)
	return nil
}
