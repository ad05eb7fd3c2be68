// risk/evaluator.go
package risk

import (
	"math"

	"pos_bian_go/config"
	"pos_bian_go/logs"
	"pos_bian_go/state"
	"pos_bian_go/utils"
)

// Signals carries the strategy's current external flags for one symbol side.
// The evaluator never computes signals itself; they arrive from the strategy
// layer together with the price.
type Signals struct {
	CloseSignal bool
	AvgSignal   bool
}

// Evaluator inspects one strategy's open positions against the current price
// and produces at most one Decision per call. Checks run in a fixed order:
// take-profit, trailing stop, stop-loss, signal exit, averaging. The first
// condition that fires wins; latches on the position record make close
// decisions one-shot until the reconciler resets the record.
type Evaluator struct {
	store    state.StoreInterface
	userCfg  *config.UserConfig
	stratCfg *config.StrategyConfig
}

func NewEvaluator(store state.StoreInterface, userCfg *config.UserConfig, stratCfg *config.StrategyConfig) *Evaluator {
	return &Evaluator{
		store:    store,
		userCfg:  userCfg,
		stratCfg: stratCfg,
	}
}

// resolvePct resolves the threshold for a risk kind: a dynamic override in
// the store wins over the static per-symbol configuration. nil means no
// order of that kind is wanted.
func resolvePct(store state.StoreInterface, userCfg *config.UserConfig, key state.Key, kind string) *float64 {
	if dyn := store.DynamicRisk(key.User, key.Symbol, kind); dyn != nil {
		return dyn
	}
	r := userCfg.RiskFor(key.Symbol)
	if r == nil {
		return nil
	}
	switch kind {
	case state.KindTP:
		return r.TP
	case state.KindSL:
		return r.SL
	}
	return nil
}

func (e *Evaluator) effectivePct(key state.Key, kind string) *float64 {
	return resolvePct(e.store, e.userCfg, key, kind)
}

// Monitor evaluates a single position leg at the given price. It returns nil
// when no condition fires or when the position data is not in a state that
// can be judged (not open, no average price, stale price).
func (e *Evaluator) Monitor(key state.Key, curPrice float64, sig Signals) Decision {
	rec, ok := e.store.Get(key)
	if !ok || !rec.InPosition {
		return nil
	}
	if key.Side != state.SideLong && key.Side != state.SideShort {
		return nil
	}
	if rec.AvgPrice <= 0 || curPrice <= 0 {
		return nil
	}

	nPnl := utils.NormalizedPnL(curPrice, rec.AvgPrice, key.Side)
	if math.IsNaN(nPnl) {
		return nil
	}

	if d := e.checkTakeProfit(key, &rec, nPnl); d != nil {
		return d
	}
	if d := e.checkTrailing(key, &rec, nPnl); d != nil {
		return d
	}
	if d := e.checkStopLoss(key, &rec, nPnl); d != nil {
		return d
	}
	if d := e.checkSignalExit(nPnl, sig); d != nil {
		return d
	}
	return e.checkAveraging(key, &rec, curPrice, sig)
}

func (e *Evaluator) checkTakeProfit(key state.Key, rec *state.PositionRecord, nPnl float64) Decision {
	if rec.IsTP {
		return nil
	}
	pct := e.effectivePct(key, state.KindTP)
	if pct == nil || nPnl < *pct {
		return nil
	}
	if err := e.store.Update(key, func(r *state.PositionRecord) { r.IsTP = true }); err != nil {
		logs.Errorf("[Evaluator][%s] failed to latch take-profit: %v", key.String(), err)
		return nil
	}
	return &TakeProfitDecision{Pct: *pct}
}

// checkTrailing advances the trailing ladder by at most one step per call.
// The offset reported on a fire belongs to the step whose activation was
// just crossed, so the stop always trails one step behind the counter.
func (e *Evaluator) checkTrailing(key state.Key, rec *state.PositionRecord, nPnl float64) Decision {
	tr := e.stratCfg.TrailingSL
	if tr == nil || !tr.Enable || len(tr.Steps) == 0 {
		return nil
	}
	counter := rec.TrailingCounter
	if counter >= len(tr.Steps) {
		return nil
	}
	step := tr.Steps[counter]
	if nPnl < step.ActivationIndent {
		return nil
	}
	if err := e.store.Update(key, func(r *state.PositionRecord) {
		r.TrailingCounter = counter + 1
		r.Offset = step.OffsetIndent
		r.ActivationPercent = step.ActivationIndent
	}); err != nil {
		logs.Errorf("[Evaluator][%s] failed to advance trailing counter: %v", key.String(), err)
		return nil
	}
	return &TrailingShiftDecision{
		Offset:            step.OffsetIndent,
		ActivationPercent: step.ActivationIndent,
		MoveTP:            tr.MoveTP,
		Step:              counter + 1,
	}
}

// checkStopLoss fires on nPnl falling to the configured threshold, which is
// negative by convention. A position whose trailing ladder has started is
// protected by the exchange-side trailing stop instead, so the soft stop is
// suppressed. The close flag in the store makes the fire exclusive across
// concurrent evaluation passes.
func (e *Evaluator) checkStopLoss(key state.Key, rec *state.PositionRecord, nPnl float64) Decision {
	if rec.IsSL || rec.TrailingCounter > 0 {
		return nil
	}
	pct := e.effectivePct(key, state.KindSL)
	if pct == nil || nPnl > *pct {
		return nil
	}
	if !e.store.TestAndSetCloseFlag(key, state.KindSL) {
		return nil
	}
	if err := e.store.Update(key, func(r *state.PositionRecord) { r.IsSL = true }); err != nil {
		logs.Errorf("[Evaluator][%s] failed to latch stop-loss: %v", key.String(), err)
		return nil
	}
	return &StopLossDecision{Pct: *pct}
}

func (e *Evaluator) checkSignalExit(nPnl float64, sig Signals) Decision {
	cbs := e.stratCfg.CloseBySignal
	if cbs == nil || !cbs.Enable || !sig.CloseSignal {
		return nil
	}
	if cbs.MinProfit != nil && nPnl < *cbs.MinProfit {
		return nil
	}
	return &SignalExitDecision{PnL: nPnl}
}

// checkAveraging measures the drawdown against the initial entry price, not
// the blended average, so each grid step keeps its absolute level. A step
// whose successor is marked signal-gated also needs the external averaging
// signal before it fires.
func (e *Evaluator) checkAveraging(key state.Key, rec *state.PositionRecord, curPrice float64, sig Signals) Decision {
	grid := e.stratCfg.GridOrders
	if len(grid) <= 1 {
		return nil
	}
	counter := rec.AvgCounter
	if counter >= len(grid) {
		return nil
	}
	step := grid[counter]
	indent := -math.Abs(step.Indent)

	avgPnl := utils.NormalizedPnL(curPrice, rec.EntryPrice, key.Side)
	if math.IsNaN(avgPnl) || avgPnl > indent {
		return nil
	}

	next := counter + 1
	if next > len(grid)-1 {
		next = len(grid) - 1
	}
	if grid[next].Signal && !sig.AvgSignal {
		return nil
	}

	volumeFraction := step.Volume / 100
	if err := e.store.Update(key, func(r *state.PositionRecord) {
		r.AvgCounter = counter + 1
		r.ProcessVolume = volumeFraction
	}); err != nil {
		logs.Errorf("[Evaluator][%s] failed to advance averaging counter: %v", key.String(), err)
		return nil
	}
	return &AverageDecision{
		Step:           counter + 1,
		Indent:         indent,
		VolumeFraction: volumeFraction,
	}
}
