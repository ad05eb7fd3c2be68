// strategy/decider.go
package strategy

import (
	"fmt"

	"pos_bian_go/config"
	"pos_bian_go/state"
)

// Intent is the outcome of one signal evaluation for one position leg.
// ReverseSide marks a martingale re-entry that should open on the opposite
// side of the one that just lost.
type Intent struct {
	Open        bool
	Avg         bool
	Close       bool
	ReverseSide bool
}

// Decider turns raw signal codes into open/average/close intents for one
// user and strategy, enforcing direction, per-side position limits and the
// martingale re-entry rules. It is not safe for concurrent use; each trade
// cycle drives one decider per user sequentially.
type Decider struct {
	store    state.StoreInterface
	userCfg  *config.UserConfig
	stratCfg *config.StrategyConfig
	signals  SignalFunc

	// per-cycle open counts per side, seeded from the store in BeginCycle
	// and bumped on every Open intent so limits hold within a single pass
	longCount  int
	shortCount int
}

// NewDecider resolves the strategy's signal generator from the registry.
func NewDecider(store state.StoreInterface, userCfg *config.UserConfig, stratCfg *config.StrategyConfig) (*Decider, error) {
	fn, err := ResolveSignal(stratCfg.Name)
	if err != nil {
		return nil, fmt.Errorf("strategy '%s': %w", stratCfg.Name, err)
	}
	return &Decider{
		store:    store,
		userCfg:  userCfg,
		stratCfg: stratCfg,
		signals:  fn,
	}, nil
}

// BeginCycle recounts the user's open legs from the store. Call once at the
// start of every trade cycle, before the first Decide.
func (d *Decider) BeginCycle() {
	d.longCount, d.shortCount = 0, 0
	for _, key := range d.store.KeysForUser(d.userCfg.Name) {
		rec, ok := d.store.Get(key)
		if !ok || !rec.InPosition {
			continue
		}
		if key.Side == state.SideLong {
			d.longCount++
		} else if key.Side == state.SideShort {
			d.shortCount++
		}
	}
}

// Decide produces the intent for one position leg.
func (d *Decider) Decide(key state.Key) Intent {
	var intent Intent

	rec, ok := d.store.Get(key)
	if !ok {
		return intent
	}
	inPosition := rec.InPosition

	other := key
	other.Side = state.SideShort
	if key.Side == state.SideShort {
		other.Side = state.SideLong
	}
	anyInPosition := inPosition
	if otherRec, ok := d.store.Get(other); ok && otherRec.InPosition {
		anyInPosition = true
	}

	risk := d.userCfg.RiskFor(key.Symbol)
	reverse := false
	if risk != nil && risk.IsMartin && !inPosition {
		if d.store.Martin(key).Success == -1 {
			intent.ReverseSide = risk.Reverse
			reverse = risk.Reverse
			if risk.ForceMartin {
				intent.Open = true
				d.bumpCount(key.Side)
				return intent
			}
		}
	}

	// the entry step's signal flag turns signal gating on; without it the
	// strategy enters on every pass and only the position state holds it back
	if len(d.stratCfg.GridOrders) > 0 && !d.stratCfg.GridOrders[0].Signal {
		intent.Open = !inPosition
		if intent.Open {
			d.bumpCount(key.Side)
		}
		return intent
	}

	longSignal, shortSignal := d.signals(key.Symbol, d.stratCfg.Entry)
	intent.Open, intent.Avg, intent.Close = d.interpret(
		longSignal, shortSignal, inPosition, key.Side, reverse, anyInPosition)
	if intent.Open {
		d.bumpCount(key.Side)
	}
	return intent
}

// interpret maps the raw signal codes onto the leg's state. Opening
// respects the configured direction, or in reverse mode requires the whole
// symbol to be flat; both modes then pass through the position-count limit.
func (d *Decider) interpret(longSignal, shortSignal int, inPosition bool, side string, reverse, anyInPosition bool) (open, avg, closeSig bool) {
	isLong := side == state.SideLong
	isShort := side == state.SideShort

	sideSignal := (longSignal == LongOpen && isLong) || (shortSignal == ShortOpen && isShort)

	open = !inPosition && sideSignal &&
		((!reverse && d.directionAllows(side)) || (reverse && !anyInPosition))
	if open {
		if isLong && d.atLimit(state.SideLong) {
			open = false
		} else if isShort && d.atLimit(state.SideShort) {
			open = false
		}
	}

	avg = inPosition && sideSignal
	closeSig = inPosition &&
		((longSignal == LongExit && isLong) || (shortSignal == ShortExit && isShort))
	return open, avg, closeSig
}

func (d *Decider) directionAllows(side string) bool {
	for _, dir := range d.stratCfg.Direction {
		if dir == side {
			return true
		}
	}
	return false
}

func (d *Decider) atLimit(side string) bool {
	core := d.userCfg.Core
	if side == state.SideLong {
		return core.LongPositionsLimit > 0 && d.longCount >= core.LongPositionsLimit
	}
	return core.ShortPositionsLimit > 0 && d.shortCount >= core.ShortPositionsLimit
}

func (d *Decider) bumpCount(side string) {
	if side == state.SideLong {
		d.longCount++
	} else if side == state.SideShort {
		d.shortCount++
	}
}
