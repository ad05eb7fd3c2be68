// risk/decisions.go
package risk

import "fmt"

// Decision is a generic interface for any decision returned by the evaluator.
// It's currently used more as a marker, but could be extended.
type Decision interface {
	Description() string
}

// === Specific Decision Implementations ===

// TakeProfitDecision instructs the executor to close the position at market
// because normalized PnL reached the take-profit threshold.
type TakeProfitDecision struct {
	Pct float64
}

func (d *TakeProfitDecision) Description() string {
	return fmt.Sprintf("Take profit: threshold %.2f%% reached", d.Pct)
}

// StopLossDecision instructs the executor to close the position at market
// because normalized PnL fell to the stop-loss threshold.
type StopLossDecision struct {
	Pct float64
}

func (d *StopLossDecision) Description() string {
	return fmt.Sprintf("Stop loss: threshold %.2f%% reached", d.Pct)
}

// TrailingShiftDecision instructs the executor to move the protective
// stop to Offset percent from the average entry price. Step is the ladder
// step that was just crossed (1-based after the advance).
type TrailingShiftDecision struct {
	Offset            float64
	ActivationPercent float64
	MoveTP            bool
	Step              int
}

func (d *TrailingShiftDecision) Description() string {
	return fmt.Sprintf("Trailing shift: step %d, offset %.2f%%, activation %.2f%%", d.Step, d.Offset, d.ActivationPercent)
}

// SignalExitDecision instructs the executor to close the position because
// the strategy emitted a close signal and the profit floor (if any) passed.
type SignalExitDecision struct {
	PnL float64
}

func (d *SignalExitDecision) Description() string {
	return fmt.Sprintf("Signal exit at %.2f%% PnL", d.PnL)
}

// AverageDecision instructs the executor to add to the position with a
// market order sized at VolumeFraction of the base margin.
type AverageDecision struct {
	Step           int
	Indent         float64
	VolumeFraction float64
}

func (d *AverageDecision) Description() string {
	return fmt.Sprintf("Average down: step %d at %.2f%% indent, volume fraction %.4f", d.Step, d.Indent, d.VolumeFraction)
}
