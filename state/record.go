// state/record.go
package state

import "fmt"

// Position sides, tracked independently (hedge mode).
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Protective-order kinds and the trigger-kind suffixes used by the
// anti-double-close flags.
const (
	KindSL = "sl"
	KindTP = "tp"
)

// Key identifies one tracked position leg.
type Key struct {
	User     string `json:"user"`
	Strategy string `json:"strategy"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
}

// String renders the canonical flat form used as a map key and in logs.
func (k Key) String() string {
	return fmt.Sprintf("%s_%s_%s_%s", k.User, k.Strategy, k.Symbol, k.Side)
}

// FlagKey is the anti-double-close flag key for a trigger kind.
func (k Key) FlagKey(kind string) string {
	return fmt.Sprintf("%s_is_%s", k.String(), kind)
}

// PositionRecord is the local source of truth for one position leg.
// InPosition false implies AvgPrice, EntryPrice and CumQty are zero and
// both protective-order IDs are empty; Reset enforces that.
type PositionRecord struct {
	InPosition bool    `json:"in_position"`
	AvgPrice   float64 `json:"avg_price"`
	EntryPrice float64 `json:"entry_price"`
	CumQty     float64 `json:"comul_qty"`
	Notional   float64 `json:"notional"`

	QtyPrecision   int32 `json:"qty_precision"`
	PricePrecision int32 `json:"price_precision"`

	// Open timestamp in milliseconds, 0 while flat.
	OpenTime int64 `json:"c_time"`

	SLOrderID string `json:"sl_order_id"`
	TPOrderID string `json:"tp_order_id"`

	// TrailingCounter indexes the trailing-stop ladder; AvgCounter indexes
	// the grid ladder and starts at 1 (step 0 is the entry itself).
	TrailingCounter int `json:"trailing_sl_progress_counter"`
	AvgCounter      int `json:"avg_progress_counter"`

	// ProcessVolume is the next order's margin fraction; Offset and
	// ActivationPercent carry pending trailing-stop parameters between the
	// evaluator and the order orchestrator.
	ProcessVolume     float64 `json:"process_volume"`
	Offset            float64 `json:"offset"`
	ActivationPercent float64 `json:"activation_percent"`

	// Edge-trigger latches for the take-profit and stop-loss evaluators.
	IsTP bool `json:"is_tp"`
	IsSL bool `json:"is_sl"`

	// ProblemClosed marks a position whose residual flatten failed; the
	// reconciler retries the flatten instead of re-treating it as open.
	ProblemClosed bool `json:"problem_closed"`

	// ConfigLabel tracks the last-applied margin/leverage configuration so
	// the trade orchestrator re-asserts account settings only on change.
	// Process-local: it is excluded from snapshots so a restart re-asserts
	// the settings and a config edit takes effect on the exchange.
	ConfigLabel string `json:"-"`
}

// reset returns the record to flat defaults, keeping only the symbol
// precisions.
func (r *PositionRecord) reset() {
	qtyPrec, pricePrec := r.QtyPrecision, r.PricePrecision
	*r = PositionRecord{
		QtyPrecision:   qtyPrec,
		PricePrecision: pricePrec,
		AvgCounter:     1,
	}
}

// MartinState carries the martingale sizing state for one position leg.
// Success is the last close outcome: -1 loss, 0 none yet, 1 win.
// CurMarginSize 0 means "use the configured base margin".
type MartinState struct {
	Success       int     `json:"success"`
	CurMarginSize float64 `json:"cur_margin_size"`
}
