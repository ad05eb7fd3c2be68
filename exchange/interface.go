package exchange

import (
	"context"
	"errors"
)

// SymbolInfo holds the trading rules the engine needs for a symbol.
type SymbolInfo struct {
	Symbol            string
	Status            string
	PricePrecision    int32
	QuantityPrecision int32
}

// Order sides.
const (
	Buy  = "BUY"
	Sell = "SELL"
)

// Protective order kinds accepted by PlaceRiskOrder.
const (
	RiskSL = "sl"
	RiskTP = "tp"
)

// ErrUnknownOrder is returned by CancelOrderByID when the exchange reports
// the order does not exist (Binance code -2011). Callers treat it as an
// idempotent success.
var ErrUnknownOrder = errors.New("unknown order")

// OrderResult is the validated response to an order mutation.
type OrderResult struct {
	OrderID     string
	Status      string
	AvgPrice    float64
	ExecutedQty float64
}

// RiskOrderParams describes one protective order. Kind selects STOP_MARKET
// (sl) versus TAKE_PROFIT_MARKET or LIMIT (tp, depending on OrderType).
type RiskOrderParams struct {
	Symbol       string
	Qty          float64
	Side         string
	PositionSide string
	TargetPrice  float64
	Kind         string
	OrderType    string // "MARKET" or "LIMIT", tp only
	PricePrec    int32
}

// ReportedPosition is one exchange-reported position leg.
type ReportedPosition struct {
	Symbol       string
	PositionSide string
	PositionAmt  float64
	EntryPrice   float64
	Notional     float64
}

// Client is the exchange surface the engine depends on. APIClient backs it
// with the Binance futures API; MockClient backs it for tests.
type Client interface {
	// SyncTime aligns the client clock offset with the exchange before any
	// signed request is issued.
	SyncTime(ctx context.Context) error

	// SetHedgeMode enables or disables dual-side (hedge) position mode.
	// "No need to change" responses count as success.
	SetHedgeMode(ctx context.Context, dual bool) error
	SetMarginType(ctx context.Context, symbol, marginType string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// MakeOrder submits a market order and returns the validated result.
	MakeOrder(ctx context.Context, symbol string, qty float64, side, positionSide string) (*OrderResult, error)

	// PlaceRiskOrder submits a protective order and returns its order ID.
	PlaceRiskOrder(ctx context.Context, p RiskOrderParams) (*OrderResult, error)

	// CancelOrderByID cancels one order; ErrUnknownOrder when it is gone.
	CancelOrderByID(ctx context.Context, symbol, orderID string) error

	// FetchPositions returns every reported position leg for the account.
	FetchPositions(ctx context.Context) ([]ReportedPosition, error)

	// RealizedPnL sums realized PnL and commission from trade history over
	// [startMs, endMs] for one symbol and side.
	RealizedPnL(ctx context.Context, symbol, positionSide string, startMs, endMs int64) (pnl, commission float64, err error)

	// HotPrice is the REST fallback when the streaming cache is stale.
	HotPrice(ctx context.Context, symbol string) (float64, error)

	// LastPrice reads the streaming price cache; ok is false when the entry
	// is missing or stale.
	LastPrice(symbol string) (price float64, ok bool)

	// StartPriceStream begins feeding the price cache for the symbols.
	StartPriceStream(ctx context.Context, symbols []string) error

	// SymbolInfo reads the cached trading rules for a symbol.
	SymbolInfo(symbol string) (SymbolInfo, bool)
}
