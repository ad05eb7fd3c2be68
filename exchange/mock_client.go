package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

//
// Scriptable mock client for running and testing the engine without a real
// exchange connection.
//

// Ensure MockClient implements the Client interface.
var _ Client = (*MockClient)(nil)

// MockOrder is one order recorded by the mock, with its submission time so
// tests can assert ordering guarantees.
type MockOrder struct {
	OrderID      string
	Symbol       string
	Side         string
	PositionSide string
	Qty          float64
	Kind         string // "" for market orders, "sl"/"tp" for protective
	TargetPrice  float64
	SubmittedAt  time.Time
}

// pnlEntry is a scripted realized-PnL answer for one symbol/side.
type pnlEntry struct {
	pnl        float64
	commission float64
}

// MockClient is an in-memory implementation of the Client interface. Every
// mutation is recorded; responses are scripted by the test.
type MockClient struct {
	mu sync.RWMutex

	nextOrderID int64
	orders      []MockOrder
	openOrders  map[string]MockOrder // active protective orders by ID

	positions map[string]*ReportedPosition // symbol_side
	prices    map[string]float64
	hotPrices map[string]float64
	stale     map[string]bool // LastPrice returns !ok for these symbols
	symbols   map[string]SymbolInfo
	pnl       map[string]pnlEntry

	marginTypeCalls map[string]int // symbol -> call count
	leverageCalls   map[string]int
	hedgeModeCalls  int

	failNextMarket int // fail the next N market orders
	failNextRisk   int
	failNextCancel int

	// onMarketOrder, when set, runs after a successful market order; tests
	// use it to mimic the reconciler confirming the fill into the store.
	onMarketOrder func(o MockOrder)
}

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{
		nextOrderID:     1000,
		openOrders:      make(map[string]MockOrder),
		positions:       make(map[string]*ReportedPosition),
		prices:          make(map[string]float64),
		hotPrices:       make(map[string]float64),
		stale:           make(map[string]bool),
		symbols:         make(map[string]SymbolInfo),
		pnl:             make(map[string]pnlEntry),
		marginTypeCalls: make(map[string]int),
		leverageCalls:   make(map[string]int),
	}
}

func posKey(symbol, side string) string { return symbol + "_" + side }

// --- scripting surface ---

func (c *MockClient) SetSymbolInfo(info SymbolInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols[info.Symbol] = info
}

func (c *MockClient) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
	c.hotPrices[symbol] = price
	delete(c.stale, symbol)
}

// MarkStale makes LastPrice miss for a symbol so the REST fallback is
// exercised; HotPrice keeps answering.
func (c *MockClient) MarkStale(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale[symbol] = true
}

func (c *MockClient) SetReportedPosition(p ReportedPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := p
	c.positions[posKey(p.Symbol, p.PositionSide)] = &cp
}

func (c *MockClient) RemoveReportedPosition(symbol, side string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, posKey(symbol, side))
}

func (c *MockClient) SetRealizedPnL(symbol, side string, pnl, commission float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pnl[posKey(symbol, side)] = pnlEntry{pnl: pnl, commission: commission}
}

func (c *MockClient) FailNextMarketOrders(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNextMarket = n
}

func (c *MockClient) FailNextRiskOrders(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNextRisk = n
}

func (c *MockClient) FailNextCancels(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNextCancel = n
}

func (c *MockClient) OnMarketOrder(fn func(o MockOrder)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMarketOrder = fn
}

// Orders returns a copy of every recorded order, in submission order.
func (c *MockClient) Orders() []MockOrder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MockOrder, len(c.orders))
	copy(out, c.orders)
	return out
}

// MarketOrders returns only the recorded market orders.
func (c *MockClient) MarketOrders() []MockOrder {
	var out []MockOrder
	for _, o := range c.Orders() {
		if o.Kind == "" {
			out = append(out, o)
		}
	}
	return out
}

// OpenRiskOrders returns the currently active protective orders.
func (c *MockClient) OpenRiskOrders() []MockOrder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MockOrder, 0, len(c.openOrders))
	for _, o := range c.openOrders {
		out = append(out, o)
	}
	return out
}

func (c *MockClient) MarginTypeCalls(symbol string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.marginTypeCalls[symbol]
}

func (c *MockClient) LeverageCalls(symbol string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leverageCalls[symbol]
}

// --- Client implementation ---

func (c *MockClient) SyncTime(ctx context.Context) error { return nil }

func (c *MockClient) SetHedgeMode(ctx context.Context, dual bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hedgeModeCalls++
	return nil
}

func (c *MockClient) SetMarginType(ctx context.Context, symbol, marginType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marginTypeCalls[symbol]++
	return nil
}

func (c *MockClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leverageCalls[symbol]++
	return nil
}

func (c *MockClient) MakeOrder(ctx context.Context, symbol string, qty float64, side, positionSide string) (*OrderResult, error) {
	c.mu.Lock()
	if c.failNextMarket > 0 {
		c.failNextMarket--
		c.mu.Unlock()
		return nil, fmt.Errorf("mock: market order rejected")
	}
	if qty <= 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("mock: non-positive quantity %.8f", qty)
	}

	c.nextOrderID++
	order := MockOrder{
		OrderID:      strconv.FormatInt(c.nextOrderID, 10),
		Symbol:       symbol,
		Side:         side,
		PositionSide: positionSide,
		Qty:          qty,
		SubmittedAt:  time.Now(),
	}
	c.orders = append(c.orders, order)
	price := c.prices[symbol]
	cb := c.onMarketOrder
	c.mu.Unlock()

	if cb != nil {
		cb(order)
	}

	return &OrderResult{
		OrderID:     order.OrderID,
		Status:      "FILLED",
		AvgPrice:    price,
		ExecutedQty: qty,
	}, nil
}

func (c *MockClient) PlaceRiskOrder(ctx context.Context, p RiskOrderParams) (*OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNextRisk > 0 {
		c.failNextRisk--
		return nil, fmt.Errorf("mock: risk order rejected")
	}

	c.nextOrderID++
	order := MockOrder{
		OrderID:      strconv.FormatInt(c.nextOrderID, 10),
		Symbol:       p.Symbol,
		Side:         p.Side,
		PositionSide: p.PositionSide,
		Qty:          p.Qty,
		Kind:         p.Kind,
		TargetPrice:  p.TargetPrice,
		SubmittedAt:  time.Now(),
	}
	c.orders = append(c.orders, order)
	c.openOrders[order.OrderID] = order

	return &OrderResult{OrderID: order.OrderID, Status: "NEW"}, nil
}

func (c *MockClient) CancelOrderByID(ctx context.Context, symbol, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNextCancel > 0 {
		c.failNextCancel--
		return fmt.Errorf("mock: cancel failed")
	}
	if _, ok := c.openOrders[orderID]; !ok {
		return ErrUnknownOrder
	}
	delete(c.openOrders, orderID)
	return nil
}

func (c *MockClient) FetchPositions(ctx context.Context) ([]ReportedPosition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ReportedPosition, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (c *MockClient) RealizedPnL(ctx context.Context, symbol, positionSide string, startMs, endMs int64) (float64, float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.pnl[posKey(symbol, positionSide)]
	return e.pnl, e.commission, nil
}

func (c *MockClient) HotPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	price, ok := c.hotPrices[symbol]
	if !ok {
		return 0, fmt.Errorf("mock: no price for %s", symbol)
	}
	return price, nil
}

func (c *MockClient) LastPrice(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stale[symbol] {
		return 0, false
	}
	price, ok := c.prices[symbol]
	return price, ok
}

func (c *MockClient) StartPriceStream(ctx context.Context, symbols []string) error { return nil }

func (c *MockClient) SymbolInfo(symbol string) (SymbolInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.symbols[symbol]
	return info, ok
}
