// reconcile/reconciler_test.go
package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos_bian_go/config"
	"pos_bian_go/exchange"
	"pos_bian_go/profit"
	"pos_bian_go/risk"
	"pos_bian_go/state"
)

func pct(v float64) *float64 { return &v }

type reconcilerFixture struct {
	store      *state.Store
	client     *exchange.MockClient
	orders     *risk.OrderManager
	accountant *profit.Accountant
	rec        *Reconciler
	key        state.Key
}

func newReconcilerFixture(t *testing.T, symbolRisk *config.SymbolRisk) *reconcilerFixture {
	t.Helper()
	store := state.NewStore()
	client := exchange.NewMockClient()

	user := &config.UserConfig{
		Name: "alice",
		Core: &config.CoreConfig{MarginSize: 100, Leverage: 10, MarginType: "ISOLATED"},
		SymbolsRisk: map[string]*config.SymbolRisk{
			"ANY_COINS": symbolRisk,
		},
	}
	orders := risk.NewOrderManager(client, store, user)
	accountant := profit.NewAccountant()

	strategies := []*config.StrategyConfig{{
		Name:       "crona",
		Enabled:    true,
		Direction:  []string{"LONG", "SHORT"},
		Symbols:    []string{"BTCUSDT"},
		GridOrders: []config.GridStep{{Volume: 100}},
	}}

	key := state.Key{User: "alice", Strategy: "crona", Symbol: "BTCUSDT", Side: state.SideLong}
	store.Register(key, 3, 2)

	rec := NewReconciler(store, accountant, map[string]*UserContext{
		"alice": {Client: client, Orders: orders, Config: user},
	}, strategies)

	return &reconcilerFixture{store: store, client: client, orders: orders, accountant: accountant, rec: rec, key: key}
}

func TestConfirmOpenFromReport(t *testing.T) {
	f := newReconcilerFixture(t, &config.SymbolRisk{TP: pct(2)})
	f.client.SetReportedPosition(exchange.ReportedPosition{
		Symbol: "BTCUSDT", PositionSide: "LONG", PositionAmt: 0.5, EntryPrice: 30000, Notional: 15000,
	})

	require.NoError(t, f.rec.Refresh(context.Background()))

	rec, ok := f.store.Get(f.key)
	require.True(t, ok)
	assert.True(t, rec.InPosition)
	assert.InDelta(t, 0.5, rec.CumQty, 1e-9)
	assert.InDelta(t, 30000.0, rec.AvgPrice, 1e-9)
	assert.InDelta(t, 30000.0, rec.EntryPrice, 1e-9)
	assert.InDelta(t, 15000.0, rec.Notional, 1e-9)
	assert.NotZero(t, rec.OpenTime)
}

func TestConfirmKeepsEntryAnchorsOnAveraging(t *testing.T) {
	f := newReconcilerFixture(t, &config.SymbolRisk{TP: pct(2)})
	require.NoError(t, f.store.Update(f.key, func(r *state.PositionRecord) {
		r.InPosition = true
		r.CumQty = 0.5
		r.AvgPrice = 30000
		r.EntryPrice = 30000
		r.Notional = 15000
		r.OpenTime = 1700000000000
		r.Offset = 0.3
		r.ActivationPercent = 1
		r.ProcessVolume = 0.14
	}))

	// averaged down: exchange reports a bigger leg with a new average
	f.client.SetReportedPosition(exchange.ReportedPosition{
		Symbol: "BTCUSDT", PositionSide: "LONG", PositionAmt: 1.0, EntryPrice: 29500, Notional: 29500,
	})
	require.NoError(t, f.rec.Refresh(context.Background()))

	rec, _ := f.store.Get(f.key)
	assert.InDelta(t, 1.0, rec.CumQty, 1e-9)
	assert.InDelta(t, 29500.0, rec.AvgPrice, 1e-9)
	// drawdown and PnL windows stay anchored to the original entry
	assert.InDelta(t, 30000.0, rec.EntryPrice, 1e-9)
	assert.InDelta(t, 15000.0, rec.Notional, 1e-9)
	assert.Equal(t, int64(1700000000000), rec.OpenTime)
	// pending trailing parameters are cleared on every confirmation
	assert.Zero(t, rec.Offset)
	assert.Zero(t, rec.ActivationPercent)
	assert.Zero(t, rec.ProcessVolume)
}

func TestCleanupOnExternalClose(t *testing.T) {
	f := newReconcilerFixture(t, &config.SymbolRisk{TP: pct(2), SL: pct(-2)})
	require.NoError(t, f.store.Update(f.key, func(r *state.PositionRecord) {
		r.InPosition = true
		r.CumQty = 0.5
		r.AvgPrice = 30000
		r.EntryPrice = 30000
		r.Notional = 15000
		r.OpenTime = 1700000000000
	}))
	require.NoError(t, f.orders.PlaceAll(context.Background(), f.key, f.orders.Kinds("BTCUSDT")))
	f.store.TestAndSetCloseFlag(f.key, state.KindTP)

	f.client.SetReportedPosition(exchange.ReportedPosition{
		Symbol: "BTCUSDT", PositionSide: "LONG", PositionAmt: 0,
	})
	f.client.SetRealizedPnL("BTCUSDT", "LONG", 150, -0.6)

	require.NoError(t, f.rec.Refresh(context.Background()))

	rec, _ := f.store.Get(f.key)
	assert.False(t, rec.InPosition)
	assert.Zero(t, rec.CumQty)
	assert.Empty(t, rec.SLOrderID)
	assert.Empty(t, rec.TPOrderID)
	assert.Empty(t, f.client.OpenRiskOrders())
	assert.False(t, f.store.CloseFlagSet(f.key, state.KindTP))

	reports := f.accountant.Reports()
	require.Len(t, reports, 1)
	assert.InDelta(t, 150.0, reports[0].PnLUSDT, 1e-9)
	assert.InDelta(t, 1.0, reports[0].PnLPct, 1e-9) // 150 of 15000 notional
}

func TestResidualFlattenedAndCleaned(t *testing.T) {
	f := newReconcilerFixture(t, &config.SymbolRisk{TP: pct(2)})
	require.NoError(t, f.store.Update(f.key, func(r *state.PositionRecord) {
		r.InPosition = true
		r.CumQty = 1.0
		r.AvgPrice = 30000
		r.Notional = 30000
		r.OpenTime = 1700000000000
	}))

	// leg shrank below a quarter of the tracked size
	f.client.SetReportedPosition(exchange.ReportedPosition{
		Symbol: "BTCUSDT", PositionSide: "LONG", PositionAmt: 0.2, EntryPrice: 30000,
	})
	f.client.SetRealizedPnL("BTCUSDT", "LONG", -40, -0.3)

	require.NoError(t, f.rec.Refresh(context.Background()))

	markets := f.client.MarketOrders()
	require.Len(t, markets, 1)
	assert.Equal(t, exchange.Sell, markets[0].Side)
	assert.InDelta(t, 0.2, markets[0].Qty, 1e-9)

	rec, _ := f.store.Get(f.key)
	assert.False(t, rec.InPosition)
	require.Len(t, f.accountant.Reports(), 1)
}

func TestResidualFlattenFailureLatchesProblem(t *testing.T) {
	f := newReconcilerFixture(t, &config.SymbolRisk{TP: pct(2)})
	require.NoError(t, f.store.Update(f.key, func(r *state.PositionRecord) {
		r.InPosition = true
		r.CumQty = 1.0
		r.AvgPrice = 30000
		r.Notional = 30000
		r.OpenTime = 1700000000000
	}))
	f.client.SetReportedPosition(exchange.ReportedPosition{
		Symbol: "BTCUSDT", PositionSide: "LONG", PositionAmt: 0.2, EntryPrice: 30000,
	})
	f.client.FailNextMarketOrders(1)

	require.NoError(t, f.rec.Refresh(context.Background()))

	rec, _ := f.store.Get(f.key)
	assert.True(t, rec.ProblemClosed)
	assert.True(t, rec.InPosition)
	assert.InDelta(t, 0.2, rec.CumQty, 1e-9)

	// a latched problem leg is not re-confirmed as a healthy open position
	f.client.SetReportedPosition(exchange.ReportedPosition{
		Symbol: "BTCUSDT", PositionSide: "LONG", PositionAmt: 0.2, EntryPrice: 29000,
	})
	require.NoError(t, f.rec.Refresh(context.Background()))
	rec, _ = f.store.Get(f.key)
	assert.InDelta(t, 30000.0, rec.AvgPrice, 1e-9)
}

func TestMartingaleAdvancesOnLoss(t *testing.T) {
	f := newReconcilerFixture(t, &config.SymbolRisk{TP: pct(2), IsMartin: true, MartinMultipliter: 2})
	require.NoError(t, f.store.Update(f.key, func(r *state.PositionRecord) {
		r.InPosition = true
		r.CumQty = 0.5
		r.Notional = 15000
		r.OpenTime = 1700000000000
	}))
	f.client.SetReportedPosition(exchange.ReportedPosition{Symbol: "BTCUSDT", PositionSide: "LONG"})
	f.client.SetRealizedPnL("BTCUSDT", "LONG", -25, -0.4)

	require.NoError(t, f.rec.Refresh(context.Background()))

	m := f.store.Martin(f.key)
	assert.Equal(t, -1, m.Success)
	assert.InDelta(t, 200.0, m.CurMarginSize, 1e-9) // base 100 doubled

	// second consecutive loss compounds the current size
	require.NoError(t, f.store.Update(f.key, func(r *state.PositionRecord) {
		r.InPosition = true
		r.CumQty = 1.0
		r.Notional = 30000
		r.OpenTime = 1700000100000
	}))
	require.NoError(t, f.rec.Refresh(context.Background()))
	m = f.store.Martin(f.key)
	assert.InDelta(t, 400.0, m.CurMarginSize, 1e-9)
}

func TestMartingaleResetsOnWin(t *testing.T) {
	f := newReconcilerFixture(t, &config.SymbolRisk{TP: pct(2), IsMartin: true, MartinMultipliter: 2})
	f.store.UpdateMartin(f.key, func(m *state.MartinState) {
		m.Success = -1
		m.CurMarginSize = 400
	})
	require.NoError(t, f.store.Update(f.key, func(r *state.PositionRecord) {
		r.InPosition = true
		r.CumQty = 0.5
		r.Notional = 15000
		r.OpenTime = 1700000000000
	}))
	f.client.SetReportedPosition(exchange.ReportedPosition{Symbol: "BTCUSDT", PositionSide: "LONG"})
	f.client.SetRealizedPnL("BTCUSDT", "LONG", 80, -0.5)

	require.NoError(t, f.rec.Refresh(context.Background()))

	m := f.store.Martin(f.key)
	assert.Equal(t, 1, m.Success)
	assert.InDelta(t, 100.0, m.CurMarginSize, 1e-9)
}

func TestUnreportedSymbolsUntouched(t *testing.T) {
	f := newReconcilerFixture(t, &config.SymbolRisk{TP: pct(2)})
	require.NoError(t, f.store.Update(f.key, func(r *state.PositionRecord) {
		r.InPosition = true
		r.CumQty = 0.5
		r.AvgPrice = 30000
	}))

	require.NoError(t, f.rec.Refresh(context.Background()))

	rec, _ := f.store.Get(f.key)
	assert.True(t, rec.InPosition)
	assert.InDelta(t, 0.5, rec.CumQty, 1e-9)
}

func TestStrategiesReconcileConcurrently(t *testing.T) {
	store := state.NewStore()
	client := exchange.NewMockClient()

	user := &config.UserConfig{
		Name: "alice",
		Core: &config.CoreConfig{MarginSize: 100, Leverage: 10, MarginType: "ISOLATED"},
		SymbolsRisk: map[string]*config.SymbolRisk{
			"ANY_COINS": {TP: pct(2)},
		},
	}
	orders := risk.NewOrderManager(client, store, user)

	strategies := []*config.StrategyConfig{
		{Name: "crona", Enabled: true, Direction: []string{"LONG"}, Symbols: []string{"BTCUSDT"}, GridOrders: []config.GridStep{{Volume: 100}}},
		{Name: "dorox", Enabled: true, Direction: []string{"LONG"}, Symbols: []string{"ETHUSDT"}, GridOrders: []config.GridStep{{Volume: 100}}},
	}

	btc := state.Key{User: "alice", Strategy: "crona", Symbol: "BTCUSDT", Side: state.SideLong}
	eth := state.Key{User: "alice", Strategy: "dorox", Symbol: "ETHUSDT", Side: state.SideLong}
	store.Register(btc, 3, 2)
	store.Register(eth, 3, 2)

	// crona carries a stale residual that triggers a flatten order
	require.NoError(t, store.Update(btc, func(r *state.PositionRecord) {
		r.InPosition = true
		r.CumQty = 1.0
		r.AvgPrice = 30000
		r.EntryPrice = 30000
		r.Notional = 30000
		r.OpenTime = 1700000000000
	}))
	client.SetReportedPosition(exchange.ReportedPosition{
		Symbol: "BTCUSDT", PositionSide: "LONG", PositionAmt: 0.2, EntryPrice: 30000, Notional: 6000,
	})
	client.SetReportedPosition(exchange.ReportedPosition{
		Symbol: "ETHUSDT", PositionSide: "LONG", PositionAmt: 0.5, EntryPrice: 2000, Notional: 1000,
	})

	// while crona's flatten is in flight, dorox's confirmation must still land
	sawSibling := make(chan bool, 1)
	client.OnMarketOrder(func(exchange.MockOrder) {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if r, ok := store.Get(eth); ok && r.InPosition {
				sawSibling <- true
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		sawSibling <- false
	})

	rec := NewReconciler(store, profit.NewAccountant(), map[string]*UserContext{
		"alice": {Client: client, Orders: orders, Config: user},
	}, strategies)
	require.NoError(t, rec.Refresh(context.Background()))

	assert.True(t, <-sawSibling, "dorox leg confirmed while crona leg was still flattening")

	ethRec, _ := store.Get(eth)
	assert.True(t, ethRec.InPosition)
	assert.InDelta(t, 0.5, ethRec.CumQty, 1e-9)
	btcRec, _ := store.Get(btc)
	assert.False(t, btcRec.InPosition)
}
