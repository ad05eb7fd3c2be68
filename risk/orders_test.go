// risk/orders_test.go
package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos_bian_go/exchange"
	"pos_bian_go/state"
)

func newOrderFixture(t *testing.T, side string, tp, sl *float64) (*OrderManager, *exchange.MockClient, *state.Store, state.Key) {
	t.Helper()
	mc := exchange.NewMockClient()
	mc.SetSymbolInfo(exchange.SymbolInfo{Symbol: "BTCUSDT", Status: "TRADING", PricePrecision: 2, QuantityPrecision: 3})
	st := state.NewStore()
	key := testKey(side)
	openPosition(t, st, key, 100)
	m := NewOrderManager(mc, st, newTestUser(tp, sl))
	return m, mc, st, key
}

func openOrderByKind(orders []exchange.MockOrder, kind string) (exchange.MockOrder, bool) {
	for _, o := range orders {
		if o.Kind == kind {
			return o, true
		}
	}
	return exchange.MockOrder{}, false
}

func TestKinds(t *testing.T) {
	m, _, _, _ := newOrderFixture(t, state.SideLong, pctOf(2), pctOf(-5))
	assert.Equal(t, []string{state.KindSL, state.KindTP}, m.Kinds("BTCUSDT"))

	m2, _, _, _ := newOrderFixture(t, state.SideLong, pctOf(2), nil)
	assert.Equal(t, []string{state.KindTP}, m2.Kinds("BTCUSDT"))

	m3, _, _, _ := newOrderFixture(t, state.SideLong, nil, nil)
	assert.Empty(t, m3.Kinds("BTCUSDT"))
}

func TestPlaceTargetPrices(t *testing.T) {
	ctx := context.Background()

	t.Run("long side", func(t *testing.T) {
		m, mc, st, key := newOrderFixture(t, state.SideLong, pctOf(2), pctOf(-5))
		require.NoError(t, m.PlaceAll(ctx, key, m.Kinds("BTCUSDT")))

		open := mc.OpenRiskOrders()
		require.Len(t, open, 2)

		sl, ok := openOrderByKind(open, state.KindSL)
		require.True(t, ok)
		assert.InDelta(t, 95.0, sl.TargetPrice, 1e-9)
		assert.Equal(t, exchange.Sell, sl.Side)
		assert.Equal(t, state.SideLong, sl.PositionSide)

		tp, ok := openOrderByKind(open, state.KindTP)
		require.True(t, ok)
		assert.InDelta(t, 102.0, tp.TargetPrice, 1e-9)
		assert.Equal(t, exchange.Sell, tp.Side)

		rec, _ := st.Get(key)
		assert.Equal(t, sl.OrderID, rec.SLOrderID)
		assert.Equal(t, tp.OrderID, rec.TPOrderID)
	})

	t.Run("short side mirrors the shifts", func(t *testing.T) {
		m, mc, _, key := newOrderFixture(t, state.SideShort, pctOf(2), pctOf(-5))
		require.NoError(t, m.PlaceAll(ctx, key, m.Kinds("BTCUSDT")))

		open := mc.OpenRiskOrders()
		require.Len(t, open, 2)

		sl, _ := openOrderByKind(open, state.KindSL)
		assert.InDelta(t, 105.0, sl.TargetPrice, 1e-9)
		assert.Equal(t, exchange.Buy, sl.Side)

		tp, _ := openOrderByKind(open, state.KindTP)
		assert.InDelta(t, 98.0, tp.TargetPrice, 1e-9)
		assert.Equal(t, exchange.Buy, tp.Side)
	})

	t.Run("positive sl percent is still an adverse level", func(t *testing.T) {
		m, mc, _, key := newOrderFixture(t, state.SideLong, nil, pctOf(5))
		require.NoError(t, m.Place(ctx, key, state.KindSL))

		sl, ok := openOrderByKind(mc.OpenRiskOrders(), state.KindSL)
		require.True(t, ok)
		assert.InDelta(t, 95.0, sl.TargetPrice, 1e-9)
	})

	t.Run("dynamic override wins", func(t *testing.T) {
		m, mc, st, key := newOrderFixture(t, state.SideLong, pctOf(2), nil)
		st.SetDynamicRisk("alice", "BTCUSDT", state.KindTP, 4)
		require.NoError(t, m.Place(ctx, key, state.KindTP))

		tp, ok := openOrderByKind(mc.OpenRiskOrders(), state.KindTP)
		require.True(t, ok)
		assert.InDelta(t, 104.0, tp.TargetPrice, 1e-9)
	})
}

func TestPlaceNoThresholdIsNoop(t *testing.T) {
	m, mc, st, key := newOrderFixture(t, state.SideLong, nil, nil)
	require.NoError(t, m.Place(context.Background(), key, state.KindTP))
	require.NoError(t, m.Place(context.Background(), key, state.KindSL))

	assert.Empty(t, mc.OpenRiskOrders())
	rec, _ := st.Get(key)
	assert.Empty(t, rec.SLOrderID)
	assert.Empty(t, rec.TPOrderID)
}

func TestPlaceRejectsBadRecord(t *testing.T) {
	m, _, st, key := newOrderFixture(t, state.SideLong, pctOf(2), nil)

	require.NoError(t, st.Update(key, func(r *state.PositionRecord) { r.AvgPrice = 0 }))
	assert.Error(t, m.Place(context.Background(), key, state.KindTP))

	require.NoError(t, st.Update(key, func(r *state.PositionRecord) {
		r.AvgPrice = 100
		r.CumQty = 0
	}))
	assert.Error(t, m.Place(context.Background(), key, state.KindTP))
}

func TestPlaceFailureKeepsRecordClean(t *testing.T) {
	m, mc, st, key := newOrderFixture(t, state.SideLong, pctOf(2), nil)
	mc.FailNextRiskOrders(1)

	assert.Error(t, m.Place(context.Background(), key, state.KindTP))
	rec, _ := st.Get(key)
	assert.Empty(t, rec.TPOrderID)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("no order ID is success", func(t *testing.T) {
		m, _, _, key := newOrderFixture(t, state.SideLong, pctOf(2), pctOf(-5))
		assert.NoError(t, m.Cancel(ctx, key, state.KindSL))
	})

	t.Run("unknown order on the exchange is success", func(t *testing.T) {
		m, _, st, key := newOrderFixture(t, state.SideLong, pctOf(2), pctOf(-5))
		require.NoError(t, st.Update(key, func(r *state.PositionRecord) { r.SLOrderID = "424242" }))

		assert.NoError(t, m.Cancel(ctx, key, state.KindSL))
		rec, _ := st.Get(key)
		assert.Empty(t, rec.SLOrderID, "stale ID cleared")
	})

	t.Run("live order is removed and ID cleared", func(t *testing.T) {
		m, mc, st, key := newOrderFixture(t, state.SideLong, pctOf(2), pctOf(-5))
		require.NoError(t, m.PlaceAll(ctx, key, m.Kinds("BTCUSDT")))
		require.Len(t, mc.OpenRiskOrders(), 2)

		require.NoError(t, m.CancelAll(ctx, key, []string{state.KindTP, state.KindSL}))
		assert.Empty(t, mc.OpenRiskOrders())

		rec, _ := st.Get(key)
		assert.Empty(t, rec.SLOrderID)
		assert.Empty(t, rec.TPOrderID)
	})

	t.Run("transport failure propagates", func(t *testing.T) {
		m, mc, st, key := newOrderFixture(t, state.SideLong, nil, pctOf(-5))
		require.NoError(t, m.Place(ctx, key, state.KindSL))
		rec, _ := st.Get(key)
		require.NotEmpty(t, rec.SLOrderID)

		mc.FailNextCancels(1)
		assert.Error(t, m.Cancel(ctx, key, state.KindSL))
		rec, _ = st.Get(key)
		assert.NotEmpty(t, rec.SLOrderID, "ID kept when cancel fails")
	})
}

func TestReplaceSL(t *testing.T) {
	ctx := context.Background()

	setupTrailing := func(t *testing.T, tp *float64) (*OrderManager, *exchange.MockClient, *state.Store, state.Key) {
		m, mc, st, key := newOrderFixture(t, state.SideLong, tp, pctOf(-5))
		require.NoError(t, m.PlaceAll(ctx, key, m.Kinds("BTCUSDT")))
		require.NoError(t, st.Update(key, func(r *state.PositionRecord) {
			r.TrailingCounter = 1
			r.Offset = 0.2
			r.ActivationPercent = 1
		}))
		return m, mc, st, key
	}

	t.Run("stop moves to the recorded offset", func(t *testing.T) {
		m, mc, st, key := setupTrailing(t, nil)
		require.NoError(t, m.ReplaceSL(ctx, key, false))

		open := mc.OpenRiskOrders()
		require.Len(t, open, 1)
		sl := open[0]
		assert.Equal(t, state.KindSL, sl.Kind)
		assert.InDelta(t, 100.2, sl.TargetPrice, 1e-9)

		rec, _ := st.Get(key)
		assert.Equal(t, sl.OrderID, rec.SLOrderID)
		assert.Empty(t, rec.TPOrderID, "take-profit not re-placed")
	})

	t.Run("moved take-profit shifts by the crossed activation", func(t *testing.T) {
		m, mc, _, key := setupTrailing(t, pctOf(2))
		require.NoError(t, m.ReplaceSL(ctx, key, true))

		open := mc.OpenRiskOrders()
		require.Len(t, open, 2)

		sl, ok := openOrderByKind(open, state.KindSL)
		require.True(t, ok)
		assert.InDelta(t, 100.2, sl.TargetPrice, 1e-9)

		tp, ok := openOrderByKind(open, state.KindTP)
		require.True(t, ok)
		assert.InDelta(t, 103.0, tp.TargetPrice, 1e-9)
	})

	t.Run("cancel failure aborts the replacement", func(t *testing.T) {
		m, mc, st, key := setupTrailing(t, pctOf(2))
		mc.FailNextCancels(2)

		assert.Error(t, m.ReplaceSL(ctx, key, true))
		rec, _ := st.Get(key)
		assert.NotEmpty(t, rec.SLOrderID)
	})
}
