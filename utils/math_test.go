// utils/math_test.go
package utils

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoundPrice(t *testing.T) {
	assert.InDelta(t, 30000.13, RoundPrice(30000.125, 2), 1e-9)
	assert.InDelta(t, 30000.12, RoundPrice(30000.124, 2), 1e-9)
	assert.InDelta(t, 0.07, RoundPrice(0.06543, 2), 1e-9)
}

func TestRoundQtyTruncates(t *testing.T) {
	assert.InDelta(t, 0.123, RoundQty(0.12399, 3), 1e-9)
	assert.InDelta(t, 5.0, RoundQty(5.9999, 0), 1e-9)
}

func TestSideSign(t *testing.T) {
	assert.Equal(t, 1.0, SideSign("LONG"))
	assert.Equal(t, -1.0, SideSign("SHORT"))
}

func TestNormalizedPnL(t *testing.T) {
	assert.InDelta(t, 2.0, NormalizedPnL(102, 100, "LONG"), 1e-9)
	assert.InDelta(t, -2.0, NormalizedPnL(102, 100, "SHORT"), 1e-9)
	assert.InDelta(t, 2.0, NormalizedPnL(98, 100, "SHORT"), 1e-9)
	assert.True(t, math.IsNaN(NormalizedPnL(100, 0, "LONG")))
	assert.True(t, math.IsNaN(NormalizedPnL(0, 100, "LONG")))
}

func TestOrderSize(t *testing.T) {
	// 100 USDT margin, full volume, 10x leverage at price 100 -> 10 contracts
	assert.InDelta(t, 10.0, OrderSize(100, 1, 10, 100, 3), 1e-9)
	// fractional volume truncated to precision
	assert.InDelta(t, 0.044, OrderSize(100, 0.14, 10, 3141, 3), 1e-9)
	assert.Zero(t, OrderSize(0, 1, 10, 100, 3))
	assert.Zero(t, OrderSize(100, 1, 10, 0, 3))
}

func TestPoll(t *testing.T) {
	n := 0
	ok := Poll(context.Background(), 5, time.Millisecond, func() bool {
		n++
		return n == 3
	})
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	assert.False(t, Poll(context.Background(), 3, time.Millisecond, func() bool { return false }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Poll(ctx, 100, time.Millisecond, func() bool { return false }))
}
