// utils/math.go
package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

const Epsilon = 1e-9

// FloatEquals compares two floating-point numbers for near-equality.
func FloatEquals(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// RoundPrice rounds a price to the symbol's price precision (half-up).
func RoundPrice(price float64, precision int32) float64 {
	f, _ := decimal.NewFromFloat(price).Round(precision).Float64()
	return f
}

// RoundQty truncates a quantity to the symbol's quantity precision.
// Truncation rather than rounding keeps the order inside the available
// margin; rounding up can produce a rejected oversized order.
func RoundQty(qty float64, precision int32) float64 {
	f, _ := decimal.NewFromFloat(qty).Truncate(precision).Float64()
	return f
}

// SideSign returns +1 for LONG and -1 for SHORT.
func SideSign(positionSide string) float64 {
	if positionSide == "SHORT" {
		return -1
	}
	return 1
}

// NormalizedPnL returns the percentage PnL of a position relative to a
// reference price, sign-adjusted by side. Non-positive reference prices
// yield NaN, which every evaluator treats as "do not fire".
func NormalizedPnL(curPrice, refPrice float64, positionSide string) float64 {
	if refPrice <= 0 || curPrice <= 0 {
		return math.NaN()
	}
	return (curPrice - refPrice) / refPrice * 100 * SideSign(positionSide)
}

// OrderSize converts a margin amount into a contract quantity:
// margin * volumeFraction * leverage / price, truncated to the quantity
// precision. Returns 0 when any input makes the size meaningless.
func OrderSize(margin, volumeFraction float64, leverage int, price float64, qtyPrecision int32) float64 {
	if margin <= 0 || volumeFraction <= 0 || leverage <= 0 || price <= 0 {
		return 0
	}
	raw := margin * volumeFraction * float64(leverage) / price
	return RoundQty(raw, qtyPrecision)
}
