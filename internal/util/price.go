// Package util provides price arithmetic and symbol helpers shared across
// the trading core.
package util

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/cfontaine/blockbot/internal/models"
)

// DefaultPriceTolerancePct is the relative tolerance used when comparing
// order prices against targets.
const DefaultPriceTolerancePct = 0.001

// QuantityTolerancePct is the relative tolerance used when comparing order
// quantities against targets.
const QuantityTolerancePct = 0.01

// RoundToTick snaps x to the nearest tick increment, ties away from zero.
// Binary float rounding drifts at exchange-scale tick sizes (0.0001 and
// below), so the division and multiplication run in decimal.
func RoundToTick(x, tick float64) float64 {
	return snapToTick(x, tick, func(d decimal.Decimal) decimal.Decimal {
		return d.Round(0)
	})
}

// FloorToTick snaps x down to the previous tick increment.
func FloorToTick(x, tick float64) float64 {
	return snapToTick(x, tick, decimal.Decimal.Floor)
}

// CeilToTick snaps x up to the next tick increment.
func CeilToTick(x, tick float64) float64 {
	return snapToTick(x, tick, decimal.Decimal.Ceil)
}

func snapToTick(x, tick float64, snap func(decimal.Decimal) decimal.Decimal) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(tick) || math.IsInf(tick, 0) {
		return x
	}
	steps := snap(decimal.NewFromFloat(x).Div(decimal.NewFromFloat(tick)))
	out, _ := steps.Mul(decimal.NewFromFloat(tick)).Float64()
	return out
}

// PricesAreEqual reports whether a and b are within one tick or the default
// relative tolerance, whichever is larger.
func PricesAreEqual(a, b, tick float64) bool {
	return PricesAreEqualPct(a, b, tick, DefaultPriceTolerancePct)
}

// PricesAreEqualPct is PricesAreEqual with an explicit relative tolerance.
func PricesAreEqualPct(a, b, tick, pct float64) bool {
	tol := math.Max(tick, pct*math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= tol
}

// ApproxEqual compares two values with a relative tolerance. Two zeros are
// equal; exactly one zero never is.
func ApproxEqual(a, b, pctTol float64) bool {
	if a == 0 && b == 0 {
		return true
	}
	if a == 0 || b == 0 {
		return false
	}
	return math.Abs(a-b) <= pctTol*math.Max(math.Abs(a), math.Abs(b))
}

// MarkPriceFromTicker extracts the best-effort mark price from a ticker.
// Preference order: the typed mark price, last, close, then the vendor
// info field. Returns false when nothing positive is available.
func MarkPriceFromTicker(t models.Ticker) (float64, bool) {
	if t.MarkPrice > 0 {
		return t.MarkPrice, true
	}
	if t.Last > 0 {
		return t.Last, true
	}
	if t.Close > 0 {
		return t.Close, true
	}
	if raw, ok := t.Info["markPrice"]; ok {
		if v, ok := parsePositiveFloat(raw); ok {
			return v, true
		}
	}
	return 0, false
}

func parsePositiveFloat(raw string) (float64, bool) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, false
	}
	v, _ := d.Float64()
	if v <= 0 {
		return 0, false
	}
	return v, true
}
