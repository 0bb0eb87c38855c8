// Package strategy implements order-block detection on OHLCV candles and
// turns detected blocks into executable trade plans.
package strategy

import (
	"math"

	"github.com/cfontaine/blockbot/internal/models"
)

// bandMultiple sets the rolling band window as a multiple of the pivot
// lookback. A pivot only forms a block when it also pierces the band, which
// filters out swings inside the recent range.
const bandMultiple = 10

// DetectOrderBlocks scans an ordered candle window and returns the blocks
// no later candle has traded into, ordered by pivot index.
//
// A bullish block forms at index i when low[i] is the minimum of the
// length-candle neighborhood on both sides and undercuts the lower band
// (the rolling low of the bandMultiple*length candles before i). Bearish
// blocks form symmetrically against the upper band. The block spans the
// pivot candle's full range and is confirmed length candles later, once the
// right side of the neighborhood is known.
//
// Fewer than 11*length candles yield no blocks.
func DetectOrderBlocks(candles []models.Candle, length int) []models.OrderBlock {
	if length < 1 {
		return nil
	}
	n := len(candles)
	window := bandMultiple * length
	if n < window+length {
		return nil
	}

	var blocks []models.OrderBlock
	for i := length; i < n-length; i++ {
		if i < window {
			// Band not yet defined
			continue
		}

		if isPivotLow(candles, i, length) {
			band := math.Inf(1)
			for j := i - window; j < i; j++ {
				band = math.Min(band, candles[j].Low)
			}
			if candles[i].Low < band {
				blocks = append(blocks, models.OrderBlock{
					Kind:         models.BlockBullish,
					Top:          candles[i].High,
					Bottom:       candles[i].Low,
					PivotTime:    candles[i].Timestamp,
					ConfirmIndex: i + length,
				})
			}
		}

		if isPivotHigh(candles, i, length) {
			band := math.Inf(-1)
			for j := i - window; j < i; j++ {
				band = math.Max(band, candles[j].High)
			}
			if candles[i].High > band {
				blocks = append(blocks, models.OrderBlock{
					Kind:         models.BlockBearish,
					Top:          candles[i].High,
					Bottom:       candles[i].Low,
					PivotTime:    candles[i].Timestamp,
					ConfirmIndex: i + length,
				})
			}
		}
	}

	return dropMitigated(blocks, candles)
}

func isPivotLow(candles []models.Candle, i, length int) bool {
	for j := i - length; j <= i+length; j++ {
		if candles[j].Low < candles[i].Low {
			return false
		}
	}
	return true
}

func isPivotHigh(candles []models.Candle, i, length int) bool {
	for j := i - length; j <= i+length; j++ {
		if candles[j].High > candles[i].High {
			return false
		}
	}
	return true
}

// dropMitigated removes blocks price has re-entered after confirmation. A
// bullish block is mitigated by any later low at or under its top, a
// bearish block by any later high at or over its bottom. Blocks whose
// confirmation index is at the window's edge are retained.
func dropMitigated(blocks []models.OrderBlock, candles []models.Candle) []models.OrderBlock {
	if len(blocks) == 0 {
		return nil
	}
	out := make([]models.OrderBlock, 0, len(blocks))
	for _, b := range blocks {
		mitigated := false
		for j := b.ConfirmIndex + 1; j < len(candles); j++ {
			if b.Kind == models.BlockBullish && candles[j].Low <= b.Top {
				mitigated = true
				break
			}
			if b.Kind == models.BlockBearish && candles[j].High >= b.Bottom {
				mitigated = true
				break
			}
		}
		if !mitigated {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NearestActionableBlock picks the block whose entry edge sits nearest the
// current price on the tradable side: bullish blocks below the price (a
// falling market fills the buy limit), bearish blocks above it. ok is false
// when no block is actionable.
func NearestActionableBlock(blocks []models.OrderBlock, currentPrice float64) (models.OrderBlock, bool) {
	var best models.OrderBlock
	bestDist := math.Inf(1)
	found := false
	for _, b := range blocks {
		edge := b.EntryEdge()
		switch b.Kind {
		case models.BlockBullish:
			if edge >= currentPrice {
				continue
			}
		case models.BlockBearish:
			if edge <= currentPrice {
				continue
			}
		default:
			continue
		}
		if dist := math.Abs(currentPrice - edge); dist < bestDist {
			best, bestDist, found = b, dist, true
		}
	}
	return best, found
}
