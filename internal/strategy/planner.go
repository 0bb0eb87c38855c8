package strategy

import (
	"math"

	"github.com/cfontaine/blockbot/internal/models"
)

// slBufferPct pads the stop 10 bps beyond the block's far edge so the stop
// sits outside the zone instead of on it.
const slBufferPct = 0.001

// BuildPlan sizes an entry against a block: limit order at the block's
// entry edge, stop beyond the far edge, take profit at rrRatio times the
// stop distance. Quantity risks riskPct percent of freeBalance per the stop
// distance. ok is false when the block or balance degenerate into an
// unusable plan.
func BuildPlan(symbol string, block models.OrderBlock, freeBalance, riskPct, rrRatio float64) (models.TradePlan, bool) {
	plan := models.TradePlan{Symbol: symbol}

	switch block.Kind {
	case models.BlockBullish:
		plan.Side = models.SideBuy
		plan.Entry = block.Top
		plan.StopLoss = block.Bottom * (1 - slBufferPct)
		plan.TakeProfit = plan.Entry + rrRatio*(plan.Entry-plan.StopLoss)
	case models.BlockBearish:
		plan.Side = models.SideSell
		plan.Entry = block.Bottom
		plan.StopLoss = block.Top * (1 + slBufferPct)
		plan.TakeProfit = plan.Entry - rrRatio*(plan.StopLoss-plan.Entry)
	default:
		return models.TradePlan{}, false
	}

	risk := plan.RiskPerUnit()
	if risk <= 0 || math.IsNaN(risk) || math.IsInf(risk, 0) {
		return models.TradePlan{}, false
	}

	qty := freeBalance * (riskPct / 100) / risk
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return models.TradePlan{}, false
	}
	plan.Quantity = qty

	return plan, true
}
