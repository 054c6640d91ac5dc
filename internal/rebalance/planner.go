package rebalance

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/rebalance-api/internal/types"
)

// Planner turns current and target positions into minimal trade intents:
// trim or top up rather than liquidate and rebuy, and skip entirely when the
// delta is inside the churn threshold.
type Planner struct {
	minTradeDelta decimal.Decimal
}

// NewPlanner returns a planner; deltas with absolute value below
// minTradeDelta are planned as no-ops.
func NewPlanner(minTradeDelta decimal.Decimal) *Planner {
	return &Planner{minTradeDelta: minTradeDelta}
}

// Plan derives the minimal order moving currentQty to targetQty. The second
// return value is false for a no-op.
func (p *Planner) Plan(symbol string, currentQty, targetQty decimal.Decimal) (*types.TradeIntent, bool) {
	delta := targetQty.Sub(currentQty)

	if delta.Abs().LessThan(p.minTradeDelta) {
		log.Debug().
			Str("symbol", symbol).
			Str("delta", delta.String()).
			Str("threshold", p.minTradeDelta.String()).
			Msg("delta inside trade threshold, skipping")
		return nil, false
	}

	side := types.SideBuy
	if delta.IsNegative() {
		side = types.SideSell
	}

	return &types.TradeIntent{
		Symbol:   symbol,
		Side:     side,
		Quantity: delta.Abs(),
	}, true
}

// BuildIntents converts an inbound rebalance plan into trade intents using
// live current positions. Each message's quantity is the collaborator's
// target share count; the planner recomputes the delta against the actual
// position so a plan built on stale positions still produces the minimal
// order. When the recomputed side disagrees with the collaborator's action
// the disagreement is logged and the live data wins. Returns the intents and
// the number of skipped (no-op) trades.
func (p *Planner) BuildIntents(plan types.RebalancePlan, positions map[string]decimal.Decimal) ([]types.TradeIntent, int) {
	intents := make([]types.TradeIntent, 0, len(plan.Trades))
	skipped := 0

	for _, trade := range plan.Trades {
		current := positions[trade.Symbol]

		intent, ok := p.Plan(trade.Symbol, current, trade.Quantity)
		if !ok {
			skipped++
			continue
		}

		if intent.Side != trade.Action {
			log.Warn().
				Str("symbol", trade.Symbol).
				Str("plan_action", string(trade.Action)).
				Str("computed_side", string(intent.Side)).
				Str("current_qty", current.String()).
				Str("target_qty", trade.Quantity.String()).
				Msg("plan action disagrees with live position, using computed side")
		}

		intent.TradeID = trade.TradeID
		intent.CorrelationID = plan.CorrelationID
		intents = append(intents, *intent)
	}

	return intents, skipped
}
