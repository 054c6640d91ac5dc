package executor

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quantrail/rebalance-api/internal/types"
)

// AggregatePhase sums per-order outcomes into a phase result. Pure function:
// no side effects, no I/O. Filled orders count as succeeded; rejected,
// canceled and expired as failed; UNKNOWN orders are neither, counted
// separately because their broker-side outcome is undetermined.
func AggregatePhase(phase string, orders []types.OrderRecord) types.PhaseResult {
	result := types.PhaseResult{
		Phase:               phase,
		Orders:              orders,
		TotalAttemptedValue: decimal.Zero,
		TotalSucceededValue: decimal.Zero,
		TotalFailedValue:    decimal.Zero,
	}

	for i := range orders {
		order := &orders[i]
		value := order.Value()
		result.TotalAttemptedValue = result.TotalAttemptedValue.Add(value)

		switch order.State {
		case types.StateFilled:
			result.SucceededCount++
			result.TotalSucceededValue = result.TotalSucceededValue.Add(value)
		case types.StateUnknown:
			result.UnresolvedCount++
		default:
			result.FailedCount++
			result.TotalFailedValue = result.TotalFailedValue.Add(value)
		}
	}

	return result
}

// BuildRunResult combines both phase results into the run outcome.
// guardReason is non-empty when the BUY phase was blocked.
func BuildRunResult(runID, correlationID string, sell, buy types.PhaseResult, skipped int, guardReason string) *types.RunResult {
	status := types.RunCompleted
	if guardReason != "" {
		status = types.RunBlocked
	}

	result := &types.RunResult{
		RunID:         runID,
		CorrelationID: correlationID,
		Status:        status,
		SellResult:    sell,
		BuyResult:     buy,
		SkippedTrades: skipped,
		GuardReason:   guardReason,
	}
	result.Summary = summarize(result)
	return result
}

// Summarize flattens a run result into the notification payload.
func Summarize(result *types.RunResult) types.RunSummary {
	sell, buy := result.SellResult, result.BuyResult
	return types.RunSummary{
		RunID:           result.RunID,
		CorrelationID:   result.CorrelationID,
		TotalTrades:     len(sell.Orders) + len(buy.Orders) + result.SkippedTrades,
		SucceededTrades: sell.SucceededCount + buy.SucceededCount,
		FailedTrades:    sell.FailedCount + buy.FailedCount,
		SkippedTrades:   result.SkippedTrades,
		SellCount:       len(sell.Orders),
		BuyCount:        len(buy.Orders),
		TotalValue:      sell.TotalSucceededValue.Add(buy.TotalSucceededValue),
		Summary:         result.Summary,
	}
}

func summarize(result *types.RunResult) string {
	sell, buy := result.SellResult, result.BuyResult

	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %d sells (%d filled, %s), %d buys (%d filled, %s)",
		result.RunID,
		len(sell.Orders), sell.SucceededCount, sell.TotalSucceededValue.StringFixed(2),
		len(buy.Orders), buy.SucceededCount, buy.TotalSucceededValue.StringFixed(2))

	if result.SkippedTrades > 0 {
		fmt.Fprintf(&b, ", %d skipped", result.SkippedTrades)
	}
	if failed := sell.FailedCount + buy.FailedCount; failed > 0 {
		fmt.Fprintf(&b, ", %d failed (%s)",
			failed, sell.TotalFailedValue.Add(buy.TotalFailedValue).StringFixed(2))
	}
	if unresolved := sell.UnresolvedCount + buy.UnresolvedCount; unresolved > 0 {
		fmt.Fprintf(&b, ", %d UNRESOLVED requiring out-of-band reconciliation", unresolved)
	}
	if result.GuardReason != "" {
		fmt.Fprintf(&b, "; BUY phase blocked: %s", result.GuardReason)
	}

	return b.String()
}
