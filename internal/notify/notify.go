package notify

import (
	"github.com/rs/zerolog/log"

	"github.com/quantrail/rebalance-api/internal/types"
)

// Notifier receives exactly one run summary per execution run, success or
// failure. Implementations must not be able to suppress a summary silently.
type Notifier interface {
	PublishRunSummary(summary types.RunSummary) error
}

// LogNotifier writes run summaries to the structured log. It is the default
// sink; chat or email integrations implement the same interface.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) PublishRunSummary(summary types.RunSummary) error {
	log.Info().
		Str("run_id", summary.RunID).
		Str("correlation_id", summary.CorrelationID).
		Int("total_trades", summary.TotalTrades).
		Int("succeeded", summary.SucceededTrades).
		Int("failed", summary.FailedTrades).
		Int("skipped", summary.SkippedTrades).
		Int("sells", summary.SellCount).
		Int("buys", summary.BuyCount).
		Str("total_value", summary.TotalValue.StringFixed(2)).
		Str("summary", summary.Summary).
		Msg("run summary published")
	return nil
}
