package tracker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/rebalance-api/internal/broker"
	"github.com/quantrail/rebalance-api/internal/events"
	"github.com/quantrail/rebalance-api/internal/metrics"
	"github.com/quantrail/rebalance-api/internal/types"
)

// Tracker drives one order from submission to a definitive terminal state:
// push notifications first, a direct status query as fallback. A monitoring
// timeout is never read as a failed order (the broker may well have filled
// it), so the fallback query is mandatory, and UNKNOWN is recorded only after
// every query retry is exhausted.
type Tracker struct {
	bus          events.Bus
	gateway      broker.Gateway
	queryRetries int
}

// NewTracker returns a tracker. queryRetries bounds the status queries issued
// after a monitoring timeout before UNKNOWN is recorded as a last resort.
func NewTracker(bus events.Bus, gateway broker.Gateway, queryRetries int) *Tracker {
	if queryRetries < 1 {
		queryRetries = 1
	}
	return &Tracker{bus: bus, gateway: gateway, queryRetries: queryRetries}
}

// Track blocks until rec reaches a terminal state or, as a last resort, is
// recorded UNKNOWN. The record is mutated in place; the returned error is
// types.ErrMonitoringUnresolved only for the UNKNOWN outcome.
func (t *Tracker) Track(ctx context.Context, rec *types.OrderRecord, maxWait time.Duration) error {
	logger := log.With().
		Str("order_id", rec.OrderID).
		Str("broker_order_id", rec.BrokerOrderID).
		Str("symbol", rec.Symbol).
		Str("component", "tracker").
		Logger()

	sub, cancel := t.bus.Subscribe(rec.OrderID)
	defer cancel()

	// The order may have gone terminal between submission and subscription;
	// one immediate query closes that window.
	if status, err := t.gateway.GetOrderStatus(ctx, rec.BrokerOrderID); err == nil {
		t.apply(rec, status.State, status.FilledQuantity, status.AvgFillPrice, status.Reason)
		if rec.State.Terminal() {
			t.finalize(rec, logger)
			return nil
		}
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	for {
		select {
		case ev := <-sub:
			t.apply(rec, ev.State, ev.FilledQuantity, ev.AvgFillPrice, ev.Reason)
			if rec.State.Terminal() {
				t.finalize(rec, logger)
				return nil
			}

		case <-deadline.C:
			logger.Warn().
				Dur("max_wait", maxWait).
				Msg("no terminal push event before timeout, querying broker directly")
			metrics.MonitorTimeouts.Inc()
			return t.resolveByQuery(ctx, rec, logger)

		case <-ctx.Done():
			// The run is being torn down; one last attempt to pin down the
			// broker-side outcome on a detached context.
			queryCtx, queryCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer queryCancel()
			return t.resolveByQuery(queryCtx, rec, logger)
		}
	}
}

// resolveByQuery issues direct status queries with backoff until a terminal
// state is confirmed or the retry budget runs out.
func (t *Tracker) resolveByQuery(ctx context.Context, rec *types.OrderRecord, logger zerolog.Logger) error {
	for attempt := 0; attempt < t.queryRetries; attempt++ {
		status, err := t.gateway.GetOrderStatus(ctx, rec.BrokerOrderID)
		if err == nil {
			t.apply(rec, status.State, status.FilledQuantity, status.AvgFillPrice, status.Reason)
			if rec.State.Terminal() {
				t.finalize(rec, logger)
				return nil
			}
			logger.Warn().
				Int("attempt", attempt+1).
				Str("state", string(rec.State)).
				Msg("order still open at broker, retrying status query")
		} else {
			logger.Warn().
				Int("attempt", attempt+1).
				Err(err).
				Msg("status query failed, retrying")
		}

		select {
		case <-ctx.Done():
			return t.markUnknown(rec, logger)
		case <-time.After(broker.Backoff(attempt)):
		}
	}
	return t.markUnknown(rec, logger)
}

func (t *Tracker) markUnknown(rec *types.OrderRecord, logger zerolog.Logger) error {
	now := time.Now()
	rec.State = types.StateUnknown
	rec.Escalated = true
	rec.TerminalAt = &now
	rec.FailureReason = types.ErrMonitoringUnresolved.Error()

	logger.Error().
		Msg("order outcome unresolved after exhausting status queries, recorded UNKNOWN for out-of-band reconciliation")
	metrics.Orders.WithLabelValues(string(rec.Side), string(types.StateUnknown)).Inc()

	return types.ErrMonitoringUnresolved
}

func (t *Tracker) apply(rec *types.OrderRecord, state types.OrderState, filled, avgPrice decimal.Decimal, reason string) {
	rec.State = state
	if filled.IsPositive() {
		rec.FilledQuantity = filled
	}
	if avgPrice.IsPositive() {
		rec.AvgFillPrice = avgPrice
	}
	if reason != "" {
		rec.FailureReason = reason
	}
}

func (t *Tracker) finalize(rec *types.OrderRecord, logger zerolog.Logger) {
	now := time.Now()
	rec.TerminalAt = &now

	logger.Info().
		Str("state", string(rec.State)).
		Str("filled_quantity", rec.FilledQuantity.String()).
		Str("avg_fill_price", rec.AvgFillPrice.String()).
		Msg("order reached terminal state")
	metrics.Orders.WithLabelValues(string(rec.Side), string(rec.State)).Inc()
}
