package guard

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/rebalance-api/internal/metrics"
	"github.com/quantrail/rebalance-api/internal/types"
)

// Decision is the outcome of a guard evaluation. A blocked decision is
// terminal for the affected phase; guards never retry.
type Decision struct {
	Allowed bool
	Reason  string
}

// Guard is the circuit breaker between execution phases. Two independent
// rules: the SELL-failure guard blocks the entire BUY phase when too much
// sell value failed to realize, and the equity-deployment guard caps the
// cumulative BUY notional committed across the run.
type Guard struct {
	sellFailureLimit  decimal.Decimal
	maxEquityFraction decimal.Decimal

	mu           sync.Mutex
	committedBuy decimal.Decimal
}

// New returns a guard. sellFailureLimit is a dollar threshold on the SELL
// phase's failed value; maxEquityFraction caps cumulative BUY notional as a
// fraction of total equity.
func New(sellFailureLimit, maxEquityFraction decimal.Decimal) *Guard {
	return &Guard{
		sellFailureLimit:  sellFailureLimit,
		maxEquityFraction: maxEquityFraction,
	}
}

// ShouldProceed evaluates the completed SELL phase before any BUY order is
// released. Evaluation is synchronous and blocking: a tripped guard routes
// the run to a failure notification instead of the BUY phase.
func (g *Guard) ShouldProceed(sellResult types.PhaseResult) Decision {
	if sellResult.TotalFailedValue.GreaterThan(g.sellFailureLimit) {
		reason := fmt.Sprintf(
			"sell-failure guard tripped: %s of sell value failed (limit %s), buy phase blocked",
			sellResult.TotalFailedValue.StringFixed(2), g.sellFailureLimit.StringFixed(2))

		log.Error().
			Str("failed_value", sellResult.TotalFailedValue.String()).
			Str("limit", g.sellFailureLimit.String()).
			Int("failed_orders", sellResult.FailedCount).
			Msg("sell-failure guard tripped")
		metrics.GuardTrips.WithLabelValues("sell_failure").Inc()

		return Decision{Allowed: false, Reason: reason}
	}

	return Decision{Allowed: true}
}

// AllowBuy checks the equity-deployment rule for one BUY order and, when
// allowed, commits its notional to the running total. totalEquity is the
// account's total equity at run start.
func (g *Guard) AllowBuy(notional, totalEquity decimal.Decimal) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	limit := totalEquity.Mul(g.maxEquityFraction)
	projected := g.committedBuy.Add(notional)

	if projected.GreaterThan(limit) {
		reason := fmt.Sprintf(
			"equity-deployment guard tripped: committed %s would exceed %s (%s of equity)",
			projected.StringFixed(2), limit.StringFixed(2), g.maxEquityFraction.String())

		log.Error().
			Str("committed", g.committedBuy.String()).
			Str("notional", notional.String()).
			Str("limit", limit.String()).
			Msg("equity-deployment guard tripped")
		metrics.GuardTrips.WithLabelValues("equity_deployment").Inc()

		return Decision{Allowed: false, Reason: reason}
	}

	g.committedBuy = projected
	return Decision{Allowed: true}
}

// CommittedBuyNotional returns the BUY notional committed so far in the run.
func (g *Guard) CommittedBuyNotional() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.committedBuy
}
