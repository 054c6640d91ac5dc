package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/rebalance-api/internal/broker"
	"github.com/quantrail/rebalance-api/internal/config"
	"github.com/quantrail/rebalance-api/internal/database"
	"github.com/quantrail/rebalance-api/internal/events"
	"github.com/quantrail/rebalance-api/internal/executor"
	"github.com/quantrail/rebalance-api/internal/fractional"
	"github.com/quantrail/rebalance-api/internal/funds"
	"github.com/quantrail/rebalance-api/internal/notify"
	"github.com/quantrail/rebalance-api/internal/reconcile"
	"github.com/quantrail/rebalance-api/internal/tracker"
	"github.com/quantrail/rebalance-api/internal/types"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// harness bundles one fully wired execution pipeline against a scripted
// broker. Each scenario gets a fresh harness and a fresh in-memory database.
type harness struct {
	mock        *broker.MockBroker
	coordinator *executor.Coordinator
	reconciler  *reconcile.Reconciler
	bus         events.Bus
}

func newHarness(name string) (*harness, error) {
	db, err := database.NewDatabase(fmt.Sprintf("file:sim_%s?mode=memory&cache=shared", name))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	cfg := config.Load()
	cfg.MonitorTimeout = 5 * time.Second

	bus := events.NewBus()
	mock := broker.NewMockBroker(bus)
	mock.SetFillDelay(50 * time.Millisecond)

	trk := tracker.NewTracker(bus, mock, cfg.StatusQueryRetries)
	fundsMgr := funds.NewManager(mock, cfg.ReservationBuffer)
	reconciler := reconcile.NewReconciler(mock, db, cfg.DriftEpsilon, cfg.DriftAlertLimit)

	coordinator := executor.NewCoordinator(
		cfg, mock, trk, fundsMgr, fractional.NewResolver(), reconciler, db, notify.NewLogNotifier())

	return &harness{
		mock:        mock,
		coordinator: coordinator,
		reconciler:  reconciler,
		bus:         bus,
	}, nil
}

// seedPortfolio gives the scripted broker a starting book: cash plus a few
// familiar holdings.
func (h *harness) seedPortfolio() {
	h.mock.SetBuyingPower(decimal.NewFromInt(50000))
	h.mock.SetPrice("AAPL", decimal.NewFromFloat(230.50))
	h.mock.SetPrice("GOOGL", decimal.NewFromFloat(205.75))
	h.mock.SetPrice("MSFT", decimal.NewFromFloat(512.20))
	h.mock.SetPrice("AMZN", decimal.NewFromFloat(228.10))
	h.mock.SetPrice("TQQQ", decimal.NewFromFloat(26.40))
	h.mock.SetPosition("AAPL", decimal.NewFromInt(100))
	h.mock.SetPosition("GOOGL", decimal.NewFromInt(40))
	h.mock.SetPosition("MSFT", decimal.NewFromInt(25))
}

func trade(id, symbol string, action types.Side, target float64) types.TradeMessage {
	return types.TradeMessage{
		TradeID:  id,
		Symbol:   symbol,
		Action:   action,
		Quantity: decimal.NewFromFloat(target),
	}
}

type scenarioResult struct {
	name   string
	status string
	detail string
	err    error
}

// main exercises the execution pipeline end to end against the scripted
// broker: a clean two-phase run, a fractional fallback, a tripped sell
// guard, and a drift reconciliation.
func main() {
	scenarios := []struct {
		name string
		run  func() (*types.RunResult, error)
	}{
		{"clean_rebalance", runCleanRebalance},
		{"fractional_fallback", runFractionalFallback},
		{"sell_guard_trip", runSellGuardTrip},
		{"drift_detection", runDriftDetection},
	}

	var results []scenarioResult
	start := time.Now()

	for _, sc := range scenarios {
		log.Info().Str("scenario", sc.name).Msg("Starting scenario")

		result, err := sc.run()
		r := scenarioResult{name: sc.name, err: err}
		if result != nil {
			r.status = result.Status
			r.detail = result.Summary
		}
		if err != nil {
			r.status = "ERROR"
			r.detail = err.Error()
		}
		results = append(results, r)
	}

	printSummary(results, time.Since(start))
}

// runCleanRebalance sells down three holdings and deploys the proceeds into
// two buys. Everything fills; the run should complete with no failures.
func runCleanRebalance() (*types.RunResult, error) {
	h, err := newHarness("clean")
	if err != nil {
		return nil, err
	}
	defer h.bus.Close()
	h.seedPortfolio()

	plan := types.RebalancePlan{
		CorrelationID: "sim-clean",
		Trades: []types.TradeMessage{
			trade("T1", "AAPL", types.SideSell, 60),  // 100 -> 60
			trade("T2", "GOOGL", types.SideSell, 20), // 40 -> 20
			trade("T3", "AMZN", types.SideBuy, 30),   // 0 -> 30
			trade("T4", "MSFT", types.SideBuy, 25),   // already there: skipped
		},
	}

	return h.coordinator.Execute(context.Background(), "SIM_RUN_CLEAN", plan)
}

// runFractionalFallback buys a fractional quantity of a leveraged ETF the
// broker refuses to split. The resolver should convert the order to notional
// before submission.
func runFractionalFallback() (*types.RunResult, error) {
	h, err := newHarness("fractional")
	if err != nil {
		return nil, err
	}
	defer h.bus.Close()
	h.seedPortfolio()
	h.mock.SetNonFractionable("TQQQ")

	plan := types.RebalancePlan{
		CorrelationID: "sim-fractional",
		Trades: []types.TradeMessage{
			trade("T1", "TQQQ", types.SideBuy, 1.75),
		},
	}

	return h.coordinator.Execute(context.Background(), "SIM_RUN_FRACTIONAL", plan)
}

// runSellGuardTrip rejects every sell so the failed-sell value blows past the
// guard limit. The BUY phase must not submit a single order.
func runSellGuardTrip() (*types.RunResult, error) {
	h, err := newHarness("guard")
	if err != nil {
		return nil, err
	}
	defer h.bus.Close()
	h.seedPortfolio()
	h.mock.RejectOrders("AAPL", "symbol halted by scripted broker")
	h.mock.RejectOrders("GOOGL", "symbol halted by scripted broker")

	plan := types.RebalancePlan{
		CorrelationID: "sim-guard",
		Trades: []types.TradeMessage{
			trade("T1", "AAPL", types.SideSell, 0),
			trade("T2", "GOOGL", types.SideSell, 0),
			trade("T3", "AMZN", types.SideBuy, 50),
		},
	}

	return h.coordinator.Execute(context.Background(), "SIM_RUN_GUARD", plan)
}

// runDriftDetection completes a small run, then moves the broker position
// underneath the reconciler and forces a manual reconciliation.
func runDriftDetection() (*types.RunResult, error) {
	h, err := newHarness("drift")
	if err != nil {
		return nil, err
	}
	defer h.bus.Close()
	h.seedPortfolio()

	plan := types.RebalancePlan{
		CorrelationID: "sim-drift",
		Trades: []types.TradeMessage{
			trade("T1", "AAPL", types.SideSell, 90),
		},
	}

	result, err := h.coordinator.Execute(context.Background(), "SIM_RUN_DRIFT", plan)
	if err != nil {
		return result, err
	}

	// A corporate action lands: the broker shows one share fewer than the
	// internal projection.
	h.mock.SetPosition("AAPL", decimal.NewFromInt(89))

	unlock := h.reconciler.LockSymbol("AAPL")
	drift, reconcileErr := h.reconciler.Reconcile(context.Background(), "manual", "AAPL")
	unlock()
	if reconcileErr != nil {
		return result, fmt.Errorf("manual reconciliation failed: %w", reconcileErr)
	}
	if drift == nil || drift.Resolution != types.DriftCorrected {
		return result, fmt.Errorf("expected a corrected drift record, got %+v", drift)
	}

	return result, nil
}

// printSummary outputs the per-scenario outcomes in a readable block
func printSummary(results []scenarioResult, duration time.Duration) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("REBALANCE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	passed := 0
	for _, r := range results {
		marker := "PASS"
		if r.err != nil {
			marker = "FAIL"
		} else {
			passed++
		}
		fmt.Printf("%-4s %-22s %-10s %s\n", marker, r.name, r.status, r.detail)
	}

	fmt.Println(strings.Repeat("-", 80))
	fmt.Printf("%d/%d scenarios passed in %v\n", passed, len(results), duration.Round(time.Millisecond))
	fmt.Println(strings.Repeat("=", 80))

	log.Info().
		Int("passed", passed).
		Int("total", len(results)).
		Dur("duration", duration).
		Msg("Simulation completed")
}
