package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quantrail/rebalance-api/internal/broker"
	"github.com/quantrail/rebalance-api/internal/config"
	"github.com/quantrail/rebalance-api/internal/fractional"
	"github.com/quantrail/rebalance-api/internal/funds"
	"github.com/quantrail/rebalance-api/internal/guard"
	"github.com/quantrail/rebalance-api/internal/metrics"
	"github.com/quantrail/rebalance-api/internal/notify"
	"github.com/quantrail/rebalance-api/internal/rebalance"
	"github.com/quantrail/rebalance-api/internal/reconcile"
	"github.com/quantrail/rebalance-api/internal/tracker"
	"github.com/quantrail/rebalance-api/internal/types"
)

const submitAttempts = 3

// Coordinator orchestrates one rebalance run: SELL phase with bounded
// concurrency, guard evaluation, BUY phase, aggregation, exactly one
// notification. Individual orders are failure-isolated; one rejection never
// cancels sibling orders in the same phase, and no BUY order is submitted
// while any SELL order is non-terminal.
type Coordinator struct {
	cfg        config.Config
	gateway    broker.Gateway
	tracker    *tracker.Tracker
	funds      *funds.Manager
	resolver   *fractional.Resolver
	reconciler *reconcile.Reconciler
	planner    *rebalance.Planner
	db         *Database
	notifier   notify.Notifier
}

// NewCoordinator wires the execution pipeline. Each run gets its own guard
// instance; everything else is shared across runs.
func NewCoordinator(
	cfg config.Config,
	gateway broker.Gateway,
	trk *tracker.Tracker,
	fundsMgr *funds.Manager,
	resolver *fractional.Resolver,
	reconciler *reconcile.Reconciler,
	gormDB *gorm.DB,
	notifier notify.Notifier,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		gateway:    gateway,
		tracker:    trk,
		funds:      fundsMgr,
		resolver:   resolver,
		reconciler: reconciler,
		planner:    rebalance.NewPlanner(cfg.MinTradeDelta),
		db:         NewDatabase(gormDB),
		notifier:   notifier,
	}
}

// runState carries the per-run pieces shared by the order workers.
type runState struct {
	runID       string
	guard       *guard.Guard
	totalEquity decimal.Decimal

	mu          sync.Mutex
	guardReason string // first equity-guard trip; rejects the remaining buys
}

func (rs *runState) tripped() (string, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.guardReason, rs.guardReason != ""
}

func (rs *runState) trip(reason string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.guardReason == "" {
		rs.guardReason = reason
	}
}

// Execute runs the full plan and always produces exactly one run summary
// notification, success or failure.
func (c *Coordinator) Execute(ctx context.Context, runID string, plan types.RebalancePlan) (*types.RunResult, error) {
	logger := log.With().
		Str("run_id", runID).
		Str("correlation_id", plan.CorrelationID).
		Str("component", "coordinator").
		Logger()

	logger.Info().Int("trades", len(plan.Trades)).Msg("starting rebalance run")

	result, err := c.execute(ctx, runID, plan, logger)
	if err != nil {
		// The run never reached aggregation; publish the failure summary so
		// the run is not silently lost.
		result = &types.RunResult{
			RunID:         runID,
			CorrelationID: plan.CorrelationID,
			Status:        types.RunFailed,
			Summary:       fmt.Sprintf("run %s failed: %v", runID, err),
		}
	}

	c.persistRun(result, logger)
	metrics.Runs.WithLabelValues(result.Status).Inc()

	if nerr := c.notifier.PublishRunSummary(Summarize(result)); nerr != nil {
		logger.Error().Err(nerr).Msg("failed to publish run summary")
	}

	return result, err
}

func (c *Coordinator) execute(ctx context.Context, runID string, plan types.RebalancePlan, logger zerolog.Logger) (*types.RunResult, error) {
	snapshots, err := c.gateway.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading positions: %w", err)
	}
	c.reconciler.Seed(snapshots)

	positions := make(map[string]decimal.Decimal, len(snapshots))
	for _, s := range snapshots {
		positions[s.Symbol] = s.Quantity
	}

	totalEquity, err := c.totalEquity(ctx, snapshots)
	if err != nil {
		return nil, fmt.Errorf("computing total equity: %w", err)
	}

	intents, skipped := c.planner.BuildIntents(plan, positions)

	var sells, buys []types.TradeIntent
	for _, intent := range intents {
		if intent.Side == types.SideSell {
			sells = append(sells, intent)
		} else {
			buys = append(buys, intent)
		}
	}

	state := &runState{
		runID:       runID,
		guard:       guard.New(c.cfg.SellFailureLimit, c.cfg.MaxEquityFraction),
		totalEquity: totalEquity,
	}

	logger.Info().
		Int("sells", len(sells)).
		Int("buys", len(buys)).
		Int("skipped", skipped).
		Str("total_equity", totalEquity.StringFixed(2)).
		Msg("plan partitioned")

	// SELL phase must be fully terminal before the guard sees it.
	sellRecords := c.runPhase(ctx, state, types.PhaseSell, sells)
	sellResult := AggregatePhase(types.PhaseSell, sellRecords)

	decision := state.guard.ShouldProceed(sellResult)
	if !decision.Allowed {
		buyResult := AggregatePhase(types.PhaseBuy, nil)
		return BuildRunResult(runID, plan.CorrelationID, sellResult, buyResult, skipped, decision.Reason), nil
	}

	buyRecords := c.runPhase(ctx, state, types.PhaseBuy, buys)
	buyResult := AggregatePhase(types.PhaseBuy, buyRecords)

	guardReason, _ := state.tripped()
	return BuildRunResult(runID, plan.CorrelationID, sellResult, buyResult, skipped, guardReason), nil
}

// runPhase executes the intents on a bounded worker pool and blocks until
// every order is terminal (or recorded UNKNOWN after escalation).
func (c *Coordinator) runPhase(ctx context.Context, state *runState, phase string, intents []types.TradeIntent) []types.OrderRecord {
	if len(intents) == 0 {
		return nil
	}

	records := make([]types.OrderRecord, len(intents))
	sem := make(chan struct{}, c.cfg.MaxConcurrentOrders)
	var wg sync.WaitGroup

	for i := range intents {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			records[i] = *c.executeOrder(ctx, state, intents[i])
		}(i)
	}

	wg.Wait()
	return records
}

// executeOrder carries one intent through resolve, reserve, submit, track,
// release and reconcile. Failures are contained in the returned record.
func (c *Coordinator) executeOrder(ctx context.Context, state *runState, intent types.TradeIntent) *types.OrderRecord {
	now := time.Now()
	rec := &types.OrderRecord{
		OrderID:       "ORD_" + uuid.New().String(),
		RunID:         state.runID,
		CorrelationID: intent.CorrelationID,
		TradeID:       intent.TradeID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		State:         types.StateSubmitted,
		SubmittedAt:   now,
	}

	logger := log.With().
		Str("order_id", rec.OrderID).
		Str("run_id", state.runID).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Str("component", "coordinator").
		Logger()

	// Reconciliation and submission for the same symbol must not overlap.
	unlock := c.reconciler.LockSymbol(intent.Symbol)
	defer unlock()

	if c.reconciler.Halted(intent.Symbol) {
		c.fail(rec, types.ErrSymbolHalted.Error(), logger)
		return rec
	}

	if reason, tripped := state.tripped(); tripped && intent.Side == types.SideBuy {
		c.fail(rec, reason, logger)
		return rec
	}

	price, err := c.quote(ctx, intent.Symbol)
	if err != nil {
		c.fail(rec, fmt.Sprintf("quote unavailable: %v", err), logger)
		return rec
	}

	req := c.resolver.Resolve(intent, price)
	req.ClientOrderID = rec.OrderID

	estimate := req.Notional
	if !req.IsNotional() {
		estimate = req.Quantity.Mul(price)
	}
	rec.SubmittedQuantity = req.Quantity
	rec.SubmittedNotional = req.Notional
	rec.EstimatedValue = estimate

	var ticket *types.ReservationTicket
	if intent.Side == types.SideBuy {
		if decision := state.guard.AllowBuy(estimate, state.totalEquity); !decision.Allowed {
			state.trip(decision.Reason)
			c.fail(rec, decision.Reason, logger)
			return rec
		}

		ticket, err = c.funds.Reserve(ctx, rec.OrderID, estimate)
		if err != nil {
			c.fail(rec, err.Error(), logger)
			return rec
		}
	}
	defer c.funds.Release(ticket)

	brokerOrderID, req, err := c.submit(ctx, req, logger)
	if err != nil {
		c.fail(rec, err.Error(), logger)
		return rec
	}
	rec.BrokerOrderID = brokerOrderID
	rec.SubmittedQuantity = req.Quantity
	rec.SubmittedNotional = req.Notional

	if err := c.db.CreateOrderRecord(rec); err != nil {
		logger.Error().Err(err).Msg("failed to persist order record")
	}

	trackErr := c.tracker.Track(ctx, rec, c.cfg.MonitorTimeout)
	if trackErr != nil && !errors.Is(trackErr, types.ErrMonitoringUnresolved) {
		logger.Error().Err(trackErr).Msg("order tracking failed")
	}

	if rec.State == types.StateFilled || rec.State == types.StatePartiallyFilled {
		c.reconciler.ApplyFill(rec.Symbol, rec.Side, rec.FilledQuantity)
	}

	// Mandatory after every terminal order, and doubly so after UNKNOWN.
	if _, err := c.reconciler.Reconcile(ctx, state.runID, rec.Symbol); err != nil {
		logger.Error().Err(err).Msg("post-order reconciliation failed")
	}

	if err := c.db.UpdateOrderRecord(rec); err != nil {
		logger.Error().Err(err).Msg("failed to update order record")
	}

	return rec
}

// submit sends the order, retrying transient failures and applying the
// one-shot fractional fallback on a non-fractionable rejection.
func (c *Coordinator) submit(ctx context.Context, req broker.OrderRequest, logger zerolog.Logger) (string, broker.OrderRequest, error) {
	var brokerOrderID string

	submit := func(r broker.OrderRequest) error {
		return broker.WithRetry(ctx, "submit_order", submitAttempts, func() error {
			id, err := c.gateway.SubmitOrder(ctx, r)
			if err != nil {
				return err
			}
			brokerOrderID = id
			return nil
		})
	}

	err := submit(req)
	if err == nil {
		return brokerOrderID, req, nil
	}

	if types.IsNonFractionable(err) {
		fallback, ok := c.resolver.Fallback(req)
		if ok {
			logger.Info().Msg("fractional order rejected, resubmitting whole-share fallback")
			if ferr := submit(fallback); ferr == nil {
				return brokerOrderID, fallback, nil
			} else {
				// Second rejection is terminal.
				return "", req, ferr
			}
		}
	}

	return "", req, err
}

func (c *Coordinator) quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := broker.WithRetry(ctx, "get_quote", submitAttempts, func() error {
		p, err := c.gateway.GetQuote(ctx, symbol)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	return price, err
}

// fail marks the record terminally rejected before it reached (or survived)
// the broker.
func (c *Coordinator) fail(rec *types.OrderRecord, reason string, logger zerolog.Logger) {
	now := time.Now()
	rec.State = types.StateRejected
	rec.FailureReason = reason
	rec.TerminalAt = &now

	logger.Warn().Str("reason", reason).Msg("order not executed")
	metrics.Orders.WithLabelValues(string(rec.Side), string(types.StateRejected)).Inc()

	if err := c.db.CreateOrderRecord(rec); err != nil {
		logger.Error().Err(err).Msg("failed to persist rejected order record")
	}
}

// totalEquity is buying power plus the market value of all positions, used by
// the equity-deployment guard.
func (c *Coordinator) totalEquity(ctx context.Context, snapshots []types.PositionSnapshot) (decimal.Decimal, error) {
	equity, err := c.gateway.GetBuyingPower(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	for _, s := range snapshots {
		if s.Quantity.IsZero() {
			continue
		}
		price, err := c.gateway.GetQuote(ctx, s.Symbol)
		if err != nil {
			// A symbol without a quote contributes nothing to equity; the
			// guard errs on the conservative side.
			log.Warn().Str("symbol", s.Symbol).Err(err).Msg("no quote for equity computation")
			continue
		}
		equity = equity.Add(s.Quantity.Mul(price))
	}
	return equity, nil
}

func (c *Coordinator) persistRun(result *types.RunResult, logger zerolog.Logger) {
	run, err := c.db.GetRun(result.RunID)
	if err != nil || run == nil {
		logger.Error().Err(err).Msg("run record missing, cannot persist outcome")
		return
	}

	summary := Summarize(result)
	now := time.Now()
	run.Status = result.Status
	run.TotalTrades = summary.TotalTrades
	run.SucceededTrades = summary.SucceededTrades
	run.FailedTrades = summary.FailedTrades
	run.SkippedTrades = summary.SkippedTrades
	run.SellCount = summary.SellCount
	run.BuyCount = summary.BuyCount
	run.TotalValue = summary.TotalValue
	run.Summary = summary.Summary
	run.CompletedAt = &now

	if err := c.db.UpdateRun(run); err != nil {
		logger.Error().Err(err).Msg("failed to persist run outcome")
	}
}
