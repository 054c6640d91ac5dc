package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quantrail/rebalance-api/internal/broker"
	"github.com/quantrail/rebalance-api/internal/metrics"
	"github.com/quantrail/rebalance-api/internal/types"
)

// Reconciler compares the internal position projection against broker truth
// after every terminal order. Validation against a stale projection is the
// single largest historical failure source, so reconciliation is mandatory,
// forces a fresh broker read, and never races a submission for the same
// symbol: callers hold the per-symbol lock across submit-through-reconcile.
type Reconciler struct {
	gateway broker.Gateway
	db      *Database

	epsilon    decimal.Decimal // at or below: positions considered equal
	alertLimit decimal.Decimal // above: alert and halt the symbol

	mu          sync.Mutex
	projections map[string]decimal.Decimal
	halted      map[string]bool
	symbolLocks map[string]*sync.Mutex
}

// NewReconciler returns a reconciler with the two-threshold drift policy:
// drift at or below epsilon is no drift, drift above epsilon but at or below
// alertLimit is silently corrected by adopting broker truth, and drift above
// alertLimit is alerted and halts the symbol for the rest of the run.
func NewReconciler(gateway broker.Gateway, gormDB *gorm.DB, epsilon, alertLimit decimal.Decimal) *Reconciler {
	return &Reconciler{
		gateway:     gateway,
		db:          NewDatabase(gormDB),
		epsilon:     epsilon,
		alertLimit:  alertLimit,
		projections: make(map[string]decimal.Decimal),
		halted:      make(map[string]bool),
		symbolLocks: make(map[string]*sync.Mutex),
	}
}

// Seed installs the starting projections for a run, normally the broker
// positions read at run start.
func (r *Reconciler) Seed(snapshots []types.PositionSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range snapshots {
		r.projections[s.Symbol] = s.Quantity
	}
}

// Projection returns the internal projection for the symbol.
func (r *Reconciler) Projection(symbol string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.projections[symbol]
}

// ApplyFill advances the internal projection for a fill.
func (r *Reconciler) ApplyFill(symbol string, side types.Side, qty decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if side == types.SideBuy {
		r.projections[symbol] = r.projections[symbol].Add(qty)
	} else {
		r.projections[symbol] = r.projections[symbol].Sub(qty)
	}
}

// LockSymbol acquires the per-symbol mutex and returns its release function.
// Submission and reconciliation for the same symbol must not overlap.
func (r *Reconciler) LockSymbol(symbol string) func() {
	r.mu.Lock()
	lock, ok := r.symbolLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		r.symbolLocks[symbol] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Halted reports whether drift above the alert threshold has stopped the
// symbol for this run.
func (r *Reconciler) Halted(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted[symbol]
}

// Reconcile forces a fresh broker read for the symbol and applies the
// two-threshold drift policy. Returns the drift record when one was raised;
// a nil record means the projection matched broker truth within epsilon.
func (r *Reconciler) Reconcile(ctx context.Context, runID, symbol string) (*types.DriftRecord, error) {
	logger := log.With().
		Str("symbol", symbol).
		Str("run_id", runID).
		Str("component", "reconciler").
		Logger()

	brokerQty, err := r.gateway.GetPosition(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("reading broker position for %s: %w", symbol, err)
	}

	r.mu.Lock()
	internalQty := r.projections[symbol]
	delta := brokerQty.Sub(internalQty)

	if delta.Abs().LessThanOrEqual(r.epsilon) {
		r.mu.Unlock()
		logger.Debug().
			Str("qty", brokerQty.String()).
			Msg("projection matches broker position")
		return nil, nil
	}

	record := &types.DriftRecord{
		DriftID:     "DRF_" + uuid.New().String(),
		RunID:       runID,
		Symbol:      symbol,
		InternalQty: internalQty,
		BrokerQty:   brokerQty,
		Delta:       delta,
		DetectedAt:  time.Now(),
	}

	if delta.Abs().LessThanOrEqual(r.alertLimit) {
		// Small drift: adopt broker truth as the new projection.
		record.Resolution = types.DriftCorrected
		r.projections[symbol] = brokerQty
		r.mu.Unlock()

		logger.Warn().
			Str("internal_qty", internalQty.String()).
			Str("broker_qty", brokerQty.String()).
			Str("delta", delta.String()).
			Msg("position drift corrected from broker truth")
	} else {
		record.Resolution = types.DriftAlerted
		r.halted[symbol] = true
		r.mu.Unlock()

		logger.Error().
			Str("internal_qty", internalQty.String()).
			Str("broker_qty", brokerQty.String()).
			Str("delta", delta.String()).
			Msg("position drift above alert threshold, halting symbol")
	}

	metrics.Drift.WithLabelValues(record.Resolution).Inc()

	if err := r.db.CreateDriftRecord(record); err != nil {
		logger.Error().Err(err).Msg("failed to persist drift record")
	}

	return record, nil
}
