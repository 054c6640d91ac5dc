package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quantrail/rebalance-api/internal/broker"
	"github.com/quantrail/rebalance-api/internal/events"
	"github.com/quantrail/rebalance-api/internal/types"
)

func newReconcilerFixture(t *testing.T) (*Reconciler, *broker.MockBroker) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	if err := db.AutoMigrate(&types.DriftRecord{}); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	mock := broker.NewMockBroker(bus)

	r := NewReconciler(mock, db, decimal.NewFromFloat(0.0001), decimal.NewFromInt(5))
	return r, mock
}

func seed(r *Reconciler, symbol string, qty int64) {
	r.Seed([]types.PositionSnapshot{{
		Symbol:   symbol,
		Quantity: decimal.NewFromInt(qty),
		AsOf:     time.Now(),
		Source:   types.SourceBroker,
	}})
}

func TestReconcileNoDriftInsideEpsilon(t *testing.T) {
	r, mock := newReconcilerFixture(t)
	seed(r, "AAPL", 100)
	mock.SetPosition("AAPL", decimal.NewFromInt(100))

	record, err := r.Reconcile(context.Background(), "RUN_1", "AAPL")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if record != nil {
		t.Errorf("got drift record %+v, want none", record)
	}
	if r.Halted("AAPL") {
		t.Error("symbol halted with no drift")
	}
}

// Drift of one share is inside the alert limit: corrected silently, broker
// truth adopted, symbol keeps trading.
func TestReconcileSmallDriftCorrected(t *testing.T) {
	r, mock := newReconcilerFixture(t)
	seed(r, "AAPL", 100)
	mock.SetPosition("AAPL", decimal.NewFromInt(99))

	record, err := r.Reconcile(context.Background(), "RUN_1", "AAPL")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if record == nil {
		t.Fatal("expected a drift record")
	}
	if record.Resolution != types.DriftCorrected {
		t.Errorf("resolution = %s, want CORRECTED", record.Resolution)
	}
	if !record.Delta.Equal(decimal.NewFromInt(-1)) {
		t.Errorf("delta = %s, want -1", record.Delta)
	}
	if !r.Projection("AAPL").Equal(decimal.NewFromInt(99)) {
		t.Errorf("projection = %s, want broker truth 99", r.Projection("AAPL"))
	}
	if r.Halted("AAPL") {
		t.Error("corrected drift must not halt the symbol")
	}

	// The record is persisted for the audit trail.
	records, err := r.db.GetDriftRecordsForRun("RUN_1")
	if err != nil {
		t.Fatalf("reading drift records: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("persisted %d records, want 1", len(records))
	}
}

// Drift of fifty shares is far past the alert limit: alerted, halted, and the
// projection is deliberately left alone for investigation.
func TestReconcileLargeDriftAlertsAndHalts(t *testing.T) {
	r, mock := newReconcilerFixture(t)
	seed(r, "AAPL", 100)
	mock.SetPosition("AAPL", decimal.NewFromInt(50))

	record, err := r.Reconcile(context.Background(), "RUN_1", "AAPL")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if record == nil {
		t.Fatal("expected a drift record")
	}
	if record.Resolution != types.DriftAlerted {
		t.Errorf("resolution = %s, want ALERTED", record.Resolution)
	}
	if !r.Halted("AAPL") {
		t.Error("alerted drift must halt the symbol")
	}
	if !r.Projection("AAPL").Equal(decimal.NewFromInt(100)) {
		t.Errorf("projection = %s, alerted drift must not adopt broker truth", r.Projection("AAPL"))
	}
}

func TestApplyFillAdvancesProjection(t *testing.T) {
	r, _ := newReconcilerFixture(t)
	seed(r, "AAPL", 100)

	r.ApplyFill("AAPL", types.SideSell, decimal.NewFromInt(40))
	if !r.Projection("AAPL").Equal(decimal.NewFromInt(60)) {
		t.Errorf("projection after sell = %s, want 60", r.Projection("AAPL"))
	}

	r.ApplyFill("AAPL", types.SideBuy, decimal.NewFromFloat(2.5))
	if !r.Projection("AAPL").Equal(decimal.NewFromFloat(62.5)) {
		t.Errorf("projection after buy = %s, want 62.5", r.Projection("AAPL"))
	}
}

func TestLockSymbolSerializesAccess(t *testing.T) {
	r, _ := newReconcilerFixture(t)

	unlock := r.LockSymbol("AAPL")

	acquired := make(chan struct{})
	go func() {
		u := r.LockSymbol("AAPL")
		u()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after release")
	}
}
