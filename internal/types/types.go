package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderState is a stage in the order lifecycle state machine.
// UNKNOWN is reached only after the monitoring timeout and every follow-up
// status query have been exhausted; it always requires reconciliation.
type OrderState string

const (
	StateSubmitted       OrderState = "SUBMITTED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCanceled        OrderState = "CANCELED"
	StateRejected        OrderState = "REJECTED"
	StateExpired         OrderState = "EXPIRED"
	StateUnknown         OrderState = "UNKNOWN"
)

// Terminal reports whether the state is a definitive end state.
// UNKNOWN is deliberately excluded: an order parked in UNKNOWN has an
// undetermined broker-side outcome and must never be read as failed.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected, StateExpired:
		return true
	}
	return false
}

// TradeMessage is one entry of an inbound rebalance plan. Quantity carries the
// target share count for the symbol as computed by the allocation collaborator;
// Action is the side the collaborator expected and is cross-checked against the
// live position when the plan is turned into intents.
type TradeMessage struct {
	TradeID     string          `json:"trade_id" binding:"required"`
	Symbol      string          `json:"symbol" binding:"required"`
	Action      Side            `json:"action" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	TargetValue decimal.Decimal `json:"target_value"`
}

// RebalancePlan is the validated inbound payload for one execution run.
type RebalancePlan struct {
	CorrelationID string         `json:"correlation_id" binding:"required"`
	Trades        []TradeMessage `json:"trades" binding:"required,min=1"`
}

// TradeIntent is the minimal order the planner derived for one symbol.
// Immutable once handed to the coordinator.
type TradeIntent struct {
	TradeID       string
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	Notional      decimal.Decimal // optional; zero means quantity-priced
	CorrelationID string
}

// OrderRecord is the persistent record of a single order from submission to
// its terminal state. Owned by the lifecycle tracker; everything except State,
// fill fields and the terminal columns is written once at submission.
type OrderRecord struct {
	gorm.Model        `json:"-"`
	OrderID           string          `gorm:"uniqueIndex" json:"order_id"`
	RunID             string          `gorm:"index" json:"run_id"`
	CorrelationID     string          `json:"correlation_id"`
	TradeID           string          `json:"trade_id"`
	Symbol            string          `gorm:"index" json:"symbol"`
	Side              Side            `json:"side"`
	State             OrderState      `json:"state"`
	SubmittedQuantity decimal.Decimal `gorm:"type:decimal(20,8)" json:"submitted_quantity"`
	SubmittedNotional decimal.Decimal `gorm:"type:decimal(20,8)" json:"submitted_notional"`
	EstimatedValue    decimal.Decimal `gorm:"type:decimal(20,8)" json:"estimated_value"`
	FilledQuantity    decimal.Decimal `gorm:"type:decimal(20,8)" json:"filled_quantity"`
	AvgFillPrice      decimal.Decimal `gorm:"type:decimal(20,8)" json:"avg_fill_price"`
	BrokerOrderID     string          `json:"broker_order_id"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	Escalated         bool            `json:"escalated"`
	SubmittedAt       time.Time       `json:"submitted_at"`
	TerminalAt        *time.Time      `json:"terminal_at,omitempty"`
}

// Value is the notional the order represents: the fill value once filled,
// otherwise the pre-submission estimate.
func (o *OrderRecord) Value() decimal.Decimal {
	if o.FilledQuantity.IsPositive() && o.AvgFillPrice.IsPositive() {
		return o.FilledQuantity.Mul(o.AvgFillPrice)
	}
	if o.SubmittedNotional.IsPositive() {
		return o.SubmittedNotional
	}
	return o.EstimatedValue
}

// PositionSource identifies which side of the reconciliation a snapshot
// came from.
type PositionSource string

const (
	SourceInternal PositionSource = "internal-projection"
	SourceBroker   PositionSource = "broker-authoritative"
)

// PositionSnapshot is one view of a position at a point in time.
type PositionSnapshot struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AsOf     time.Time       `json:"as_of"`
	Source   PositionSource  `json:"source"`
}

// Drift resolutions.
const (
	DriftIgnored   = "IGNORED"
	DriftCorrected = "CORRECTED"
	DriftAlerted   = "ALERTED"
)

// DriftRecord captures a detected discrepancy between the internal position
// projection and the broker-authoritative position. Never silently discarded.
type DriftRecord struct {
	gorm.Model  `json:"-"`
	DriftID     string          `gorm:"uniqueIndex" json:"drift_id"`
	RunID       string          `gorm:"index" json:"run_id"`
	Symbol      string          `gorm:"index" json:"symbol"`
	InternalQty decimal.Decimal `gorm:"type:decimal(20,8)" json:"internal_qty"`
	BrokerQty   decimal.Decimal `gorm:"type:decimal(20,8)" json:"broker_qty"`
	Delta       decimal.Decimal `gorm:"type:decimal(20,8)" json:"delta"`
	Resolution  string          `json:"resolution"` // IGNORED, CORRECTED, ALERTED
	DetectedAt  time.Time       `json:"detected_at"`
}

// ReservationTicket is a provisional hold against buying power for one
// in-flight order, released when the order reaches a terminal state.
type ReservationTicket struct {
	OrderID        string          `json:"order_id"`
	ReservedAmount decimal.Decimal `json:"reserved_amount"`
	CreatedAt      time.Time       `json:"created_at"`
	ReleasedAt     *time.Time      `json:"released_at,omitempty"`
}

// Phase names.
const (
	PhaseSell = "SELL"
	PhaseBuy  = "BUY"
)

// PhaseResult summarizes all orders of one execution phase. Produced by the
// aggregator at the phase boundary and consumed by the phase guard.
type PhaseResult struct {
	Phase               string          `json:"phase"`
	Orders              []OrderRecord   `json:"orders"`
	SucceededCount      int             `json:"succeeded_count"`
	FailedCount         int             `json:"failed_count"`
	UnresolvedCount     int             `json:"unresolved_count"`
	TotalAttemptedValue decimal.Decimal `json:"total_attempted_value"`
	TotalSucceededValue decimal.Decimal `json:"total_succeeded_value"`
	TotalFailedValue    decimal.Decimal `json:"total_failed_value"`
}

// Run statuses.
const (
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"
	RunBlocked   = "BLOCKED" // BUY phase stopped by the phase guard
	RunFailed    = "FAILED"
)

// RunRecord is the persistent, API-visible record of one rebalance run.
type RunRecord struct {
	gorm.Model      `json:"-"`
	RunID           string          `gorm:"uniqueIndex" json:"run_id"`
	CorrelationID   string          `gorm:"index" json:"correlation_id"`
	Status          string          `json:"status"`
	TotalTrades     int             `json:"total_trades"`
	SucceededTrades int             `json:"succeeded_trades"`
	FailedTrades    int             `json:"failed_trades"`
	SkippedTrades   int             `json:"skipped_trades"`
	SellCount       int             `json:"sell_count"`
	BuyCount        int             `json:"buy_count"`
	TotalValue      decimal.Decimal `gorm:"type:decimal(20,8)" json:"total_value"`
	Summary         string          `json:"summary"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// RunResult is the in-memory outcome of a run before it is flattened into a
// RunRecord and a notification.
type RunResult struct {
	RunID         string
	CorrelationID string
	Status        string
	SellResult    PhaseResult
	BuyResult     PhaseResult
	SkippedTrades int
	GuardReason   string
	Summary       string
}

// RunSummary is the single notification payload every run produces.
type RunSummary struct {
	RunID           string          `json:"run_id"`
	CorrelationID   string          `json:"correlation_id"`
	TotalTrades     int             `json:"total_trades"`
	SucceededTrades int             `json:"succeeded_trades"`
	FailedTrades    int             `json:"failed_trades"`
	SkippedTrades   int             `json:"skipped_trades"`
	SellCount       int             `json:"sell_count"`
	BuyCount        int             `json:"buy_count"`
	TotalValue      decimal.Decimal `json:"total_value"`
	Summary         string          `json:"summary"`
}
