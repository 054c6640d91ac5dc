package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a broker failure so retry-vs-terminal decisions are
// made by inspecting the kind rather than matching error strings.
type ErrorKind string

const (
	// KindTransient covers network, timeout and rate-limit failures; always
	// retryable with backoff.
	KindTransient ErrorKind = "TRANSIENT"
	// KindRejected is a confirmed application-level rejection; terminal for
	// the order, never retried with the same parameters.
	KindRejected ErrorKind = "REJECTED"
	// KindNonFractionable is a rejection specifically because the instrument
	// does not accept fractional quantities; the resolver gets one fallback.
	KindNonFractionable ErrorKind = "NON_FRACTIONABLE"
	// KindNotFound means the broker does not know the referenced order.
	KindNotFound ErrorKind = "NOT_FOUND"
)

// BrokerError wraps a failure from the broker gateway with its kind.
type BrokerError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// NewBrokerError builds a classified broker error.
func NewBrokerError(kind ErrorKind, op string, err error) *BrokerError {
	return &BrokerError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err, defaulting to KindTransient for
// unclassified failures so that unknown errors are retried rather than
// silently treated as terminal.
func KindOf(err error) ErrorKind {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsNonFractionable reports whether err is a fractional-quantity rejection.
func IsNonFractionable(err error) bool {
	return KindOf(err) == KindNonFractionable
}

var (
	// ErrInsufficientBuyingPower is returned by the buying power manager when
	// a reservation cannot be covered; the order never reaches the broker.
	ErrInsufficientBuyingPower = errors.New("insufficient buying power")

	// ErrGuardTripped aborts the remaining phase of a run.
	ErrGuardTripped = errors.New("phase guard tripped")

	// ErrSymbolHalted blocks further submissions for a symbol after drift
	// above the alert threshold was detected in the current run.
	ErrSymbolHalted = errors.New("symbol halted by drift alert")

	// ErrMonitoringUnresolved marks an order whose broker-side outcome could
	// not be determined after the monitoring timeout and all status-query
	// retries.
	ErrMonitoringUnresolved = errors.New("order outcome unresolved after status-query retries")
)
