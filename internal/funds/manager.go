package funds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/rebalance-api/internal/broker"
	"github.com/quantrail/rebalance-api/internal/metrics"
	"github.com/quantrail/rebalance-api/internal/types"
)

// Manager is the single authority for buying power reservations within one
// execution run. Every reserve and release is serialized behind one lock, so
// two concurrent BUY submissions can never both pass a balance check against
// stale broker data. Available buying power is always recomputed from a fresh
// broker read minus the outstanding reservations, never from a running total.
type Manager struct {
	gateway broker.Gateway
	buffer  decimal.Decimal // worst-case estimate multiplier for slippage

	mu          sync.Mutex
	outstanding map[string]*types.ReservationTicket
}

// NewManager returns a reservation ledger over the given gateway. buffer
// inflates worst-case BUY estimates, e.g. 1.02 for a 2% slippage allowance.
func NewManager(gateway broker.Gateway, buffer decimal.Decimal) *Manager {
	if !buffer.IsPositive() {
		buffer = decimal.NewFromInt(1)
	}
	return &Manager{
		gateway:     gateway,
		buffer:      buffer,
		outstanding: make(map[string]*types.ReservationTicket),
	}
}

// Reserve places a hold for the order. amount is the raw estimate (ask price
// times quantity, or the explicit notional); the configured buffer is applied
// here. Returns types.ErrInsufficientBuyingPower when the inflated amount is
// not covered by broker buying power net of outstanding reservations.
func (m *Manager) Reserve(ctx context.Context, orderID string, amount decimal.Decimal) (*types.ReservationTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buyingPower, err := m.gateway.GetBuyingPower(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading buying power: %w", err)
	}

	need := amount.Mul(m.buffer)
	available := buyingPower.Sub(m.reservedLocked())

	if need.GreaterThan(available) {
		log.Warn().
			Str("order_id", orderID).
			Str("requested", need.String()).
			Str("available", available.String()).
			Msg("reservation refused")
		return nil, fmt.Errorf("%w: need %s, available %s",
			types.ErrInsufficientBuyingPower, need.StringFixed(2), available.StringFixed(2))
	}

	ticket := &types.ReservationTicket{
		OrderID:        orderID,
		ReservedAmount: need,
		CreatedAt:      time.Now(),
	}
	m.outstanding[orderID] = ticket
	m.publishGauge()

	log.Debug().
		Str("order_id", orderID).
		Str("reserved", need.String()).
		Str("remaining", available.Sub(need).String()).
		Msg("buying power reserved")

	return ticket, nil
}

// Release frees the hold when the order reaches a terminal state. Releasing
// an already-released ticket is a no-op. Any gap between the estimate and the
// actual fill price is absorbed on the next Available call, which re-reads
// broker buying power.
func (m *Manager) Release(ticket *types.ReservationTicket) {
	if ticket == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.outstanding[ticket.OrderID]; !ok {
		return
	}
	now := time.Now()
	ticket.ReleasedAt = &now
	delete(m.outstanding, ticket.OrderID)
	m.publishGauge()

	log.Debug().
		Str("order_id", ticket.OrderID).
		Str("released", ticket.ReservedAmount.String()).
		Msg("reservation released")
}

// Available returns broker-reported buying power minus outstanding
// reservations.
func (m *Manager) Available(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buyingPower, err := m.gateway.GetBuyingPower(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading buying power: %w", err)
	}
	return buyingPower.Sub(m.reservedLocked()), nil
}

// Reserved returns the sum of outstanding reservations.
func (m *Manager) Reserved() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reservedLocked()
}

func (m *Manager) reservedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, t := range m.outstanding {
		total = total.Add(t.ReservedAmount)
	}
	return total
}

func (m *Manager) publishGauge() {
	reserved, _ := m.reservedLocked().Float64()
	metrics.ReservedNotional.Set(reserved)
}
