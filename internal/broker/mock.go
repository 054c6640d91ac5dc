package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/rebalance-api/internal/events"
	"github.com/quantrail/rebalance-api/internal/types"
)

// MockBroker is an in-process broker simulator implementing Gateway. It keeps
// authoritative positions and buying power, fills orders asynchronously after
// a configurable delay, and pushes state transitions onto the event bus the
// way a live order-update stream would. Tests and the simulation binary
// script its behavior per symbol.
type MockBroker struct {
	mu  sync.Mutex
	bus events.Bus

	prices       map[string]decimal.Decimal
	positions    map[string]decimal.Decimal
	buyingPower  decimal.Decimal
	fractionable map[string]bool // missing means fractionable
	orders       map[string]*OrderStatus
	clientIDs    map[string]string // brokerOrderID -> client order id
	symbols      map[string]string // brokerOrderID -> symbol

	fillDelay       time.Duration
	suppressUpdates map[string]bool   // symbols whose push updates are dropped
	rejectOrders    map[string]string // symbol -> rejection reason
	flakyStatus     int               // pending transient failures on status queries

	seq int
}

// NewMockBroker returns a simulator publishing order updates on bus.
func NewMockBroker(bus events.Bus) *MockBroker {
	return &MockBroker{
		bus:             bus,
		prices:          make(map[string]decimal.Decimal),
		positions:       make(map[string]decimal.Decimal),
		buyingPower:     decimal.Zero,
		fractionable:    make(map[string]bool),
		orders:          make(map[string]*OrderStatus),
		clientIDs:       make(map[string]string),
		symbols:         make(map[string]string),
		fillDelay:       10 * time.Millisecond,
		suppressUpdates: make(map[string]bool),
		rejectOrders:    make(map[string]string),
	}
}

// Scripting knobs.

func (m *MockBroker) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

func (m *MockBroker) SetPosition(symbol string, qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = qty
}

func (m *MockBroker) SetBuyingPower(amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buyingPower = amount
}

// SetNonFractionable makes the symbol reject fractional quantity orders.
func (m *MockBroker) SetNonFractionable(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fractionable[symbol] = false
}

// SuppressUpdates drops push notifications for the symbol, forcing trackers
// onto the poll fallback.
func (m *MockBroker) SuppressUpdates(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressUpdates[symbol] = true
}

// RejectOrders makes every order for the symbol fail with a terminal
// rejection carrying the given reason.
func (m *MockBroker) RejectOrders(symbol, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectOrders[symbol] = reason
}

// FailStatusQueries makes the next n status queries fail transiently.
func (m *MockBroker) FailStatusQueries(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flakyStatus = n
}

// SetFillDelay controls how long orders stay open before filling.
func (m *MockBroker) SetFillDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillDelay = d
}

// SubmitOrder validates and accepts the order, then fills it asynchronously.
func (m *MockBroker) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reason, ok := m.rejectOrders[req.Symbol]; ok {
		return "", types.NewBrokerError(types.KindRejected, "submit", errors.New(reason))
	}

	price, ok := m.prices[req.Symbol]
	if !ok || !price.IsPositive() {
		return "", types.NewBrokerError(types.KindRejected, "submit",
			fmt.Errorf("no market for %s", req.Symbol))
	}

	if frac, known := m.fractionable[req.Symbol]; known && !frac {
		if !req.IsNotional() && !req.Quantity.Equal(req.Quantity.Truncate(0)) {
			return "", types.NewBrokerError(types.KindNonFractionable, "submit",
				fmt.Errorf("%s does not support fractional quantities", req.Symbol))
		}
	}

	m.seq++
	brokerOrderID := fmt.Sprintf("MOCK-%06d", m.seq)

	m.orders[brokerOrderID] = &OrderStatus{
		BrokerOrderID: brokerOrderID,
		State:         types.StateSubmitted,
	}
	m.clientIDs[brokerOrderID] = req.ClientOrderID
	m.symbols[brokerOrderID] = req.Symbol

	go m.fill(brokerOrderID, req, price)

	return brokerOrderID, nil
}

// fill settles the order after the configured delay and publishes the
// terminal transition unless updates are suppressed for the symbol.
func (m *MockBroker) fill(brokerOrderID string, req OrderRequest, price decimal.Decimal) {
	m.mu.Lock()
	delay := m.fillDelay
	m.mu.Unlock()
	time.Sleep(delay)

	qty := req.Quantity
	if req.IsNotional() {
		qty = req.Notional.Div(price)
		if frac, known := m.fractionable[req.Symbol]; known && !frac {
			qty = qty.Truncate(0)
		}
	}

	m.mu.Lock()
	status := m.orders[brokerOrderID]
	status.State = types.StateFilled
	status.FilledQuantity = qty
	status.AvgFillPrice = price

	value := qty.Mul(price)
	if req.Side == types.SideBuy {
		m.positions[req.Symbol] = m.positions[req.Symbol].Add(qty)
		m.buyingPower = m.buyingPower.Sub(value)
	} else {
		m.positions[req.Symbol] = m.positions[req.Symbol].Sub(qty)
		m.buyingPower = m.buyingPower.Add(value)
	}

	suppressed := m.suppressUpdates[req.Symbol]
	clientID := m.clientIDs[brokerOrderID]
	m.mu.Unlock()

	if suppressed {
		log.Debug().
			Str("broker_order_id", brokerOrderID).
			Str("symbol", req.Symbol).
			Msg("mock broker dropping push update")
		return
	}

	m.bus.Publish(events.OrderEvent{
		OrderID:        clientID,
		BrokerOrderID:  brokerOrderID,
		Symbol:         req.Symbol,
		State:          types.StateFilled,
		FilledQuantity: qty,
		AvgFillPrice:   price,
		At:             time.Now(),
	})
}

func (m *MockBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.flakyStatus > 0 {
		m.flakyStatus--
		return nil, types.NewBrokerError(types.KindTransient, "get_order_status",
			errors.New("simulated gateway timeout"))
	}

	status, ok := m.orders[brokerOrderID]
	if !ok {
		return nil, types.NewBrokerError(types.KindNotFound, "get_order_status",
			fmt.Errorf("unknown order %s", brokerOrderID))
	}
	copied := *status
	return &copied, nil
}

func (m *MockBroker) GetPositions(ctx context.Context) ([]types.PositionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snapshots := make([]types.PositionSnapshot, 0, len(m.positions))
	for symbol, qty := range m.positions {
		snapshots = append(snapshots, types.PositionSnapshot{
			Symbol:   symbol,
			Quantity: qty,
			AsOf:     now,
			Source:   types.SourceBroker,
		})
	}
	return snapshots, nil
}

func (m *MockBroker) GetPosition(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[symbol], nil
}

func (m *MockBroker) GetBuyingPower(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buyingPower, nil
}

func (m *MockBroker) GetQuote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, types.NewBrokerError(types.KindRejected, "get_quote",
			fmt.Errorf("no quote for %s", symbol))
	}
	return price, nil
}
