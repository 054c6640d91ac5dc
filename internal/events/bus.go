package events

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/rebalance-api/internal/types"
)

// OrderEvent is one state transition pushed for an in-flight order.
type OrderEvent struct {
	OrderID        string
	BrokerOrderID  string
	Symbol         string
	State          types.OrderState
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Reason         string
	At             time.Time
}

// Bus carries order state transitions between the broker side and the
// lifecycle trackers. A bus is scoped to one execution run so runs stay
// testable in isolation.
type Bus interface {
	Publish(ev OrderEvent)
	// Subscribe returns a channel of events for one order and a cancel
	// function that must be called when tracking ends.
	Subscribe(orderID string) (<-chan OrderEvent, func())
	Close()
}

type memoryBus struct {
	mu     sync.Mutex
	subs   map[string][]chan OrderEvent
	closed bool
}

// NewBus returns an in-memory bus.
func NewBus() Bus {
	return &memoryBus{subs: make(map[string][]chan OrderEvent)}
}

func (b *memoryBus) Publish(ev OrderEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[ev.OrderID] {
		// Drop rather than block: a slow tracker falls back to polling.
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *memoryBus) Subscribe(orderID string) (<-chan OrderEvent, func()) {
	ch := make(chan OrderEvent, 16)

	b.mu.Lock()
	b.subs[orderID] = append(b.subs[orderID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[orderID]
		for i, c := range chans {
			if c == ch {
				b.subs[orderID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(b.subs[orderID]) == 0 {
			delete(b.subs, orderID)
		}
	}
	return ch, cancel
}

func (b *memoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]chan OrderEvent)
}
