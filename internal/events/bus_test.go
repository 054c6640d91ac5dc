package events

import (
	"testing"
	"time"

	"github.com/quantrail/rebalance-api/internal/types"
)

func TestBusDeliversToMatchingSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub, cancel := bus.Subscribe("ORD_1")
	defer cancel()
	other, otherCancel := bus.Subscribe("ORD_2")
	defer otherCancel()

	bus.Publish(OrderEvent{OrderID: "ORD_1", State: types.StateFilled})

	select {
	case ev := <-sub:
		if ev.State != types.StateFilled {
			t.Errorf("state = %s, want FILLED", ev.State)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case ev := <-other:
		t.Fatalf("unrelated subscriber received %+v", ev)
	default:
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub, cancel := bus.Subscribe("ORD_1")
	defer cancel()

	// Fill the buffer and then some; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(OrderEvent{OrderID: "ORD_1", State: types.StateSubmitted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	// The buffered events are still readable.
	select {
	case <-sub:
	default:
		t.Error("no buffered event available")
	}
}

func TestBusCancelUnsubscribes(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub, cancel := bus.Subscribe("ORD_1")
	cancel()

	bus.Publish(OrderEvent{OrderID: "ORD_1", State: types.StateFilled})

	select {
	case ev := <-sub:
		t.Fatalf("canceled subscriber received %+v", ev)
	default:
	}
}

func TestBusPublishAfterCloseIsNoOp(t *testing.T) {
	bus := NewBus()
	sub, cancel := bus.Subscribe("ORD_1")
	defer cancel()

	bus.Close()
	bus.Publish(OrderEvent{OrderID: "ORD_1", State: types.StateFilled})

	select {
	case ev := <-sub:
		t.Fatalf("received event after close: %+v", ev)
	default:
	}
}
