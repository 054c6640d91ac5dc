package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/rebalance-api/internal/events"
	"github.com/quantrail/rebalance-api/internal/types"
)

func newTestBroker(t *testing.T) (*MockBroker, events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	mock := NewMockBroker(bus)
	mock.SetFillDelay(5 * time.Millisecond)
	return mock, bus
}

func waitFill(t *testing.T, sub <-chan events.OrderEvent) events.OrderEvent {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no fill event")
		return events.OrderEvent{}
	}
}

func TestMockBrokerFillsQuantityOrder(t *testing.T) {
	mock, bus := newTestBroker(t)
	mock.SetPrice("AAPL", decimal.NewFromFloat(230.50))
	mock.SetPosition("AAPL", decimal.NewFromInt(100))
	mock.SetBuyingPower(decimal.NewFromInt(10000))

	sub, cancel := bus.Subscribe("CLI_1")
	defer cancel()

	brokerOrderID, err := mock.SubmitOrder(context.Background(), OrderRequest{
		ClientOrderID: "CLI_1",
		Symbol:        "AAPL",
		Side:          types.SideSell,
		Quantity:      decimal.NewFromInt(40),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	ev := waitFill(t, sub)
	if ev.State != types.StateFilled {
		t.Errorf("state = %s, want FILLED", ev.State)
	}
	if ev.BrokerOrderID != brokerOrderID {
		t.Errorf("broker order id = %s, want %s", ev.BrokerOrderID, brokerOrderID)
	}

	pos, _ := mock.GetPosition(context.Background(), "AAPL")
	if !pos.Equal(decimal.NewFromInt(60)) {
		t.Errorf("position after sell = %s, want 60", pos)
	}
	bp, _ := mock.GetBuyingPower(context.Background())
	if !bp.Equal(decimal.NewFromInt(10000).Add(decimal.NewFromInt(40).Mul(decimal.NewFromFloat(230.50)))) {
		t.Errorf("buying power after sell = %s", bp)
	}
}

func TestMockBrokerNotionalFillTruncatesNonFractionable(t *testing.T) {
	mock, bus := newTestBroker(t)
	mock.SetPrice("TQQQ", decimal.NewFromFloat(26.40))
	mock.SetBuyingPower(decimal.NewFromInt(1000))
	mock.SetNonFractionable("TQQQ")

	sub, cancel := bus.Subscribe("CLI_2")
	defer cancel()

	_, err := mock.SubmitOrder(context.Background(), OrderRequest{
		ClientOrderID: "CLI_2",
		Symbol:        "TQQQ",
		Side:          types.SideBuy,
		Notional:      decimal.NewFromFloat(46.20),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	ev := waitFill(t, sub)
	// 46.20 / 26.40 = 1.75, truncated to one whole share.
	if !ev.FilledQuantity.Equal(decimal.NewFromInt(1)) {
		t.Errorf("filled quantity = %s, want 1", ev.FilledQuantity)
	}
}

func TestMockBrokerRejectsScriptedSymbols(t *testing.T) {
	mock, _ := newTestBroker(t)
	mock.SetPrice("AAPL", decimal.NewFromFloat(230.50))
	mock.RejectOrders("AAPL", "symbol halted")

	_, err := mock.SubmitOrder(context.Background(), OrderRequest{
		ClientOrderID: "CLI_3",
		Symbol:        "AAPL",
		Side:          types.SideSell,
		Quantity:      decimal.NewFromInt(1),
	})

	var brokerErr *types.BrokerError
	if !errors.As(err, &brokerErr) || brokerErr.Kind != types.KindRejected {
		t.Fatalf("error = %v, want KindRejected", err)
	}
}

func TestMockBrokerRejectsFractionalQuantityOnNonFractionable(t *testing.T) {
	mock, _ := newTestBroker(t)
	mock.SetPrice("TQQQ", decimal.NewFromFloat(26.40))
	mock.SetNonFractionable("TQQQ")

	_, err := mock.SubmitOrder(context.Background(), OrderRequest{
		ClientOrderID: "CLI_4",
		Symbol:        "TQQQ",
		Side:          types.SideBuy,
		Quantity:      decimal.NewFromFloat(1.75),
	})

	var brokerErr *types.BrokerError
	if !errors.As(err, &brokerErr) || brokerErr.Kind != types.KindNonFractionable {
		t.Fatalf("error = %v, want KindNonFractionable", err)
	}
}

func TestMockBrokerFlakyStatusQueries(t *testing.T) {
	mock, bus := newTestBroker(t)
	mock.SetPrice("AAPL", decimal.NewFromFloat(230.50))
	mock.SetBuyingPower(decimal.NewFromInt(10000))

	sub, cancel := bus.Subscribe("CLI_5")
	defer cancel()

	brokerOrderID, err := mock.SubmitOrder(context.Background(), OrderRequest{
		ClientOrderID: "CLI_5",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	waitFill(t, sub)

	mock.FailStatusQueries(2)

	for i := 0; i < 2; i++ {
		if _, err := mock.GetOrderStatus(context.Background(), brokerOrderID); !types.IsTransient(err) {
			t.Fatalf("query %d error = %v, want transient", i+1, err)
		}
	}

	status, err := mock.GetOrderStatus(context.Background(), brokerOrderID)
	if err != nil {
		t.Fatalf("third query failed: %v", err)
	}
	if status.State != types.StateFilled {
		t.Errorf("state = %s, want FILLED", status.State)
	}
}
