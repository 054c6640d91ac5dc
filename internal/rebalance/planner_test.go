package rebalance

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantrail/rebalance-api/internal/types"
)

func TestPlanComputesMinimalDelta(t *testing.T) {
	planner := NewPlanner(decimal.NewFromFloat(0.01))

	tests := []struct {
		name     string
		current  float64
		target   float64
		wantSide types.Side
		wantQty  float64
		wantOK   bool
	}{
		{"trim position", 100, 60, types.SideSell, 40, true},
		{"top up position", 20, 50, types.SideBuy, 30, true},
		{"open new position", 0, 30, types.SideBuy, 30, true},
		{"liquidate position", 100, 0, types.SideSell, 100, true},
		{"already at target", 25, 25, "", 0, false},
		{"inside churn threshold", 25, 25.005, "", 0, false},
		{"exactly at threshold trades", 25, 25.01, types.SideBuy, 0.01, true},
		{"fractional trim", 10.5, 10, types.SideSell, 0.5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, ok := planner.Plan("AAPL",
				decimal.NewFromFloat(tt.current), decimal.NewFromFloat(tt.target))

			if ok != tt.wantOK {
				t.Fatalf("Plan ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if intent.Side != tt.wantSide {
				t.Errorf("side = %s, want %s", intent.Side, tt.wantSide)
			}
			if !intent.Quantity.Equal(decimal.NewFromFloat(tt.wantQty)) {
				t.Errorf("quantity = %s, want %v", intent.Quantity, tt.wantQty)
			}
		})
	}
}

func TestBuildIntentsUsesLivePositions(t *testing.T) {
	planner := NewPlanner(decimal.NewFromFloat(0.01))

	plan := types.RebalancePlan{
		CorrelationID: "corr-1",
		Trades: []types.TradeMessage{
			// Collaborator says SELL to 60, but the live position is already
			// 50: the minimal order is a BUY of 10.
			{TradeID: "T1", Symbol: "AAPL", Action: types.SideSell, Quantity: decimal.NewFromInt(60)},
			// Live position already matches the target: no-op.
			{TradeID: "T2", Symbol: "MSFT", Action: types.SideBuy, Quantity: decimal.NewFromInt(25)},
			// Plain new buy.
			{TradeID: "T3", Symbol: "AMZN", Action: types.SideBuy, Quantity: decimal.NewFromInt(30)},
		},
	}
	positions := map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(50),
		"MSFT": decimal.NewFromInt(25),
	}

	intents, skipped := planner.BuildIntents(plan, positions)

	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
	if len(intents) != 2 {
		t.Fatalf("got %d intents, want 2", len(intents))
	}

	if intents[0].TradeID != "T1" || intents[0].Side != types.SideBuy {
		t.Errorf("intent 0 = %+v, want T1 BUY from live position", intents[0])
	}
	if !intents[0].Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("intent 0 quantity = %s, want 10", intents[0].Quantity)
	}
	if intents[1].TradeID != "T3" || intents[1].Side != types.SideBuy {
		t.Errorf("intent 1 = %+v, want T3 BUY", intents[1])
	}
	for _, intent := range intents {
		if intent.CorrelationID != "corr-1" {
			t.Errorf("intent %s missing correlation ID", intent.TradeID)
		}
	}
}

func TestBuildIntentsUnknownSymbolTreatedAsFlat(t *testing.T) {
	planner := NewPlanner(decimal.NewFromFloat(0.01))

	plan := types.RebalancePlan{
		CorrelationID: "corr-2",
		Trades: []types.TradeMessage{
			{TradeID: "T1", Symbol: "GOOGL", Action: types.SideBuy, Quantity: decimal.NewFromInt(5)},
		},
	}

	intents, skipped := planner.BuildIntents(plan, map[string]decimal.Decimal{})

	if skipped != 0 || len(intents) != 1 {
		t.Fatalf("got %d intents (%d skipped), want 1 intent", len(intents), skipped)
	}
	if !intents[0].Quantity.Equal(decimal.NewFromInt(5)) {
		t.Errorf("quantity = %s, want 5", intents[0].Quantity)
	}
}
