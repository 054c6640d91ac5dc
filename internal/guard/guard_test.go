package guard

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantrail/rebalance-api/internal/types"
)

func sellResult(failedValue float64, failedCount int) types.PhaseResult {
	return types.PhaseResult{
		Phase:            types.PhaseSell,
		FailedCount:      failedCount,
		TotalFailedValue: decimal.NewFromFloat(failedValue),
	}
}

func TestShouldProceed(t *testing.T) {
	tests := []struct {
		name        string
		limit       float64
		failedValue float64
		wantAllowed bool
	}{
		{"no failures", 500, 0, true},
		{"failures under limit", 500, 499.99, true},
		{"failures exactly at limit", 500, 500, true},
		{"failures over limit", 500, 500.01, false},
		{"large failure", 500, 23050, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(decimal.NewFromFloat(tt.limit), decimal.NewFromFloat(0.95))

			decision := g.ShouldProceed(sellResult(tt.failedValue, 1))
			if decision.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v", decision.Allowed, tt.wantAllowed)
			}
			if !decision.Allowed && decision.Reason == "" {
				t.Error("blocked decision carries no reason")
			}
		})
	}
}

func TestAllowBuyCapsCumulativeNotional(t *testing.T) {
	g := New(decimal.NewFromInt(500), decimal.NewFromFloat(0.95))
	equity := decimal.NewFromInt(10000) // limit: 9500

	// First two buys fit under the cap.
	if d := g.AllowBuy(decimal.NewFromInt(5000), equity); !d.Allowed {
		t.Fatalf("first buy blocked: %s", d.Reason)
	}
	if d := g.AllowBuy(decimal.NewFromInt(4000), equity); !d.Allowed {
		t.Fatalf("second buy blocked: %s", d.Reason)
	}

	// Third would push cumulative to 9600, over the 9500 limit.
	d := g.AllowBuy(decimal.NewFromInt(600), equity)
	if d.Allowed {
		t.Fatal("third buy allowed, want blocked")
	}
	if d.Reason == "" {
		t.Error("blocked decision carries no reason")
	}

	// A blocked buy must not count toward the committed total.
	if !g.CommittedBuyNotional().Equal(decimal.NewFromInt(9000)) {
		t.Errorf("committed = %s, want 9000", g.CommittedBuyNotional())
	}

	// A smaller buy that still fits goes through.
	if d := g.AllowBuy(decimal.NewFromInt(500), equity); !d.Allowed {
		t.Errorf("fitting buy blocked: %s", d.Reason)
	}
}

func TestAllowBuyExactLimit(t *testing.T) {
	g := New(decimal.NewFromInt(500), decimal.NewFromFloat(0.95))
	equity := decimal.NewFromInt(10000)

	if d := g.AllowBuy(decimal.NewFromInt(9500), equity); !d.Allowed {
		t.Errorf("buy exactly at limit blocked: %s", d.Reason)
	}
	if d := g.AllowBuy(decimal.NewFromFloat(0.01), equity); d.Allowed {
		t.Error("buy past exact limit allowed, want blocked")
	}
}
