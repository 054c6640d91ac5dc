package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantrail/rebalance-api/internal/types"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 250 * time.Millisecond},
		{0, 250 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{5, 8 * time.Second},
		{6, 10 * time.Second}, // capped
		{40, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestWithRetryRetriesTransientOnly(t *testing.T) {
	transient := types.NewBrokerError(types.KindTransient, "submit", errors.New("timeout"))
	rejected := types.NewBrokerError(types.KindRejected, "submit", errors.New("halted"))

	t.Run("transient then success", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), "submit", 3, func() error {
			calls++
			if calls < 2 {
				return transient
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 2 {
			t.Errorf("calls = %d, want 2", calls)
		}
	})

	t.Run("rejection is terminal", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), "submit", 3, func() error {
			calls++
			return rejected
		})
		if !errors.Is(err, rejected) {
			t.Fatalf("error = %v, want the rejection", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1 (no retry on rejection)", calls)
		}
	})

	t.Run("budget exhausted returns last error", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), "submit", 2, func() error {
			calls++
			return transient
		})
		if !errors.Is(err, transient) {
			t.Fatalf("error = %v, want the transient failure", err)
		}
		if calls != 2 {
			t.Errorf("calls = %d, want 2", calls)
		}
	})

	t.Run("canceled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := WithRetry(ctx, "submit", 5, func() error {
			return transient
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
	})
}
