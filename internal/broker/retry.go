package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantrail/rebalance-api/internal/types"
)

const (
	baseDelay = 250 * time.Millisecond
	maxDelay  = 10 * time.Second
)

// Backoff returns the exponential backoff duration for a given attempt,
// baseDelay * 2^attempt capped at maxDelay.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		return baseDelay
	}
	if attempt > 30 {
		return maxDelay
	}
	d := baseDelay * time.Duration(1<<attempt)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// WithRetry runs fn up to attempts times, backing off between tries. Only
// transient broker errors are retried; a confirmed rejection or other
// terminal classification is returned immediately.
func WithRetry(ctx context.Context, op string, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !types.IsTransient(err) {
			return err
		}
		wait := Backoff(i)
		log.Warn().
			Str("op", op).
			Int("attempt", i+1).
			Dur("backoff", wait).
			Err(err).
			Msg("transient broker failure, backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
