// Package retry provides the backoff primitives used for bridge
// reconnection and status delivery: an exponential backoff with jitter for
// open-ended reconnect loops, and a bounded-attempt runner for one-shot
// deliveries.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Backoff computes successive delays for an open-ended retry loop. Zero
// fields fall back to the defaults in Next.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64 // ±fraction of the delay to randomize

	current time.Duration
}

// Next returns the delay to sleep before the next attempt and advances the
// backoff.
func (b *Backoff) Next() time.Duration {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max <= 0 {
		b.Max = time.Minute
	}
	if b.Factor < 1 {
		b.Factor = 2.0
	}

	if b.current == 0 {
		b.current = b.Initial
	}
	delay := b.current

	b.current = time.Duration(float64(b.current) * b.Factor)
	if b.current > b.Max {
		b.current = b.Max
	}

	return applyJitter(delay, b.Jitter)
}

// Reset returns the backoff to its initial delay. Call after a successful
// attempt.
func (b *Backoff) Reset() {
	b.current = 0
}

// Do runs op up to attempts times, sleeping delay between attempts, until op
// succeeds or ctx is cancelled. The last error is returned wrapped with the
// attempt count.
func Do(ctx context.Context, attempts int, delay time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := op(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}
