package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// Backoff is a bounded exponential retry policy. Retry n waits Base * 2^n, capped at Max.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
	Clock      clock.Clock
}

// DefaultBackoff retries 5 times, starting at 100ms and never waiting more than 10s
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       100 * time.Millisecond,
		Max:        10 * time.Second,
		MaxRetries: 5,
		Clock:      clock.New(),
	}
}

// Delay returns the wait before the given retry (0 based)
func (b Backoff) Delay(retry int) time.Duration {
	d := time.Duration(math.Pow(2, float64(retry))) * b.Base
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}

// Wait blocks for the delay of the given retry, or until ctx is done
func (b Backoff) Wait(ctx context.Context, retry int) error {
	clk := b.Clock
	if clk == nil {
		clk = clock.New()
	}

	timer := clk.Timer(b.Delay(retry))
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls fn until it succeeds, fails with an error retryable rejects, or limit
// retries are spent. The last error is returned.
func (b Backoff) Do(ctx context.Context, limit int, retryable func(error) bool, fn func() error) error {
	for retry := 0; ; retry++ {
		err := fn()
		if err == nil {
			return nil
		}

		if retry >= limit || !retryable(err) {
			return err
		}

		if err := b.Wait(ctx, retry); err != nil {
			return err
		}
	}
}
