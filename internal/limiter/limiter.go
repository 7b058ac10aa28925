// Package limiter paces outbound connect attempts with a token bucket.
package limiter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

const (
	// DefaultRate is the default number of connect tokens replenished per second.
	DefaultRate = 5

	// DefaultBurst is the default bucket size.
	DefaultBurst = 5
)

// Burst gates connect attempts behind a token bucket. Waiters are served
// FIFO at equal priority. Only connects go through it, never message sends.
type Burst struct {
	limiter *rate.Limiter
}

// NewBurst creates a bucket replenishing perSecond tokens each second with
// the given burst size. Non-positive arguments fall back to the defaults.
func NewBurst(perSecond float64, burst int) *Burst {
	if perSecond <= 0 {
		perSecond = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Burst{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Schedule waits for a token and then runs task, returning its error. The
// wait is abandoned when ctx is cancelled.
func (b *Burst) Schedule(ctx context.Context, task func() error) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for connect token: %w", err)
	}
	return task()
}
