// Package socket implements the per-group connection state machines for the
// market and user channels: limiter-gated connect, subscription, keepalive,
// decode, and dispatch. A socket object is created per connect attempt and
// calls back into its registry by group id; the registry record owns the
// connection.
package socket

import (
	"context"
	"math/rand/v2"
	"time"
)

// Limiter gates outbound connect attempts. Message sends are never limited.
type Limiter interface {
	Schedule(ctx context.Context, task func() error) error
}

// Keepalive period bounds in milliseconds. Each open draws a fresh uniform
// period so pings from many sockets do not align.
const (
	keepaliveMinMs = 15_000
	keepaliveMaxMs = 25_000
)

func keepaliveInterval() time.Duration {
	return time.Duration(keepaliveMinMs+rand.IntN(keepaliveMaxMs-keepaliveMinMs)) * time.Millisecond
}
