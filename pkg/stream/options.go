// Package stream is the public surface of the Polymarket CLOB streaming core:
// a group-based subscription and connection manager for the market and user
// WebSocket channels.
package stream

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/johan/polymarket-stream/internal/ws"
	"github.com/johan/polymarket-stream/pkg/types"
)

const (
	// DefaultMaxMarketsPerWS is the default per-connection subscription cap.
	DefaultMaxMarketsPerWS = 100

	// DefaultReconnectAndCleanupInterval is the default period of the tick
	// that reconnects PENDING/DEAD groups and removes emptied/CLEANUP ones.
	DefaultReconnectAndCleanupInterval = 10 * time.Second
)

// Limiter paces outbound connect attempts. The default is a token bucket
// permitting 5 connects per second with a burst of 5; callers may supply
// their own.
type Limiter interface {
	Schedule(ctx context.Context, task func() error) error
}

// MarketHandlers receives market-channel events. Every field is optional;
// each receives the events decoded from one inbound frame as a single batch,
// already filtered to the currently subscribed assets.
type MarketHandlers struct {
	OnBook           func(batch []types.MarketMessage)
	OnPriceChange    func(batch []types.MarketMessage)
	OnTickSizeChange func(batch []types.MarketMessage)
	OnLastTradePrice func(batch []types.MarketMessage)

	// OnPriceUpdate receives the derived displayed-price events, at most one
	// per asset per inbound frame.
	OnPriceUpdate func(batch []types.PriceUpdate)

	OnWSOpen  func(groupID string, assetIDs []string)
	OnWSClose func(groupID string, code int, reason string)
	OnError   func(err error)
}

// UserHandlers receives user-channel events. Every field is optional; the
// apiKey identifies which user's socket the event arrived on.
type UserHandlers struct {
	OnTrade   func(apiKey string, batch []types.UserMessage)
	OnOrder   func(apiKey string, batch []types.UserMessage)
	OnWSOpen  func(apiKey string)
	OnWSClose func(apiKey string, code int, reason string)
	OnError   func(apiKey string, err error)
}

// Options configures a Manager. The zero value selects every default.
type Options struct {
	// MaxMarketsPerWS caps how many assets one market connection multiplexes.
	MaxMarketsPerWS int

	// ReconnectAndCleanupInterval is the period of the reconnect/cleanup tick.
	ReconnectAndCleanupInterval time.Duration

	// Limiter replaces the default connect-burst token bucket.
	Limiter Limiter

	// Logger receives the library's structured logs. Defaults to a no-op.
	Logger *zap.Logger

	// MetricsRegisterer, when set, enables Prometheus instrumentation
	// registered against it.
	MetricsRegisterer prometheus.Registerer

	// MarketURL and UserURL override the upstream endpoints.
	MarketURL string
	UserURL   string

	// dialer swaps the transport; tests install fakes here.
	dialer ws.Dialer
}

func (o Options) withDefaults() Options {
	if o.MaxMarketsPerWS <= 0 {
		o.MaxMarketsPerWS = DefaultMaxMarketsPerWS
	}
	if o.ReconnectAndCleanupInterval <= 0 {
		o.ReconnectAndCleanupInterval = DefaultReconnectAndCleanupInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MarketURL == "" {
		o.MarketURL = ws.MarketURL
	}
	if o.UserURL == "" {
		o.UserURL = ws.UserURL
	}
	if o.dialer == nil {
		o.dialer = &ws.GorillaDialer{}
	}
	return o
}
