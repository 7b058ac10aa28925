package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/johan/polymarket-stream/internal/book"
	"github.com/johan/polymarket-stream/internal/limiter"
	"github.com/johan/polymarket-stream/internal/metrics"
	"github.com/johan/polymarket-stream/internal/registry"
	"github.com/johan/polymarket-stream/internal/socket"
	"github.com/johan/polymarket-stream/pkg/types"
)

// ErrUserHandlersNotSet is surfaced through the market OnError handler when
// ConnectUserSocket is called before SetUserHandlers.
var ErrUserHandlersNotSet = errors.New("stream: user handlers not set; call SetUserHandlers first")

const closeCodeNormal = 1000

// Manager multiplexes a dynamic set of asset subscriptions and authenticated
// users onto WebSocket connections. It owns the registries, the order-book
// cache, the connect limiter, and the periodic reconnect/cleanup tick, and it
// filters every market batch to the currently subscribed assets before
// invoking the caller's handlers.
type Manager struct {
	opts Options
	log  *zap.Logger
	met  *metrics.Metrics

	marketReg *registry.MarketRegistry
	userReg   *registry.UserRegistry
	cache     *book.Cache

	marketHandlers MarketHandlers

	userMu       sync.Mutex
	userHandlers *UserHandlers

	stopTick chan struct{}
	stopOnce sync.Once
	tickDone chan struct{}
}

// New creates a Manager with the given market handlers and starts its
// reconnect/cleanup tick. User handlers are opted into separately via
// SetUserHandlers. Call Close to release the Manager.
func New(handlers MarketHandlers, opts Options) *Manager {
	opts = opts.withDefaults()
	if opts.Limiter == nil {
		opts.Limiter = limiter.NewBurst(limiter.DefaultRate, limiter.DefaultBurst)
	}

	m := &Manager{
		opts:           opts,
		log:            opts.Logger,
		marketReg:      registry.NewMarketRegistry(opts.Logger),
		userReg:        registry.NewUserRegistry(opts.Logger),
		cache:          book.NewCache(opts.Logger),
		marketHandlers: handlers,
		stopTick:       make(chan struct{}),
		tickDone:       make(chan struct{}),
	}
	if opts.MetricsRegisterer != nil {
		m.met = metrics.New(opts.MetricsRegisterer)
	}

	go m.runTicker()
	return m
}

// AddSubscriptions starts streaming market data for the given asset ids.
// Ids already subscribed are ignored. Connect failures are surfaced through
// OnError and retried by the periodic tick.
func (m *Manager) AddSubscriptions(ctx context.Context, assetIDs []string) {
	toConnect := m.marketReg.AddAssets(assetIDs, m.opts.MaxMarketsPerWS)
	for _, groupID := range toConnect {
		m.connectMarketGroup(ctx, groupID)
	}
	m.updateGauges()
}

// RemoveSubscriptions stops streaming the given asset ids and drops their
// order-book state. Groups that shrink keep their socket; an emptied group
// is garbage-collected on the next tick.
func (m *Manager) RemoveSubscriptions(assetIDs []string) {
	removed := m.marketReg.RemoveAssets(assetIDs)
	if len(removed) > 0 {
		m.cache.DropAssets(removed)
	}
}

// SetUserHandlers installs the user-channel handlers. It must be called
// before ConnectUserSocket.
func (m *Manager) SetUserHandlers(handlers UserHandlers) {
	m.userMu.Lock()
	m.userHandlers = &handlers
	m.userMu.Unlock()
}

// ConnectUserSocket opens a dedicated socket streaming the authenticated
// user's trade and order events across all of that user's markets. A second
// call for the same key is a no-op.
func (m *Manager) ConnectUserSocket(ctx context.Context, auth types.Auth) {
	if m.currentUserHandlers() == nil {
		m.emitError(ErrUserHandlersNotSet)
		return
	}

	groupID, created := m.userReg.Add(auth)
	if !created {
		return
	}
	m.connectUserGroup(ctx, groupID)
	m.updateGauges()
}

// DisconnectUserSocket closes the socket for apiKey and forgets the user.
func (m *Manager) DisconnectUserSocket(apiKey string) {
	conn := m.userReg.Remove(apiKey)
	if conn != nil {
		_ = conn.Close(closeCodeNormal, "disconnect")
	}
	m.updateGauges()
}

// ClearState removes every group, closes every socket, and clears the
// order-book cache.
func (m *Manager) ClearState() {
	conns := m.marketReg.Clear()
	conns = append(conns, m.userReg.Clear()...)
	for _, conn := range conns {
		_ = conn.Close(closeCodeNormal, "clear state")
	}
	m.cache.Clear()
	m.updateGauges()
}

// Close stops the periodic tick and clears all state. The Manager must not
// be used afterwards.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopTick) })
	<-m.tickDone
	m.ClearState()
}

func (m *Manager) runTicker() {
	defer close(m.tickDone)

	ticker := time.NewTicker(m.opts.ReconnectAndCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopTick:
			return
		case <-ticker.C:
			m.tick(context.Background())
		}
	}
}

// tick runs one idempotent reconnect/cleanup pass over both registries. It
// is the only retry mechanism in the system.
func (m *Manager) tick(ctx context.Context) {
	for _, groupID := range m.marketReg.ReconnectAndCleanup() {
		m.connectMarketGroup(ctx, groupID)
	}
	for _, groupID := range m.userReg.ReconnectAndCleanup() {
		m.connectUserGroup(ctx, groupID)
	}
	m.updateGauges()
}

func (m *Manager) connectMarketGroup(ctx context.Context, groupID string) {
	sock := socket.NewMarket(socket.MarketConfig{
		GroupID:   groupID,
		Registry:  m.marketReg,
		Cache:     m.cache,
		Limiter:   m.opts.Limiter,
		Dialer:    m.opts.dialer,
		URL:       m.opts.MarketURL,
		Callbacks: m.marketCallbacks(),
		Logger:    m.log,
		Metrics:   m.met,
	})
	if err := sock.Connect(ctx); err != nil {
		m.log.Warn("market group connect failed",
			zap.String("group", groupID),
			zap.Error(err))
		m.emitError(err)
	}
}

func (m *Manager) connectUserGroup(ctx context.Context, groupID string) {
	sock := socket.NewUser(socket.UserConfig{
		GroupID:   groupID,
		Registry:  m.userReg,
		Limiter:   m.opts.Limiter,
		Dialer:    m.opts.dialer,
		URL:       m.opts.UserURL,
		Callbacks: m.userCallbacks(),
		Logger:    m.log,
		Metrics:   m.met,
	})
	if err := sock.Connect(ctx); err != nil {
		m.log.Warn("user socket connect failed",
			zap.String("group", groupID),
			zap.Error(err))
		m.emitError(err)
	}
}

// marketCallbacks wraps the caller's market handlers with the subscription
// filter: no event for an asset absent from every non-CLEANUP group reaches
// a handler, even during the window before an unsubscribed socket is torn
// down.
func (m *Manager) marketCallbacks() socket.MarketCallbacks {
	h := m.marketHandlers
	return socket.MarketCallbacks{
		OnBook: func(batch []types.MarketMessage) {
			if h.OnBook == nil {
				return
			}
			if batch = m.filterMessages(batch); len(batch) > 0 {
				h.OnBook(batch)
			}
		},
		OnPriceChange: func(batch []types.MarketMessage) {
			if h.OnPriceChange == nil {
				return
			}
			if batch = m.filterPriceChanges(batch); len(batch) > 0 {
				h.OnPriceChange(batch)
			}
		},
		OnTickSizeChange: func(batch []types.MarketMessage) {
			if h.OnTickSizeChange == nil {
				return
			}
			if batch = m.filterMessages(batch); len(batch) > 0 {
				h.OnTickSizeChange(batch)
			}
		},
		OnLastTradePrice: func(batch []types.MarketMessage) {
			if h.OnLastTradePrice == nil {
				return
			}
			if batch = m.filterMessages(batch); len(batch) > 0 {
				h.OnLastTradePrice(batch)
			}
		},
		OnPriceUpdate: func(batch []types.PriceUpdate) {
			if h.OnPriceUpdate == nil {
				return
			}
			if batch = m.filterPriceUpdates(batch); len(batch) > 0 {
				h.OnPriceUpdate(batch)
			}
		},
		OnOpen: func(groupID string, assetIDs []string) {
			if h.OnWSOpen != nil {
				h.OnWSOpen(groupID, assetIDs)
			}
		},
		OnClose: func(groupID string, code int, reason string) {
			if h.OnWSClose != nil {
				h.OnWSClose(groupID, code, reason)
			}
		},
		OnError: m.emitError,
	}
}

// userCallbacks resolves the current user handlers at dispatch time so a
// SetUserHandlers swap applies to already-open sockets.
func (m *Manager) userCallbacks() socket.UserCallbacks {
	return socket.UserCallbacks{
		OnTrade: func(apiKey string, batch []types.UserMessage) {
			if h := m.currentUserHandlers(); h != nil && h.OnTrade != nil {
				h.OnTrade(apiKey, batch)
			}
		},
		OnOrder: func(apiKey string, batch []types.UserMessage) {
			if h := m.currentUserHandlers(); h != nil && h.OnOrder != nil {
				h.OnOrder(apiKey, batch)
			}
		},
		OnOpen: func(apiKey string) {
			if h := m.currentUserHandlers(); h != nil && h.OnWSOpen != nil {
				h.OnWSOpen(apiKey)
			}
		},
		OnClose: func(apiKey string, code int, reason string) {
			if h := m.currentUserHandlers(); h != nil && h.OnWSClose != nil {
				h.OnWSClose(apiKey, code, reason)
			}
		},
		OnError: func(apiKey string, err error) {
			if h := m.currentUserHandlers(); h != nil && h.OnError != nil {
				h.OnError(apiKey, err)
			}
		},
	}
}

func (m *Manager) currentUserHandlers() *UserHandlers {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	return m.userHandlers
}

func (m *Manager) filterMessages(batch []types.MarketMessage) []types.MarketMessage {
	kept := batch[:0]
	for _, msg := range batch {
		if m.marketReg.ContainsAsset(msg.AssetID) {
			kept = append(kept, msg)
		}
	}
	m.met.Filtered(len(batch) - len(kept))
	return kept
}

// filterPriceChanges filters the changes inside each price_change event and
// drops events whose changes all referenced unsubscribed assets.
func (m *Manager) filterPriceChanges(batch []types.MarketMessage) []types.MarketMessage {
	kept := batch[:0]
	dropped := 0
	for _, msg := range batch {
		changes := make([]types.PriceChange, 0, len(msg.PriceChanges))
		for _, ch := range msg.PriceChanges {
			if m.marketReg.ContainsAsset(ch.AssetID) {
				changes = append(changes, ch)
			}
		}
		if len(changes) == 0 {
			dropped++
			continue
		}
		msg.PriceChanges = changes
		kept = append(kept, msg)
	}
	m.met.Filtered(dropped)
	return kept
}

func (m *Manager) filterPriceUpdates(batch []types.PriceUpdate) []types.PriceUpdate {
	kept := batch[:0]
	for _, update := range batch {
		if m.marketReg.ContainsAsset(update.AssetID) {
			kept = append(kept, update)
		}
	}
	m.met.Filtered(len(batch) - len(kept))
	return kept
}

func (m *Manager) emitError(err error) {
	if m.marketHandlers.OnError != nil {
		m.marketHandlers.OnError(err)
	}
}

func (m *Manager) updateGauges() {
	m.met.SetActiveGroups(metrics.ChannelMarket, m.marketReg.GroupCount())
	m.met.SetActiveGroups(metrics.ChannelUser, m.userReg.GroupCount())
}
