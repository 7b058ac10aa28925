package socket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/johan/polymarket-stream/internal/book"
	"github.com/johan/polymarket-stream/internal/metrics"
	"github.com/johan/polymarket-stream/internal/registry"
	"github.com/johan/polymarket-stream/internal/ws"
	"github.com/johan/polymarket-stream/pkg/types"
)

// MarketCallbacks is the dispatch surface of a market socket. The manager
// installs wrappers here that filter batches to the subscribed set before
// invoking the caller's handlers.
type MarketCallbacks struct {
	OnBook           func(batch []types.MarketMessage)
	OnPriceChange    func(batch []types.MarketMessage)
	OnTickSizeChange func(batch []types.MarketMessage)
	OnLastTradePrice func(batch []types.MarketMessage)
	OnPriceUpdate    func(batch []types.PriceUpdate)
	OnOpen           func(groupID string, assetIDs []string)
	OnClose          func(groupID string, code int, reason string)
	OnError          func(err error)
}

// MarketConfig wires a market socket to its collaborators.
type MarketConfig struct {
	GroupID   string
	Registry  *registry.MarketRegistry
	Cache     *book.Cache
	Limiter   Limiter
	Dialer    ws.Dialer
	URL       string
	Callbacks MarketCallbacks
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Market drives one market group's connection through the
// PENDING/ALIVE/DEAD/CLEANUP lifecycle. Every frame handler captures the
// connection value in use at bind time and bails out when the registry's
// current connection differs; that guard is what keeps late callbacks from a
// replaced connection from touching the new one.
type Market struct {
	groupID  string
	registry *registry.MarketRegistry
	cache    *book.Cache
	limiter  Limiter
	dialer   ws.Dialer
	url      string
	cb       MarketCallbacks
	log      *zap.Logger
	met      *metrics.Metrics

	stopKeepalive chan struct{}
	stopOnce      sync.Once
}

// NewMarket creates a socket for one connect attempt on a market group.
func NewMarket(cfg MarketConfig) *Market {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	url := cfg.URL
	if url == "" {
		url = ws.MarketURL
	}
	return &Market{
		groupID:       cfg.GroupID,
		registry:      cfg.Registry,
		cache:         cfg.Cache,
		limiter:       cfg.Limiter,
		dialer:        cfg.Dialer,
		url:           url,
		cb:            cfg.Callbacks,
		log:           log,
		met:           cfg.Metrics,
		stopKeepalive: make(chan struct{}),
	}
}

// Connect performs one connect attempt. An empty group is marked CLEANUP and
// skipped. A dial failure marks the group DEAD and returns the error; the
// caller surfaces it and the periodic tick retries.
func (s *Market) Connect(ctx context.Context) error {
	assets := s.registry.Assets(s.groupID)
	if len(assets) == 0 {
		s.registry.SetStatus(s.groupID, registry.StatusCleanup)
		return nil
	}

	s.met.ConnectAttempt(metrics.ChannelMarket)

	var conn ws.Conn
	err := s.limiter.Schedule(ctx, func() error {
		var derr error
		conn, derr = s.dialer.Dial(ctx, s.url)
		return derr
	})
	if err != nil {
		s.registry.SetStatus(s.groupID, registry.StatusDead)
		s.met.ConnectFailure(metrics.ChannelMarket)
		return fmt.Errorf("connecting market group %s: %w", s.groupID, err)
	}

	s.registry.AttachConn(s.groupID, conn)
	conn.Bind(ws.FrameHandlers{
		OnMessage: func(data []byte) { s.handleMessage(conn, data) },
		OnError:   func(err error) { s.handleError(conn, err) },
		OnClose:   func(code int, reason string) { s.handleClose(conn, code, reason) },
	})

	return s.handleOpen(conn)
}

// handleOpen re-verifies the group, sends the subscription frame, marks the
// group ALIVE, and starts the keepalive.
func (s *Market) handleOpen(conn ws.Conn) error {
	assets := s.registry.Assets(s.groupID)
	if len(assets) == 0 {
		s.registry.SetStatus(s.groupID, registry.StatusCleanup)
		return nil
	}
	if !s.registry.CompareConn(s.groupID, conn) || !conn.IsOpen() {
		return nil
	}

	frame, err := ws.MarketSubscribeFrame(assets)
	if err != nil {
		s.registry.SetStatus(s.groupID, registry.StatusDead)
		return fmt.Errorf("serializing market subscription: %w", err)
	}
	if err := conn.WriteText(frame); err != nil {
		s.registry.SetStatus(s.groupID, registry.StatusDead)
		return fmt.Errorf("subscribing market group %s: %w", s.groupID, err)
	}

	s.registry.SetStatus(s.groupID, registry.StatusAlive)
	s.log.Debug("market group subscribed",
		zap.String("group", s.groupID),
		zap.Int("assets", len(assets)))

	if s.cb.OnOpen != nil {
		s.cb.OnOpen(s.groupID, assets)
	}

	s.startKeepalive(conn)
	return nil
}

func (s *Market) startKeepalive(conn ws.Conn) {
	interval := keepaliveInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopKeepalive:
				return
			case <-ticker.C:
				if !s.keepaliveTick(conn) {
					return
				}
			}
		}
	}()
}

// keepaliveTick reports whether the keepalive should keep running.
func (s *Market) keepaliveTick(conn ws.Conn) bool {
	if len(s.registry.Assets(s.groupID)) == 0 {
		s.registry.SetStatus(s.groupID, registry.StatusCleanup)
		return false
	}
	if !s.registry.CompareConn(s.groupID, conn) {
		return false
	}
	if !conn.IsOpen() {
		s.registry.SetStatus(s.groupID, registry.StatusDead)
		return false
	}
	if err := conn.Ping(); err != nil {
		s.log.Debug("market keepalive ping failed",
			zap.String("group", s.groupID),
			zap.Error(err))
		s.registry.SetStatus(s.groupID, registry.StatusDead)
		return false
	}
	return true
}

func (s *Market) handleMessage(conn ws.Conn, data []byte) {
	if !s.registry.CompareConn(s.groupID, conn) {
		return
	}
	if ws.IsPong(data) {
		return
	}

	msgs, err := ws.ParseMarket(data)
	if err != nil {
		s.emitError(err)
		return
	}
	s.dispatch(msgs)
}

// dispatch applies one frame's messages to the cache and delivers them as
// per-event-type batches, preserving arrival order within each batch. At
// most one derived price update is emitted per asset per frame.
func (s *Market) dispatch(msgs []types.MarketMessage) {
	var books, priceChanges, tickSizes, lastTrades []types.MarketMessage

	var touchedOrder []string
	touched := make(map[string]bool)
	touch := func(assetID string) {
		if assetID == "" || touched[assetID] {
			return
		}
		touched[assetID] = true
		touchedOrder = append(touchedOrder, assetID)
	}

	for _, msg := range msgs {
		s.met.Message(metrics.ChannelMarket, msg.EventType)

		switch msg.EventType {
		case types.EventTypeBook:
			s.cache.ApplyBook(msg.AssetID, msg.Bids, msg.Asks)
			books = append(books, msg)
			touch(msg.AssetID)

		case types.EventTypePriceChange:
			for _, group := range groupChangesByAsset(msg.PriceChanges) {
				s.cache.ApplyPriceChange(group.assetID, group.changes)
				touch(group.assetID)
			}
			priceChanges = append(priceChanges, msg)

		case types.EventTypeLastTradePrice:
			s.cache.ApplyLastTradePrice(msg.AssetID, msg.Price)
			lastTrades = append(lastTrades, msg)
			touch(msg.AssetID)

		case types.EventTypeTickSizeChange:
			tickSizes = append(tickSizes, msg)

		default:
			s.log.Debug("ignoring unknown market event",
				zap.String("event_type", msg.EventType))
		}
	}

	if len(books) > 0 && s.cb.OnBook != nil {
		s.cb.OnBook(books)
	}
	if len(priceChanges) > 0 && s.cb.OnPriceChange != nil {
		s.cb.OnPriceChange(priceChanges)
	}
	if len(tickSizes) > 0 && s.cb.OnTickSizeChange != nil {
		s.cb.OnTickSizeChange(tickSizes)
	}
	if len(lastTrades) > 0 && s.cb.OnLastTradePrice != nil {
		s.cb.OnLastTradePrice(lastTrades)
	}

	var updates []types.PriceUpdate
	for _, assetID := range touchedOrder {
		if update, ok := s.cache.Derive(assetID); ok {
			updates = append(updates, update)
		}
	}
	if len(updates) > 0 && s.cb.OnPriceUpdate != nil {
		s.cb.OnPriceUpdate(updates)
	}
}

type assetChanges struct {
	assetID string
	changes []types.PriceChange
}

// groupChangesByAsset splits a price_change event's changes per asset,
// preserving first-seen asset order.
func groupChangesByAsset(changes []types.PriceChange) []assetChanges {
	var groups []assetChanges
	index := make(map[string]int)
	for _, ch := range changes {
		i, ok := index[ch.AssetID]
		if !ok {
			i = len(groups)
			index[ch.AssetID] = i
			groups = append(groups, assetChanges{assetID: ch.AssetID})
		}
		groups[i].changes = append(groups[i].changes, ch)
	}
	return groups
}

func (s *Market) handleError(conn ws.Conn, err error) {
	if !s.registry.CompareConn(s.groupID, conn) {
		return
	}
	s.registry.SetStatus(s.groupID, registry.StatusDead)
	s.stop()
	s.emitError(fmt.Errorf("market group %s: %w", s.groupID, err))
}

func (s *Market) handleClose(conn ws.Conn, code int, reason string) {
	if !s.registry.CompareConn(s.groupID, conn) {
		return
	}
	s.registry.SetStatus(s.groupID, registry.StatusDead)
	s.stop()
	s.log.Debug("market group closed",
		zap.String("group", s.groupID),
		zap.Int("code", code),
		zap.String("reason", reason))
	if s.cb.OnClose != nil {
		s.cb.OnClose(s.groupID, code, reason)
	}
}

func (s *Market) stop() {
	s.stopOnce.Do(func() { close(s.stopKeepalive) })
}

func (s *Market) emitError(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}
