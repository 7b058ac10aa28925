package socket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johan/polymarket-stream/internal/book"
	"github.com/johan/polymarket-stream/internal/registry"
	"github.com/johan/polymarket-stream/internal/ws/wstest"
	"github.com/johan/polymarket-stream/pkg/types"
)

// passLimiter runs tasks without pacing.
type passLimiter struct{}

func (passLimiter) Schedule(_ context.Context, task func() error) error { return task() }

type marketFixture struct {
	registry *registry.MarketRegistry
	cache    *book.Cache
	dialer   *wstest.FakeDialer
	groupID  string

	books        [][]types.MarketMessage
	priceChanges [][]types.MarketMessage
	tickSizes    [][]types.MarketMessage
	lastTrades   [][]types.MarketMessage
	updates      [][]types.PriceUpdate
	opens        []string
	closes       []int
	errs         []error
}

func newMarketFixture(t *testing.T, assets []string) *marketFixture {
	t.Helper()
	f := &marketFixture{
		registry: registry.NewMarketRegistry(nil),
		cache:    book.NewCache(nil),
		dialer:   wstest.NewFakeDialer(),
	}
	if len(assets) > 0 {
		ids := f.registry.AddAssets(assets, 100)
		require.Len(t, ids, 1)
		f.groupID = ids[0]
	}
	return f
}

func (f *marketFixture) socket() *Market {
	return NewMarket(MarketConfig{
		GroupID:  f.groupID,
		Registry: f.registry,
		Cache:    f.cache,
		Limiter:  passLimiter{},
		Dialer:   f.dialer,
		URL:      "wss://test/market",
		Callbacks: MarketCallbacks{
			OnBook:           func(batch []types.MarketMessage) { f.books = append(f.books, batch) },
			OnPriceChange:    func(batch []types.MarketMessage) { f.priceChanges = append(f.priceChanges, batch) },
			OnTickSizeChange: func(batch []types.MarketMessage) { f.tickSizes = append(f.tickSizes, batch) },
			OnLastTradePrice: func(batch []types.MarketMessage) { f.lastTrades = append(f.lastTrades, batch) },
			OnPriceUpdate:    func(batch []types.PriceUpdate) { f.updates = append(f.updates, batch) },
			OnOpen:           func(groupID string, _ []string) { f.opens = append(f.opens, groupID) },
			OnClose:          func(_ string, code int, _ string) { f.closes = append(f.closes, code) },
			OnError:          func(err error) { f.errs = append(f.errs, err) },
		},
	})
}

func (f *marketFixture) status(t *testing.T) registry.Status {
	t.Helper()
	for _, info := range f.registry.Snapshot() {
		if info.ID == f.groupID {
			return info.Status
		}
	}
	t.Fatalf("group %s not found", f.groupID)
	return 0
}

func TestMarketConnect_EmptyGroupMarksCleanup(t *testing.T) {
	f := newMarketFixture(t, []string{"a"})
	f.registry.RemoveAssets([]string{"a"})

	require.NoError(t, f.socket().Connect(context.Background()))
	assert.Equal(t, registry.StatusCleanup, f.status(t))
	assert.Equal(t, 0, f.dialer.DialCount(), "no dial for an empty group")
}

func TestMarketConnect_DialFailureMarksDead(t *testing.T) {
	f := newMarketFixture(t, []string{"a"})
	f.dialer.FailWith(errors.New("connection refused"))

	err := f.socket().Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, registry.StatusDead, f.status(t))
}

func TestMarketConnect_SubscribesAndMarksAlive(t *testing.T) {
	f := newMarketFixture(t, []string{"a", "b"})

	require.NoError(t, f.socket().Connect(context.Background()))

	conn := f.dialer.Last()
	require.NotNil(t, conn)
	frames := conn.Written()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"assets_ids":["a","b"],"type":"market"}`, string(frames[0]))

	assert.Equal(t, registry.StatusAlive, f.status(t))
	assert.Equal(t, []string{f.groupID}, f.opens)
	assert.True(t, f.registry.CompareConn(f.groupID, conn))
}

func TestMarketDispatch_BookEmitsBookAndDerived(t *testing.T) {
	f := newMarketFixture(t, []string{"a", "b"})
	require.NoError(t, f.socket().Connect(context.Background()))

	f.dialer.Last().Deliver([]byte(`{
		"event_type": "book",
		"asset_id": "a",
		"bids": [{"price": "0.50", "size": "10"}],
		"asks": [{"price": "0.55", "size": "10"}]
	}`))

	require.Len(t, f.books, 1)
	require.Len(t, f.books[0], 1)
	assert.Equal(t, "a", f.books[0][0].AssetID)

	require.Len(t, f.updates, 1)
	require.Len(t, f.updates[0], 1)
	assert.Equal(t, "0.525", f.updates[0][0].Price)
	assert.Equal(t, types.EventTypePriceUpdate, f.updates[0][0].EventType)
}

func TestMarketDispatch_PriceChangeCoalescesDerived(t *testing.T) {
	f := newMarketFixture(t, []string{"a", "b"})
	require.NoError(t, f.socket().Connect(context.Background()))

	f.dialer.Last().Deliver([]byte(`{
		"event_type": "price_change",
		"price_changes": [
			{"asset_id": "a", "price": "0.50", "side": "BUY", "size": "10"},
			{"asset_id": "a", "price": "0.55", "side": "SELL", "size": "10"},
			{"asset_id": "b", "price": "0.40", "side": "BUY", "size": "5"},
			{"asset_id": "b", "price": "0.44", "side": "SELL", "size": "5"}
		]
	}`))

	require.Len(t, f.priceChanges, 1)
	require.Len(t, f.priceChanges[0], 1)

	// One derived update per touched asset, not per change.
	require.Len(t, f.updates, 1)
	require.Len(t, f.updates[0], 2)
	assert.Equal(t, "a", f.updates[0][0].AssetID)
	assert.Equal(t, "0.525", f.updates[0][0].Price)
	assert.Equal(t, "b", f.updates[0][1].AssetID)
	assert.Equal(t, "0.42", f.updates[0][1].Price)
}

func TestMarketDispatch_LastTradeAndTickSize(t *testing.T) {
	f := newMarketFixture(t, []string{"a"})
	require.NoError(t, f.socket().Connect(context.Background()))
	conn := f.dialer.Last()

	conn.Deliver([]byte(`[
		{"event_type": "last_trade_price", "asset_id": "a", "price": "0.70"},
		{"event_type": "tick_size_change", "asset_id": "a", "old_tick_size": "0.01", "new_tick_size": "0.001"}
	]`))

	require.Len(t, f.lastTrades, 1)
	assert.Equal(t, "0.70", f.lastTrades[0][0].Price)
	require.Len(t, f.tickSizes, 1)
	assert.Equal(t, "0.001", f.tickSizes[0][0].NewTickSize)

	// No book yet, so the derived price falls back to the last trade.
	require.Len(t, f.updates, 1)
	assert.Equal(t, "0.70", f.updates[0][0].Price)
}

func TestMarketDispatch_PongSwallowed(t *testing.T) {
	f := newMarketFixture(t, []string{"a"})
	require.NoError(t, f.socket().Connect(context.Background()))

	f.dialer.Last().Deliver([]byte("PONG"))

	assert.Empty(t, f.books)
	assert.Empty(t, f.errs)
}

func TestMarketDispatch_ParseErrorSurfacesRawPayload(t *testing.T) {
	f := newMarketFixture(t, []string{"a"})
	require.NoError(t, f.socket().Connect(context.Background()))

	f.dialer.Last().Deliver([]byte(`{broken`))

	require.Len(t, f.errs, 1)
	assert.Contains(t, f.errs[0].Error(), "{broken")
	assert.Equal(t, registry.StatusAlive, f.status(t), "parse errors do not disconnect")
}

func TestMarketDispatch_UnknownEventIgnored(t *testing.T) {
	f := newMarketFixture(t, []string{"a"})
	require.NoError(t, f.socket().Connect(context.Background()))

	f.dialer.Last().Deliver([]byte(`{"event_type": "mystery", "asset_id": "a"}`))

	assert.Empty(t, f.books)
	assert.Empty(t, f.updates)
	assert.Empty(t, f.errs)
}

func TestMarket_StaleConnCallbacksIgnored(t *testing.T) {
	f := newMarketFixture(t, []string{"a"})
	require.NoError(t, f.socket().Connect(context.Background()))
	oldConn := f.dialer.Last()

	// Replace the group's connection, as a reconnect would.
	replacement := wstest.NewFakeConn()
	f.registry.AttachConn(f.groupID, replacement)
	f.registry.SetStatus(f.groupID, registry.StatusAlive)

	oldConn.Deliver([]byte(`{"event_type": "book", "asset_id": "a", "bids": [], "asks": []}`))
	oldConn.CloseFromPeer(1006, "gone")
	oldConn.FailFromPeer(errors.New("stale error"))

	assert.Empty(t, f.books, "stale frames are dropped")
	assert.Empty(t, f.closes, "stale close does not reach handlers")
	assert.Empty(t, f.errs)
	assert.Equal(t, registry.StatusAlive, f.status(t), "stale callbacks do not change status")
}

func TestMarket_PeerCloseMarksDead(t *testing.T) {
	f := newMarketFixture(t, []string{"a"})
	require.NoError(t, f.socket().Connect(context.Background()))

	f.dialer.Last().CloseFromPeer(1001, "going away")

	assert.Equal(t, registry.StatusDead, f.status(t))
	assert.Equal(t, []int{1001}, f.closes)
}

func TestMarket_PeerErrorMarksDead(t *testing.T) {
	f := newMarketFixture(t, []string{"a"})
	require.NoError(t, f.socket().Connect(context.Background()))

	f.dialer.Last().FailFromPeer(errors.New("reset by peer"))

	assert.Equal(t, registry.StatusDead, f.status(t))
	require.Len(t, f.errs, 1)
	assert.Contains(t, f.errs[0].Error(), "reset by peer")
}

func TestMarket_KeepaliveTick(t *testing.T) {
	f := newMarketFixture(t, []string{"a"})
	sock := f.socket()
	require.NoError(t, sock.Connect(context.Background()))
	conn := f.dialer.Last()
	pingsAfterOpen := conn.Pings()

	assert.True(t, sock.keepaliveTick(conn))
	assert.Equal(t, pingsAfterOpen+1, conn.Pings())

	// Stale connection stops the keepalive without touching status.
	f.registry.AttachConn(f.groupID, wstest.NewFakeConn())
	assert.False(t, sock.keepaliveTick(conn))
	f.registry.AttachConn(f.groupID, conn)

	// Emptied group transitions to CLEANUP.
	f.registry.RemoveAssets([]string{"a"})
	assert.False(t, sock.keepaliveTick(conn))
	assert.Equal(t, registry.StatusCleanup, f.status(t))
}

func TestMarket_KeepaliveTickDeadConn(t *testing.T) {
	f := newMarketFixture(t, []string{"a"})
	sock := f.socket()
	require.NoError(t, sock.Connect(context.Background()))
	conn := f.dialer.Last()

	conn.Close(1000, "test")
	assert.False(t, sock.keepaliveTick(conn))
	assert.Equal(t, registry.StatusDead, f.status(t))
}

func TestKeepaliveInterval_Bounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		interval := keepaliveInterval()
		assert.GreaterOrEqual(t, interval, 15000*time.Millisecond)
		assert.Less(t, interval, 25000*time.Millisecond)
	}
}
