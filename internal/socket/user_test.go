package socket

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johan/polymarket-stream/internal/registry"
	"github.com/johan/polymarket-stream/internal/ws/wstest"
	"github.com/johan/polymarket-stream/pkg/types"
)

type userFixture struct {
	registry *registry.UserRegistry
	dialer   *wstest.FakeDialer
	groupID  string

	trades []string // apiKey per delivered message
	orders []string
	opens  []string
	closes []string
	errs   []string
}

func newUserFixture(t *testing.T, key string) *userFixture {
	t.Helper()
	f := &userFixture{
		registry: registry.NewUserRegistry(nil),
		dialer:   wstest.NewFakeDialer(),
	}
	groupID, created := f.registry.Add(types.Auth{Key: key, Secret: "s", Passphrase: "p"})
	require.True(t, created)
	f.groupID = groupID
	return f
}

func (f *userFixture) socket() *User {
	return NewUser(UserConfig{
		GroupID:  f.groupID,
		Registry: f.registry,
		Limiter:  passLimiter{},
		Dialer:   f.dialer,
		URL:      "wss://test/user",
		Callbacks: UserCallbacks{
			OnTrade: func(apiKey string, batch []types.UserMessage) {
				for range batch {
					f.trades = append(f.trades, apiKey)
				}
			},
			OnOrder: func(apiKey string, batch []types.UserMessage) {
				for range batch {
					f.orders = append(f.orders, apiKey)
				}
			},
			OnOpen:  func(apiKey string) { f.opens = append(f.opens, apiKey) },
			OnClose: func(apiKey string, _ int, _ string) { f.closes = append(f.closes, apiKey) },
			OnError: func(apiKey string, _ error) { f.errs = append(f.errs, apiKey) },
		},
	})
}

func (f *userFixture) status(t *testing.T) registry.Status {
	t.Helper()
	for _, info := range f.registry.Snapshot() {
		if info.ID == f.groupID {
			return info.Status
		}
	}
	t.Fatalf("group %s not found", f.groupID)
	return 0
}

func TestUserConnect_SendsAuthFrame(t *testing.T) {
	f := newUserFixture(t, "user1")

	require.NoError(t, f.socket().Connect(context.Background()))

	conn := f.dialer.Last()
	require.NotNil(t, conn)
	frames := conn.Written()
	require.Len(t, frames, 1)
	assert.JSONEq(t,
		`{"markets":[],"type":"user","auth":{"apiKey":"user1","secret":"s","passphrase":"p"}}`,
		string(frames[0]))

	assert.Equal(t, registry.StatusAlive, f.status(t))
	assert.Equal(t, []string{"user1"}, f.opens)
}

func TestUserConnect_RemovedGroupIsNoop(t *testing.T) {
	f := newUserFixture(t, "user1")
	f.registry.Remove("user1")

	require.NoError(t, f.socket().Connect(context.Background()))
	assert.Equal(t, 0, f.dialer.DialCount())
}

func TestUserConnect_DialFailureMarksDead(t *testing.T) {
	f := newUserFixture(t, "user1")
	f.dialer.FailWith(errors.New("refused"))

	err := f.socket().Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, registry.StatusDead, f.status(t))
}

func TestUserDispatch_SplitsTradesAndOrders(t *testing.T) {
	f := newUserFixture(t, "user1")
	require.NoError(t, f.socket().Connect(context.Background()))

	f.dialer.Last().Deliver([]byte(`[
		{"event_type": "trade", "id": "t1", "price": "0.55"},
		{"event_type": "order", "id": "o1", "price": "0.60"},
		{"event_type": "trade", "id": "t2", "price": "0.56"},
		{"event_type": "subscribed"}
	]`))

	assert.Equal(t, []string{"user1", "user1"}, f.trades)
	assert.Equal(t, []string{"user1"}, f.orders)
	assert.Empty(t, f.errs, "unknown user event types are dropped silently")
}

func TestUserDispatch_PongSwallowed(t *testing.T) {
	f := newUserFixture(t, "user1")
	require.NoError(t, f.socket().Connect(context.Background()))

	f.dialer.Last().Deliver([]byte("PONG"))
	assert.Empty(t, f.trades)
	assert.Empty(t, f.errs)
}

func TestUserDispatch_ParseErrorSurfaced(t *testing.T) {
	f := newUserFixture(t, "user1")
	require.NoError(t, f.socket().Connect(context.Background()))

	f.dialer.Last().Deliver([]byte(`not json`))
	assert.Equal(t, []string{"user1"}, f.errs)
}

func TestUser_PeerCloseMarksDead(t *testing.T) {
	f := newUserFixture(t, "user1")
	require.NoError(t, f.socket().Connect(context.Background()))

	f.dialer.Last().CloseFromPeer(1006, "abnormal")

	assert.Equal(t, registry.StatusDead, f.status(t))
	assert.Equal(t, []string{"user1"}, f.closes)
}

func TestUser_StaleConnCallbacksIgnored(t *testing.T) {
	f := newUserFixture(t, "user1")
	require.NoError(t, f.socket().Connect(context.Background()))
	oldConn := f.dialer.Last()

	f.registry.AttachConn(f.groupID, wstest.NewFakeConn())
	f.registry.SetStatus(f.groupID, registry.StatusAlive)

	oldConn.Deliver([]byte(`{"event_type": "trade", "id": "t1"}`))
	oldConn.CloseFromPeer(1006, "gone")

	assert.Empty(t, f.trades)
	assert.Empty(t, f.closes)
	assert.Equal(t, registry.StatusAlive, f.status(t))
}
