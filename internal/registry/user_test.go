package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johan/polymarket-stream/internal/ws/wstest"
	"github.com/johan/polymarket-stream/pkg/types"
)

func userAuth(key string) types.Auth {
	return types.Auth{Key: key, Secret: "secret-" + key, Passphrase: "pass-" + key}
}

func TestUserAdd_OneGroupPerAPIKey(t *testing.T) {
	r := NewUserRegistry(nil)

	groupID, created := r.Add(userAuth("user1"))
	require.True(t, created)
	require.NotEmpty(t, groupID)

	_, created = r.Add(userAuth("user1"))
	assert.False(t, created, "second add for the same key is a no-op")
	assert.Equal(t, 1, r.GroupCount())

	otherID, created := r.Add(userAuth("user2"))
	require.True(t, created)
	assert.NotEqual(t, groupID, otherID)
	assert.Equal(t, 2, r.GroupCount())
}

func TestUserAuthAndAPIKey(t *testing.T) {
	r := NewUserRegistry(nil)
	groupID, _ := r.Add(userAuth("user1"))

	auth, ok := r.Auth(groupID)
	require.True(t, ok)
	assert.Equal(t, "user1", auth.Key)
	assert.Equal(t, "secret-user1", auth.Secret)
	assert.Equal(t, "user1", r.APIKey(groupID))

	_, ok = r.Auth("missing")
	assert.False(t, ok)
}

func TestUserRemove_ReturnsConn(t *testing.T) {
	r := NewUserRegistry(nil)
	groupID, _ := r.Add(userAuth("user1"))
	conn := wstest.NewFakeConn()
	r.AttachConn(groupID, conn)

	got := r.Remove("user1")
	assert.Equal(t, conn, got)
	assert.Equal(t, 0, r.GroupCount())

	assert.Nil(t, r.Remove("user1"), "removing an absent user returns nil")
}

func TestUserReconnectAndCleanup(t *testing.T) {
	r := NewUserRegistry(nil)

	aliveID, _ := r.Add(userAuth("alive"))
	r.AttachConn(aliveID, wstest.NewFakeConn())
	r.SetStatus(aliveID, StatusAlive)

	deadID, _ := r.Add(userAuth("dead"))
	deadConn := wstest.NewFakeConn()
	r.AttachConn(deadID, deadConn)
	r.SetStatus(deadID, StatusDead)

	pendingID, _ := r.Add(userAuth("pending"))

	cleanupID, _ := r.Add(userAuth("cleanup"))
	cleanupConn := wstest.NewFakeConn()
	r.AttachConn(cleanupID, cleanupConn)
	r.SetStatus(cleanupID, StatusCleanup)

	toConnect := r.ReconnectAndCleanup()
	assert.ElementsMatch(t, []string{deadID, pendingID}, toConnect)

	closed, _ := deadConn.Closed()
	assert.True(t, closed)
	assert.Nil(t, r.Conn(deadID))

	closed, _ = cleanupConn.Closed()
	assert.True(t, closed)
	assert.Equal(t, 3, r.GroupCount(), "cleanup group removed")
}

func TestUserClear(t *testing.T) {
	r := NewUserRegistry(nil)
	id1, _ := r.Add(userAuth("user1"))
	id2, _ := r.Add(userAuth("user2"))
	r.AttachConn(id1, wstest.NewFakeConn())
	r.AttachConn(id2, wstest.NewFakeConn())

	conns := r.Clear()
	assert.Len(t, conns, 2)
	assert.Equal(t, 0, r.GroupCount())
}
