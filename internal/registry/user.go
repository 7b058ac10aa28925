package registry

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/johan/polymarket-stream/internal/ws"
	"github.com/johan/polymarket-stream/pkg/types"
)

// userGroup is one socket serving one authenticated user. User groups are
// never merged; one user means one socket.
type userGroup struct {
	id     string
	apiKey string
	auth   types.Auth
	conn   ws.Conn
	status Status
}

// UserGroupInfo is a read-only snapshot of one user group.
type UserGroupInfo struct {
	ID      string
	APIKey  string
	Status  Status
	HasConn bool
}

// UserRegistry is the atomic store of user groups, keyed by apiKey.
type UserRegistry struct {
	mu     sync.Mutex
	groups []*userGroup
	log    *zap.Logger
}

// NewUserRegistry creates an empty registry.
func NewUserRegistry(log *zap.Logger) *UserRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &UserRegistry{log: log}
}

func (r *UserRegistry) mutate(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// Add creates a PENDING group for auth if and only if no group with the same
// apiKey exists. The second return reports whether a group was created.
func (r *UserRegistry) Add(auth types.Auth) (string, bool) {
	var groupID string
	created := false

	r.mutate(func() {
		for _, g := range r.groups {
			if g.apiKey == auth.Key {
				return
			}
		}
		g := &userGroup{
			id:     uuid.NewString(),
			apiKey: auth.Key,
			auth:   auth,
			status: StatusPending,
		}
		r.groups = append(r.groups, g)
		groupID = g.id
		created = true
	})

	return groupID, created
}

// Remove deletes the group for apiKey and returns its connection for the
// caller to close, or nil if no such group exists.
func (r *UserRegistry) Remove(apiKey string) ws.Conn {
	var conn ws.Conn
	r.mutate(func() {
		kept := r.groups[:0]
		for _, g := range r.groups {
			if g.apiKey == apiKey {
				conn = g.conn
				continue
			}
			kept = append(kept, g)
		}
		r.groups = kept
	})
	return conn
}

// ReconnectAndCleanup runs the same state machine as the market registry
// minus the emptiness check: CLEANUP groups are removed, DEAD groups lose
// their socket and join the reconnect list, PENDING groups join the
// reconnect list.
func (r *UserRegistry) ReconnectAndCleanup() []string {
	var toConnect []string
	var toClose []ws.Conn

	r.mutate(func() {
		kept := r.groups[:0]
		for _, g := range r.groups {
			switch g.status {
			case StatusCleanup:
				if g.conn != nil {
					toClose = append(toClose, g.conn)
					g.conn = nil
				}
				r.log.Debug("removing user group",
					zap.String("group", g.id),
					zap.String("api_key", g.apiKey))
				continue
			case StatusAlive:
			case StatusDead:
				if g.conn != nil {
					toClose = append(toClose, g.conn)
					g.conn = nil
				}
				toConnect = append(toConnect, g.id)
			case StatusPending:
				toConnect = append(toConnect, g.id)
			}
			kept = append(kept, g)
		}
		r.groups = kept
	})

	for _, conn := range toClose {
		_ = conn.Close(closeCodeCleanup, "cleanup")
	}
	return toConnect
}

// Auth returns the group's credentials.
func (r *UserRegistry) Auth(groupID string) (types.Auth, bool) {
	var auth types.Auth
	found := false
	r.mutate(func() {
		if g := r.findLocked(groupID); g != nil {
			auth = g.auth
			found = true
		}
	})
	return auth, found
}

// APIKey returns the apiKey of the group, or "" for an unknown group.
func (r *UserRegistry) APIKey(groupID string) string {
	key := ""
	r.mutate(func() {
		if g := r.findLocked(groupID); g != nil {
			key = g.apiKey
		}
	})
	return key
}

// Conn returns the group's current connection, or nil.
func (r *UserRegistry) Conn(groupID string) ws.Conn {
	var conn ws.Conn
	r.mutate(func() {
		if g := r.findLocked(groupID); g != nil {
			conn = g.conn
		}
	})
	return conn
}

// CompareConn reports whether conn is still the group's current connection.
func (r *UserRegistry) CompareConn(groupID string, conn ws.Conn) bool {
	same := false
	r.mutate(func() {
		if g := r.findLocked(groupID); g != nil {
			same = g.conn == conn
		}
	})
	return same
}

// AttachConn installs the group's connection.
func (r *UserRegistry) AttachConn(groupID string, conn ws.Conn) {
	r.mutate(func() {
		if g := r.findLocked(groupID); g != nil {
			g.conn = conn
		}
	})
}

// SetStatus transitions the group to status.
func (r *UserRegistry) SetStatus(groupID string, status Status) {
	r.mutate(func() {
		if g := r.findLocked(groupID); g != nil {
			g.status = status
		}
	})
}

// Clear removes every group and returns the connections for the caller to
// close outside the lock.
func (r *UserRegistry) Clear() []ws.Conn {
	var conns []ws.Conn
	r.mutate(func() {
		for _, g := range r.groups {
			if g.conn != nil {
				conns = append(conns, g.conn)
			}
		}
		r.groups = nil
	})
	return conns
}

// GroupCount returns the number of user groups.
func (r *UserRegistry) GroupCount() int {
	n := 0
	r.mutate(func() { n = len(r.groups) })
	return n
}

// Snapshot returns a read-only copy of the group list.
func (r *UserRegistry) Snapshot() []UserGroupInfo {
	var infos []UserGroupInfo
	r.mutate(func() {
		infos = make([]UserGroupInfo, 0, len(r.groups))
		for _, g := range r.groups {
			infos = append(infos, UserGroupInfo{
				ID:      g.id,
				APIKey:  g.apiKey,
				Status:  g.status,
				HasConn: g.conn != nil,
			})
		}
	})
	return infos
}

func (r *UserRegistry) findLocked(groupID string) *userGroup {
	for _, g := range r.groups {
		if g.id == groupID {
			return g
		}
	}
	return nil
}
