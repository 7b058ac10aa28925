package registry

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/johan/polymarket-stream/internal/ws"
)

// marketGroup is one socket plus the set of asset ids it multiplexes.
type marketGroup struct {
	id       string
	assetIDs []string // set semantics, insertion order preserved
	conn     ws.Conn
	status   Status
}

func (g *marketGroup) contains(assetID string) bool {
	for _, id := range g.assetIDs {
		if id == assetID {
			return true
		}
	}
	return false
}

// MarketGroupInfo is a read-only snapshot of one group, for tests and status
// reporting.
type MarketGroupInfo struct {
	ID       string
	AssetIDs []string
	Status   Status
	HasConn  bool
}

// MarketRegistry is the atomic store of market groups.
type MarketRegistry struct {
	mu     sync.Mutex
	groups []*marketGroup
	log    *zap.Logger
}

// NewMarketRegistry creates an empty registry.
func NewMarketRegistry(log *zap.Logger) *MarketRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &MarketRegistry{log: log}
}

// mutate runs fn to completion while holding the registry mutex. All group
// mutation goes through here; fn must not perform I/O.
func (r *MarketRegistry) mutate(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// AddAssets places the ids not already tracked into groups and returns the
// ids of the groups that need a connect.
//
// When an existing group has capacity for the whole residual, that group is
// replaced: a new PENDING group takes over its assets plus the residual, and
// the old group is marked CLEANUP with its assets emptied so the dispatcher
// stops routing to it immediately. Its socket stays open until the cleanup
// tick, which is how events in flight during the regroup survive. When no
// group has capacity the residual is sharded into fresh groups of at most
// max ids each.
func (r *MarketRegistry) AddAssets(assetIDs []string, max int) []string {
	var toConnect []string

	r.mutate(func() {
		var residual []string
		seen := make(map[string]bool)
		for _, id := range assetIDs {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			if r.containsLocked(id) {
				continue
			}
			residual = append(residual, id)
		}
		if len(residual) == 0 {
			return
		}

		target := r.findGroupWithCapacityLocked(len(residual), max)
		if target == nil {
			for start := 0; start < len(residual); start += max {
				end := min(start+max, len(residual))
				g := &marketGroup{
					id:       uuid.NewString(),
					assetIDs: append([]string(nil), residual[start:end]...),
					status:   StatusPending,
				}
				r.groups = append(r.groups, g)
				toConnect = append(toConnect, g.id)
			}
			return
		}

		merged := &marketGroup{
			id:       uuid.NewString(),
			assetIDs: append(append([]string(nil), target.assetIDs...), residual...),
			status:   StatusPending,
		}
		r.groups = append(r.groups, merged)
		target.status = StatusCleanup
		target.assetIDs = nil
		toConnect = append(toConnect, merged.id)

		r.log.Debug("regrouped market subscriptions",
			zap.String("old_group", target.id),
			zap.String("new_group", merged.id),
			zap.Int("assets", len(merged.assetIDs)))
	})

	return toConnect
}

// findGroupWithCapacityLocked returns the first non-empty group that can take
// n more ids, or nil. Callers hold r.mu.
func (r *MarketRegistry) findGroupWithCapacityLocked(n, max int) *marketGroup {
	for _, g := range r.groups {
		if len(g.assetIDs) == 0 {
			continue
		}
		if len(g.assetIDs)+n <= max {
			return g
		}
	}
	return nil
}

// RemoveAssets deletes the ids from every group and returns the ids that were
// actually removed. Groups that shrink keep their socket; an emptied group is
// garbage-collected on the next tick.
func (r *MarketRegistry) RemoveAssets(assetIDs []string) []string {
	var removed []string

	r.mutate(func() {
		removedSet := make(map[string]bool)
		for _, g := range r.groups {
			kept := g.assetIDs[:0]
			for _, id := range g.assetIDs {
				drop := false
				for _, rm := range assetIDs {
					if id == rm {
						drop = true
						break
					}
				}
				if drop {
					removedSet[id] = true
				} else {
					kept = append(kept, id)
				}
			}
			g.assetIDs = kept
		}
		for _, id := range assetIDs {
			if removedSet[id] {
				removed = append(removed, id)
			}
		}
	})

	return removed
}

// ReconnectAndCleanup runs one pass of the group state machine: empty and
// CLEANUP groups are removed, DEAD groups lose their socket and join the
// reconnect list, PENDING groups join the reconnect list, ALIVE groups are
// untouched. Connections are closed after the lock is released.
func (r *MarketRegistry) ReconnectAndCleanup() []string {
	var toConnect []string
	var toClose []ws.Conn

	r.mutate(func() {
		kept := r.groups[:0]
		for _, g := range r.groups {
			switch {
			case len(g.assetIDs) == 0 && g.status != StatusCleanup:
				fallthrough
			case g.status == StatusCleanup:
				if g.conn != nil {
					toClose = append(toClose, g.conn)
					g.conn = nil
				}
				r.log.Debug("removing market group",
					zap.String("group", g.id),
					zap.Stringer("status", g.status))
				continue
			case g.status == StatusAlive:
			case g.status == StatusDead:
				if g.conn != nil {
					toClose = append(toClose, g.conn)
					g.conn = nil
				}
				toConnect = append(toConnect, g.id)
			case g.status == StatusPending:
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

// GroupIDsForAsset returns the non-CLEANUP groups containing the asset.
// More than one match means a regrouping window is open; it is logged and
// tolerated, and the next cleanup tick resolves it.
func (r *MarketRegistry) GroupIDsForAsset(assetID string) []string {
	var ids []string
	r.mutate(func() {
		for _, g := range r.groups {
			if g.status != StatusCleanup && g.contains(assetID) {
				ids = append(ids, g.id)
			}
		}
	})
	if len(ids) > 1 {
		r.log.Warn("asset present in multiple groups",
			zap.String("asset_id", assetID),
			zap.Int("groups", len(ids)))
	}
	return ids
}

// ContainsAsset reports whether any non-CLEANUP group tracks the asset. The
// manager uses this to filter event batches down to the subscribed set.
func (r *MarketRegistry) ContainsAsset(assetID string) bool {
	found := false
	r.mutate(func() {
		found = r.containsLocked(assetID)
	})
	return found
}

func (r *MarketRegistry) containsLocked(assetID string) bool {
	for _, g := range r.groups {
		if g.status != StatusCleanup && g.contains(assetID) {
			return true
		}
	}
	return false
}

// Assets returns a copy of a group's asset ids, or nil for an unknown group.
func (r *MarketRegistry) Assets(groupID string) []string {
	var assets []string
	r.mutate(func() {
		if g := r.findLocked(groupID); g != nil {
			assets = append([]string(nil), g.assetIDs...)
		}
	})
	return assets
}

// Conn returns the group's current connection, or nil.
func (r *MarketRegistry) Conn(groupID string) ws.Conn {
	var conn ws.Conn
	r.mutate(func() {
		if g := r.findLocked(groupID); g != nil {
			conn = g.conn
		}
	})
	return conn
}

// CompareConn reports whether conn is still the group's current connection.
// Socket callbacks use this as their stale-handler guard.
func (r *MarketRegistry) CompareConn(groupID string, conn ws.Conn) bool {
	same := false
	r.mutate(func() {
		if g := r.findLocked(groupID); g != nil {
			same = g.conn == conn
		}
	})
	return same
}

// AttachConn installs the group's connection.
func (r *MarketRegistry) AttachConn(groupID string, conn ws.Conn) {
	r.mutate(func() {
		if g := r.findLocked(groupID); g != nil {
			g.conn = conn
		}
	})
}

// SetStatus transitions the group to status.
func (r *MarketRegistry) SetStatus(groupID string, status Status) {
	r.mutate(func() {
		if g := r.findLocked(groupID); g != nil {
			g.status = status
		}
	})
}

// Clear removes every group and returns the connections for the caller to
// close outside the lock.
func (r *MarketRegistry) Clear() []ws.Conn {
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

// GroupCount returns the number of groups, including CLEANUP ones.
func (r *MarketRegistry) GroupCount() int {
	n := 0
	r.mutate(func() { n = len(r.groups) })
	return n
}

// Snapshot returns a read-only copy of the group list.
func (r *MarketRegistry) Snapshot() []MarketGroupInfo {
	var infos []MarketGroupInfo
	r.mutate(func() {
		infos = make([]MarketGroupInfo, 0, len(r.groups))
		for _, g := range r.groups {
			infos = append(infos, MarketGroupInfo{
				ID:       g.id,
				AssetIDs: append([]string(nil), g.assetIDs...),
				Status:   g.status,
				HasConn:  g.conn != nil,
			})
		}
	})
	return infos
}

func (r *MarketRegistry) findLocked(groupID string) *marketGroup {
	for _, g := range r.groups {
		if g.id == groupID {
			return g
		}
	}
	return nil
}
