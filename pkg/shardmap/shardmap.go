package shardmap

import (
	"fmt"
	"hash/crc32"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"quorumkv/pkg/types"
)

// Route is the ownership record of one shard: exactly one primary and an
// ordered replica list with no duplicates.
type Route struct {
	Primary  types.NodeID
	Replicas []types.NodeID
}

// Owners returns every node hosting the shard, primary first.
func (r Route) Owners() []types.NodeID {
	owners := make([]types.NodeID, 0, len(r.Replicas)+1)
	owners = append(owners, r.Primary)
	return append(owners, r.Replicas...)
}

// View is an immutable routing snapshot. Coordinators and nodes act on one
// consistent View; membership changes produce a new View with a higher
// version, never mutate one in place.
type View struct {
	Version uint64
	Shards  int
	Routes  map[types.ShardID]Route
}

// Route returns the ownership record for a shard.
func (v *View) Route(id types.ShardID) (Route, bool) {
	r, ok := v.Routes[id]
	return r, ok
}

// Resolve deterministically maps a key to a shard id. It is a pure function
// of the key and the shard count: changing the count is an explicit reshard,
// never an implicit remapping. A non-positive count maps everything to shard
// 0; Bootstrap and Reshard never publish such a view.
func Resolve(key types.Key, shards int) types.ShardID {
	if shards <= 0 {
		return 0
	}
	return types.ShardID(crc32.ChecksumIEEE(key) % uint32(shards))
}

// Map hands out copy-on-write Views behind an atomic pointer and owns the
// monotonic version counter.
type Map struct {
	mu  sync.Mutex // serializes view producers
	cur atomic.Pointer[View]
}

// Bootstrap assigns shards round-robin over the sorted node inventory.
// replicationFactor counts the primary, so a factor of 3 means one primary
// plus two replicas.
func Bootstrap(nodes []types.NodeID, shards, replicationFactor int) (*Map, error) {
	if shards <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", shards)
	}
	if replicationFactor <= 0 {
		return nil, fmt.Errorf("replication factor must be positive, got %d", replicationFactor)
	}
	if len(nodes) < replicationFactor {
		return nil, fmt.Errorf("replication factor %d exceeds node count %d", replicationFactor, len(nodes))
	}

	sorted := slices.Clone(nodes)
	slices.Sort(sorted)
	if len(slices.Compact(slices.Clone(sorted))) != len(sorted) {
		return nil, fmt.Errorf("duplicate node id in inventory")
	}

	routes := make(map[types.ShardID]Route, shards)
	for i := 0; i < shards; i++ {
		route := Route{Primary: sorted[i%len(sorted)]}
		for j := 1; j < replicationFactor; j++ {
			route.Replicas = append(route.Replicas, sorted[(i+j)%len(sorted)])
		}
		routes[types.ShardID(i)] = route
	}

	m := &Map{}
	m.cur.Store(&View{Version: 1, Shards: shards, Routes: routes})
	return m, nil
}

// Current returns the latest immutable snapshot.
func (m *Map) Current() *View {
	return m.cur.Load()
}

// ProposeFailover promotes newPrimary for the shard and demotes the old
// primary to the tail of the replica list. Only the failure detector (or an
// administrative reshard) calls this. Returns the new snapshot version.
func (m *Map) ProposeFailover(shard types.ShardID, newPrimary types.NodeID) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.cur.Load()
	route, ok := old.Routes[shard]
	if !ok {
		return 0, fmt.Errorf("unknown shard %d", shard)
	}
	if route.Primary == newPrimary {
		return old.Version, nil
	}
	if !slices.Contains(route.Replicas, newPrimary) {
		return 0, fmt.Errorf("node %s is not a replica of shard %d", newPrimary, shard)
	}

	replicas := make([]types.NodeID, 0, len(route.Replicas))
	for _, r := range route.Replicas {
		if r != newPrimary {
			replicas = append(replicas, r)
		}
	}
	replicas = append(replicas, route.Primary)

	next := m.clone(old)
	next.Routes[shard] = Route{Primary: newPrimary, Replicas: replicas}
	m.cur.Store(next)

	slog.Info("shard failover applied",
		"shard", shard,
		"new_primary", newPrimary,
		"old_primary", route.Primary,
		"view_version", next.Version)
	return next.Version, nil
}

// Reshard installs an externally computed assignment. The administrative
// interface owns rebalance decisions; this only validates and publishes them.
func (m *Map) Reshard(shards int, routes map[types.ShardID]Route) (uint64, error) {
	if shards <= 0 || len(routes) != shards {
		return 0, fmt.Errorf("reshard needs a route per shard: shards=%d routes=%d", shards, len(routes))
	}
	for id, route := range routes {
		if route.Primary == "" {
			return 0, fmt.Errorf("shard %d has no primary", id)
		}
		seen := map[types.NodeID]struct{}{route.Primary: {}}
		for _, r := range route.Replicas {
			if _, dup := seen[r]; dup {
				return 0, fmt.Errorf("shard %d has duplicate owner %s", id, r)
			}
			seen[r] = struct{}{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.cur.Load()
	next := &View{
		Version: old.Version + 1,
		Shards:  shards,
		Routes:  make(map[types.ShardID]Route, shards),
	}
	for id, route := range routes {
		next.Routes[id] = Route{Primary: route.Primary, Replicas: slices.Clone(route.Replicas)}
	}
	m.cur.Store(next)

	slog.Info("reshard applied", "shards", shards, "view_version", next.Version)
	return next.Version, nil
}

// caller holds m.mu
func (m *Map) clone(old *View) *View {
	next := &View{
		Version: old.Version + 1,
		Shards:  old.Shards,
		Routes:  make(map[types.ShardID]Route, len(old.Routes)),
	}
	for id, route := range old.Routes {
		next.Routes[id] = Route{Primary: route.Primary, Replicas: slices.Clone(route.Replicas)}
	}
	return next
}
