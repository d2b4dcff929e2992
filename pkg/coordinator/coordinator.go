package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/replication"
	"quorumkv/pkg/shardmap"
	"quorumkv/pkg/types"
)

// Record is one replica's answer to a versioned read. Tombstones travel with
// their version so a deletion can win a quorum over an older value.
type Record struct {
	Value     types.Value
	Version   types.Version
	Tombstone bool
	Exists    bool
}

// Remote - клиент к удалённой ноде.
type Remote interface {
	ForwardPut(ctx context.Context, key, value []byte, d replication.Durability) (types.Version, error)
	ForwardDelete(ctx context.Context, key []byte, d replication.Durability) (types.Version, error)
	ReadLocal(ctx context.Context, key []byte) (Record, error)
}

// ClientFactory - фабрика удалённых клиентов по адресу ноды.
type ClientFactory func(addr string) (Remote, error)

type iLocalStore interface {
	Put(key, value types.Key) (types.Version, error)
	Delete(key types.Key) (types.Version, error)
	Get(key types.Key) (types.Value, types.Version, error)
	Peek(key types.Key) (types.Value, types.Version, bool, bool)
}

type iReplicator interface {
	Replicate(ctx context.Context, shard types.ShardID, route shardmap.Route, w replication.Write, d replication.Durability) error
}

type iShardMap interface {
	Current() *shardmap.View
}

type iReachability interface {
	Reachable(node types.NodeID) bool
}

// AddrFunc resolves a node id to its network address.
type AddrFunc func(node types.NodeID) (string, bool)

// Coordinator receives client requests, resolves the shard route, serves
// locally owned shards directly and forwards the rest. Routing is retried
// exactly once against a refreshed shard map snapshot; after that the
// request fails with ErrUnavailable instead of looping.
type Coordinator struct {
	self    types.NodeID
	shards  iShardMap
	store   iLocalStore
	repl    iReplicator
	reach   iReachability
	addr    AddrFunc
	clients ClientFactory
	timeout time.Duration

	mu    sync.Mutex
	cache map[string]Remote // по адресу; переживает обновления view
}

func New(
	self types.NodeID,
	shards iShardMap,
	store iLocalStore,
	repl iReplicator,
	reach iReachability,
	addr AddrFunc,
	clients ClientFactory,
	timeout time.Duration,
) *Coordinator {
	return &Coordinator{
		self:    self,
		shards:  shards,
		store:   store,
		repl:    repl,
		reach:   reach,
		addr:    addr,
		clients: clients,
		timeout: timeout,
		cache:   make(map[string]Remote),
	}
}

// routingAttempts = первоначальная попытка + один retry на свежем snapshot.
const routingAttempts = 2

func (c *Coordinator) Put(ctx context.Context, key, value types.Key, d replication.Durability) (types.Version, error) {
	return c.write(ctx, key, value, false, d)
}

func (c *Coordinator) Delete(ctx context.Context, key types.Key, d replication.Durability) (types.Version, error) {
	return c.write(ctx, key, nil, true, d)
}

func (c *Coordinator) write(ctx context.Context, key, value types.Key, tombstone bool, d replication.Durability) (types.Version, error) {
	var lastErr error

	for attempt := 0; attempt < routingAttempts; attempt++ {
		view := c.shards.Current()
		shard := shardmap.Resolve(key, view.Shards)
		route, ok := view.Route(shard)
		if !ok {
			return 0, fmt.Errorf("no route for shard %d: %w", shard, kverrors.ErrUnavailable)
		}

		if route.Primary == c.self {
			return c.writeLocal(ctx, shard, route, key, value, tombstone, d)
		}

		version, err := c.forwardWrite(ctx, route.Primary, key, value, tombstone, d)
		if err == nil {
			return version, nil
		}
		// семантические ошибки не лечатся сменой маршрута
		if errors.Is(err, kverrors.ErrIndeterminate) || errors.Is(err, kverrors.ErrNotFound) {
			return version, err
		}
		lastErr = err
		slog.Warn("write routing failed, refreshing shard map",
			"key_shard", shard, "primary", route.Primary, "attempt", attempt, "error", err)
	}

	return 0, fmt.Errorf("write failed after routing retry: %v: %w", lastErr, kverrors.ErrUnavailable)
}

// writeLocal: локальная нода - primary этого шарда. Durable write у себя,
// дальше политику долговечности отрабатывает replication.Manager.
func (c *Coordinator) writeLocal(ctx context.Context, shard types.ShardID, route shardmap.Route, key, value types.Key, tombstone bool, d replication.Durability) (types.Version, error) {
	var (
		version types.Version
		err     error
	)
	if tombstone {
		version, err = c.store.Delete(key)
	} else {
		version, err = c.store.Put(key, value)
	}
	if err != nil {
		return 0, err
	}

	err = c.repl.Replicate(ctx, shard, route, replication.Write{
		Key:       key,
		Value:     value,
		Version:   version,
		Tombstone: tombstone,
	}, d)
	// ErrIndeterminate уходит клиенту как есть: повторная запись безопасна,
	// версии монотонны
	return version, err
}

func (c *Coordinator) forwardWrite(ctx context.Context, primary types.NodeID, key, value types.Key, tombstone bool, d replication.Durability) (types.Version, error) {
	if !c.reach.Reachable(primary) {
		return 0, fmt.Errorf("primary %s marked dead", primary)
	}
	cl, err := c.clientFor(primary)
	if err != nil {
		return 0, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if tombstone {
		return cl.ForwardDelete(cctx, key, d)
	}
	return cl.ForwardPut(cctx, key, value, d)
}

// Get serves a read under the requested consistency policy.
func (c *Coordinator) Get(ctx context.Context, key types.Key, policy Consistency) (types.Value, types.Version, error) {
	var lastErr error

	for attempt := 0; attempt < routingAttempts; attempt++ {
		view := c.shards.Current()
		shard := shardmap.Resolve(key, view.Shards)
		route, ok := view.Route(shard)
		if !ok {
			return nil, 0, fmt.Errorf("no route for shard %d: %w", shard, kverrors.ErrUnavailable)
		}

		var (
			rec Record
			err error
		)
		switch policy {
		case ReadPrimaryOnly:
			rec, err = c.readOne(ctx, route.Primary, key)
		case ReadAnyReplica:
			rec, err = c.readAny(ctx, route, key)
		case ReadQuorum:
			rec, err = c.readQuorum(ctx, route, key)
		default:
			return nil, 0, fmt.Errorf("unknown consistency policy %q", policy)
		}

		if err != nil {
			lastErr = err
			slog.Warn("read routing failed, refreshing shard map",
				"policy", policy, "shard", shard, "attempt", attempt, "error", err)
			continue
		}

		if !rec.Exists || rec.Tombstone {
			return nil, 0, kverrors.ErrNotFound
		}
		return rec.Value, rec.Version, nil
	}

	return nil, 0, fmt.Errorf("read failed after routing retry: %v: %w", lastErr, kverrors.ErrUnavailable)
}

// readOne reads the freshest local record of a single node.
func (c *Coordinator) readOne(ctx context.Context, node types.NodeID, key types.Key) (Record, error) {
	if node == c.self {
		value, version, tombstone, ok := c.store.Peek(key)
		return Record{Value: value, Version: version, Tombstone: tombstone, Exists: ok}, nil
	}

	if !c.reach.Reachable(node) {
		return Record{}, fmt.Errorf("node %s marked dead", node)
	}
	cl, err := c.clientFor(node)
	if err != nil {
		return Record{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return cl.ReadLocal(cctx, key)
}

// readAny picks a random reachable owner. May return stale data; that is the
// availability end of the tradeoff.
func (c *Coordinator) readAny(ctx context.Context, route shardmap.Route, key types.Key) (Record, error) {
	owners := route.Owners()
	reachable := owners[:0:0]
	for _, node := range owners {
		if node == c.self || c.reach.Reachable(node) {
			reachable = append(reachable, node)
		}
	}
	if len(reachable) == 0 {
		return Record{}, fmt.Errorf("no reachable owner for shard")
	}

	// начинаем со случайной ноды, дальше по кругу
	start := fastrand.Intn(len(reachable))
	var lastErr error
	for i := 0; i < len(reachable); i++ {
		node := reachable[(start+i)%len(reachable)]
		rec, err := c.readOne(ctx, node, key)
		if err == nil {
			return rec, nil
		}
		lastErr = err
	}
	return Record{}, fmt.Errorf("all owners failed: %w", lastErr)
}

// readQuorum fans out to every owner concurrently, returns as soon as a
// majority answered and cancels the stragglers. The highest version wins.
func (c *Coordinator) readQuorum(ctx context.Context, route shardmap.Route, key types.Key) (Record, error) {
	owners := route.Owners()
	majority := len(owners)/2 + 1

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type answer struct {
		rec Record
		err error
	}
	answers := make(chan answer, len(owners))
	for _, node := range owners {
		go func(node types.NodeID) {
			rec, err := c.readOne(fanCtx, node, key)
			answers <- answer{rec: rec, err: err}
		}(node)
	}

	var (
		best    Record
		got     int
		lastErr error
	)
	for i := 0; i < len(owners); i++ {
		a := <-answers
		if a.err != nil {
			lastErr = a.err
			continue
		}
		got++
		if a.rec.Exists && (!best.Exists || a.rec.Version > best.Version) {
			best = a.rec
		}
		if got >= majority {
			return best, nil
		}
	}

	return Record{}, fmt.Errorf("quorum read got %d of %d answers: %w", got, majority, lastErr)
}

func (c *Coordinator) clientFor(node types.NodeID) (Remote, error) {
	addr, ok := c.addr(node)
	if !ok {
		return nil, fmt.Errorf("no address for node %s", node)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.cache[addr]; ok {
		return cl, nil
	}
	cl, err := c.clients(addr)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", addr, err)
	}
	c.cache[addr] = cl
	return cl, nil
}
