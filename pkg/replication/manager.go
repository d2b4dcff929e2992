package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/shardmap"
	"quorumkv/pkg/types"
)

// Write is the replicated tuple shipped from a primary to its replicas.
type Write struct {
	Key       types.Key
	Value     types.Value
	Version   types.Version
	Tombstone bool
}

// Replica is the remote surface of a replica node's ApplyReplicated.
type Replica interface {
	ApplyReplicated(ctx context.Context, w Write) error
}

// ClientFactory resolves a node id to a replica client.
type ClientFactory func(node types.NodeID) (Replica, error)

// intent is a pending write accepted by the primary but not yet confirmed by
// the durability policy. Destroyed once the threshold is met or the write is
// abandoned after timeout, in which case the caller gets ErrIndeterminate.
type intent struct {
	id      uuid.UUID
	shard   types.ShardID
	version types.Version
	needed  int
}

// Manager ships accepted writes from a primary to its replicas and tracks
// per-replica progress. It only marks replicas lagging; removal and failover
// are the failure detector's decisions.
type Manager struct {
	self       types.NodeID
	ackTimeout time.Duration
	client     ClientFactory

	mu       sync.Mutex
	acked    map[types.ShardID]map[types.NodeID]types.Version
	lagging  map[types.NodeID]bool
	inFlight map[uuid.UUID]*intent
}

func NewManager(self types.NodeID, ackTimeout time.Duration, client ClientFactory) *Manager {
	return &Manager{
		self:       self,
		ackTimeout: ackTimeout,
		client:     client,
		acked:      make(map[types.ShardID]map[types.NodeID]types.Version),
		lagging:    make(map[types.NodeID]bool),
		inFlight:   make(map[uuid.UUID]*intent),
	}
}

// Replicate fans the write out to every replica of the route concurrently
// and returns once the durability policy's threshold of acknowledgments
// arrived. The local durable write already happened on the primary. Sends
// keep running in the background after the threshold is met, so a One or
// Quorum write still reaches stragglers eventually (or marks them lagging).
//
// A threshold not confirmed within the ack timeout yields ErrIndeterminate:
// the write may or may not be durable on enough replicas, and the caller is
// told so instead of a silent drop.
func (m *Manager) Replicate(ctx context.Context, shard types.ShardID, route shardmap.Route, w Write, d Durability) error {
	needed := d.acksNeeded(len(route.Replicas))

	in := &intent{
		id:      uuid.New(),
		shard:   shard,
		version: w.Version,
		needed:  needed,
	}
	m.trackIntent(in)
	defer m.dropIntent(in.id)

	if len(route.Replicas) == 0 {
		return nil
	}

	// sends are bounded by the ack timeout, not the caller's context:
	// the caller may stop waiting while replication continues
	sendCtx, cancel := context.WithTimeout(context.Background(), m.ackTimeout)

	ackCh := make(chan types.NodeID, len(route.Replicas))
	var wg sync.WaitGroup
	for _, node := range route.Replicas {
		wg.Add(1)
		go func(node types.NodeID) {
			defer wg.Done()
			if err := m.send(sendCtx, node, shard, w); err != nil {
				slog.Warn("replica did not acknowledge",
					"intent", in.id,
					"shard", shard,
					"replica", node,
					"version", w.Version,
					"error", err)
				m.markLagging(node)
				return
			}
			m.recordAck(shard, node, w.Version)
			ackCh <- node
		}(node)
	}
	go func() {
		wg.Wait()
		cancel()
	}()

	deadline := time.NewTimer(m.ackTimeout)
	defer deadline.Stop()

	acks := 0
	for acks < needed {
		select {
		case <-ackCh:
			acks++
		case <-deadline.C:
			return fmt.Errorf("intent %s got %d of %d acks: %w", in.id, acks, needed, kverrors.ErrIndeterminate)
		case <-ctx.Done():
			return fmt.Errorf("intent %s interrupted: %w", in.id, kverrors.ErrIndeterminate)
		}
	}
	return nil
}

func (m *Manager) send(ctx context.Context, node types.NodeID, shard types.ShardID, w Write) error {
	cl, err := m.client(node)
	if err != nil {
		return fmt.Errorf("replica client %s: %w", node, err)
	}
	return cl.ApplyReplicated(ctx, w)
}

// Status reports the last acknowledged version per replica of the shard,
// used by read policies and by the failure detector to spot stalled replicas.
func (m *Manager) Status(shard types.ShardID) map[types.NodeID]types.Version {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[types.NodeID]types.Version, len(m.acked[shard]))
	for node, v := range m.acked[shard] {
		out[node] = v
	}
	return out
}

// Lagging reports whether the replica missed an acknowledgment deadline and
// has not caught up since.
func (m *Manager) Lagging(node types.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lagging[node]
}

// InFlight is the number of write intents not yet resolved.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

func (m *Manager) trackIntent(in *intent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[in.id] = in
}

func (m *Manager) dropIntent(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, id)
}

func (m *Manager) recordAck(shard types.ShardID, node types.NodeID, v types.Version) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byNode, ok := m.acked[shard]
	if !ok {
		byNode = make(map[types.NodeID]types.Version)
		m.acked[shard] = byNode
	}
	if v > byNode[node] {
		byNode[node] = v
	}
	delete(m.lagging, node)
}

func (m *Manager) markLagging(node types.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lagging[node] = true
}
