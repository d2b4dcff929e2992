package failure

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zhangyunhao116/fastrand"
	"github.com/zhangyunhao116/skipset"

	"quorumkv/pkg/config"
	"quorumkv/pkg/shardmap"
	"quorumkv/pkg/types"
)

// State is the detector's liveness verdict for a node.
type State int32

const (
	StateAlive State = iota
	StateSuspected
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspected:
		return "suspected"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

type iShardMap interface {
	Current() *shardmap.View
	ProposeFailover(shard types.ShardID, newPrimary types.NodeID) (uint64, error)
}

type iReplication interface {
	Lagging(node types.NodeID) bool
}

// AppliedFunc reports the highest applied version on a node, or false when
// the node cannot be asked. Used to pick an in-sync replica during failover.
type AppliedFunc func(node types.NodeID) (types.Version, bool)

type record struct {
	lastBeat time.Time
	state    State
}

// Detector tracks node liveness from heartbeats and is the single authority
// allowed to flip node states and to propose failovers. Transitions are
// serialized by one mutex so no two goroutines flip the same node
// concurrently.
//
// Per node: alive -> suspected after suspectAfter without a heartbeat or on
// replication lag, suspected -> dead after deadAfter of silence, suspected ->
// alive on a heartbeat once any lag has cleared.
type Detector struct {
	suspectAfter time.Duration
	deadAfter    time.Duration
	interval     time.Duration

	shards  iShardMap
	applied AppliedFunc
	repl    iReplication

	mu    sync.Mutex
	nodes map[types.NodeID]*record

	// lock-free reachability lookup for the coordinator's hot path
	dead *skipset.OrderedSet[string]

	now func() time.Time
}

// New builds a detector. repl may be nil on nodes that lead no shards; when
// set, a replica stalled on replication is suspected even while its
// heartbeats stay healthy.
func New(cfg config.DetectorConfig, shards iShardMap, applied AppliedFunc, repl iReplication) *Detector {
	// zero thresholds would declare the whole cluster dead on the first sweep
	def := config.Default().Detector
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SuspectAfter <= 0 {
		cfg.SuspectAfter = def.SuspectAfter
	}
	if cfg.DeadAfter <= 0 {
		cfg.DeadAfter = def.DeadAfter
	}
	return &Detector{
		suspectAfter: cfg.SuspectAfter,
		deadAfter:    cfg.DeadAfter,
		interval:     cfg.HeartbeatInterval,
		shards:       shards,
		applied:      applied,
		repl:         repl,
		nodes:        make(map[types.NodeID]*record),
		dead:         skipset.New[string](),
		now:          time.Now,
	}
}

// Track registers a node as alive as of now. Call at bootstrap for every
// node in the inventory.
func (d *Detector) Track(node types.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.nodes[node]; !ok {
		d.nodes[node] = &record{lastBeat: d.now(), state: StateAlive}
	}
}

// Observe processes a HEARTBEAT from node. A suspected node recovers
// immediately; a dead node rejoins as alive (its shards have already failed
// over, it continues as a replica).
func (d *Detector) Observe(node types.NodeID, ts types.TimestampMs) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.nodes[node]
	if !ok {
		rec = &record{state: StateAlive}
		d.nodes[node] = rec
	}
	rec.lastBeat = d.now()

	if rec.state == StateSuspected && d.lagBehind(node) {
		// a heartbeat alone does not clear a replication stall
		return
	}
	if rec.state != StateAlive {
		slog.Info("node recovered", "node", node, "from", rec.state, "heartbeat_ts", ts)
		rec.state = StateAlive
		d.dead.Remove(string(node))
	}
}

// lagBehind reports whether the replication manager has this node marked as
// missing acknowledgments.
func (d *Detector) lagBehind(node types.NodeID) bool {
	return d.repl != nil && d.repl.Lagging(node)
}

// State returns the current verdict for a node. Untracked nodes are dead for
// routing purposes.
func (d *Detector) State(node types.NodeID) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.nodes[node]
	if !ok {
		return StateDead
	}
	return rec.state
}

// Reachable is used by the coordinator to skip nodes confirmed dead.
// Suspected nodes still count as reachable: suspicion alone must not shrink
// availability.
func (d *Detector) Reachable(node types.NodeID) bool {
	return !d.dead.Contains(string(node))
}

// Run sweeps on its own schedule, decoupled from request handling. The
// interval is jittered so detectors on different nodes do not sweep in
// lockstep.
func (d *Detector) Run(ctx context.Context) {
	for {
		jitter := time.Duration(fastrand.Int63n(int64(d.interval) / 4))
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.interval + jitter):
			d.sweep()
		}
	}
}

func (d *Detector) sweep() {
	now := d.now()

	d.mu.Lock()
	var died []types.NodeID
	for node, rec := range d.nodes {
		elapsed := now.Sub(rec.lastBeat)
		switch rec.state {
		case StateAlive:
			if elapsed > d.suspectAfter {
				rec.state = StateSuspected
				slog.Warn("node suspected", "node", node, "silent_for", elapsed)
			} else if d.lagBehind(node) {
				// heartbeats are healthy but replication stalled
				rec.state = StateSuspected
				slog.Warn("node suspected, replication lagging", "node", node)
			}
		case StateSuspected:
			if elapsed > d.deadAfter {
				rec.state = StateDead
				d.dead.Add(string(node))
				died = append(died, node)
				slog.Error("node declared dead", "node", node, "silent_for", elapsed)
			}
		}
	}
	d.mu.Unlock()

	// failover outside the state lock: it calls into the shard map and
	// queries replicas
	for _, node := range died {
		d.failover(node)
	}
}

// failover promotes, for every shard led by the dead node, the in-sync
// replica with the highest applied version; ties break to the lowest node id
// for determinism.
func (d *Detector) failover(deadNode types.NodeID) {
	view := d.shards.Current()

	for shard, route := range view.Routes {
		if route.Primary != deadNode {
			continue
		}

		var (
			best        types.NodeID
			bestVersion types.Version
			found       bool
		)
		for _, replica := range route.Replicas {
			if d.State(replica) == StateDead {
				continue
			}
			v, ok := d.applied(replica)
			if !ok {
				continue
			}
			if !found || v > bestVersion || (v == bestVersion && replica < best) {
				best, bestVersion, found = replica, v, true
			}
		}

		if !found {
			slog.Error("no in-sync replica to promote, shard stays unavailable",
				"shard", shard, "dead_primary", deadNode)
			continue
		}

		if _, err := d.shards.ProposeFailover(shard, best); err != nil {
			slog.Error("failover proposal rejected",
				"shard", shard, "candidate", best, "error", err)
			continue
		}
		slog.Info("promoted replica to primary",
			"shard", shard, "new_primary", best, "applied_version", bestVersion)
	}
}
