package failure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumkv/pkg/config"
	"quorumkv/pkg/shardmap"
	"quorumkv/pkg/types"
)

func testDetectorConfig() config.DetectorConfig {
	return config.DetectorConfig{
		HeartbeatInterval: 500 * time.Millisecond,
		SuspectAfter:      2 * time.Second,
		DeadAfter:         6 * time.Second,
	}
}

// fakeClock drives the detector without sleeping.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

// fakeLag is a stand-in for the replication manager's lagging marks.
type fakeLag struct {
	nodes map[types.NodeID]bool
}

func (f *fakeLag) Lagging(node types.NodeID) bool { return f.nodes[node] }

func newTestDetector(t *testing.T, shards iShardMap, applied AppliedFunc) (*Detector, *fakeClock) {
	t.Helper()
	clk := &fakeClock{current: time.Unix(1700000000, 0)}
	d := New(testDetectorConfig(), shards, applied, nil)
	d.now = clk.now
	return d, clk
}

func allApplied(versions map[types.NodeID]types.Version) AppliedFunc {
	return func(node types.NodeID) (types.Version, bool) {
		v, ok := versions[node]
		return v, ok
	}
}

func TestDetector_Transitions(t *testing.T) {
	shards, err := shardmap.Bootstrap([]types.NodeID{"node-1", "node-2"}, 1, 2)
	require.NoError(t, err)
	d, clk := newTestDetector(t, shards, allApplied(nil))

	d.Track("node-1")
	assert.Equal(t, StateAlive, d.State("node-1"))
	assert.True(t, d.Reachable("node-1"))

	// silent past the suspect threshold
	clk.advance(3 * time.Second)
	d.sweep()
	assert.Equal(t, StateSuspected, d.State("node-1"))
	assert.True(t, d.Reachable("node-1"), "suspected nodes stay reachable")

	// a heartbeat clears the suspicion
	d.Observe("node-1", types.TimestampMs(clk.current.UnixMilli()))
	assert.Equal(t, StateAlive, d.State("node-1"))

	// silent past the dead threshold
	clk.advance(3 * time.Second)
	d.sweep()
	require.Equal(t, StateSuspected, d.State("node-1"))
	clk.advance(4 * time.Second)
	d.sweep()
	assert.Equal(t, StateDead, d.State("node-1"))
	assert.False(t, d.Reachable("node-1"))

	// a dead node rejoins as alive
	d.Observe("node-1", types.TimestampMs(clk.current.UnixMilli()))
	assert.Equal(t, StateAlive, d.State("node-1"))
	assert.True(t, d.Reachable("node-1"))
}

func TestDetector_LaggingReplicaSuspectedDespiteHeartbeats(t *testing.T) {
	shards, err := shardmap.Bootstrap([]types.NodeID{"node-1", "node-2"}, 1, 2)
	require.NoError(t, err)

	lag := &fakeLag{nodes: map[types.NodeID]bool{"node-2": true}}
	clk := &fakeClock{current: time.Unix(1700000000, 0)}
	d := New(testDetectorConfig(), shards, allApplied(nil), lag)
	d.now = clk.now

	d.Track("node-1")
	d.Track("node-2")

	// node-2 heartbeats on time but its replication has stalled
	clk.advance(time.Second)
	d.Observe("node-2", types.TimestampMs(clk.current.UnixMilli()))
	d.sweep()
	assert.Equal(t, StateSuspected, d.State("node-2"))
	assert.True(t, d.Reachable("node-2"), "lag alone must not make a node unreachable")

	// heartbeats keep arriving: suspicion sticks while the lag persists and
	// the node never progresses to dead
	clk.advance(time.Second)
	d.Observe("node-2", types.TimestampMs(clk.current.UnixMilli()))
	d.sweep()
	assert.Equal(t, StateSuspected, d.State("node-2"))

	// the replica catches up; the next heartbeat clears the suspicion
	delete(lag.nodes, "node-2")
	clk.advance(time.Second)
	d.Observe("node-2", types.TimestampMs(clk.current.UnixMilli()))
	assert.Equal(t, StateAlive, d.State("node-2"))
}

func TestDetector_ZeroThresholdsFallBackToDefaults(t *testing.T) {
	shards, err := shardmap.Bootstrap([]types.NodeID{"node-1", "node-2"}, 1, 2)
	require.NoError(t, err)

	clk := &fakeClock{current: time.Unix(1700000000, 0)}
	d := New(config.DetectorConfig{}, shards, allApplied(nil), nil)
	d.now = clk.now

	def := config.Default().Detector
	assert.Equal(t, def.SuspectAfter, d.suspectAfter)
	assert.Equal(t, def.DeadAfter, d.deadAfter)
	assert.Equal(t, def.HeartbeatInterval, d.interval)

	// the first sweep must not condemn a freshly tracked node
	d.Track("node-1")
	d.sweep()
	assert.Equal(t, StateAlive, d.State("node-1"))
}

func TestDetector_UntrackedNodeIsDead(t *testing.T) {
	shards, err := shardmap.Bootstrap([]types.NodeID{"node-1", "node-2"}, 1, 2)
	require.NoError(t, err)
	d, _ := newTestDetector(t, shards, allApplied(nil))

	assert.Equal(t, StateDead, d.State("ghost"))
}

// killPrimary lets the primary go silent while every other node keeps
// heartbeating, and sweeps until the primary is declared dead.
func killPrimary(d *Detector, clk *fakeClock, survivors []types.NodeID) {
	for _, step := range []time.Duration{3 * time.Second, 4 * time.Second} {
		clk.advance(step)
		for _, n := range survivors {
			d.Observe(n, types.TimestampMs(clk.current.UnixMilli()))
		}
		d.sweep()
	}
}

func TestDetector_FailoverPicksHighestAppliedReplica(t *testing.T) {
	nodes := []types.NodeID{"node-1", "node-2", "node-3", "node-4"}
	shards, err := shardmap.Bootstrap(nodes, 1, 4)
	require.NoError(t, err)
	require.Equal(t, types.NodeID("node-1"), shards.Current().Routes[0].Primary)

	d, clk := newTestDetector(t, shards, allApplied(map[types.NodeID]types.Version{
		"node-2": 5,
		"node-3": 7,
		"node-4": 6,
	}))
	for _, n := range nodes {
		d.Track(n)
	}

	killPrimary(d, clk, nodes[1:])

	assert.Equal(t, StateDead, d.State("node-1"))
	assert.Equal(t, types.NodeID("node-3"), shards.Current().Routes[0].Primary,
		"the most caught-up replica must win the promotion")
	assert.EqualValues(t, 2, shards.Current().Version)
}

func TestDetector_FailoverTieBreaksToLowestID(t *testing.T) {
	nodes := []types.NodeID{"node-1", "node-2", "node-3", "node-4"}
	shards, err := shardmap.Bootstrap(nodes, 1, 4)
	require.NoError(t, err)

	d, clk := newTestDetector(t, shards, allApplied(map[types.NodeID]types.Version{
		"node-2": 9,
		"node-3": 9,
		"node-4": 9,
	}))
	for _, n := range nodes {
		d.Track(n)
	}

	killPrimary(d, clk, nodes[1:])

	assert.Equal(t, types.NodeID("node-2"), shards.Current().Routes[0].Primary)
}

func TestDetector_FailoverSkipsUnreachableCandidates(t *testing.T) {
	nodes := []types.NodeID{"node-1", "node-2", "node-3", "node-4"}
	shards, err := shardmap.Bootstrap(nodes, 1, 4)
	require.NoError(t, err)

	// node-2 has the highest version but cannot be asked, node-3 is dead too
	d, clk := newTestDetector(t, shards, func(node types.NodeID) (types.Version, bool) {
		switch node {
		case "node-3":
			return 8, true
		case "node-4":
			return 4, true
		}
		return 0, false
	})
	for _, n := range nodes {
		d.Track(n)
	}

	// node-3 dies together with the primary
	killPrimary(d, clk, []types.NodeID{"node-2", "node-4"})

	assert.Equal(t, StateDead, d.State("node-3"))
	assert.Equal(t, types.NodeID("node-4"), shards.Current().Routes[0].Primary)
}

func TestDetector_NoCandidateLeavesRouteAlone(t *testing.T) {
	nodes := []types.NodeID{"node-1", "node-2"}
	shards, err := shardmap.Bootstrap(nodes, 1, 2)
	require.NoError(t, err)

	d, clk := newTestDetector(t, shards, allApplied(nil))
	for _, n := range nodes {
		d.Track(n)
	}

	killPrimary(d, clk, []types.NodeID{"node-2"})

	// node-2 is alive but its applied version is unknown, so nothing is promoted
	assert.Equal(t, types.NodeID("node-1"), shards.Current().Routes[0].Primary)
	assert.EqualValues(t, 1, shards.Current().Version)
}
