package cluster

import (
	"context"
	"log/slog"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"quorumkv/pkg/types"
)

// HeartbeatFunc delivers one heartbeat to a peer's failure detector.
type HeartbeatFunc func(ctx context.Context, peer NodeInfo, ts types.TimestampMs) error

// RunHeartbeats announces this node's liveness to every peer on a jittered
// interval. Send failures are logged and dropped: it is the receiving
// detector's job to conclude anything from silence.
func RunHeartbeats(ctx context.Context, self types.NodeID, peers func() []NodeInfo, send HeartbeatFunc, interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	for {
		jitter := time.Duration(fastrand.Int63n(int64(interval) / 4))
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval + jitter):
		}

		ts := types.TimestampMs(time.Now().UnixMilli())
		for _, peer := range peers() {
			if peer.ID == self {
				continue
			}
			if err := send(ctx, peer, ts); err != nil {
				slog.Debug("heartbeat not delivered", "peer", peer.ID, "error", err)
			}
		}
	}
}
