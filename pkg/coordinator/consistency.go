package coordinator

import "fmt"

// Consistency selects the read policy: stronger consistency trades away
// availability under partition.
type Consistency string

const (
	// ReadPrimaryOnly always routes to the shard primary. Strongest reads,
	// unavailable while the primary is unreachable.
	ReadPrimaryOnly Consistency = "primary-only"
	// ReadAnyReplica routes to any reachable owner. Highest availability,
	// may return stale data.
	ReadAnyReplica Consistency = "any-replica"
	// ReadQuorum reads a majority of owners and returns the highest version
	// seen.
	ReadQuorum Consistency = "quorum-read"
)

func ParseConsistency(s string) (Consistency, error) {
	switch Consistency(s) {
	case ReadPrimaryOnly, ReadAnyReplica, ReadQuorum:
		return Consistency(s), nil
	}
	return "", fmt.Errorf("unknown consistency policy %q", s)
}
