package replication

import "fmt"

// Durability selects how many acknowledgments a write needs before it is
// reported successful. This is the CAP knob: All favors consistency over
// availability under partition, One favors availability.
type Durability string

const (
	// DurabilityOne acknowledges after the primary's local durable write.
	DurabilityOne Durability = "one"
	// DurabilityQuorum waits for the primary plus a majority of replicas.
	DurabilityQuorum Durability = "quorum"
	// DurabilityAll waits for every replica.
	DurabilityAll Durability = "all"
)

func ParseDurability(s string) (Durability, error) {
	switch Durability(s) {
	case DurabilityOne, DurabilityQuorum, DurabilityAll:
		return Durability(s), nil
	}
	return "", fmt.Errorf("unknown durability policy %q", s)
}

// acksNeeded is the number of replica acknowledgments required on top of the
// primary's own durable write. total = replicas + primary.
func (d Durability) acksNeeded(replicas int) int {
	switch d {
	case DurabilityQuorum:
		total := replicas + 1
		return total/2 + 1 - 1 // majority minus the primary itself
	case DurabilityAll:
		return replicas
	default:
		return 0
	}
}
