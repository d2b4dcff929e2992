package cluster

import (
	"fmt"

	"quorumkv/pkg/config"
	"quorumkv/pkg/types"
)

// NodeInfo holds metadata about a node.
type NodeInfo struct {
	ID   types.NodeID
	Addr string
}

// Membership provides the node inventory and address resolution.
type Membership interface {
	AllNodes() []NodeInfo
	Addr(id types.NodeID) (string, bool)
}

// Static is a fixed inventory supplied at cluster bootstrap.
type Static struct {
	order []NodeInfo
	byID  map[types.NodeID]string
}

func NewStatic(peers []config.PeerConfig) (*Static, error) {
	s := &Static{byID: make(map[types.NodeID]string, len(peers))}
	for _, p := range peers {
		if p.ID == "" || p.Addr == "" {
			return nil, fmt.Errorf("peer needs both id and addr: %+v", p)
		}
		id := types.NodeID(p.ID)
		if _, dup := s.byID[id]; dup {
			return nil, fmt.Errorf("duplicate peer id %s", id)
		}
		s.byID[id] = p.Addr
		s.order = append(s.order, NodeInfo{ID: id, Addr: p.Addr})
	}
	return s, nil
}

func (s *Static) AllNodes() []NodeInfo {
	out := make([]NodeInfo, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Static) Addr(id types.NodeID) (string, bool) {
	addr, ok := s.byID[id]
	return addr, ok
}

// NodeIDs is a convenience for shard map bootstrap.
func NodeIDs(m Membership) []types.NodeID {
	nodes := m.AllNodes()
	ids := make([]types.NodeID, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}
