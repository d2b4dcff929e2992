package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"quorumkv/pkg/types"
)

// ZKMembership is the optional ZooKeeper-backed inventory: nodes register
// ephemeral znodes named "<id>=<addr>" under <root>/nodes, so the inventory
// shrinks automatically when a session dies.
type ZKMembership struct {
	conn     *zk.Conn
	rootPath string
	selfID   types.NodeID
	selfAddr string
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath string, selfID types.NodeID, selfAddr string) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: rootPath,
		selfID:   selfID,
		selfAddr: selfAddr,
	}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf создаёт ephemeral-узел для текущей ноды.
func (m *ZKMembership) RegisterSelf() error {
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}

	if err := m.ensurePath(m.rootPath + "/nodes"); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := fmt.Sprintf("%s/nodes/%s=%s", m.rootPath, m.selfID, m.selfAddr)
	_, err := m.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered node in zookeeper", "path", nodePath)
	return nil
}

// Inventory читает текущий список живых нод.
func (m *ZKMembership) Inventory() ([]NodeInfo, error) {
	children, _, err := m.conn.Children(m.rootPath + "/nodes")
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return parseZNodes(children), nil
}

func parseZNodes(children []string) []NodeInfo {
	var nodes []NodeInfo
	for _, child := range children {
		id, addr, ok := strings.Cut(child, "=")
		if !ok {
			slog.Warn("skipping malformed membership znode", "znode", child)
			continue
		}
		nodes = append(nodes, NodeInfo{ID: types.NodeID(id), Addr: addr})
	}
	return nodes
}

// RunWatch следит за изменениями /nodes и отдаёт свежий inventory в onChange.
// Сам shard map при этом не трогаем: членство меняет только failure
// detector или административный reshard.
func (m *ZKMembership) RunWatch(ctx context.Context, onChange func([]NodeInfo)) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.rootPath + "/nodes")
			if err != nil {
				slog.Warn("zk watch error", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Second):
					continue
				}
			}

			onChange(parseZNodes(children))

			select {
			case ev := <-ch:
				slog.Debug("zk membership event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				slog.Info("zk watch stopped")
				return
			}
		}
	}()
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
