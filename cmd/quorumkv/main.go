package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	httpapi "quorumkv/internal/http"
	"quorumkv/pkg/cluster"
	"quorumkv/pkg/coordinator"
	"quorumkv/pkg/failure"
	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/replication"
	"quorumkv/pkg/shardmap"
	"quorumkv/pkg/storage"
	"quorumkv/pkg/types"
	"quorumkv/pkg/wal"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	// env перебивает конфиг: так проще разворачивать одинаковый YAML на все ноды
	if nodeID := os.Getenv("QUORUMKV_NODE_ID"); nodeID != "" {
		cfg.Cluster.NodeID = nodeID
	}
	self := types.NodeID(cfg.Cluster.NodeID)

	durability, err := replication.ParseDurability(cfg.Replication.DefaultDurability)
	if err != nil {
		slog.Error("invalid default durability", "error", err)
		os.Exit(1)
	}

	// --- membership: статический inventory или ZooKeeper ---
	membership, err := cluster.NewStatic(cfg.Cluster.Peers)
	if err != nil {
		slog.Error("invalid peer inventory", "error", err)
		os.Exit(1)
	}

	var zkMembership *cluster.ZKMembership
	if len(cfg.Cluster.ZooKeeper.Servers) > 0 {
		selfAddr, ok := membership.Addr(self)
		if !ok {
			slog.Error("node is not in its own peer inventory", "node", self)
			os.Exit(1)
		}
		zkMembership, err = cluster.NewZKMembership(cfg.Cluster.ZooKeeper.Servers, cfg.Cluster.ZooKeeper.Root, self, selfAddr)
		if err != nil {
			slog.Error("failed to connect to ZooKeeper", "error", err)
			os.Exit(1)
		}
		defer zkMembership.Close()

		if err := zkMembership.RegisterSelf(); err != nil {
			slog.Error("failed to register node in ZooKeeper", "error", err)
			os.Exit(1)
		}
	}

	// --- durable log + storage node ---
	journal, err := wal.New(cfg.Storage.DataDir)
	if err != nil {
		slog.Error("failed to init WAL", "error", err)
		os.Exit(1)
	}

	store, err := storage.New(self, journal)
	if err != nil {
		if errors.Is(err, kverrors.ErrCorrupt) {
			// фатально: нода не обслуживает запросы, пока лог не починят
			slog.Error("local log failed integrity verification, refusing to serve", "error", err)
		} else {
			slog.Error("failed to open storage", "error", err)
		}
		os.Exit(1)
	}
	defer store.Close()

	// --- shard map bootstrap ---
	shards, err := shardmap.Bootstrap(cluster.NodeIDs(membership), cfg.Cluster.Shards, cfg.Cluster.ReplicationFactor)
	if err != nil {
		slog.Error("failed to bootstrap shard map", "error", err)
		os.Exit(1)
	}

	clientFor := func(node types.NodeID) (*httpapi.Client, error) {
		addr, ok := membership.Addr(node)
		if !ok {
			return nil, fmt.Errorf("no address for node %s", node)
		}
		return httpapi.NewClient(addr, cfg.Server.RequestTimeout), nil
	}

	// --- replication manager (работает, когда эта нода - primary шарда) ---
	repl := replication.NewManager(self, cfg.Replication.AckTimeout, func(node types.NodeID) (replication.Replica, error) {
		return clientFor(node)
	})

	// --- failure detector ---
	// repl подключён, чтобы отставание репликации тоже переводило ноду в suspected
	detector := failure.New(cfg.Detector, shards, func(node types.NodeID) (types.Version, bool) {
		if node == self {
			return store.LastApplied(), true
		}
		cl, err := clientFor(node)
		if err != nil {
			return 0, false
		}
		sctx, scancel := context.WithTimeout(ctx, cfg.Server.RequestTimeout)
		defer scancel()
		st, err := cl.Status(sctx)
		if err != nil {
			return 0, false
		}
		return types.Version(st.LastApplied), true
	}, repl)
	for _, node := range cluster.NodeIDs(membership) {
		detector.Track(node)
	}
	go detector.Run(ctx)

	// --- coordinator ---
	coord := coordinator.New(
		self,
		shards,
		store,
		repl,
		detector,
		membership.Addr,
		func(addr string) (coordinator.Remote, error) {
			return httpapi.NewClient(addr, cfg.Server.RequestTimeout), nil
		},
		cfg.Server.RequestTimeout,
	)

	// --- HTTP server ---
	server := httpapi.NewServer(self, coord, store, detector, shards, repl, durability, fmt.Sprintf("%d", cfg.Server.Port))
	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	// --- heartbeats to peer detectors ---
	go cluster.RunHeartbeats(ctx, self, membership.AllNodes, func(hctx context.Context, peer cluster.NodeInfo, ts types.TimestampMs) error {
		cl, err := clientFor(peer.ID)
		if err != nil {
			return err
		}
		return cl.Heartbeat(hctx, self, ts)
	}, cfg.Detector.HeartbeatInterval)

	if zkMembership != nil {
		zkMembership.RunWatch(ctx, func(nodes []cluster.NodeInfo) {
			// inventory изменился: новые ноды начинаем отслеживать, а выводы
			// о пропавших делает только failure detector по heartbeat'ам
			for _, n := range nodes {
				detector.Track(n.ID)
			}
			slog.Info("membership inventory updated", "nodes", len(nodes))
		})
	}

	slog.Info("quorumkv node is running",
		"node", self,
		"port", cfg.Server.Port,
		"shards", cfg.Cluster.Shards,
		"replication_factor", cfg.Cluster.ReplicationFactor,
		"default_durability", durability)

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	slog.Info("quorumkv stopped", "node", self)
}
