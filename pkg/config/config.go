package config

import "time"

// Config - корневая структура конфигурации ноды.
// yaml теги для парсинга конфиг-файла.

type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Server      ServerConfig      `yaml:"http-server"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Storage     StorageConfig     `yaml:"storage"`
	Replication ReplicationConfig `yaml:"replication"`
	Detector    DetectorConfig    `yaml:"failure-detector"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// PeerConfig describes one node of the static inventory.
type PeerConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"` // "node1:8080"
}

type ClusterConfig struct {
	NodeID            string       `yaml:"node_id"`
	Peers             []PeerConfig `yaml:"peers"`
	Shards            int          `yaml:"shards"`
	ReplicationFactor int          `yaml:"replication_factor"`

	// Optional ZooKeeper membership; when Servers is empty the static
	// peer list above is the inventory.
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
}

type ZooKeeperConfig struct {
	Servers []string `yaml:"servers"` // ["zk1:2181", "zk2:2181"]
	Root    string   `yaml:"root"`    // "/quorumkv"
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type ReplicationConfig struct {
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	DefaultDurability string        `yaml:"default_durability"` // one|quorum|all
}

type DetectorConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SuspectAfter      time.Duration `yaml:"suspect_after"`
	DeadAfter         time.Duration `yaml:"dead_after"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
			RequestTimeout:    3 * time.Second,
		},
		Cluster: ClusterConfig{
			NodeID:            "node-1",
			Shards:            16,
			ReplicationFactor: 3,
			ZooKeeper: ZooKeeperConfig{
				Root: "/quorumkv",
			},
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Replication: ReplicationConfig{
			AckTimeout:        2 * time.Second,
			DefaultDurability: "quorum",
		},
		Detector: DetectorConfig{
			HeartbeatInterval: 500 * time.Millisecond,
			SuspectAfter:      2 * time.Second,
			DeadAfter:         6 * time.Second,
		},
	}
}
