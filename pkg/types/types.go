package types

// Key is an opaque byte sequence, unique within a shard.
type Key = []byte

// Value is an opaque byte sequence; the payload is a blob to the store.
type Value = []byte

// Version is a per-key monotonically increasing counter assigned by a shard primary.
type Version uint64

// TimestampMs is a millisecond-precision timestamp for heartbeats and time-based policies.
type TimestampMs int64

// ShardID identifies a logical shard.
type ShardID uint32

// NodeID identifies a node in a cluster.
type NodeID string
