package storage

import (
	"context"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"quorumkv/pkg/clock"
	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/types"
	"quorumkv/pkg/wal"
)

const lockStripes = 64

type iJournal interface {
	Start(ctx context.Context)
	Stop()

	Append(e wal.Entry)
	Done() <-chan uint64
	Replay(callback func(wal.Entry) error) error
}

// entry is the in-memory index record for one key.
type entry struct {
	value     []byte
	version   types.Version
	tombstone bool
}

// Store is a single storage node: a durable append-only log plus an
// in-memory index rebuilt from it on startup. Writes hit the log and wait
// for the fsync acknowledgment before the index is updated, so any write
// acknowledged to a caller is durable.
type Store struct {
	node types.NodeID
	jr   iJournal
	seq  *clock.AtomicClock

	index *skipmap.OrderedMap[string, entry]

	// serializes operations per key; different stripes proceed concurrently
	locks [lockStripes]sync.Mutex

	// appends are serialized on the log, so the next Done signal always
	// belongs to the entry this goroutine just appended
	logMu sync.Mutex

	lastApplied *clock.AtomicClock
	closed      bool
	closeMu     sync.Mutex
}

// New builds a Store by replaying the journal. A journal that fails
// integrity verification makes New fail with kverrors.ErrCorrupt; the node
// must not serve from it.
func New(node types.NodeID, jr iJournal) (*Store, error) {
	s := &Store{
		node:        node,
		jr:          jr,
		seq:         clock.NewAtomic(0),
		index:       skipmap.New[string, entry](),
		lastApplied: clock.NewAtomic(0),
	}

	if err := s.restoreFromJournal(); err != nil {
		return nil, err
	}

	s.jr.Start(context.Background())
	return s, nil
}

func (s *Store) restoreFromJournal() error {
	return s.jr.Replay(func(e wal.Entry) error {
		if e.Seq > s.seq.Val() {
			s.seq.Set(e.Seq)
		}

		cur, ok := s.index.Load(string(e.Key))
		if ok && cur.version >= types.Version(e.Version) {
			// out-of-order records cannot appear in a single log written
			// by this node; tolerate them the same way ApplyReplicated does
			return nil
		}
		s.index.Store(string(e.Key), entry{
			value:     e.Value,
			version:   types.Version(e.Version),
			tombstone: e.Tombstone,
		})
		if e.Version > s.lastApplied.Val() {
			s.lastApplied.Set(e.Version)
		}
		return nil
	})
}

func (s *Store) stripe(key []byte) *sync.Mutex {
	return &s.locks[crc32.ChecksumIEEE(key)%lockStripes]
}

// Put stores value under key and returns the new per-key version.
func (s *Store) Put(key, value types.Key) (types.Version, error) {
	return s.write(key, value, false)
}

// Delete writes a tombstone for key and returns its version. Deleting an
// absent key still succeeds: the tombstone records the logical deletion.
func (s *Store) Delete(key types.Key) (types.Version, error) {
	return s.write(key, nil, true)
}

func (s *Store) write(key, value []byte, tombstone bool) (types.Version, error) {
	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	cur, _ := s.index.Load(string(key))
	next := cur.version + 1

	if err := s.append(wal.Entry{
		Seq:       s.seq.Next(),
		Version:   uint64(next),
		Key:       key,
		Value:     value,
		Tombstone: tombstone,
	}); err != nil {
		return 0, err
	}

	s.index.Store(string(key), entry{value: value, version: next, tombstone: tombstone})
	s.bumpLastApplied(next)
	return next, nil
}

// append blocks until the journal confirms the fsync of this entry.
func (s *Store) append(e wal.Entry) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	if s.isClosed() {
		return kverrors.ErrClosed
	}

	s.jr.Append(e)
	for seq := range s.jr.Done() {
		if seq == e.Seq {
			return nil
		}
	}
	return kverrors.ErrClosed
}

// Get returns the value and version for key, or kverrors.ErrNotFound for an
// absent or tombstoned key.
func (s *Store) Get(key types.Key) (types.Value, types.Version, error) {
	cur, ok := s.index.Load(string(key))
	if !ok || cur.tombstone {
		return nil, 0, kverrors.ErrNotFound
	}
	return cur.value, cur.version, nil
}

// Peek returns the newest record for key including tombstones. Quorum reads
// need the tombstone's version so a deletion can win over an older value.
func (s *Store) Peek(key types.Key) (types.Value, types.Version, bool, bool) {
	cur, ok := s.index.Load(string(key))
	if !ok {
		return nil, 0, false, false
	}
	return cur.value, cur.version, cur.tombstone, true
}

// ApplyReplicated applies a write shipped from the shard primary. It is
// idempotent: a version less than or equal to the stored one is a silent
// no-op, which protects against retransmission and out-of-order delivery.
func (s *Store) ApplyReplicated(key, value types.Key, version types.Version, tombstone bool) error {
	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	cur, ok := s.index.Load(string(key))
	if ok && cur.version >= version {
		slog.Debug("replicated apply ignored",
			"node", s.node,
			"version", version,
			"stored", cur.version,
			"reason", kverrors.ErrVersionConflict)
		return nil
	}

	if err := s.append(wal.Entry{
		Seq:       s.seq.Next(),
		Version:   uint64(version),
		Key:       key,
		Value:     value,
		Tombstone: tombstone,
	}); err != nil {
		return fmt.Errorf("apply replicated: %w", err)
	}

	s.index.Store(string(key), entry{value: value, version: version, tombstone: tombstone})
	s.bumpLastApplied(version)
	return nil
}

func (s *Store) bumpLastApplied(v types.Version) {
	for {
		cur := s.lastApplied.Val()
		if uint64(v) <= cur {
			return
		}
		if s.lastApplied.CompareAndSwap(cur, uint64(v)) {
			return
		}
	}
}

// LastApplied is the highest version this node has applied, used by the
// failure detector to pick an in-sync replica during failover.
func (s *Store) LastApplied() types.Version {
	return types.Version(s.lastApplied.Val())
}

func (s *Store) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

func (s *Store) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	s.closeMu.Unlock()

	s.jr.Stop()
}
