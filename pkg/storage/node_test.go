package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/types"
	"quorumkv/pkg/wal"
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	journal, err := wal.New(dir)
	if err != nil {
		t.Fatalf("wal.New failed: %v", err)
	}
	s, err := New("node-1", journal)
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	return s
}

func TestStore_PutVersionsStrictlyIncrease(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	v1, err := s.Put([]byte("key1"), []byte("value1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v2, err := s.Put([]byte("key1"), []byte("value2"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if v2 <= v1 {
		t.Fatalf("expected version(v2) > version(v1), got %d <= %d", v2, v1)
	}

	value, version, err := s.Get([]byte("key1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "value2" || version != v2 {
		t.Fatalf("expected value2@%d, got %s@%d", v2, value, version)
	}
}

func TestStore_DeleteWritesTombstone(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	if _, err := s.Put([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	dv, err := s.Delete([]byte("key1"))
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, _, err := s.Get([]byte("key1")); !errors.Is(err, kverrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// the tombstone keeps its version so replicas can order it
	_, version, tombstone, ok := s.Peek([]byte("key1"))
	if !ok || !tombstone || version != dv {
		t.Fatalf("expected tombstone@%d, got ok=%v tombstone=%v version=%d", dv, ok, tombstone, version)
	}
}

func TestStore_GetMissingKey(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	if _, _, err := s.Get([]byte("nonexistent")); !errors.Is(err, kverrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ApplyReplicatedIdempotent(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	if err := s.ApplyReplicated([]byte("key1"), []byte("value5"), 5, false); err != nil {
		t.Fatalf("ApplyReplicated failed: %v", err)
	}
	// the same tuple twice must leave the state identical to applying it once
	if err := s.ApplyReplicated([]byte("key1"), []byte("value5"), 5, false); err != nil {
		t.Fatalf("second ApplyReplicated failed: %v", err)
	}

	value, version, err := s.Get([]byte("key1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "value5" || version != 5 {
		t.Fatalf("expected value5@5, got %s@%d", value, version)
	}
	if s.LastApplied() != 5 {
		t.Fatalf("expected last applied 5, got %d", s.LastApplied())
	}
}

func TestStore_ApplyReplicatedRejectsStaleVersion(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	if err := s.ApplyReplicated([]byte("key1"), []byte("new"), 7, false); err != nil {
		t.Fatalf("ApplyReplicated failed: %v", err)
	}
	// out-of-order delivery of an older version must be a no-op
	if err := s.ApplyReplicated([]byte("key1"), []byte("old"), 4, false); err != nil {
		t.Fatalf("stale ApplyReplicated should no-op, got %v", err)
	}

	value, version, err := s.Get([]byte("key1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "new" || version != 7 {
		t.Fatalf("expected new@7, got %s@%d", value, version)
	}
}

func TestStore_RestartRebuildsIndexFromLog(t *testing.T) {
	dir := t.TempDir()

	s := newTestStore(t, dir)
	if _, err := s.Put([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v2, err := s.Put([]byte("key1"), []byte("value2"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.Put([]byte("key2"), []byte("other")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.Delete([]byte("key2")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	s.Close()

	r := newTestStore(t, dir)
	defer r.Close()

	value, version, err := r.Get([]byte("key1"))
	if err != nil {
		t.Fatalf("Get after restart failed: %v", err)
	}
	if string(value) != "value2" || version != v2 {
		t.Fatalf("expected value2@%d after restart, got %s@%d", v2, value, version)
	}
	if _, _, err := r.Get([]byte("key2")); !errors.Is(err, kverrors.ErrNotFound) {
		t.Fatalf("expected deleted key to stay deleted after restart, got %v", err)
	}

	// versions keep increasing after recovery
	v3, err := r.Put([]byte("key1"), []byte("value3"))
	if err != nil {
		t.Fatalf("Put after restart failed: %v", err)
	}
	if v3 <= v2 {
		t.Fatalf("expected version to keep increasing after restart, got %d <= %d", v3, v2)
	}
}

func TestStore_CorruptLogRefusesToServe(t *testing.T) {
	dir := t.TempDir()

	s := newTestStore(t, dir)
	if _, err := s.Put([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.Close()

	path := filepath.Join(dir, "wal.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	journal, err := wal.New(dir)
	if err != nil {
		t.Fatalf("wal.New failed: %v", err)
	}
	if _, err := New("node-1", journal); !errors.Is(err, kverrors.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestStore_ConcurrentWritesToDistinctKeys(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	const (
		writers = 8
		rounds  = 20
	)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := []byte(fmt.Sprintf("key-%d", id))
			for r := 0; r < rounds; r++ {
				if _, err := s.Put(key, []byte(fmt.Sprintf("value-%d", r))); err != nil {
					t.Errorf("Put failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		value, version, err := s.Get(key)
		if err != nil {
			t.Fatalf("Get failed for %s: %v", key, err)
		}
		if version != types.Version(rounds) {
			t.Fatalf("expected version %d for %s, got %d", rounds, key, version)
		}
		if string(value) != fmt.Sprintf("value-%d", rounds-1) {
			t.Fatalf("unexpected final value for %s: %s", key, value)
		}
	}
}
