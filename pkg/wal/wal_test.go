package wal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"quorumkv/pkg/kverrors"
)

func newTestWAL(t *testing.T, dir string) *WAL {
	t.Helper()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return w
}

func appendAll(t *testing.T, w *WAL, entries []Entry) {
	t.Helper()
	for _, e := range entries {
		w.Append(e)
		if got := <-w.Done(); got != e.Seq {
			t.Fatalf("expected ack for seq %d, got %d", e.Seq, got)
		}
	}
}

func TestWAL_AppendReplay(t *testing.T) {
	dir := t.TempDir()
	w := newTestWAL(t, dir)
	w.Start(context.Background())

	entries := []Entry{
		{Seq: 1, Version: 1, Key: []byte("alpha"), Value: []byte("one")},
		{Seq: 2, Version: 1, Key: []byte("beta"), Value: []byte("two")},
		{Seq: 3, Version: 2, Key: []byte("alpha"), Tombstone: true},
	}
	appendAll(t, w, entries)

	w.Stop()
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// reopen and replay
	r := newTestWAL(t, dir)
	var replayed []Entry
	err := r.Replay(func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if len(replayed) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(replayed))
	}
	for i, e := range entries {
		got := replayed[i]
		if got.Seq != e.Seq || got.Version != e.Version || got.Tombstone != e.Tombstone {
			t.Fatalf("entry %d mismatch: got %+v, want %+v", i, got, e)
		}
		if string(got.Key) != string(e.Key) || string(got.Value) != string(e.Value) {
			t.Fatalf("entry %d payload mismatch: got %+v, want %+v", i, got, e)
		}
	}
}

func TestWAL_EmptyLogReplaysNothing(t *testing.T) {
	w := newTestWAL(t, t.TempDir())

	count := 0
	err := w.Replay(func(Entry) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty replay, got %d entries", count)
	}
}

func TestWAL_CorruptChecksumFailsReplay(t *testing.T) {
	dir := t.TempDir()
	w := newTestWAL(t, dir)
	w.Start(context.Background())
	appendAll(t, w, []Entry{{Seq: 1, Version: 1, Key: []byte("alpha"), Value: []byte("payload")}})
	w.Stop()
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	path := filepath.Join(dir, "wal.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	// flip one byte inside the value region
	data[len(data)-6] ^= 0xFF
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	r := newTestWAL(t, dir)
	err = r.Replay(func(Entry) error { return nil })
	if !errors.Is(err, kverrors.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestWAL_TruncatedTailFailsReplay(t *testing.T) {
	dir := t.TempDir()
	w := newTestWAL(t, dir)
	w.Start(context.Background())
	appendAll(t, w, []Entry{
		{Seq: 1, Version: 1, Key: []byte("alpha"), Value: []byte("one")},
		{Seq: 2, Version: 2, Key: []byte("alpha"), Value: []byte("two")},
	})
	w.Stop()
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	path := filepath.Join(dir, "wal.log")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	// simulate a crash mid-append
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	r := newTestWAL(t, dir)
	err = r.Replay(func(Entry) error { return nil })
	if !errors.Is(err, kverrors.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
