package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/listener"
)

type seqNum = uint64

const flagTombstone uint32 = 1 << 0

// Entry is a single durable log record. Seq orders entries within this log;
// Version is the per-key version assigned by the shard primary.
type Entry struct {
	Seq       uint64
	Version   uint64
	Key       []byte
	Value     []byte
	Tombstone bool
}

// WAL is an append-only log of key-value operations. Appends go through a
// channel to a single writer goroutine; completion of the fsync is signalled
// on Done() with the entry's Seq. Every record carries a CRC32 checksum;
// replay fails with kverrors.ErrCorrupt on any integrity violation.
type WAL struct {
	*listener.Listener[Entry]

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string

	inputCh chan Entry
	doneCh  chan seqNum
}

// New creates a WAL under dir, creating the directory if needed.
func New(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, "wal.log")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		inputCh:  make(chan Entry, 3),
		doneCh:   make(chan seqNum, 3),
	}
	w.Listener = listener.New(w.inputCh, w.writeFile, w.stop)

	return w, nil
}

func (w *WAL) Append(entry Entry) {
	w.inputCh <- entry
}

// Done reports fsynced entry sequence numbers in write order.
func (w *WAL) Done() <-chan seqNum {
	return w.doneCh
}

// called by the listener goroutine for every appended entry
func (w *WAL) writeFile(entry Entry) error {
	if err := w.writeEntry(entry); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	w.doneCh <- entry.Seq
	return nil
}

// Replay feeds every logged entry to callback in write order. Any framing or
// checksum failure is reported as kverrors.ErrCorrupt: the caller must not
// serve from a partially verified log.
func (w *WAL) Replay(callback func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL before replay: %w", err)
		}
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)

	for {
		entry, err := w.readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}

		if err := callback(entry); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}

	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

// record layout: seq(8) version(8) flags(4) keyLen(4) valLen(4) key value crc(4),
// all little-endian; crc covers everything before it.
func (w *WAL) writeEntry(entry Entry) error {
	if w.writer == nil {
		return fmt.Errorf("WAL writer is nil")
	}
	if len(entry.Key) > math.MaxUint32 {
		return fmt.Errorf("key too large: %d", len(entry.Key))
	}
	if len(entry.Value) > math.MaxUint32 {
		return fmt.Errorf("value too large: %d", len(entry.Value))
	}

	var flags uint32
	if entry.Tombstone {
		flags |= flagTombstone
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, entry.Seq)
	binary.Write(&buf, binary.LittleEndian, entry.Version)
	binary.Write(&buf, binary.LittleEndian, flags)
	binary.Write(&buf, binary.LittleEndian, uint32(len(entry.Key)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(entry.Value)))
	buf.Write(entry.Key)
	buf.Write(entry.Value)

	if _, err := w.writer.Write(buf.Bytes()); err != nil {
		return err
	}
	return binary.Write(w.writer, binary.LittleEndian, crc32.ChecksumIEEE(buf.Bytes()))
}

// readEntry returns io.EOF at a clean record boundary and ErrCorrupt for
// anything else that stops the read.
func (w *WAL) readEntry(reader *bufio.Reader) (Entry, error) {
	var entry Entry

	header := make([]byte, 28)
	if _, err := io.ReadFull(reader, header); err != nil {
		if errors.Is(err, io.EOF) {
			return entry, io.EOF
		}
		// torn header: a crash mid-append
		return entry, fmt.Errorf("truncated WAL header: %w", kverrors.ErrCorrupt)
	}

	entry.Seq = binary.LittleEndian.Uint64(header[0:8])
	entry.Version = binary.LittleEndian.Uint64(header[8:16])
	flags := binary.LittleEndian.Uint32(header[16:20])
	keyLen := binary.LittleEndian.Uint32(header[20:24])
	valLen := binary.LittleEndian.Uint32(header[24:28])
	entry.Tombstone = flags&flagTombstone != 0

	entry.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(reader, entry.Key); err != nil {
		return entry, fmt.Errorf("truncated WAL key: %w", kverrors.ErrCorrupt)
	}

	entry.Value = make([]byte, valLen)
	if _, err := io.ReadFull(reader, entry.Value); err != nil {
		return entry, fmt.Errorf("truncated WAL value: %w", kverrors.ErrCorrupt)
	}

	var stored uint32
	if err := binary.Read(reader, binary.LittleEndian, &stored); err != nil {
		return entry, fmt.Errorf("truncated WAL checksum: %w", kverrors.ErrCorrupt)
	}

	var buf bytes.Buffer
	buf.Write(header)
	buf.Write(entry.Key)
	buf.Write(entry.Value)
	if crc32.ChecksumIEEE(buf.Bytes()) != stored {
		return entry, fmt.Errorf("WAL checksum mismatch at seq %d: %w", entry.Seq, kverrors.ErrCorrupt)
	}

	return entry, nil
}

func (w *WAL) stop() {
	close(w.inputCh)
	close(w.doneCh)
}
