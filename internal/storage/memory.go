package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

const (
	// KindMemory names the heap-backed backend
	KindMemory = "memory"

	recordsFile  = "records.zst"
	recordsMagic = uint32(0x58505243) // "XPRC"
)

var (
	// ErrNoDir is returned by Dump and Recover when no directory is configured.
	ErrNoDir = errors.New("backend has no dump directory")
	// ErrFormat indicates a dump file that does not match this backend's layout.
	ErrFormat = errors.New("record dump does not match backend layout")
)

// MemoryBackend keeps all records on the heap and dumps them as a zstd
// compressed file.
type MemoryBackend struct {
	store  *recordStore
	dir    string
	closed atomic.Bool
}

// NewMemoryBackend creates a heap-backed store for capacity records of width
// float32 values. dir may be empty when persistence is not needed.
func NewMemoryBackend(capacity, width int, dir string) (*MemoryBackend, error) {
	if !validGeometry(capacity, width) {
		return nil, fmt.Errorf("invalid backend geometry: capacity=%d width=%d", capacity, width)
	}
	words := make([]uint32, capacity*width)
	return &MemoryBackend{
		store: newRecordStore(words, capacity, width),
		dir:   dir,
	}, nil
}

// Kind implements Backend.Kind
func (m *MemoryBackend) Kind() string { return KindMemory }

// Capacity implements Backend.Capacity
func (m *MemoryBackend) Capacity() int { return m.store.capacity }

// Width implements Backend.Width
func (m *MemoryBackend) Width() int { return m.store.width }

// ReadRecord implements Backend.ReadRecord
func (m *MemoryBackend) ReadRecord(offset int, dst []float32) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.store.read(offset, dst)
}

// WriteRecord implements Backend.WriteRecord
func (m *MemoryBackend) WriteRecord(offset int, src []float32) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.store.write(offset, src)
}

// Dump implements Backend.Dump
func (m *MemoryBackend) Dump(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.dir == "" {
		return ErrNoDir
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create dump dir: %w", err)
	}

	target := filepath.Join(m.dir, recordsFile)
	tmp, err := os.CreateTemp(m.dir, recordsFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := m.writeDump(ctx, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync dump file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close dump file: %w", err)
	}
	return os.Rename(tmp.Name(), target)
}

func (m *MemoryBackend) writeDump(ctx context.Context, f *os.File) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bw := bufio.NewWriter(f)
	enc, err := zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	header := make([]byte, 0, 12)
	header = binary.LittleEndian.AppendUint32(header, recordsMagic)
	header = binary.LittleEndian.AppendUint32(header, uint32(m.store.capacity))
	header = binary.LittleEndian.AppendUint32(header, uint32(m.store.width))
	if _, err := enc.Write(header); err != nil {
		enc.Close()
		return fmt.Errorf("failed to write dump header: %w", err)
	}
	if _, err := m.store.writeTo(enc); err != nil {
		enc.Close()
		return fmt.Errorf("failed to write records: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish zstd stream: %w", err)
	}
	return bw.Flush()
}

// Recover implements Backend.Recover. A missing dump is not an error.
func (m *MemoryBackend) Recover(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.dir == "" {
		return ErrNoDir
	}

	f, err := os.Open(filepath.Join(m.dir, recordsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open record dump: %w", err)
	}
	defer f.Close()

	if err := ctx.Err(); err != nil {
		return err
	}

	dec, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	header := make([]byte, 12)
	if _, err := io.ReadFull(dec, header); err != nil {
		return fmt.Errorf("failed to read dump header: %w", err)
	}
	if binary.LittleEndian.Uint32(header[0:]) != recordsMagic ||
		int(binary.LittleEndian.Uint32(header[4:])) != m.store.capacity ||
		int(binary.LittleEndian.Uint32(header[8:])) != m.store.width {
		return ErrFormat
	}

	if err := m.store.readFrom(dec); err != nil {
		return fmt.Errorf("failed to read records: %w", err)
	}
	return nil
}

// Close implements Backend.Close
func (m *MemoryBackend) Close() error {
	m.closed.Store(true)
	return nil
}
