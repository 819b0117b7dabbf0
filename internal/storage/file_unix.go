//go:build unix

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FileBackend keeps records in a memory-mapped file. Writes land directly in
// the shared mapping, so Dump only has to flush dirty pages and Recover has
// nothing to load.
type FileBackend struct {
	store *recordStore
	file  *os.File
	data  []byte

	// mu is held shared by every access to the mapping and exclusively by
	// Close, so the mapping is never removed under a reader
	mu     sync.RWMutex
	closed bool
}

// NewFileBackend maps (creating if needed) the record file in dir. An
// existing file must match the requested geometry exactly.
func NewFileBackend(capacity, width int, dir string) (*FileBackend, error) {
	if !validGeometry(capacity, width) {
		return nil, fmt.Errorf("invalid backend geometry: capacity=%d width=%d", capacity, width)
	}
	if dir == "" {
		return nil, ErrNoDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create record dir: %w", err)
	}

	size := int64(capacity) * int64(width) * 4
	f, err := os.OpenFile(filepath.Join(dir, mappedFile), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open record file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat record file: %w", err)
	}
	switch {
	case info.Size() == 0:
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size record file: %w", err)
		}
	case info.Size() != size:
		f.Close()
		return nil, fmt.Errorf("%w: file has %d bytes, want %d", ErrFormat, info.Size(), size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map record file: %w", err)
	}

	// mappings are page aligned, so the bytes can be addressed as words
	words := unsafe.Slice((*uint32)(unsafe.Pointer(&data[0])), capacity*width)
	return &FileBackend{
		store: newRecordStore(words, capacity, width),
		file:  f,
		data:  data,
	}, nil
}

// Kind implements Backend.Kind
func (b *FileBackend) Kind() string { return KindFile }

// Capacity implements Backend.Capacity
func (b *FileBackend) Capacity() int { return b.store.capacity }

// Width implements Backend.Width
func (b *FileBackend) Width() int { return b.store.width }

// ReadRecord implements Backend.ReadRecord
func (b *FileBackend) ReadRecord(offset int, dst []float32) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return b.store.read(offset, dst)
}

// WriteRecord implements Backend.WriteRecord
func (b *FileBackend) WriteRecord(offset int, src []float32) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return b.store.write(offset, src)
}

// Dump implements Backend.Dump
func (b *FileBackend) Dump(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := unix.Msync(b.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to sync record file: %w", err)
	}
	return nil
}

// Recover implements Backend.Recover
func (b *FileBackend) Recover(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Close implements Backend.Close. It waits for in-flight reads and writes.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := errors.Join(unix.Munmap(b.data), b.file.Close())
	b.data = nil
	return err
}
