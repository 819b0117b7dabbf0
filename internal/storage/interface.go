package storage

import (
	"context"
	"errors"
)

var (
	// ErrOutOfRange indicates a record offset outside [0, capacity).
	ErrOutOfRange = errors.New("record offset out of range")
	// ErrWidth indicates a buffer wider than one record.
	ErrWidth = errors.New("buffer exceeds record width")
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("backend is closed")
)

// Backend stores fixed-width float32 records addressed by ring offset.
//
// Implementations must allow concurrent readers alongside a single writer and
// must never expose a partially written record to a reader.
type Backend interface {
	// Kind names the backend, recorded in the pool descriptor
	Kind() string

	// Capacity is the number of records the backend holds
	Capacity() int

	// Width is the number of float32 values per record
	Width() int

	// ReadRecord copies the record at offset into dst. dst may be shorter than
	// Width, in which case only the leading values are read.
	ReadRecord(offset int, dst []float32) error

	// WriteRecord stores src as the record at offset. Missing trailing values
	// are written as zero.
	WriteRecord(offset int, src []float32) error

	// Dump persists the raw records to durable media
	Dump(ctx context.Context) error

	// Recover loads raw records previously persisted by Dump
	Recover(ctx context.Context) error

	// Close releases resources held by the backend
	Close() error
}
