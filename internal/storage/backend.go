package storage

import (
	"fmt"
)

const (
	// KindFile names the memory-mapped file backend
	KindFile = "file"

	mappedFile = "records"
)

// New constructs the backend named by kind.
func New(kind string, capacity, width int, dir string) (Backend, error) {
	switch kind {
	case KindMemory, "":
		b, err := NewMemoryBackend(capacity, width, dir)
		if err != nil {
			return nil, err
		}
		return b, nil
	case KindFile:
		b, err := NewFileBackend(capacity, width, dir)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
}
