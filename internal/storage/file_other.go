//go:build !unix

package storage

import (
	"errors"
)

// FileBackend is only available on unix platforms.
type FileBackend struct {
	Backend
}

// NewFileBackend reports that memory-mapped files are unsupported here.
func NewFileBackend(capacity, width int, dir string) (*FileBackend, error) {
	return nil, errors.New("file backend requires a unix platform")
}
