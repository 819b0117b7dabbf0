//go:build unix

package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	backend, err := NewFileBackend(3, 2, dir)
	require.NoError(t, err)
	assert.Equal(t, KindFile, backend.Kind())

	require.NoError(t, backend.WriteRecord(1, []float32{4, 5}))
	require.NoError(t, backend.Dump(context.Background()))
	require.NoError(t, backend.Close())
	require.NoError(t, backend.Close())

	reopened, err := NewFileBackend(3, 2, dir)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Recover(context.Background()))

	dst := make([]float32, 2)
	require.NoError(t, reopened.ReadRecord(1, dst))
	assert.Equal(t, []float32{4, 5}, dst)
}

func TestFileBackend_GeometryMismatch(t *testing.T) {
	dir := t.TempDir()

	backend, err := NewFileBackend(3, 2, dir)
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	_, err = NewFileBackend(4, 2, dir)
	assert.ErrorIs(t, err, ErrFormat)

	_, err = NewFileBackend(4, 2, "")
	assert.ErrorIs(t, err, ErrNoDir)
}

func TestFileBackend_ClosedRejectsIO(t *testing.T) {
	backend, err := NewFileBackend(1, 1, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	assert.ErrorIs(t, backend.WriteRecord(0, []float32{1}), ErrClosed)
	assert.ErrorIs(t, backend.Dump(context.Background()), ErrClosed)
}

func TestFileBackend_CloseWaitsForReaders(t *testing.T) {
	backend, err := NewFileBackend(8, 4, t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			<-start
			dst := make([]float32, 4)
			for i := 0; ; i++ {
				err := backend.ReadRecord(i%8, dst)
				if r == 0 {
					err = backend.WriteRecord(i%8, []float32{1, 2, 3, 4})
				}
				if errors.Is(err, ErrClosed) {
					return
				}
				if err != nil {
					t.Errorf("reader %d: %v", r, err)
					return
				}
			}
		}(r)
	}

	close(start)
	require.NoError(t, backend.Close())
	wg.Wait()
}
