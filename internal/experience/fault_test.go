package experience

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cartridge/experience/internal/storage"
)

var errDiskFull = errors.New("disk full")

// faultyBackend is a memory backend whose writes and dumps can be made to
// fail.
type faultyBackend struct {
	*storage.MemoryBackend

	failDump atomic.Bool

	// writesLeft counts the writes that still succeed
	writesLeft atomic.Int64
}

func newFaultyBackend(t *testing.T, capacity int, dir string) *faultyBackend {
	t.Helper()
	mem, err := storage.NewMemoryBackend(capacity, Codec{StateSize: 2, ActionSize: 1}.Width(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	b := &faultyBackend{MemoryBackend: mem}
	b.writesLeft.Store(math.MaxInt64)
	return b
}

func (b *faultyBackend) WriteRecord(offset int, src []float32) error {
	if b.writesLeft.Add(-1) < 0 {
		return errDiskFull
	}
	return b.MemoryBackend.WriteRecord(offset, src)
}

func (b *faultyBackend) Dump(ctx context.Context) error {
	if b.failDump.Load() {
		return errDiskFull
	}
	return b.MemoryBackend.Dump(ctx)
}
