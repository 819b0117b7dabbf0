package experience

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_DumpRecover(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	src := newTestPool(t, 16, dir)
	require.NoError(t, src.Append(trajectory(0, 5, true)))
	require.NoError(t, src.Append(trajectory(10, 4, false)))
	require.NoError(t, src.Append(trajectory(20, 5, true)))
	require.NoError(t, src.Dump(ctx))

	dst := newTestPool(t, 16, dir)
	result, err := dst.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverRestored, result)

	assert.Equal(t, src.Locations(), dst.Locations())
	assert.Equal(t, src.Size(), dst.Size())
	assert.True(t, dst.Stats().Infinite)

	for i := 0; i < src.Size(); i++ {
		want, err := src.Sample(nil, i)
		require.NoError(t, err)
		got, err := dst.Sample(nil, i)
		require.NoError(t, err)
		assert.Equal(t, want, got, "sample %d", i)
	}

	// appends continue from the recovered head
	require.NoError(t, dst.Append(trajectory(30, 1, true)))
	assert.Equal(t, (src.Stats().Head+1)%16, dst.Stats().Head)
}

func TestPool_DumpWritesDescriptor(t *testing.T) {
	dir := t.TempDir()
	p := newTestPool(t, 8, dir)
	p.cfg.StateType = TypeImage
	require.NoError(t, p.Append(trajectory(0, 2, true)))
	require.NoError(t, p.Dump(context.Background()))

	raw, err := os.ReadFile(filepath.Join(dir, "test.json"))
	require.NoError(t, err)
	var desc Descriptor
	require.NoError(t, json.Unmarshal(raw, &desc))
	assert.Equal(t, "test", desc.Name)
	assert.Equal(t, "memory", desc.Type)
	assert.Equal(t, 8, desc.MaxSize)
	assert.Equal(t, []int{2}, desc.StateDims)
	assert.Equal(t, TypeImage, desc.StateType)
	assert.Equal(t, 1, desc.Sequences)
	assert.NotContains(t, string(raw), "actionType")

	log, err := os.ReadFile(filepath.Join(dir, SequenceLogFile))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 2, 0}, log)
}

func TestPool_RecoverAbsent(t *testing.T) {
	p := newTestPool(t, 8, t.TempDir())
	result, err := p.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoverAbsent, result)
	assert.Zero(t, p.Size())

	noDir := newTestPool(t, 8, "")
	result, err = noDir.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoverAbsent, result)
	assert.ErrorIs(t, noDir.Dump(context.Background()), ErrPersistenceDisabled)
}

func TestPool_RecoverMalformed(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, dir string)
	}{
		{
			name: "truncated log",
			corrupt: func(t *testing.T, dir string) {
				path := filepath.Join(dir, SequenceLogFile)
				log, err := os.ReadFile(path)
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(path, log[:len(log)-3], 0o644))
			},
		},
		{
			name: "missing descriptor",
			corrupt: func(t *testing.T, dir string) {
				require.NoError(t, os.Remove(filepath.Join(dir, "test.json")))
			},
		},
		{
			name: "checksum mismatch",
			corrupt: func(t *testing.T, dir string) {
				path := filepath.Join(dir, SequenceLogFile)
				log, err := os.ReadFile(path)
				require.NoError(t, err)
				log[7]++
				require.NoError(t, os.WriteFile(path, log, 0o644))
			},
		},
		{
			name: "overlapping locations",
			corrupt: func(t *testing.T, dir string) {
				log := encodeLocations([]SequenceLocation{{Start: 0, Length: 4}, {Start: 2, Length: 2}})
				writeConsistent(t, dir, log)
			},
		},
		{
			name: "start outside ring",
			corrupt: func(t *testing.T, dir string) {
				writeConsistent(t, dir, encodeLocations([]SequenceLocation{{Start: 50, Length: 1}}))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			src := newTestPool(t, 8, dir)
			require.NoError(t, src.Append(trajectory(0, 3, true)))
			require.NoError(t, src.Append(trajectory(0, 2, false)))
			require.NoError(t, src.Dump(ctx))
			tt.corrupt(t, dir)

			dst := newTestPool(t, 8, dir)
			require.NoError(t, dst.Append(trajectory(0, 1, true)))
			result, err := dst.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, RecoverMalformed, result)
			assert.Zero(t, dst.Size())
			assert.Zero(t, dst.Sequences())
		})
	}
}

func TestPool_FailedDumpKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	backend := newFaultyBackend(t, 16, dir)
	src, err := New(Config{Name: "test", Capacity: 16, StateDims: []int{2}, ActionDims: []int{1}, Dir: dir}, backend, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { src.Close(ctx) })

	require.NoError(t, src.Append(trajectory(0, 4, true)))
	require.NoError(t, src.Dump(ctx))
	first := src.Locations()

	require.NoError(t, src.Append(trajectory(100, 5, true)))
	backend.failDump.Store(true)
	require.ErrorIs(t, src.Dump(ctx), errDiskFull)

	dst := newTestPool(t, 16, dir)
	result, err := dst.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverRestored, result)
	assert.Equal(t, first, dst.Locations())
	assert.Equal(t, 4, dst.Size())

	got, err := dst.Sample(nil, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, -3}, got.State)
	assert.True(t, got.Terminal)
	_, err = dst.Sample(nil, 4)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestPool_RecoverRejectsRecordsFromAnotherDump(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	records := filepath.Join(dir, "records.zst")

	src := newTestPool(t, 16, dir)
	require.NoError(t, src.Append(trajectory(0, 4, true)))
	require.NoError(t, src.Dump(ctx))
	older, err := os.ReadFile(records)
	require.NoError(t, err)

	require.NoError(t, src.Append(trajectory(100, 5, true)))
	require.NoError(t, src.Dump(ctx))

	// the log of the second dump next to the records of the first
	require.NoError(t, os.WriteFile(records, older, 0o644))

	dst := newTestPool(t, 16, dir)
	result, err := dst.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverMalformed, result)
	assert.Zero(t, dst.Size())

	// and a log without any records at all
	require.NoError(t, os.Remove(records))
	result, err = dst.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverMalformed, result)
	assert.Zero(t, dst.Sequences())
}

func TestPool_RecoverUnreadableLog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, SequenceLogFile), 0o755))

	p := newTestPool(t, 8, dir)
	result, err := p.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoverMalformed, result)
	assert.Zero(t, p.Size())
}

func TestPool_RecoverCapacityMismatch(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	src := newTestPool(t, 8, dir)
	require.NoError(t, src.Append(trajectory(0, 3, true)))
	require.NoError(t, src.Dump(ctx))

	dst := newTestPool(t, 12, dir)
	result, err := dst.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverMalformed, result)
}

func TestLocationsEncoding(t *testing.T) {
	locs := []SequenceLocation{
		{Start: 0, Length: 3, Infinite: true},
		{Start: 4, Length: 70000},
	}
	buf := encodeLocations(locs)
	require.Len(t, buf, 2*locationRecordSize)
	assert.Equal(t, []byte{0, 0, 0, 4, 0, 1, 0x11, 0x70, 0}, buf[9:])

	got, err := decodeLocations(buf)
	require.NoError(t, err)
	assert.Equal(t, locs, got)

	_, err = decodeLocations(buf[:10])
	assert.ErrorIs(t, err, errMalformed)
}

func TestRecoverResultString(t *testing.T) {
	assert.Equal(t, "absent", RecoverAbsent.String())
	assert.Equal(t, "restored", RecoverRestored.String())
	assert.Equal(t, "malformed", RecoverMalformed.String())
}

// writeConsistent replaces the sequence log and fixes the descriptor checksum
// so only the layout check can reject it.
func writeConsistent(t *testing.T, dir string, log []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SequenceLogFile), log, 0o644))

	path := filepath.Join(dir, "test.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var desc Descriptor
	require.NoError(t, json.Unmarshal(raw, &desc))
	desc.Checksum = checksum(log)
	raw, err = json.Marshal(desc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}
