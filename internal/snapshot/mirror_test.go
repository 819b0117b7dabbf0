package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/experience/internal/experience"
)

func writeSnapshotDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pool.json"), []byte(`{"name":"pool"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "records.zst"), []byte{1, 2, 3}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, experience.SequenceLogFile), []byte{0, 0, 0, 0, 0, 0, 0, 1, 0}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "records.zst.123.tmp"), []byte{9}, 0o644))
	return dir
}

func TestLocalMirror_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := writeSnapshotDir(t)
	mirror := NewLocalMirror(filepath.Join(t.TempDir(), "remote"))

	require.NoError(t, mirror.Upload(ctx, src))

	dst := filepath.Join(t.TempDir(), "restored")
	n, err := mirror.Download(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := os.ReadFile(filepath.Join(dst, "records.zst"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
	_, err = os.Stat(filepath.Join(dst, "records.zst.123.tmp"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocalMirror_IgnoresIncompleteUpload(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "records.zst"), []byte{1}, 0o644))

	n, err := NewLocalMirror(root).Download(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestMinioMirror_Integration requires a running MinIO instance.
// Skip if not available.
func TestMinioMirror_Integration(t *testing.T) {
	client, err := DialMinio("localhost:9000", "minioadmin", "minioadmin", false)
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx := context.Background()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	mirror := NewMinioMirror(client, "test-experience", "pools/snap")
	require.NoError(t, mirror.EnsureBucket(ctx))

	src := writeSnapshotDir(t)
	require.NoError(t, mirror.Upload(ctx, src))

	dst := t.TempDir()
	n, err := mirror.Download(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := os.ReadFile(filepath.Join(dst, experience.SequenceLogFile))
	require.NoError(t, err)
	assert.Len(t, got, 9)
}
