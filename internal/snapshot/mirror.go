package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cartridge/experience/internal/experience"
)

// Mirror copies a pool directory to and from remote storage.
type Mirror interface {
	// Upload copies every persisted file of dir.
	Upload(ctx context.Context, dir string) error
	// Download restores the mirrored files into dir and reports how many
	// were fetched; zero means nothing has been mirrored yet.
	Download(ctx context.Context, dir string) (int, error)
}

// persistedFiles lists the regular files of dir in transfer order.
func persistedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		names = append(names, e.Name())
	}
	return logLast(names), nil
}

// MinioMirror implements Mirror for MinIO and S3-compatible storage.
type MinioMirror struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioMirror creates a mirror under prefix in bucket.
func NewMinioMirror(client *minio.Client, bucket, prefix string) *MinioMirror {
	return &MinioMirror{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// DialMinio creates a MinIO client with static credentials.
func DialMinio(endpoint, accessKey, secretKey string, secure bool) (*minio.Client, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
}

func (m *MinioMirror) key(name string) string {
	return path.Join(m.prefix, name)
}

// EnsureBucket creates the bucket when missing.
func (m *MinioMirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{})
}

// Upload implements Mirror.Upload
func (m *MinioMirror) Upload(ctx context.Context, dir string) error {
	names, err := persistedFiles(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		_, err := m.client.FPutObject(ctx, m.bucket, m.key(name), filepath.Join(dir, name), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", name, err)
		}
	}
	return nil
}

// Download implements Mirror.Download
func (m *MinioMirror) Download(ctx context.Context, dir string) (int, error) {
	listPrefix := ""
	if m.prefix != "" {
		listPrefix = path.Clean(m.prefix) + "/"
	}

	var names []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    listPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return 0, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, listPrefix)
		if name != "" && !strings.Contains(name, "/") {
			names = append(names, name)
		}
	}
	if !containsLog(names) {
		return 0, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	for i, name := range logLast(names) {
		if err := m.client.FGetObject(ctx, m.bucket, m.key(name), filepath.Join(dir, name), minio.GetObjectOptions{}); err != nil {
			return i, fmt.Errorf("failed to download %s: %w", name, err)
		}
	}
	return len(names), nil
}

// LocalMirror implements Mirror over a second directory, such as a network
// mount.
type LocalMirror struct {
	root string
}

// NewLocalMirror creates a mirror rooted at root.
func NewLocalMirror(root string) *LocalMirror {
	return &LocalMirror{root: root}
}

// Upload implements Mirror.Upload
func (l *LocalMirror) Upload(ctx context.Context, dir string) error {
	names, err := persistedFiles(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyFile(filepath.Join(dir, name), filepath.Join(l.root, name)); err != nil {
			return fmt.Errorf("failed to upload %s: %w", name, err)
		}
	}
	return nil
}

// Download implements Mirror.Download
func (l *LocalMirror) Download(ctx context.Context, dir string) (int, error) {
	names, err := persistedFiles(l.root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !containsLog(names) {
		return 0, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	for i, name := range logLast(names) {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := copyFile(filepath.Join(l.root, name), filepath.Join(dir, name)); err != nil {
			return i, fmt.Errorf("failed to download %s: %w", name, err)
		}
	}
	return len(names), nil
}

func containsLog(names []string) bool {
	for _, name := range names {
		if name == experience.SequenceLogFile {
			return true
		}
	}
	return false
}

// logLast sorts names with the sequence log at the end, so an interrupted
// transfer never carries a log without the files it describes.
func logLast(names []string) []string {
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name != experience.SequenceLogFile {
			out = append(out, name)
		}
	}
	if len(out) < len(names) {
		out = append(out, experience.SequenceLogFile)
	}
	return out
}

// copyFile writes src to a temporary file next to dst and renames it.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
