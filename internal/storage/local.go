package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mtiwari1/pairmerge/internal/hasher"
)

// Local stores objects under root/<bucket>/<key>.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &Local{root: filepath.Clean(root)}, nil
}

// Get reads bucket/key into memory.
func (l *Local) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := l.resolve(bucket, key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return nil, fmt.Errorf("storage: read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// Put writes via a temp file and rename so readers never see a partial object.
func (l *Local) Put(ctx context.Context, bucket, key string, data []byte) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := l.resolve(bucket, key)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".put-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	bw := bufio.NewWriter(tmpFile)
	if _, err := bw.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("storage: write %s/%s: %w", bucket, key, err)
	}
	if err := bw.Flush(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("storage: flush %s/%s: %w", bucket, key, err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("storage: close %s/%s: %w", bucket, key, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("storage: rename %s/%s: %w", bucket, key, err)
	}

	meta := hasher.Sum(data)
	return &ObjectInfo{
		Bucket:   bucket,
		Key:      key,
		Size:     meta.Size,
		Checksum: meta.XXHash,
		Lines:    meta.Lines,
	}, nil
}

// resolve maps bucket/key to a path and rejects anything escaping the bucket.
func (l *Local) resolve(bucket, key string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("%w: bucket %q", ErrInvalidKey, bucket)
	}
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	bucketDir := filepath.Join(l.root, bucket)
	path := filepath.Clean(filepath.Join(bucketDir, filepath.FromSlash(key)))
	if !strings.HasPrefix(path, bucketDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: key %q escapes bucket %q", ErrInvalidKey, key, bucket)
	}
	return path, nil
}
