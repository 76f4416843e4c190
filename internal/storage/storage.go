// Package storage provides bucket/key object storage for uploaded and merged files.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("storage: object not found")

	// ErrInvalidKey is returned for a bucket or key that cannot name an object.
	ErrInvalidKey = errors.New("storage: invalid bucket or key")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"` // hex xxhash64 of the content
	Lines    int    `json:"lines"`
}

// ObjectStore is the minimal object storage contract.
// Implementations must be safe for concurrent use.
type ObjectStore interface {
	// Get returns the full content of bucket/key.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Put writes data to bucket/key, replacing any existing object.
	Put(ctx context.Context, bucket, key string, data []byte) (*ObjectInfo, error)
}
