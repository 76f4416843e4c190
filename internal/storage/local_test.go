package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPutGet(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	store, err := NewLocal(root)
	require.NoError(t, err)

	info, err := store.Put(ctx, "uploads", "2024/a.csv", []byte("id,name\n1,alice\n"))
	require.NoError(t, err)
	assert.Equal(t, "uploads", info.Bucket)
	assert.Equal(t, "2024/a.csv", info.Key)
	assert.Equal(t, int64(16), info.Size)
	assert.Equal(t, 2, info.Lines)
	assert.NotEmpty(t, info.Checksum)

	data, err := store.Get(ctx, "uploads", "2024/a.csv")
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,alice\n", string(data))

	_, err = os.Stat(filepath.Join(root, "uploads", "2024", "a.csv"))
	assert.NoError(t, err)
}

func TestLocalPutOverwrites(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(ctx, "b", "k.csv", []byte("old"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "b", "k.csv", []byte("new"))
	require.NoError(t, err)

	data, err := store.Get(ctx, "b", "k.csv")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	entries, err := os.ReadDir(filepath.Join(store.root, "b"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestLocalGetMissing(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "b", "missing.csv")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalRejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		name   string
		bucket string
		key    string
	}{
		{"parent key", "b", "../other/x.csv"},
		{"bucket with slash", "a/b", "x.csv"},
		{"dot bucket", "..", "x.csv"},
		{"empty key", "b", ""},
		{"empty bucket", "", "x.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Put(ctx, tt.bucket, tt.key, []byte("x"))
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestLocalHonoursCancelledContext(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Get(ctx, "b", "k")
	assert.ErrorIs(t, err, context.Canceled)
}
