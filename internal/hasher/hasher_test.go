package hasher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeMetadata(t *testing.T) {
	content := "id,name\n1,alice\n2,bob\n"

	meta, err := ComputeMetadata(strings.NewReader(content))
	require.NoError(t, err)

	assert.Equal(t, int64(len(content)), meta.Size)
	assert.Equal(t, 3, meta.Lines)
	assert.Len(t, meta.XXHash, 16)
	assert.Len(t, meta.SHA256, 64)
	assert.Equal(t, "text/plain; charset=utf-8", meta.ContentType)
}

func TestComputeMetadataLargeInput(t *testing.T) {
	content := strings.Repeat("a,b,c\n", 1000)

	meta, err := ComputeMetadata(strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), meta.Size)
	assert.Equal(t, 1000, meta.Lines)

	// Same bytes, same digests.
	assert.Equal(t, meta.XXHash, Sum([]byte(content)).XXHash)
}

func TestSumCountsUnterminatedLine(t *testing.T) {
	meta := Sum([]byte("id\n1"))
	assert.Equal(t, 2, meta.Lines)

	empty := Sum(nil)
	assert.Equal(t, 0, empty.Lines)
	assert.Equal(t, int64(0), empty.Size)
}
