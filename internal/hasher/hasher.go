// Package hasher computes content digests and light metadata for stored objects.
package hasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/cespare/xxhash/v2"
)

// Metadata holds computed object metadata.
type Metadata struct {
	XXHash      string // hex-encoded xxhash64
	SHA256      string // hex-encoded SHA256
	Size        int64
	ContentType string
	Lines       int
}

// ComputeMetadata streams r through both digests in a single pass.
func ComputeMetadata(r io.Reader) (*Metadata, error) {
	xh := xxhash.New()
	sh := sha256.New()
	lc := &lineCounter{}

	// Read the head for MIME detection, then replay it into the digests.
	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("hasher: read head: %w", err)
	}
	head = head[:n]

	w := io.MultiWriter(xh, sh, lc)
	size, err := io.Copy(w, io.MultiReader(bytes.NewReader(head), r))
	if err != nil {
		return nil, fmt.Errorf("hasher: copy: %w", err)
	}

	return &Metadata{
		XXHash:      hex.EncodeToString(xh.Sum(nil)),
		SHA256:      hex.EncodeToString(sh.Sum(nil)),
		Size:        size,
		ContentType: http.DetectContentType(head),
		Lines:       lc.count(),
	}, nil
}

// Sum is ComputeMetadata for an in-memory buffer.
func Sum(data []byte) *Metadata {
	// bytes.Reader never fails.
	meta, _ := ComputeMetadata(bytes.NewReader(data))
	return meta
}

type lineCounter struct {
	lines    int
	trailing bool // last byte seen was not a newline
}

func (c *lineCounter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.lines += bytes.Count(p, []byte{'\n'})
	c.trailing = p[len(p)-1] != '\n'
	return len(p), nil
}

func (c *lineCounter) count() int {
	if c.trailing {
		return c.lines + 1
	}
	return c.lines
}
