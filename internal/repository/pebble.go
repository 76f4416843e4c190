package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var filePrefix = []byte("file/")

// PebbleOptions configures the embedded key-value store.
type PebbleOptions struct {
	Path         string
	CacheSize    int64
	MaxOpenFiles int
	InMemory     bool
}

// PebbleRepo stores one JSON document per filename in Pebble.
// Pebble is embedded, so a single process owns the store and the mutex makes
// read-modify-write operations atomic.
type PebbleRepo struct {
	db *pebble.DB
	mu sync.Mutex
}

// pebbleRecord is the persisted form; times use the same fixed-width layout as SQL.
type pebbleRecord struct {
	Filename  string `json:"filename"`
	Bucket    string `json:"bucket"`
	Timestamp string `json:"timestamp"`
	Processed bool   `json:"processed"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	ClaimedBy string `json:"claimed_by"`
	ClaimedAt string `json:"claimed_at"`
}

// OpenPebble opens (or creates) a Pebble store.
func OpenPebble(opts PebbleOptions) (*PebbleRepo, error) {
	pebbleOpts := &pebble.Options{
		MaxOpenFiles: opts.MaxOpenFiles,
	}
	if opts.CacheSize > 0 {
		cache := pebble.NewCache(opts.CacheSize)
		defer cache.Unref()
		pebbleOpts.Cache = cache
	}

	path := opts.Path
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
		if path == "" {
			path = "pairmerge"
		}
	} else {
		if path == "" {
			return nil, errors.New("repository: pebble path is required")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("repository: create pebble dir: %w", err)
		}
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("repository: open pebble: %w", err)
	}
	return &PebbleRepo{db: db}, nil
}

func fileKey(filename string) []byte {
	return append(append([]byte{}, filePrefix...), filename...)
}

// Put overwrites the record for rec.Filename.
func (p *PebbleRepo) Put(ctx context.Context, rec *FileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.write(rec); err != nil {
		return fmt.Errorf("repo put: %w", err)
	}
	return nil
}

// Get retrieves a record by filename.
func (p *PebbleRepo) Get(ctx context.Context, filename string) (*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := p.read(filename)
	if err != nil {
		return nil, fmt.Errorf("repo get %q: %w", filename, err)
	}
	return rec, nil
}

// ListAll scans every record and returns up to limit, newest first.
func (p *PebbleRepo) ListAll(ctx context.Context, limit int) ([]*FileRecord, error) {
	records, err := p.scan(ctx, func(*FileRecord) bool { return true })
	if err != nil {
		return nil, fmt.Errorf("repo listAll: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return recordLess(records[j], records[i])
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// ListUnprocessed is a full scan with an equality filter.
func (p *PebbleRepo) ListUnprocessed(ctx context.Context) ([]*FileRecord, error) {
	records, err := p.scan(ctx, func(r *FileRecord) bool {
		return !r.Processed && r.Status == StatusPending
	})
	if err != nil {
		return nil, fmt.Errorf("repo listUnprocessed: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return recordLess(records[i], records[j])
	})
	return records, nil
}

// Claim moves a pending record to claimed.
func (p *PebbleRepo) Claim(ctx context.Context, filename, owner string, at time.Time) error {
	return p.update(ctx, "claim", filename, func(r *FileRecord) error {
		if r.Status != StatusPending || r.Processed {
			return ErrClaimConflict
		}
		r.Status = StatusClaimed
		r.ClaimedBy = owner
		r.ClaimedAt = at.UTC()
		return nil
	})
}

// Release returns a record claimed by owner to pending.
func (p *PebbleRepo) Release(ctx context.Context, filename, owner string) error {
	return p.update(ctx, "release", filename, func(r *FileRecord) error {
		if r.Status != StatusClaimed || r.ClaimedBy != owner {
			return ErrClaimConflict
		}
		r.Status = StatusPending
		r.ClaimedBy = ""
		r.ClaimedAt = time.Time{}
		return nil
	})
}

// Reject releases a claim and counts a failed compatibility attempt.
func (p *PebbleRepo) Reject(ctx context.Context, filename, owner string, maxAttempts int) error {
	return p.update(ctx, "reject", filename, func(r *FileRecord) error {
		if r.Status != StatusClaimed || r.ClaimedBy != owner {
			return ErrClaimConflict
		}
		r.Attempts++
		r.Status = StatusPending
		if maxAttempts > 0 && r.Attempts >= maxAttempts {
			r.Status = StatusIncompatible
		}
		r.ClaimedBy = ""
		r.ClaimedAt = time.Time{}
		return nil
	})
}

// MarkProcessed flips the processed flag on a record claimed by owner.
func (p *PebbleRepo) MarkProcessed(ctx context.Context, filename, owner string) error {
	return p.update(ctx, "markProcessed", filename, func(r *FileRecord) error {
		if r.Status != StatusClaimed || r.ClaimedBy != owner {
			return ErrClaimConflict
		}
		r.Processed = true
		r.Status = StatusDone
		r.ClaimedBy = ""
		r.ClaimedAt = time.Time{}
		return nil
	})
}

// ExpireClaims returns claims older than cutoff to pending.
func (p *PebbleRepo) ExpireClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stale, err := p.scan(ctx, func(r *FileRecord) bool {
		return r.Status == StatusClaimed && r.ClaimedAt.Before(cutoff)
	})
	if err != nil {
		return 0, fmt.Errorf("repo expireClaims: %w", err)
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	for _, r := range stale {
		r.Status = StatusPending
		r.ClaimedBy = ""
		r.ClaimedAt = time.Time{}
		value, err := json.Marshal(toPebble(r))
		if err != nil {
			return 0, fmt.Errorf("repo expireClaims: %w", err)
		}
		if err := batch.Set(fileKey(r.Filename), value, nil); err != nil {
			return 0, fmt.Errorf("repo expireClaims: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("repo expireClaims: %w", err)
	}
	return int64(len(stale)), nil
}

// Ping reports whether the store is still open.
func (p *PebbleRepo) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, closer, err := p.db.Get([]byte("ping"))
	if err == nil {
		closer.Close()
		return nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

// Close closes the underlying database.
func (p *PebbleRepo) Close() error {
	return p.db.Close()
}

func (p *PebbleRepo) update(ctx context.Context, op, filename string, mutate func(*FileRecord) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.read(filename)
	if err != nil {
		return fmt.Errorf("repo %s %q: %w", op, filename, err)
	}
	if err := mutate(rec); err != nil {
		return fmt.Errorf("repo %s %q: %w", op, filename, err)
	}
	if err := p.write(rec); err != nil {
		return fmt.Errorf("repo %s: %w", op, err)
	}
	return nil
}

func (p *PebbleRepo) read(filename string) (*FileRecord, error) {
	value, closer, err := p.db.Get(fileKey(filename))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return decodeRecord(value)
}

func (p *PebbleRepo) write(rec *FileRecord) error {
	value, err := json.Marshal(toPebble(rec))
	if err != nil {
		return err
	}
	return p.db.Set(fileKey(rec.Filename), value, pebble.Sync)
}

func (p *PebbleRepo) scan(ctx context.Context, keep func(*FileRecord) bool) ([]*FileRecord, error) {
	upper := append(append([]byte{}, filePrefix[:len(filePrefix)-1]...), filePrefix[len(filePrefix)-1]+1)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: filePrefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var records []*FileRecord
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(iter.Key(), filePrefix) {
			continue
		}
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		if keep(rec) {
			records = append(records, rec)
		}
	}
	return records, iter.Error()
}

func decodeRecord(value []byte) (*FileRecord, error) {
	var pr pebbleRecord
	if err := json.Unmarshal(value, &pr); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	ts, err := ParseTime(pr.Timestamp)
	if err != nil {
		return nil, err
	}
	claimedAt, err := ParseTime(pr.ClaimedAt)
	if err != nil {
		return nil, err
	}
	return &FileRecord{
		Filename:  pr.Filename,
		Bucket:    pr.Bucket,
		Timestamp: ts,
		Processed: pr.Processed,
		Status:    Status(pr.Status),
		Attempts:  pr.Attempts,
		ClaimedBy: pr.ClaimedBy,
		ClaimedAt: claimedAt,
	}, nil
}

func toPebble(r *FileRecord) pebbleRecord {
	return pebbleRecord{
		Filename:  r.Filename,
		Bucket:    r.Bucket,
		Timestamp: FormatTime(r.Timestamp),
		Processed: r.Processed,
		Status:    string(r.Status),
		Attempts:  r.Attempts,
		ClaimedBy: r.ClaimedBy,
		ClaimedAt: FormatTime(r.ClaimedAt),
	}
}

// recordLess orders by arrival time, then filename.
func recordLess(a, b *FileRecord) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Filename < b.Filename
}
