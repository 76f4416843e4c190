package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a filename.
	ErrNotFound = errors.New("repository: record not found")

	// ErrClaimConflict is returned when a record is no longer claimable by the caller.
	ErrClaimConflict = errors.New("repository: claim conflict")
)

// Status is the merge lifecycle state of a record.
type Status string

const (
	StatusPending      Status = "pending"
	StatusClaimed      Status = "claimed"
	StatusDone         Status = "done"
	StatusIncompatible Status = "incompatible"
)

// timeLayout is fixed-width so that lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t the way it is persisted.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse time %q: %w", s, err)
	}
	return t, nil
}

// FileRecord tracks one uploaded file and its merge state.
type FileRecord struct {
	Filename  string    `json:"filename"`
	Bucket    string    `json:"bucket"`
	Timestamp time.Time `json:"timestamp"`
	Processed bool      `json:"processed"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	ClaimedBy string    `json:"claimed_by,omitempty"`
	ClaimedAt time.Time `json:"claimed_at,omitempty"`
}

// NewFileRecord builds the record written when a file arrives.
func NewFileRecord(bucket, filename string, arrived time.Time) *FileRecord {
	return &FileRecord{
		Filename:  filename,
		Bucket:    bucket,
		Timestamp: arrived.UTC(),
		Processed: false,
		Status:    StatusPending,
	}
}

// Repository is a small, focused interface for file metadata persistence.
// Implementations must honour the supplied context for cancellation and timeouts.
type Repository interface {
	// Put inserts or fully overwrites the record keyed by its filename.
	Put(ctx context.Context, record *FileRecord) error

	// Get retrieves a record by filename.
	Get(ctx context.Context, filename string) (*FileRecord, error)

	// ListAll retrieves up to limit records ordered by arrival, newest first.
	ListAll(ctx context.Context, limit int) ([]*FileRecord, error)

	// ListUnprocessed returns every pending record with processed=false,
	// ordered by (timestamp, filename).
	ListUnprocessed(ctx context.Context) ([]*FileRecord, error)

	// Claim moves a pending record to claimed for owner.
	// Returns ErrClaimConflict if the record is not pending.
	Claim(ctx context.Context, filename, owner string, at time.Time) error

	// Release returns a record claimed by owner to pending.
	Release(ctx context.Context, filename, owner string) error

	// Reject releases a claim after a failed compatibility check and counts the
	// attempt. Once attempts reach maxAttempts (if > 0) the record becomes
	// incompatible and is no longer selected.
	Reject(ctx context.Context, filename, owner string, maxAttempts int) error

	// MarkProcessed flips processed to true and status to done for a record
	// claimed by owner. Returns ErrClaimConflict if the claim was lost, for
	// example when a re-upload reset the record while it was being merged.
	MarkProcessed(ctx context.Context, filename, owner string) error

	// ExpireClaims returns claims taken before cutoff to pending.
	ExpireClaims(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
