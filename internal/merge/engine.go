// Package merge selects pairs of unprocessed uploads and joins them into merged artifacts.
package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mtiwari1/pairmerge/internal/metrics"
	"github.com/mtiwari1/pairmerge/internal/repository"
	"github.com/mtiwari1/pairmerge/internal/storage"
	"github.com/mtiwari1/pairmerge/internal/table"
)

// Outcome classifies a completed merge cycle.
type Outcome string

const (
	OutcomeNothingToDo     Outcome = "nothing_to_do"
	OutcomeContended       Outcome = "contended"
	OutcomeNoCommonColumns Outcome = "no_common_columns"
	OutcomeMerged          Outcome = "merged"
)

// Config controls where artifacts go and how claims behave.
type Config struct {
	MergedBucket string
	MergedPrefix string
	MergedSuffix string
	Delimiter    rune
	LeaseTTL     time.Duration // 0 disables lease expiry
	MaxAttempts  int           // 0 never dead-letters incompatible records
}

// DefaultConfig mirrors the stock deployment.
func DefaultConfig() Config {
	return Config{
		MergedBucket: "merged",
		MergedPrefix: "merged_files/",
		MergedSuffix: "_merged.csv",
		Delimiter:    ',',
		LeaseTTL:     15 * time.Minute,
		MaxAttempts:  3,
	}
}

// Result describes one merge cycle.
type Result struct {
	RunID         string              `json:"run_id"`
	Outcome       Outcome             `json:"outcome"`
	Sources       []string            `json:"sources,omitempty"`
	CommonColumns []string            `json:"common_columns,omitempty"`
	Rows          int                 `json:"rows"`
	Artifact      *storage.ObjectInfo `json:"artifact,omitempty"`
}

// Engine runs merge cycles against a metadata store and an object store.
type Engine struct {
	repo    repository.Repository
	store   storage.ObjectStore
	cfg     Config
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine wires an Engine. metrics may be nil.
func NewEngine(repo repository.Repository, store storage.ObjectStore, cfg Config, m *metrics.Recorder, logger *slog.Logger) *Engine {
	if cfg.Delimiter == 0 {
		cfg.Delimiter = ','
	}
	return &Engine{
		repo:    repo,
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// RunOnce performs a single select-claim-merge-mark cycle. An empty runID is
// replaced by a fresh UUID. Only I/O and state-update failures are errors;
// "nothing to do", "contended" and "no common columns" are outcomes.
func (e *Engine) RunOnce(ctx context.Context, runID string) (*Result, error) {
	if runID == "" {
		runID = uuid.New().String()
	}
	start := e.now()
	logger := e.logger.With(slog.String("run_id", runID))

	res, err := e.run(ctx, logger, runID)

	outcome := "error"
	rows := 0
	if err == nil {
		outcome = string(res.Outcome)
		rows = res.Rows
	}
	e.metrics.ObserveMerge(outcome, rows, e.now().Sub(start))
	return res, err
}

func (e *Engine) run(ctx context.Context, logger *slog.Logger, runID string) (*Result, error) {
	res := &Result{RunID: runID}

	if e.cfg.LeaseTTL > 0 {
		n, err := e.repo.ExpireClaims(ctx, e.now().Add(-e.cfg.LeaseTTL))
		if err != nil {
			return res, fmt.Errorf("expire claims: %w", err)
		}
		if n > 0 {
			logger.Warn("expired stale claims", slog.Int64("count", n))
		}
	}

	records, err := e.repo.ListUnprocessed(ctx)
	if err != nil {
		return res, fmt.Errorf("list unprocessed: %w", err)
	}

	pair, ok := SelectPair(records)
	if !ok {
		logger.Info("not enough files to merge", slog.Int("unprocessed", len(records)))
		res.Outcome = OutcomeNothingToDo
		return res, nil
	}
	first, second := pair[0], pair[1]
	res.Sources = []string{first.Filename, second.Filename}
	logger = logger.With(slog.String("first", first.Filename), slog.String("second", second.Filename))

	claimed, err := e.claim(ctx, logger, runID, first, second)
	if err != nil {
		return res, err
	}
	if !claimed {
		res.Outcome = OutcomeContended
		return res, nil
	}

	merged, common, err := e.merge(ctx, first, second)
	res.CommonColumns = common
	if err != nil {
		e.release(ctx, logger, runID, first, second)
		return res, err
	}
	if merged == nil {
		logger.Warn("no common columns, pair left unprocessed")
		for _, rec := range []*repository.FileRecord{first, second} {
			if err := e.repo.Reject(ctx, rec.Filename, runID, e.cfg.MaxAttempts); err != nil {
				logger.Error("reject claim", slog.String("filename", rec.Filename), slog.String("error", err.Error()))
			}
		}
		res.Outcome = OutcomeNoCommonColumns
		return res, nil
	}
	logger.Info("common columns", slog.Any("columns", common))

	var buf bytes.Buffer
	if err := merged.Encode(&buf, e.cfg.Delimiter); err != nil {
		e.release(ctx, logger, runID, first, second)
		return res, fmt.Errorf("encode merged table: %w", err)
	}

	key := ArtifactKey(e.cfg.MergedPrefix, e.cfg.MergedSuffix, first.Filename, second.Filename)
	info, err := e.store.Put(ctx, e.cfg.MergedBucket, key, buf.Bytes())
	if err != nil {
		e.release(ctx, logger, runID, first, second)
		return res, fmt.Errorf("upload merged file: %w", err)
	}
	res.Artifact = info
	res.Rows = len(merged.Rows)
	logger.Info("merged file uploaded",
		slog.String("bucket", info.Bucket),
		slog.String("key", info.Key),
		slog.Int("rows", res.Rows),
		slog.Int64("size", info.Size),
		slog.String("checksum", info.Checksum),
	)

	// The artifact is not rolled back if a flag flip fails; the claim lease
	// expires and the pair becomes selectable again.
	var errs []error
	for _, rec := range []*repository.FileRecord{first, second} {
		if err := e.repo.MarkProcessed(ctx, rec.Filename, runID); err != nil {
			logger.Error("mark processed", slog.String("filename", rec.Filename), slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		logger.Info("marked file as processed", slog.String("filename", rec.Filename))
	}
	if err := errors.Join(errs...); err != nil {
		return res, fmt.Errorf("mark processed: %w", err)
	}

	res.Outcome = OutcomeMerged
	return res, nil
}

// claim takes both records or neither. false means another run got there first.
func (e *Engine) claim(ctx context.Context, logger *slog.Logger, runID string, first, second *repository.FileRecord) (bool, error) {
	at := e.now()
	if err := e.repo.Claim(ctx, first.Filename, runID, at); err != nil {
		if errors.Is(err, repository.ErrClaimConflict) {
			logger.Info("lost claim race", slog.String("filename", first.Filename))
			return false, nil
		}
		return false, fmt.Errorf("claim %s: %w", first.Filename, err)
	}

	if err := e.repo.Claim(ctx, second.Filename, runID, at); err != nil {
		e.release(ctx, logger, runID, first)
		if errors.Is(err, repository.ErrClaimConflict) {
			logger.Info("lost claim race", slog.String("filename", second.Filename))
			return false, nil
		}
		return false, fmt.Errorf("claim %s: %w", second.Filename, err)
	}
	return true, nil
}

// release is best effort; an unreleased claim expires with its lease.
func (e *Engine) release(ctx context.Context, logger *slog.Logger, runID string, recs ...*repository.FileRecord) {
	for _, rec := range recs {
		if err := e.repo.Release(ctx, rec.Filename, runID); err != nil {
			logger.Error("release claim", slog.String("filename", rec.Filename), slog.String("error", err.Error()))
		}
	}
}

// merge downloads and joins both files. A nil table with a nil error means
// the files share no columns.
func (e *Engine) merge(ctx context.Context, first, second *repository.FileRecord) (*table.Table, []string, error) {
	left, err := e.load(ctx, first)
	if err != nil {
		return nil, nil, err
	}
	right, err := e.load(ctx, second)
	if err != nil {
		return nil, nil, err
	}

	common := table.CommonColumns(left, right)
	if len(common) == 0 {
		return nil, nil, nil
	}

	merged, err := table.InnerJoin(left, right, common)
	if err != nil {
		return nil, common, fmt.Errorf("join: %w", err)
	}
	return merged, common, nil
}

func (e *Engine) load(ctx context.Context, rec *repository.FileRecord) (*table.Table, error) {
	data, err := e.store.Get(ctx, rec.Bucket, rec.Filename)
	if err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", rec.Bucket, rec.Filename, err)
	}
	t, err := table.Parse(bytes.NewReader(data), e.cfg.Delimiter)
	if err != nil {
		return nil, fmt.Errorf("parse %s/%s: %w", rec.Bucket, rec.Filename, err)
	}
	return t, nil
}
