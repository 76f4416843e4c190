// Package recorder persists a FileRecord for every uploaded file announced in a notification batch.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mtiwari1/pairmerge/internal/metrics"
	"github.com/mtiwari1/pairmerge/internal/notification"
	"github.com/mtiwari1/pairmerge/internal/repository"
)

// Response is the structured handler result.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// Recorder writes file-arrival records. Dependencies are injected via the constructor.
type Recorder struct {
	repo    repository.Repository
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Recorder. metrics may be nil.
func New(repo repository.Repository, m *metrics.Recorder, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:    repo,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Record persists one record per arrival and returns how many were written.
// The first error aborts the batch; records written before it remain.
func (r *Recorder) Record(ctx context.Context, batch *notification.Batch) (int, error) {
	arrivals, err := batch.Arrivals()
	if err != nil {
		return 0, err
	}
	return r.RecordArrivals(ctx, arrivals)
}

// RecordArrivals writes one record per arrival, stamped with the current time.
func (r *Recorder) RecordArrivals(ctx context.Context, arrivals []notification.Arrival) (int, error) {
	for i, a := range arrivals {
		rec := repository.NewFileRecord(a.Bucket, a.Key, r.now())
		if err := r.repo.Put(ctx, rec); err != nil {
			return i, fmt.Errorf("record %s/%s: %w", a.Bucket, a.Key, err)
		}
		r.metrics.ObserveRecord(a.Bucket)
		r.logger.Info("file record written",
			slog.String("filename", rec.Filename),
			slog.String("bucket", rec.Bucket),
			slog.String("timestamp", repository.FormatTime(rec.Timestamp)),
		)
	}
	return len(arrivals), nil
}

// Handle runs Record and folds the outcome into a status-coded Response.
func (r *Recorder) Handle(ctx context.Context, batch *notification.Batch) Response {
	n, err := r.Record(ctx, batch)
	return r.Respond(batch, n, err)
}

// Respond builds the Response for a batch that recorded n arrivals and
// finished with err.
func (r *Recorder) Respond(batch *notification.Batch, n int, err error) Response {
	r.metrics.ObserveBatch(err == nil)
	if err != nil {
		r.logger.Error("notification batch failed",
			slog.Int("recorded", n),
			slog.String("error", err.Error()),
		)
		return Response{
			StatusCode: http.StatusInternalServerError,
			Body:       fmt.Sprintf("Error recording file metadata: %v", err),
		}
	}

	r.logger.Info("notification batch recorded",
		slog.Int("messages", len(batch.Records)),
		slog.Int("recorded", n),
	)
	return Response{
		StatusCode: http.StatusOK,
		Body:       fmt.Sprintf("%d file record(s) successfully recorded", n),
	}
}
