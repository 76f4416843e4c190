// Package restapi implements the HTTP gateway: notification intake, object
// uploads, record lookups, merge triggers, health and metrics.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtiwari1/pairmerge/internal/merge"
	"github.com/mtiwari1/pairmerge/internal/notification"
	"github.com/mtiwari1/pairmerge/internal/recorder"
	"github.com/mtiwari1/pairmerge/internal/repository"
	"github.com/mtiwari1/pairmerge/internal/storage"
)

const (
	maxNotificationBytes = 1 << 20
	maxUploadBytes       = 32 << 20
	defaultListLimit     = 100
)

// Merger runs a single merge cycle.
type Merger interface {
	RunOnce(ctx context.Context, runID string) (*merge.Result, error)
}

// Handler holds dependencies for REST endpoints.
type Handler struct {
	repo     repository.Repository
	recorder *recorder.Recorder
	merger   Merger
	store    storage.ObjectStore
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewHandler creates a new REST handler. gatherer may be nil, which disables /metrics.
func NewHandler(
	repo repository.Repository,
	rec *recorder.Recorder,
	merger Merger,
	store storage.ObjectStore,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		repo:     repo,
		recorder: rec,
		merger:   merger,
		store:    store,
		gatherer: gatherer,
		logger:   logger,
	}
}

// RegisterRoutes attaches all REST routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /notifications", h.notifications)
	mux.HandleFunc("PUT /objects/{bucket}/{key...}", h.putObject)
	mux.HandleFunc("GET /files/{filename...}", h.getFile)
	mux.HandleFunc("GET /files", h.listFiles)
	mux.HandleFunc("POST /merge", h.triggerMerge)
	mux.HandleFunc("GET /healthz", h.healthz)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

func (h *Handler) requestLogger() *slog.Logger {
	return h.logger.With(slog.String("request_id", uuid.New().String()))
}

// ---------- POST /notifications ----------

func (h *Handler) notifications(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger()

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err != nil {
		logger.Error("read notification", slog.String("error", err.Error()))
		h.respondFailure(w, fmt.Errorf("%w: read body: %v", notification.ErrMalformed, err))
		return
	}

	batch, err := notification.DecodeBatch(data)
	if err != nil {
		logger.Error("decode notification", slog.String("error", err.Error()))
		h.respondFailure(w, err)
		return
	}

	resp := h.recorder.Handle(r.Context(), batch)
	logger.Info("notification handled",
		slog.Int("messages", len(batch.Records)),
		slog.Int("status", resp.StatusCode),
	)
	writeJSON(w, resp.StatusCode, resp)
}

// respondFailure answers a batch that failed before any record was written.
func (h *Handler) respondFailure(w http.ResponseWriter, err error) {
	resp := h.recorder.Respond(&notification.Batch{}, 0, err)
	writeJSON(w, resp.StatusCode, resp)
}

// ---------- PUT /objects/{bucket}/{key...} ----------

// putObject stores the request body and records its arrival, standing in for
// the bucket notification a cloud store would emit.
func (h *Handler) putObject(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger()
	bucket, key := r.PathValue("bucket"), r.PathValue("key")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		logger.Error("read upload", slog.String("error", err.Error()))
		http.Error(w, "upload too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}

	info, err := h.store.Put(r.Context(), bucket, key, data)
	if err != nil {
		logger.Error("store upload", slog.String("bucket", bucket), slog.String("key", key), slog.String("error", err.Error()))
		http.Error(w, "failed to store object", errorStatus(err))
		return
	}

	if _, err := h.recorder.RecordArrivals(r.Context(), []notification.Arrival{{Bucket: bucket, Key: key}}); err != nil {
		logger.Error("record upload", slog.String("filename", key), slog.String("error", err.Error()))
		http.Error(w, "failed to record upload", http.StatusInternalServerError)
		return
	}

	logger.Info("object uploaded",
		slog.String("bucket", info.Bucket),
		slog.String("filename", info.Key),
		slog.Int64("size", info.Size),
		slog.String("checksum", info.Checksum),
	)
	w.Header().Set("Location", "/files/"+key)
	writeJSON(w, http.StatusCreated, info)
}

// ---------- GET /files/{filename...} ----------

func (h *Handler) getFile(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger()

	filename := r.PathValue("filename")
	if filename == "" {
		http.Error(w, "missing filename", http.StatusBadRequest)
		return
	}

	rec, err := h.repo.Get(r.Context(), filename)
	if err != nil {
		logger.Error("get file", slog.String("filename", filename), slog.String("error", err.Error()))
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
		} else {
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ---------- GET /files ----------

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger()

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := h.repo.ListAll(r.Context(), limit)
	if err != nil {
		logger.Error("list files", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*repository.FileRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// ---------- POST /merge ----------

func (h *Handler) triggerMerge(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		runID = uuid.New().String()
	}
	logger := h.logger.With(slog.String("run_id", runID))

	res, err := h.merger.RunOnce(r.Context(), runID)
	if err != nil {
		logger.Error("merge cycle", slog.String("error", err.Error()))
		writeJSON(w, errorStatus(err), map[string]any{
			"run_id": runID,
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ---------- GET /healthz ----------

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	result := map[string]string{"status": "ok", "store": "connected"}
	httpStatus := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		result["status"] = "degraded"
		result["store"] = "unreachable: " + err.Error()
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, result)
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, notification.ErrMalformed), errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
