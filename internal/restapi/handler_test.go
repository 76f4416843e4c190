package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtiwari1/pairmerge/internal/merge"
	"github.com/mtiwari1/pairmerge/internal/metrics"
	"github.com/mtiwari1/pairmerge/internal/recorder"
	"github.com/mtiwari1/pairmerge/internal/repository"
	"github.com/mtiwari1/pairmerge/internal/storage"
)

type testServer struct {
	*httptest.Server
	repo repository.Repository
}

func newTestServer(t *testing.T, merger Merger) *testServer {
	t.Helper()
	return newTestServerWithStore(t, merger, nil)
}

// newTestServerWithStore serves objects instead of a local store when non-nil.
func newTestServerWithStore(t *testing.T, merger Merger, objects storage.ObjectStore) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo, err := repository.Open(ctx, repository.Options{Driver: "pebble", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	var store storage.ObjectStore
	store, err = storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	if objects != nil {
		store = objects
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if merger == nil {
		merger = merge.NewEngine(repo, store, merge.DefaultConfig(), m, logger)
	}

	mux := http.NewServeMux()
	NewHandler(repo, recorder.New(repo, m, logger), merger, store, reg, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, repo: repo}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func notificationBody(keys ...string) string {
	msgs := make([]map[string]string, 0, len(keys))
	for i, k := range keys {
		event := fmt.Sprintf(`{"Records":[{"s3":{"bucket":{"name":"uploads"},"object":{"key":%q}}}]}`, k)
		msgs = append(msgs, map[string]string{"messageId": fmt.Sprintf("m%d", i), "body": event})
	}
	data, _ := json.Marshal(map[string]any{"Records": msgs})
	return string(data)
}

func TestNotificationsRecordsFiles(t *testing.T) {
	s := newTestServer(t, nil)

	resp, body := s.do(t, http.MethodPost, "/notifications", notificationBody("a.csv", "reports/b.csv"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out recorder.Response
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, 200, out.StatusCode)
	assert.Equal(t, "2 file record(s) successfully recorded", out.Body)

	resp, body = s.do(t, http.MethodGet, "/files/reports/b.csv", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rec repository.FileRecord
	require.NoError(t, json.Unmarshal([]byte(body), &rec))
	assert.Equal(t, "reports/b.csv", rec.Filename)
	assert.Equal(t, repository.StatusPending, rec.Status)
}

func TestNotificationsMalformed(t *testing.T) {
	s := newTestServer(t, nil)

	resp, body := s.do(t, http.MethodPost, "/notifications", "{nope")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "Error recording file metadata")
}

func TestNotificationsOversizedBody(t *testing.T) {
	s := newTestServer(t, nil)

	resp, body := s.do(t, http.MethodPost, "/notifications", strings.Repeat("x", maxNotificationBytes+1))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out recorder.Response
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, 500, out.StatusCode)
	assert.Contains(t, out.Body, "Error recording file metadata")
}

// failingStore rejects every write with err.
type failingStore struct{ err error }

func (f failingStore) Get(context.Context, string, string) ([]byte, error) {
	return nil, f.err
}

func (f failingStore) Put(context.Context, string, string, []byte) (*storage.ObjectInfo, error) {
	return nil, f.err
}

func TestUploadStorageFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid key", fmt.Errorf("%w: key escapes bucket", storage.ErrInvalidKey), http.StatusBadRequest},
		{"disk failure", errors.New("storage: rename: no space left on device"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServerWithStore(t, brokenMerger{}, failingStore{err: tt.err})

			resp, _ := s.do(t, http.MethodPut, "/objects/uploads/a.csv", "id\n1\n")
			assert.Equal(t, tt.want, resp.StatusCode)

			_, err := s.repo.Get(context.Background(), "a.csv")
			assert.ErrorIs(t, err, repository.ErrNotFound, "nothing is recorded when the write fails")
		})
	}
}

func TestGetFileNotFound(t *testing.T) {
	s := newTestServer(t, nil)

	resp, _ := s.do(t, http.MethodGet, "/files/missing.csv", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListFilesLimit(t *testing.T) {
	s := newTestServer(t, nil)

	resp, body := s.do(t, http.MethodGet, "/files", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, body)

	s.do(t, http.MethodPost, "/notifications", notificationBody("a.csv", "b.csv", "c.csv"))

	resp, body = s.do(t, http.MethodGet, "/files?limit=2", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []repository.FileRecord
	require.NoError(t, json.Unmarshal([]byte(body), &recs))
	assert.Len(t, recs, 2)

	resp, _ = s.do(t, http.MethodGet, "/files?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadThenMerge(t *testing.T) {
	s := newTestServer(t, nil)

	resp, _ := s.do(t, http.MethodPut, "/objects/uploads/a.csv", "id,name\n1,alice\n")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/files/a.csv", resp.Header.Get("Location"))
	resp, _ = s.do(t, http.MethodPut, "/objects/uploads/b.csv", "id,city\n1,lisbon\n")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/merge?run_id=run-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res merge.Result
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, merge.OutcomeMerged, res.Outcome)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, "merged_files/a_b_merged.csv", res.Artifact.Key)

	_, body = s.do(t, http.MethodGet, "/files/a.csv", "")
	assert.Contains(t, body, `"processed":true`)

	resp, body = s.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `pairmerge_merge_cycles_total{outcome="merged"} 1`)
	assert.Contains(t, body, `pairmerge_records_total{bucket="uploads"} 2`)
}

type brokenMerger struct{}

func (brokenMerger) RunOnce(_ context.Context, runID string) (*merge.Result, error) {
	return &merge.Result{RunID: runID}, fmt.Errorf("download: %w", storage.ErrNotFound)
}

func TestMergeError(t *testing.T) {
	s := newTestServer(t, brokenMerger{})

	resp, body := s.do(t, http.MethodPost, "/merge", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "object not found")
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil)

	resp, body := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","store":"connected"}`, body)
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, errorStatus(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(errors.New("boom")))
	assert.Equal(t, http.StatusBadRequest, errorStatus(fmt.Errorf("put: %w", storage.ErrInvalidKey)))
}
