package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/mtiwari1/pairmerge/internal/merge"
	"github.com/mtiwari1/pairmerge/internal/notification"
	"github.com/mtiwari1/pairmerge/internal/recorder"
	"github.com/mtiwari1/pairmerge/internal/repository"
	"github.com/mtiwari1/pairmerge/internal/storage"
	pb "github.com/mtiwari1/pairmerge/proto"
)

type harness struct {
	client pb.MergeServiceClient
	repo   repository.Repository
	store  *storage.Local
}

func newHarness(t *testing.T, merger Merger) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo, err := repository.Open(ctx, repository.Options{Driver: "sqlite", DSN: ":memory:", Table: "file_uploads"})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	if merger == nil {
		merger = merge.NewEngine(repo, store, merge.DefaultConfig(), nil, logger)
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	pb.RegisterMergeServiceServer(srv, NewServer(repo, recorder.New(repo, nil, logger), merger, logger))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &harness{client: pb.NewMergeServiceClient(conn), repo: repo, store: store}
}

func event(bucket, key string) string {
	return fmt.Sprintf(`{"Records":[{"s3":{"bucket":{"name":%q},"object":{"key":%q}}}]}`, bucket, key)
}

func TestRecordUploadsAndGetFile(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	resp, err := h.client.RecordUploads(ctx, &pb.RecordUploadsRequest{Records: []*pb.QueueMessage{
		{MessageId: "m1", Body: event("uploads", "my+file.csv")},
		{MessageId: "m2", Body: event("uploads", "other.csv")},
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 200, resp.StatusCode)
	assert.EqualValues(t, 2, resp.Recorded)
	assert.Equal(t, "2 file record(s) successfully recorded", resp.Body)

	got, err := h.client.GetFile(ctx, &pb.GetFileRequest{Filename: "my file.csv"})
	require.NoError(t, err)
	assert.Equal(t, "uploads", got.File.Bucket)
	assert.False(t, got.File.Processed)
	assert.Equal(t, string(repository.StatusPending), got.File.Status)
	assert.Len(t, got.File.Timestamp, len("2006-01-02T15:04:05.000000000Z"))
}

func TestRecordUploadsMalformed(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.client.RecordUploads(context.Background(), &pb.RecordUploadsRequest{Records: []*pb.QueueMessage{
		{MessageId: "m1", Body: "not json"},
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 500, resp.StatusCode)
	assert.Contains(t, resp.Body, "Error recording file metadata")
}

func TestGetFileErrors(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.client.GetFile(context.Background(), &pb.GetFileRequest{Filename: "missing.csv"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.client.GetFile(context.Background(), &pb.GetFileRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestTriggerMerge(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.client.TriggerMerge(ctx, &pb.TriggerMergeRequest{RunId: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunId)
	assert.Equal(t, string(merge.OutcomeNothingToDo), res.Outcome)

	_, err = h.store.Put(ctx, "uploads", "a.csv", []byte("id,name\n1,alice\n"))
	require.NoError(t, err)
	_, err = h.store.Put(ctx, "uploads", "b.csv", []byte("id,city\n1,lisbon\n"))
	require.NoError(t, err)
	_, err = h.client.RecordUploads(ctx, &pb.RecordUploadsRequest{Records: []*pb.QueueMessage{
		{MessageId: "m1", Body: event("uploads", "a.csv")},
	}})
	require.NoError(t, err)
	_, err = h.client.RecordUploads(ctx, &pb.RecordUploadsRequest{Records: []*pb.QueueMessage{
		{MessageId: "m2", Body: event("uploads", "b.csv")},
	}})
	require.NoError(t, err)

	res, err = h.client.TriggerMerge(ctx, &pb.TriggerMergeRequest{RunId: "run-2"})
	require.NoError(t, err)
	assert.Equal(t, string(merge.OutcomeMerged), res.Outcome)
	assert.Equal(t, []string{"id"}, res.CommonColumns)
	assert.EqualValues(t, 1, res.Rows)
	assert.Equal(t, "merged", res.ArtifactBucket)
	assert.Equal(t, "merged_files/a_b_merged.csv", res.ArtifactKey)
}

type failingMerger struct{ err error }

func (f failingMerger) RunOnce(context.Context, string) (*merge.Result, error) {
	return nil, f.err
}

func TestTriggerMergeMapsErrors(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("download: %w", storage.ErrNotFound), codes.NotFound},
		{fmt.Errorf("list: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{errors.New("disk full"), codes.Internal},
	}
	for _, tt := range tests {
		h := newHarness(t, failingMerger{err: tt.err})
		_, err := h.client.TriggerMerge(context.Background(), &pb.TriggerMergeRequest{})
		assert.Equal(t, tt.want, status.Code(err), tt.err.Error())
	}
}

func TestMapError(t *testing.T) {
	err := mapError(fmt.Errorf("decode: %w", notification.ErrMalformed), "RecordUploads")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = mapError(fmt.Errorf("put: %w", storage.ErrInvalidKey), "TriggerMerge")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = mapError(fmt.Errorf("get: %w", repository.ErrNotFound), "GetFile")
	assert.Equal(t, codes.NotFound, status.Code(err))
}
