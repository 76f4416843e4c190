// Package grpcserver implements the pairmerge gRPC service.
package grpcserver

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mtiwari1/pairmerge/internal/merge"
	"github.com/mtiwari1/pairmerge/internal/notification"
	"github.com/mtiwari1/pairmerge/internal/recorder"
	"github.com/mtiwari1/pairmerge/internal/repository"
	"github.com/mtiwari1/pairmerge/internal/storage"
	pb "github.com/mtiwari1/pairmerge/proto"
)

// Merger runs a single merge cycle.
type Merger interface {
	RunOnce(ctx context.Context, runID string) (*merge.Result, error)
}

// Server implements the MergeServiceServer gRPC interface.
// Dependencies are injected via the constructor.
type Server struct {
	repo     repository.Repository
	recorder *recorder.Recorder
	merger   Merger
	logger   *slog.Logger
}

// NewServer creates a gRPC server backed by the given collaborators.
func NewServer(repo repository.Repository, rec *recorder.Recorder, merger Merger, logger *slog.Logger) *Server {
	return &Server{repo: repo, recorder: rec, merger: merger, logger: logger}
}

// RecordUploads records every arrival in the batch. Failures come back in the
// response status code, matching the HTTP handler.
func (s *Server) RecordUploads(ctx context.Context, req *pb.RecordUploadsRequest) (*pb.RecordUploadsResponse, error) {
	s.logger.Info("grpc RecordUploads", slog.Int("messages", len(req.Records)))

	batch := &notification.Batch{Records: make([]notification.Message, 0, len(req.Records))}
	for _, m := range req.Records {
		if m == nil {
			continue
		}
		batch.Records = append(batch.Records, notification.Message{MessageID: m.MessageId, Body: m.Body})
	}

	n, err := s.recorder.Record(ctx, batch)
	resp := s.recorder.Respond(batch, n, err)
	return &pb.RecordUploadsResponse{
		StatusCode: int32(resp.StatusCode),
		Body:       resp.Body,
		Recorded:   int32(n),
	}, nil
}

// GetFile returns the tracking record for one file.
func (s *Server) GetFile(ctx context.Context, req *pb.GetFileRequest) (*pb.GetFileResponse, error) {
	if req.Filename == "" {
		return nil, status.Error(codes.InvalidArgument, "GetFile: filename is required")
	}

	rec, err := s.repo.Get(ctx, req.Filename)
	if err != nil {
		return nil, mapError(err, "GetFile")
	}
	return &pb.GetFileResponse{File: toProto(rec)}, nil
}

// TriggerMerge runs one merge cycle synchronously.
func (s *Server) TriggerMerge(ctx context.Context, req *pb.TriggerMergeRequest) (*pb.TriggerMergeResponse, error) {
	s.logger.Info("grpc TriggerMerge", slog.String("run_id", req.RunId))

	res, err := s.merger.RunOnce(ctx, req.RunId)
	if err != nil {
		return nil, mapError(err, "TriggerMerge")
	}

	out := &pb.TriggerMergeResponse{
		RunId:         res.RunID,
		Outcome:       string(res.Outcome),
		Sources:       res.Sources,
		CommonColumns: res.CommonColumns,
		Rows:          int32(res.Rows),
	}
	if res.Artifact != nil {
		out.ArtifactBucket = res.Artifact.Bucket
		out.ArtifactKey = res.Artifact.Key
	}
	return out, nil
}

func toProto(rec *repository.FileRecord) *pb.FileRecord {
	return &pb.FileRecord{
		Filename:  rec.Filename,
		Bucket:    rec.Bucket,
		Timestamp: repository.FormatTime(rec.Timestamp),
		Processed: rec.Processed,
		Status:    string(rec.Status),
		Attempts:  int32(rec.Attempts),
		ClaimedBy: rec.ClaimedBy,
	}
}

// mapError converts domain errors to gRPC status codes.
func mapError(err error, method string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return status.Errorf(codes.NotFound, "%s: %v", method, err)
	case errors.Is(err, notification.ErrMalformed), errors.Is(err, storage.ErrInvalidKey):
		return status.Errorf(codes.InvalidArgument, "%s: %v", method, err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s: timeout", method)
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "%s: cancelled", method)
	}
	return status.Errorf(codes.Internal, "%s: %v", method, err)
}
