// Package proto defines the gRPC service interface for pairmerge.
//
// Messages are plain Go structs carried by a JSON codec registered under the
// "json" content-subtype, so no protoc step is needed. Clients select it with
// grpc.CallContentSubtype(proto.CodecName).
package proto

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype the service speaks.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ---- messages ----

// QueueMessage is one queue message whose body is an object-created event.
type QueueMessage struct {
	MessageId string `json:"messageId"`
	Body      string `json:"body"`
}

type RecordUploadsRequest struct {
	Records []*QueueMessage `json:"Records"`
}

type RecordUploadsResponse struct {
	StatusCode int32  `json:"statusCode"`
	Body       string `json:"body"`
	Recorded   int32  `json:"recorded"`
}

type GetFileRequest struct {
	Filename string `json:"filename"`
}

type FileRecord struct {
	Filename  string `json:"filename"`
	Bucket    string `json:"bucket"`
	Timestamp string `json:"timestamp"`
	Processed bool   `json:"processed"`
	Status    string `json:"status"`
	Attempts  int32  `json:"attempts"`
	ClaimedBy string `json:"claimed_by,omitempty"`
}

type GetFileResponse struct {
	File *FileRecord `json:"file"`
}

type TriggerMergeRequest struct {
	RunId string `json:"run_id"`
}

type TriggerMergeResponse struct {
	RunId          string   `json:"run_id"`
	Outcome        string   `json:"outcome"`
	Sources        []string `json:"sources,omitempty"`
	CommonColumns  []string `json:"common_columns,omitempty"`
	Rows           int32    `json:"rows"`
	ArtifactBucket string   `json:"artifact_bucket,omitempty"`
	ArtifactKey    string   `json:"artifact_key,omitempty"`
}

// MergeServiceServer is the server-side interface for the MergeService.
type MergeServiceServer interface {
	RecordUploads(context.Context, *RecordUploadsRequest) (*RecordUploadsResponse, error)
	GetFile(context.Context, *GetFileRequest) (*GetFileResponse, error)
	TriggerMerge(context.Context, *TriggerMergeRequest) (*TriggerMergeResponse, error)
}

// MergeServiceClient is the client-side interface for the MergeService.
type MergeServiceClient interface {
	RecordUploads(ctx context.Context, in *RecordUploadsRequest, opts ...grpc.CallOption) (*RecordUploadsResponse, error)
	GetFile(ctx context.Context, in *GetFileRequest, opts ...grpc.CallOption) (*GetFileResponse, error)
	TriggerMerge(ctx context.Context, in *TriggerMergeRequest, opts ...grpc.CallOption) (*TriggerMergeResponse, error)
}

// ---- server registration ----

// ServiceDesc is the grpc.ServiceDesc for the MergeService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "pairmerge.MergeService",
	HandlerType: (*MergeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RecordUploads",
			Handler:    _MergeService_RecordUploads_Handler,
		},
		{
			MethodName: "GetFile",
			Handler:    _MergeService_GetFile_Handler,
		},
		{
			MethodName: "TriggerMerge",
			Handler:    _MergeService_TriggerMerge_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proto/pairmerge.proto",
}

// RegisterMergeServiceServer registers the server implementation with a gRPC server.
func RegisterMergeServiceServer(s grpc.ServiceRegistrar, srv MergeServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func _MergeService_RecordUploads_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RecordUploadsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MergeServiceServer).RecordUploads(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/pairmerge.MergeService/RecordUploads"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MergeServiceServer).RecordUploads(ctx, req.(*RecordUploadsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _MergeService_GetFile_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetFileRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MergeServiceServer).GetFile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/pairmerge.MergeService/GetFile"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MergeServiceServer).GetFile(ctx, req.(*GetFileRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _MergeService_TriggerMerge_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TriggerMergeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MergeServiceServer).TriggerMerge(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/pairmerge.MergeService/TriggerMerge"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MergeServiceServer).TriggerMerge(ctx, req.(*TriggerMergeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ---- client implementation ----

type mergeServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewMergeServiceClient creates a new MergeService gRPC client. Calls default
// to the JSON codec.
func NewMergeServiceClient(cc grpc.ClientConnInterface) MergeServiceClient {
	return &mergeServiceClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *mergeServiceClient) RecordUploads(ctx context.Context, in *RecordUploadsRequest, opts ...grpc.CallOption) (*RecordUploadsResponse, error) {
	out := new(RecordUploadsResponse)
	err := c.cc.Invoke(ctx, "/pairmerge.MergeService/RecordUploads", in, out, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *mergeServiceClient) GetFile(ctx context.Context, in *GetFileRequest, opts ...grpc.CallOption) (*GetFileResponse, error) {
	out := new(GetFileResponse)
	err := c.cc.Invoke(ctx, "/pairmerge.MergeService/GetFile", in, out, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *mergeServiceClient) TriggerMerge(ctx context.Context, in *TriggerMergeRequest, opts ...grpc.CallOption) (*TriggerMergeResponse, error) {
	out := new(TriggerMergeResponse)
	err := c.cc.Invoke(ctx, "/pairmerge.MergeService/TriggerMerge", in, out, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}
