// Package proto holds the gRPC service of a CRDT storage partition.
//
// Records travel as opaque frames: a record or key encoded by the node's
// codecs is carried in a google.protobuf.BytesValue, so the service needs no
// generated message types.
//
//	service CrdtStorage {
//	  rpc Upload(stream google.protobuf.BytesValue) returns (google.protobuf.Empty);
//	  rpc Download(google.protobuf.Int64Value) returns (stream google.protobuf.BytesValue);
//	  rpc Remove(stream google.protobuf.BytesValue) returns (google.protobuf.Empty);
//	  rpc Ping(google.protobuf.Empty) returns (google.protobuf.Empty);
//	}
package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	CrdtStorage_ServiceName = "pairdb.crdt.v1.CrdtStorage"

	CrdtStorage_Upload_FullMethodName   = "/pairdb.crdt.v1.CrdtStorage/Upload"
	CrdtStorage_Download_FullMethodName = "/pairdb.crdt.v1.CrdtStorage/Download"
	CrdtStorage_Remove_FullMethodName   = "/pairdb.crdt.v1.CrdtStorage/Remove"
	CrdtStorage_Ping_FullMethodName     = "/pairdb.crdt.v1.CrdtStorage/Ping"
)

type (
	UploadClient   = grpc.ClientStreamingClient[wrapperspb.BytesValue, emptypb.Empty]
	DownloadClient = grpc.ServerStreamingClient[wrapperspb.BytesValue]
	RemoveClient   = grpc.ClientStreamingClient[wrapperspb.BytesValue, emptypb.Empty]

	UploadServer   = grpc.ClientStreamingServer[wrapperspb.BytesValue, emptypb.Empty]
	DownloadServer = grpc.ServerStreamingServer[wrapperspb.BytesValue]
	RemoveServer   = grpc.ClientStreamingServer[wrapperspb.BytesValue, emptypb.Empty]
)

// CrdtStorageClient is the client API for the CrdtStorage service
type CrdtStorageClient interface {
	Upload(ctx context.Context, opts ...grpc.CallOption) (UploadClient, error)
	Download(ctx context.Context, in *wrapperspb.Int64Value, opts ...grpc.CallOption) (DownloadClient, error)
	Remove(ctx context.Context, opts ...grpc.CallOption) (RemoveClient, error)
	Ping(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type crdtStorageClient struct {
	cc grpc.ClientConnInterface
}

func NewCrdtStorageClient(cc grpc.ClientConnInterface) CrdtStorageClient {
	return &crdtStorageClient{cc}
}

func (c *crdtStorageClient) Upload(ctx context.Context, opts ...grpc.CallOption) (UploadClient, error) {
	cOpts := append([]grpc.CallOption{grpc.StaticMethod()}, opts...)
	stream, err := c.cc.NewStream(ctx, &CrdtStorage_ServiceDesc.Streams[0], CrdtStorage_Upload_FullMethodName, cOpts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[wrapperspb.BytesValue, emptypb.Empty]{ClientStream: stream}, nil
}

func (c *crdtStorageClient) Download(ctx context.Context, in *wrapperspb.Int64Value, opts ...grpc.CallOption) (DownloadClient, error) {
	cOpts := append([]grpc.CallOption{grpc.StaticMethod()}, opts...)
	stream, err := c.cc.NewStream(ctx, &CrdtStorage_ServiceDesc.Streams[1], CrdtStorage_Download_FullMethodName, cOpts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.Int64Value, wrapperspb.BytesValue]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *crdtStorageClient) Remove(ctx context.Context, opts ...grpc.CallOption) (RemoveClient, error) {
	cOpts := append([]grpc.CallOption{grpc.StaticMethod()}, opts...)
	stream, err := c.cc.NewStream(ctx, &CrdtStorage_ServiceDesc.Streams[2], CrdtStorage_Remove_FullMethodName, cOpts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[wrapperspb.BytesValue, emptypb.Empty]{ClientStream: stream}, nil
}

func (c *crdtStorageClient) Ping(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	cOpts := append([]grpc.CallOption{grpc.StaticMethod()}, opts...)
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, CrdtStorage_Ping_FullMethodName, in, out, cOpts...); err != nil {
		return nil, err
	}
	return out, nil
}

// CrdtStorageServer is the server API for the CrdtStorage service.
// Implementations must embed UnimplementedCrdtStorageServer.
type CrdtStorageServer interface {
	Upload(UploadServer) error
	Download(*wrapperspb.Int64Value, DownloadServer) error
	Remove(RemoveServer) error
	Ping(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	mustEmbedUnimplementedCrdtStorageServer()
}

type UnimplementedCrdtStorageServer struct{}

func (UnimplementedCrdtStorageServer) Upload(UploadServer) error {
	return status.Errorf(codes.Unimplemented, "method Upload not implemented")
}
func (UnimplementedCrdtStorageServer) Download(*wrapperspb.Int64Value, DownloadServer) error {
	return status.Errorf(codes.Unimplemented, "method Download not implemented")
}
func (UnimplementedCrdtStorageServer) Remove(RemoveServer) error {
	return status.Errorf(codes.Unimplemented, "method Remove not implemented")
}
func (UnimplementedCrdtStorageServer) Ping(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Ping not implemented")
}
func (UnimplementedCrdtStorageServer) mustEmbedUnimplementedCrdtStorageServer() {}

func RegisterCrdtStorageServer(s grpc.ServiceRegistrar, srv CrdtStorageServer) {
	s.RegisterService(&CrdtStorage_ServiceDesc, srv)
}

func _CrdtStorage_Upload_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(CrdtStorageServer).Upload(&grpc.GenericServerStream[wrapperspb.BytesValue, emptypb.Empty]{ServerStream: stream})
}

func _CrdtStorage_Download_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(wrapperspb.Int64Value)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(CrdtStorageServer).Download(m, &grpc.GenericServerStream[wrapperspb.Int64Value, wrapperspb.BytesValue]{ServerStream: stream})
}

func _CrdtStorage_Remove_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(CrdtStorageServer).Remove(&grpc.GenericServerStream[wrapperspb.BytesValue, emptypb.Empty]{ServerStream: stream})
}

func _CrdtStorage_Ping_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CrdtStorageServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CrdtStorage_Ping_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CrdtStorageServer).Ping(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var CrdtStorage_ServiceDesc = grpc.ServiceDesc{
	ServiceName: CrdtStorage_ServiceName,
	HandlerType: (*CrdtStorageServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Ping",
			Handler:    _CrdtStorage_Ping_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Upload",
			Handler:       _CrdtStorage_Upload_Handler,
			ClientStreams: true,
		},
		{
			StreamName:    "Download",
			Handler:       _CrdtStorage_Download_Handler,
			ServerStreams: true,
		},
		{
			StreamName:    "Remove",
			Handler:       _CrdtStorage_Remove_Handler,
			ClientStreams: true,
		},
	},
	Metadata: "crdt_storage.proto",
}
