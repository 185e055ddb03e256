package api

import (
	"context"

	"google.golang.org/grpc"
)

// SnapshotChunk is one frame of a snapshot transfer. The opening frame of a
// stream carries only the metadata header; the receiver answers it with an
// ack naming the offset to start from, then data frames follow in offset
// order.
type SnapshotChunk struct {
	Meta   []byte `json:"meta,omitempty"` // JSON snapshot.Meta, first frame only
	Offset uint64 `json:"offset"`
	Data   []byte `json:"data,omitempty"`
	Last   bool   `json:"last"`
}

// SnapshotAck flows from receiver to sender: once after the metadata frame
// (Resume tells the sender where to pick up a broken transfer) and once
// after the last data frame.
type SnapshotAck struct {
	Received bool   `json:"received"`
	Resume   uint64 `json:"resume"`
}

type SnapshotService_StreamClient interface {
	Send(*SnapshotChunk) error
	Recv() (*SnapshotAck, error)
	CloseSend() error
	grpc.ClientStream
}

type SnapshotService_StreamServer interface {
	Recv() (*SnapshotChunk, error)
	Send(*SnapshotAck) error
	Context() context.Context
	grpc.ServerStream
}

type SnapshotServiceClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (SnapshotService_StreamClient, error)
}

type SnapshotServiceServer interface {
	Stream(SnapshotService_StreamServer) error
}

type snapshotServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewSnapshotServiceClient(cc grpc.ClientConnInterface) SnapshotServiceClient {
	return &snapshotServiceClient{cc: cc}
}

func (c *snapshotServiceClient) Stream(ctx context.Context, opts ...grpc.CallOption) (SnapshotService_StreamClient, error) {
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	stream, err := c.cc.NewStream(ctx, &snapshotServiceDesc.Streams[0], "/rangekv.SnapshotService/Stream", opts...)
	if err != nil {
		return nil, err
	}
	return &snapshotStreamClient{stream}, nil
}

type snapshotStreamClient struct {
	grpc.ClientStream
}

func (x *snapshotStreamClient) Send(m *SnapshotChunk) error {
	return x.ClientStream.SendMsg(m)
}

func (x *snapshotStreamClient) Recv() (*SnapshotAck, error) {
	m := new(SnapshotAck)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type snapshotStreamServer struct {
	grpc.ServerStream
}

func (x *snapshotStreamServer) Recv() (*SnapshotChunk, error) {
	m := new(SnapshotChunk)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *snapshotStreamServer) Send(m *SnapshotAck) error {
	return x.ServerStream.SendMsg(m)
}

func _SnapshotService_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SnapshotServiceServer).Stream(&snapshotStreamServer{stream})
}

var snapshotServiceDesc = grpc.ServiceDesc{
	ServiceName: "rangekv.SnapshotService",
	HandlerType: (*SnapshotServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _SnapshotService_Stream_Handler,
			ClientStreams: true,
			ServerStreams: true,
		},
	},
}

func RegisterSnapshotServiceServer(s grpc.ServiceRegistrar, srv SnapshotServiceServer) {
	s.RegisterService(&snapshotServiceDesc, srv)
}
