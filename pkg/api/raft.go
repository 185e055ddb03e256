package api

import (
	"context"

	"google.golang.org/grpc"
)

// RegionMessage carries one marshaled raftpb.Message addressed to a peer of
// a region on the receiving store.
type RegionMessage struct {
	RegionID  uint64 `json:"region_id"`
	FromPeer  uint64 `json:"from_peer"`
	FromStore uint64 `json:"from_store"`
	ToPeer    uint64 `json:"to_peer"`
	ToStore   uint64 `json:"to_store"`
	Payload   []byte `json:"payload"`
}

// RaftBatch groups messages flowing between one pair of stores on a single
// stream frame.
type RaftBatch struct {
	Messages []RegionMessage `json:"messages"`
}

type RaftDone struct{}

type RaftTransport_RaftClient interface {
	Send(*RaftBatch) error
	CloseAndRecv() (*RaftDone, error)
	grpc.ClientStream
}

type RaftTransport_RaftServer interface {
	Recv() (*RaftBatch, error)
	SendAndClose(*RaftDone) error
	Context() context.Context
	grpc.ServerStream
}

type RaftTransportClient interface {
	Raft(ctx context.Context, opts ...grpc.CallOption) (RaftTransport_RaftClient, error)
}

type RaftTransportServer interface {
	Raft(RaftTransport_RaftServer) error
}

type raftTransportClient struct {
	cc grpc.ClientConnInterface
}

func NewRaftTransportClient(cc grpc.ClientConnInterface) RaftTransportClient {
	return &raftTransportClient{cc: cc}
}

func (c *raftTransportClient) Raft(ctx context.Context, opts ...grpc.CallOption) (RaftTransport_RaftClient, error) {
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	stream, err := c.cc.NewStream(ctx, &raftTransportServiceDesc.Streams[0], "/rangekv.RaftTransport/Raft", opts...)
	if err != nil {
		return nil, err
	}
	return &raftTransportRaftClient{stream}, nil
}

type raftTransportRaftClient struct {
	grpc.ClientStream
}

func (x *raftTransportRaftClient) Send(m *RaftBatch) error {
	return x.ClientStream.SendMsg(m)
}

func (x *raftTransportRaftClient) CloseAndRecv() (*RaftDone, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(RaftDone)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type raftTransportRaftServer struct {
	grpc.ServerStream
}

func (x *raftTransportRaftServer) Recv() (*RaftBatch, error) {
	m := new(RaftBatch)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *raftTransportRaftServer) SendAndClose(m *RaftDone) error {
	return x.ServerStream.SendMsg(m)
}

func _RaftTransport_Raft_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RaftTransportServer).Raft(&raftTransportRaftServer{stream})
}

var raftTransportServiceDesc = grpc.ServiceDesc{
	ServiceName: "rangekv.RaftTransport",
	HandlerType: (*RaftTransportServer)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "Raft", Handler: _RaftTransport_Raft_Handler, ClientStreams: true},
	},
}

func RegisterRaftTransportServer(s grpc.ServiceRegistrar, srv RaftTransportServer) {
	s.RegisterService(&raftTransportServiceDesc, srv)
}
