package api

import (
	"context"

	"google.golang.org/grpc"
)

// PDPeer is the wire shape of one region replica.
type PDPeer struct {
	ID      uint64 `json:"id"`
	StoreID uint64 `json:"store_id"`
	Learner bool   `json:"learner,omitempty"`
}

// PDRegion is the wire shape of a region descriptor as exchanged with the
// placement driver.
type PDRegion struct {
	ID          uint64   `json:"id"`
	StartKey    []byte   `json:"start_key"`
	EndKey      []byte   `json:"end_key"`
	Version     uint64   `json:"version"`
	ConfVersion uint64   `json:"conf_version"`
	Peers       []PDPeer `json:"peers"`
	State       int      `json:"state,omitempty"`
	Leader      uint64   `json:"leader,omitempty"`
}

// PDStore is the wire shape of a store registration.
type PDStore struct {
	ID      uint64 `json:"id"`
	Address string `json:"address"`
}

type AllocIDRequest struct {
	Count uint64 `json:"count"`
}

type AllocIDResponse struct {
	First uint64 `json:"first"`
}

type BootstrapRequest struct {
	Store  PDStore  `json:"store"`
	Region PDRegion `json:"region"`
}

type BootstrapResponse struct {
	AlreadyBootstrapped bool `json:"already_bootstrapped,omitempty"`
}

type IsBootstrappedRequest struct{}

type IsBootstrappedResponse struct {
	Bootstrapped bool `json:"bootstrapped"`
}

type PutStoreRequest struct {
	Store PDStore `json:"store"`
}

type PutStoreResponse struct{}

type RegionHeartbeatRequest struct {
	Region          PDRegion `json:"region"`
	LeaderPeer      uint64   `json:"leader_peer"`
	ApproximateSize uint64   `json:"approximate_size,omitempty"`
	ApproximateKeys uint64   `json:"approximate_keys,omitempty"`
}

type PDTransferLeader struct {
	ToPeer uint64 `json:"to_peer"`
}

type PDChangePeer struct {
	Add  bool   `json:"add"`
	Peer PDPeer `json:"peer"`
}

// RegionHeartbeatResponse carries at most one scheduling command back to the
// reporting leader.
type RegionHeartbeatResponse struct {
	TransferLeader *PDTransferLeader `json:"transfer_leader,omitempty"`
	ChangePeer     *PDChangePeer     `json:"change_peer,omitempty"`
	Split          bool              `json:"split,omitempty"`
}

type StoreHeartbeatRequest struct {
	StoreID     uint64 `json:"store_id"`
	RegionCount int    `json:"region_count"`
	LeaderCount int    `json:"leader_count"`
}

type StoreHeartbeatResponse struct{}

type GetRegionByKeyRequest struct {
	Key []byte `json:"key"`
}

type GetRegionByKeyResponse struct {
	Region   *PDRegion `json:"region,omitempty"`
	NotFound bool      `json:"not_found,omitempty"`
}

type ListStoresRequest struct{}

type ListStoresResponse struct {
	Stores []PDStore `json:"stores"`
}

type PDClient interface {
	AllocID(ctx context.Context, in *AllocIDRequest, opts ...grpc.CallOption) (*AllocIDResponse, error)
	Bootstrap(ctx context.Context, in *BootstrapRequest, opts ...grpc.CallOption) (*BootstrapResponse, error)
	IsBootstrapped(ctx context.Context, in *IsBootstrappedRequest, opts ...grpc.CallOption) (*IsBootstrappedResponse, error)
	PutStore(ctx context.Context, in *PutStoreRequest, opts ...grpc.CallOption) (*PutStoreResponse, error)
	RegionHeartbeat(ctx context.Context, in *RegionHeartbeatRequest, opts ...grpc.CallOption) (*RegionHeartbeatResponse, error)
	StoreHeartbeat(ctx context.Context, in *StoreHeartbeatRequest, opts ...grpc.CallOption) (*StoreHeartbeatResponse, error)
	GetRegionByKey(ctx context.Context, in *GetRegionByKeyRequest, opts ...grpc.CallOption) (*GetRegionByKeyResponse, error)
	ListStores(ctx context.Context, in *ListStoresRequest, opts ...grpc.CallOption) (*ListStoresResponse, error)
}

type PDServer interface {
	AllocID(context.Context, *AllocIDRequest) (*AllocIDResponse, error)
	Bootstrap(context.Context, *BootstrapRequest) (*BootstrapResponse, error)
	IsBootstrapped(context.Context, *IsBootstrappedRequest) (*IsBootstrappedResponse, error)
	PutStore(context.Context, *PutStoreRequest) (*PutStoreResponse, error)
	RegionHeartbeat(context.Context, *RegionHeartbeatRequest) (*RegionHeartbeatResponse, error)
	StoreHeartbeat(context.Context, *StoreHeartbeatRequest) (*StoreHeartbeatResponse, error)
	GetRegionByKey(context.Context, *GetRegionByKeyRequest) (*GetRegionByKeyResponse, error)
	ListStores(context.Context, *ListStoresRequest) (*ListStoresResponse, error)
}

type pdClient struct {
	cc grpc.ClientConnInterface
}

func NewPDClient(cc grpc.ClientConnInterface) PDClient {
	return &pdClient{cc: cc}
}

func (c *pdClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *pdClient) AllocID(ctx context.Context, in *AllocIDRequest, opts ...grpc.CallOption) (*AllocIDResponse, error) {
	out := new(AllocIDResponse)
	if err := c.invoke(ctx, "/rangekv.PD/AllocID", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) Bootstrap(ctx context.Context, in *BootstrapRequest, opts ...grpc.CallOption) (*BootstrapResponse, error) {
	out := new(BootstrapResponse)
	if err := c.invoke(ctx, "/rangekv.PD/Bootstrap", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) IsBootstrapped(ctx context.Context, in *IsBootstrappedRequest, opts ...grpc.CallOption) (*IsBootstrappedResponse, error) {
	out := new(IsBootstrappedResponse)
	if err := c.invoke(ctx, "/rangekv.PD/IsBootstrapped", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) PutStore(ctx context.Context, in *PutStoreRequest, opts ...grpc.CallOption) (*PutStoreResponse, error) {
	out := new(PutStoreResponse)
	if err := c.invoke(ctx, "/rangekv.PD/PutStore", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) RegionHeartbeat(ctx context.Context, in *RegionHeartbeatRequest, opts ...grpc.CallOption) (*RegionHeartbeatResponse, error) {
	out := new(RegionHeartbeatResponse)
	if err := c.invoke(ctx, "/rangekv.PD/RegionHeartbeat", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) StoreHeartbeat(ctx context.Context, in *StoreHeartbeatRequest, opts ...grpc.CallOption) (*StoreHeartbeatResponse, error) {
	out := new(StoreHeartbeatResponse)
	if err := c.invoke(ctx, "/rangekv.PD/StoreHeartbeat", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) GetRegionByKey(ctx context.Context, in *GetRegionByKeyRequest, opts ...grpc.CallOption) (*GetRegionByKeyResponse, error) {
	out := new(GetRegionByKeyResponse)
	if err := c.invoke(ctx, "/rangekv.PD/GetRegionByKey", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) ListStores(ctx context.Context, in *ListStoresRequest, opts ...grpc.CallOption) (*ListStoresResponse, error) {
	out := new(ListStoresResponse)
	if err := c.invoke(ctx, "/rangekv.PD/ListStores", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func _PD_AllocID_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AllocIDRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PDServer).AllocID(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rangekv.PD/AllocID"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PDServer).AllocID(ctx, req.(*AllocIDRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PD_Bootstrap_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(BootstrapRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PDServer).Bootstrap(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rangekv.PD/Bootstrap"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PDServer).Bootstrap(ctx, req.(*BootstrapRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PD_IsBootstrapped_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(IsBootstrappedRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PDServer).IsBootstrapped(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rangekv.PD/IsBootstrapped"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PDServer).IsBootstrapped(ctx, req.(*IsBootstrappedRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PD_PutStore_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PutStoreRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PDServer).PutStore(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rangekv.PD/PutStore"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PDServer).PutStore(ctx, req.(*PutStoreRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PD_RegionHeartbeat_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegionHeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PDServer).RegionHeartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rangekv.PD/RegionHeartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PDServer).RegionHeartbeat(ctx, req.(*RegionHeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PD_StoreHeartbeat_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StoreHeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PDServer).StoreHeartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rangekv.PD/StoreHeartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PDServer).StoreHeartbeat(ctx, req.(*StoreHeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PD_GetRegionByKey_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetRegionByKeyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PDServer).GetRegionByKey(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rangekv.PD/GetRegionByKey"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PDServer).GetRegionByKey(ctx, req.(*GetRegionByKeyRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PD_ListStores_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListStoresRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PDServer).ListStores(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rangekv.PD/ListStores"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PDServer).ListStores(ctx, req.(*ListStoresRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var pdServiceDesc = grpc.ServiceDesc{
	ServiceName: "rangekv.PD",
	HandlerType: (*PDServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AllocID", Handler: _PD_AllocID_Handler},
		{MethodName: "Bootstrap", Handler: _PD_Bootstrap_Handler},
		{MethodName: "IsBootstrapped", Handler: _PD_IsBootstrapped_Handler},
		{MethodName: "PutStore", Handler: _PD_PutStore_Handler},
		{MethodName: "RegionHeartbeat", Handler: _PD_RegionHeartbeat_Handler},
		{MethodName: "StoreHeartbeat", Handler: _PD_StoreHeartbeat_Handler},
		{MethodName: "GetRegionByKey", Handler: _PD_GetRegionByKey_Handler},
		{MethodName: "ListStores", Handler: _PD_ListStores_Handler},
	},
}

func RegisterPDServer(s grpc.ServiceRegistrar, srv PDServer) {
	s.RegisterService(&pdServiceDesc, srv)
}
