package api

import (
	"context"

	"google.golang.org/grpc"
)

// RegionInfo is the client-visible shape of a region descriptor, returned
// with routing errors so clients can refresh their caches.
type RegionInfo struct {
	ID          uint64 `json:"id"`
	StartKey    []byte `json:"start_key"`
	EndKey      []byte `json:"end_key"`
	Version     uint64 `json:"version"`
	ConfVersion uint64 `json:"conf_version"`
	LeaderStore uint64 `json:"leader_store,omitempty"`
}

// KVError is a retriable routing error. Exactly one field is set.
type KVError struct {
	NotLeader      *NotLeaderError      `json:"not_leader,omitempty"`
	EpochStale     *EpochStaleError     `json:"epoch_stale,omitempty"`
	RegionNotFound *RegionNotFoundError `json:"region_not_found,omitempty"`
	Message        string               `json:"message,omitempty"`
}

type NotLeaderError struct {
	RegionID    uint64 `json:"region_id"`
	LeaderStore uint64 `json:"leader_store,omitempty"`
}

type EpochStaleError struct {
	RegionID uint64       `json:"region_id"`
	Current  []RegionInfo `json:"current"`
}

type RegionNotFoundError struct {
	RegionID uint64 `json:"region_id"`
}

type PutRequest struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

type PutResponse struct {
	Error *KVError `json:"error,omitempty"`
}

type GetRequest struct {
	Key []byte `json:"key"`
}

type GetResponse struct {
	Value []byte   `json:"value,omitempty"`
	Found bool     `json:"found"`
	Error *KVError `json:"error,omitempty"`
}

type DeleteRequest struct {
	Key []byte `json:"key"`
}

type DeleteResponse struct {
	Error *KVError `json:"error,omitempty"`
}

type ScanRequest struct {
	Start []byte `json:"start"`
	End   []byte `json:"end"`
	Limit int    `json:"limit"`
}

type KeyValue struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

type ScanResponse struct {
	Pairs []KeyValue `json:"pairs"`
	Error *KVError   `json:"error,omitempty"`
}

type RegionsRequest struct{}

type RegionsResponse struct {
	Regions []RegionInfo `json:"regions"`
}

type KVClient interface {
	Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*PutResponse, error)
	Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error)
	Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error)
	Scan(ctx context.Context, in *ScanRequest, opts ...grpc.CallOption) (*ScanResponse, error)
	Regions(ctx context.Context, in *RegionsRequest, opts ...grpc.CallOption) (*RegionsResponse, error)
}

type KVServer interface {
	Put(context.Context, *PutRequest) (*PutResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Scan(context.Context, *ScanRequest) (*ScanResponse, error)
	Regions(context.Context, *RegionsRequest) (*RegionsResponse, error)
}

type kvClient struct {
	cc grpc.ClientConnInterface
}

func NewKVClient(cc grpc.ClientConnInterface) KVClient {
	return &kvClient{cc: cc}
}

func (c *kvClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *kvClient) Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*PutResponse, error) {
	out := new(PutResponse)
	if err := c.invoke(ctx, "/rangekv.KV/Put", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *kvClient) Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	out := new(GetResponse)
	if err := c.invoke(ctx, "/rangekv.KV/Get", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *kvClient) Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error) {
	out := new(DeleteResponse)
	if err := c.invoke(ctx, "/rangekv.KV/Delete", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *kvClient) Scan(ctx context.Context, in *ScanRequest, opts ...grpc.CallOption) (*ScanResponse, error) {
	out := new(ScanResponse)
	if err := c.invoke(ctx, "/rangekv.KV/Scan", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *kvClient) Regions(ctx context.Context, in *RegionsRequest, opts ...grpc.CallOption) (*RegionsResponse, error) {
	out := new(RegionsResponse)
	if err := c.invoke(ctx, "/rangekv.KV/Regions", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func _KV_Put_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rangekv.KV/Put"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Put(ctx, req.(*PutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _KV_Get_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rangekv.KV/Get"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _KV_Delete_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rangekv.KV/Delete"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Delete(ctx, req.(*DeleteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _KV_Scan_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ScanRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Scan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rangekv.KV/Scan"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Scan(ctx, req.(*ScanRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _KV_Regions_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegionsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Regions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rangekv.KV/Regions"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Regions(ctx, req.(*RegionsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var kvServiceDesc = grpc.ServiceDesc{
	ServiceName: "rangekv.KV",
	HandlerType: (*KVServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: _KV_Put_Handler},
		{MethodName: "Get", Handler: _KV_Get_Handler},
		{MethodName: "Delete", Handler: _KV_Delete_Handler},
		{MethodName: "Scan", Handler: _KV_Scan_Handler},
		{MethodName: "Regions", Handler: _KV_Regions_Handler},
	},
}

func RegisterKVServer(s grpc.ServiceRegistrar, srv KVServer) {
	s.RegisterService(&kvServiceDesc, srv)
}
