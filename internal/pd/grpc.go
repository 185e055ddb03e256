package pd

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"rangekv/internal/region"
	"rangekv/pkg/api"
)

func regionToWire(r region.Region) api.PDRegion {
	out := api.PDRegion{
		ID:          uint64(r.ID),
		StartKey:    r.Range.Start,
		EndKey:      r.Range.End,
		Version:     r.Epoch.Version,
		ConfVersion: r.Epoch.ConfVersion,
		State:       int(r.State),
		Leader:      r.Leader,
	}
	for _, p := range r.Peers {
		out.Peers = append(out.Peers, api.PDPeer{
			ID:      p.ID,
			StoreID: p.StoreID,
			Learner: p.Role == region.Learner,
		})
	}
	return out
}

func regionFromWire(w api.PDRegion) region.Region {
	out := region.Region{
		ID:     region.ID(w.ID),
		Range:  region.KeyRange{Start: w.StartKey, End: w.EndKey},
		Epoch:  region.Epoch{Version: w.Version, ConfVersion: w.ConfVersion},
		State:  region.State(w.State),
		Leader: w.Leader,
	}
	for _, p := range w.Peers {
		role := region.Voter
		if p.Learner {
			role = region.Learner
		}
		out.Peers = append(out.Peers, region.Peer{ID: p.ID, StoreID: p.StoreID, Role: role})
	}
	return out
}

// APIServer exposes a Service over the rangekv.PD gRPC surface.
type APIServer struct {
	svc *Service
}

var _ api.PDServer = (*APIServer)(nil)

func NewAPIServer(svc *Service) *APIServer { return &APIServer{svc: svc} }

func (s *APIServer) Register(g *grpc.Server) { api.RegisterPDServer(g, s) }

func (s *APIServer) AllocID(ctx context.Context, in *api.AllocIDRequest) (*api.AllocIDResponse, error) {
	first, err := s.svc.AllocID(ctx, in.Count)
	if err != nil {
		return nil, err
	}
	return &api.AllocIDResponse{First: first}, nil
}

func (s *APIServer) Bootstrap(ctx context.Context, in *api.BootstrapRequest) (*api.BootstrapResponse, error) {
	err := s.svc.Bootstrap(ctx, StoreInfo{ID: in.Store.ID, Address: in.Store.Address}, regionFromWire(in.Region))
	if errors.Is(err, ErrAlreadyBootstrapped) {
		return &api.BootstrapResponse{AlreadyBootstrapped: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &api.BootstrapResponse{}, nil
}

func (s *APIServer) IsBootstrapped(ctx context.Context, in *api.IsBootstrappedRequest) (*api.IsBootstrappedResponse, error) {
	ok, err := s.svc.IsBootstrapped(ctx)
	if err != nil {
		return nil, err
	}
	return &api.IsBootstrappedResponse{Bootstrapped: ok}, nil
}

func (s *APIServer) PutStore(ctx context.Context, in *api.PutStoreRequest) (*api.PutStoreResponse, error) {
	if err := s.svc.PutStore(ctx, StoreInfo{ID: in.Store.ID, Address: in.Store.Address}); err != nil {
		return nil, err
	}
	return &api.PutStoreResponse{}, nil
}

func (s *APIServer) RegionHeartbeat(ctx context.Context, in *api.RegionHeartbeatRequest) (*api.RegionHeartbeatResponse, error) {
	resp, err := s.svc.RegionHeartbeat(ctx, regionFromWire(in.Region), in.LeaderPeer, RegionStats{
		ApproximateSize: in.ApproximateSize,
		ApproximateKeys: in.ApproximateKeys,
	})
	if err != nil {
		return nil, err
	}
	out := &api.RegionHeartbeatResponse{}
	if resp == nil {
		return out, nil
	}
	if resp.TransferLeader != nil {
		out.TransferLeader = &api.PDTransferLeader{ToPeer: resp.TransferLeader.ToPeer}
	}
	if resp.ChangePeer != nil {
		out.ChangePeer = &api.PDChangePeer{
			Add: resp.ChangePeer.Add,
			Peer: api.PDPeer{
				ID:      resp.ChangePeer.Peer.ID,
				StoreID: resp.ChangePeer.Peer.StoreID,
				Learner: resp.ChangePeer.Peer.Role == region.Learner,
			},
		}
	}
	out.Split = resp.Split != nil
	return out, nil
}

func (s *APIServer) StoreHeartbeat(ctx context.Context, in *api.StoreHeartbeatRequest) (*api.StoreHeartbeatResponse, error) {
	err := s.svc.StoreHeartbeat(ctx, StoreStats{
		StoreID:     in.StoreID,
		RegionCount: in.RegionCount,
		LeaderCount: in.LeaderCount,
	})
	if err != nil {
		return nil, err
	}
	return &api.StoreHeartbeatResponse{}, nil
}

func (s *APIServer) GetRegionByKey(ctx context.Context, in *api.GetRegionByKeyRequest) (*api.GetRegionByKeyResponse, error) {
	r, err := s.svc.GetRegionByKey(ctx, in.Key)
	if errors.Is(err, ErrRegionNotFound) || errors.Is(err, ErrNotBootstrapped) {
		return &api.GetRegionByKeyResponse{NotFound: true}, nil
	}
	if err != nil {
		return nil, err
	}
	w := regionToWire(r)
	return &api.GetRegionByKeyResponse{Region: &w}, nil
}

func (s *APIServer) ListStores(ctx context.Context, in *api.ListStoresRequest) (*api.ListStoresResponse, error) {
	stores, err := s.svc.Stores(ctx)
	if err != nil {
		return nil, err
	}
	out := &api.ListStoresResponse{}
	for _, st := range stores {
		out.Stores = append(out.Stores, api.PDStore{ID: st.ID, Address: st.Address})
	}
	return out, nil
}

// RemoteClient is the store-side Client backed by a pd server connection.
type RemoteClient struct {
	cc  *grpc.ClientConn
	api api.PDClient
}

var _ Client = (*RemoteClient)(nil)

// Dial connects to a pd server.
func Dial(target string) (*RemoteClient, error) {
	cc, err := grpc.Dial(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &RemoteClient{cc: cc, api: api.NewPDClient(cc)}, nil
}

func (c *RemoteClient) Close() error { return c.cc.Close() }

func (c *RemoteClient) AllocID(ctx context.Context, n uint64) (uint64, error) {
	resp, err := c.api.AllocID(ctx, &api.AllocIDRequest{Count: n})
	if err != nil {
		return 0, err
	}
	return resp.First, nil
}

func (c *RemoteClient) Bootstrap(ctx context.Context, store StoreInfo, first region.Region) error {
	resp, err := c.api.Bootstrap(ctx, &api.BootstrapRequest{
		Store:  api.PDStore{ID: store.ID, Address: store.Address},
		Region: regionToWire(first),
	})
	if err != nil {
		return err
	}
	if resp.AlreadyBootstrapped {
		return ErrAlreadyBootstrapped
	}
	return nil
}

func (c *RemoteClient) IsBootstrapped(ctx context.Context) (bool, error) {
	resp, err := c.api.IsBootstrapped(ctx, &api.IsBootstrappedRequest{})
	if err != nil {
		return false, err
	}
	return resp.Bootstrapped, nil
}

func (c *RemoteClient) PutStore(ctx context.Context, store StoreInfo) error {
	_, err := c.api.PutStore(ctx, &api.PutStoreRequest{
		Store: api.PDStore{ID: store.ID, Address: store.Address},
	})
	return err
}

func (c *RemoteClient) RegionHeartbeat(ctx context.Context, r region.Region, leaderPeer uint64, stats RegionStats) (*HeartbeatResponse, error) {
	resp, err := c.api.RegionHeartbeat(ctx, &api.RegionHeartbeatRequest{
		Region:          regionToWire(r),
		LeaderPeer:      leaderPeer,
		ApproximateSize: stats.ApproximateSize,
		ApproximateKeys: stats.ApproximateKeys,
	})
	if err != nil {
		return nil, err
	}
	out := &HeartbeatResponse{}
	if resp.TransferLeader != nil {
		out.TransferLeader = &TransferLeader{ToPeer: resp.TransferLeader.ToPeer}
	}
	if resp.ChangePeer != nil {
		role := region.Voter
		if resp.ChangePeer.Peer.Learner {
			role = region.Learner
		}
		out.ChangePeer = &ChangePeer{
			Add: resp.ChangePeer.Add,
			Peer: region.Peer{
				ID:      resp.ChangePeer.Peer.ID,
				StoreID: resp.ChangePeer.Peer.StoreID,
				Role:    role,
			},
		}
	}
	if resp.Split {
		out.Split = &SplitHint{}
	}
	return out, nil
}

func (c *RemoteClient) StoreHeartbeat(ctx context.Context, stats StoreStats) error {
	_, err := c.api.StoreHeartbeat(ctx, &api.StoreHeartbeatRequest{
		StoreID:     stats.StoreID,
		RegionCount: stats.RegionCount,
		LeaderCount: stats.LeaderCount,
	})
	return err
}

func (c *RemoteClient) GetRegionByKey(ctx context.Context, key []byte) (region.Region, error) {
	resp, err := c.api.GetRegionByKey(ctx, &api.GetRegionByKeyRequest{Key: key})
	if err != nil {
		return region.Region{}, err
	}
	if resp.NotFound || resp.Region == nil {
		return region.Region{}, ErrRegionNotFound
	}
	return regionFromWire(*resp.Region), nil
}

func (c *RemoteClient) Stores(ctx context.Context) ([]StoreInfo, error) {
	resp, err := c.api.ListStores(ctx, &api.ListStoresRequest{})
	if err != nil {
		return nil, err
	}
	var out []StoreInfo
	for _, st := range resp.Stores {
		out = append(out, StoreInfo{ID: st.ID, Address: st.Address})
	}
	return out, nil
}
