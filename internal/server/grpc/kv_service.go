package grpcserver

import (
	"context"
	"errors"

	"rangekv/internal/apply"
	"rangekv/internal/engine"
	"rangekv/internal/peer"
	"rangekv/internal/store"
	"rangekv/pkg/api"
)

// KVService fronts a store with the client-facing KV API. Routing failures
// come back as structured errors carrying the store's current region view so
// clients can refresh their caches and retry against the right store.
type KVService struct {
	st *store.Store
}

var _ api.KVServer = (*KVService)(nil)

func NewKVService(st *store.Store) *KVService { return &KVService{st: st} }

func (s *KVService) Put(ctx context.Context, in *api.PutRequest) (*api.PutResponse, error) {
	if err := s.st.Put(ctx, in.Key, in.Value); err != nil {
		return &api.PutResponse{Error: s.kvError(err)}, nil
	}
	return &api.PutResponse{}, nil
}

func (s *KVService) Get(ctx context.Context, in *api.GetRequest) (*api.GetResponse, error) {
	v, err := s.st.Get(ctx, in.Key)
	if errors.Is(err, engine.ErrKeyNotFound) {
		return &api.GetResponse{}, nil
	}
	if err != nil {
		return &api.GetResponse{Error: s.kvError(err)}, nil
	}
	return &api.GetResponse{Value: v, Found: true}, nil
}

func (s *KVService) Delete(ctx context.Context, in *api.DeleteRequest) (*api.DeleteResponse, error) {
	if err := s.st.Delete(ctx, in.Key); err != nil {
		return &api.DeleteResponse{Error: s.kvError(err)}, nil
	}
	return &api.DeleteResponse{}, nil
}

func (s *KVService) Scan(ctx context.Context, in *api.ScanRequest) (*api.ScanResponse, error) {
	pairs, err := s.st.Scan(ctx, in.Start, in.End, in.Limit)
	if err != nil {
		return &api.ScanResponse{Error: s.kvError(err)}, nil
	}
	out := &api.ScanResponse{}
	for _, kv := range pairs {
		out.Pairs = append(out.Pairs, api.KeyValue{Key: kv.Key, Value: kv.Value})
	}
	return out, nil
}

func (s *KVService) Regions(ctx context.Context, in *api.RegionsRequest) (*api.RegionsResponse, error) {
	return &api.RegionsResponse{Regions: s.regionInfos()}, nil
}

func (s *KVService) regionInfos() []api.RegionInfo {
	var out []api.RegionInfo
	for _, r := range s.st.Regions() {
		info := api.RegionInfo{
			ID:          uint64(r.ID),
			StartKey:    r.Range.Start,
			EndKey:      r.Range.End,
			Version:     r.Epoch.Version,
			ConfVersion: r.Epoch.ConfVersion,
		}
		if p, ok := r.PeerByID(r.Leader); ok {
			info.LeaderStore = p.StoreID
		}
		out = append(out, info)
	}
	return out
}

func (s *KVService) kvError(err error) *api.KVError {
	var nl *peer.NotLeaderError
	if errors.As(err, &nl) {
		return &api.KVError{NotLeader: &api.NotLeaderError{
			RegionID:    nl.RegionID,
			LeaderStore: nl.LeaderStore,
		}}
	}
	var es *store.EpochStaleError
	if errors.As(err, &es) {
		return &api.KVError{EpochStale: &api.EpochStaleError{
			RegionID: es.RegionID,
			Current:  s.regionInfos(),
		}}
	}
	if errors.Is(err, apply.ErrEpochStale) {
		return &api.KVError{EpochStale: &api.EpochStaleError{Current: s.regionInfos()}}
	}
	var rm *store.RegionMissingError
	if errors.As(err, &rm) || errors.Is(err, store.ErrRegionNotFound) {
		return &api.KVError{RegionNotFound: &api.RegionNotFoundError{}}
	}
	return &api.KVError{Message: err.Error()}
}
