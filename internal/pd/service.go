package pd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"rangekv/internal/region"
)

var (
	ErrAlreadyBootstrapped = errors.New("pd: cluster already bootstrapped")
	ErrNotBootstrapped     = errors.New("pd: cluster not bootstrapped")
	ErrRegionNotFound      = errors.New("pd: no region for key")
)

// Policy tunes the scheduler.
type Policy struct {
	// Replicas is the target voter count per region.
	Replicas int
	// MaxLeaderSkew is the tolerated gap between the most and least loaded
	// stores before a leader transfer is suggested.
	MaxLeaderSkew int
	// RegionMaxSize and RegionMaxKeys trigger split hints; zero disables
	// the driver-side hint and leaves splitting to the stores.
	RegionMaxSize uint64
	RegionMaxKeys uint64
}

func (p Policy) withDefaults() Policy {
	if p.Replicas == 0 {
		p.Replicas = 3
	}
	if p.MaxLeaderSkew == 0 {
		p.MaxLeaderSkew = 2
	}
	return p
}

type regionRecord struct {
	region region.Region
	leader uint64
	stats  RegionStats
}

type regionItem struct {
	start []byte
	id    region.ID
}

// Service is an in-process placement driver. It implements Client directly
// so a store embeds it in tests and single-binary deployments; the pd server
// binary exposes the same object over the wire.
type Service struct {
	policy Policy
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	stores  map[uint64]StoreInfo
	loads   map[uint64]StoreStats
	regions map[region.ID]*regionRecord
	tree    *btree.BTreeG[regionItem]
}

var _ Client = (*Service)(nil)

func NewService(policy Policy, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		policy:  policy.withDefaults(),
		logger:  logger.Named("pd"),
		nextID:  1,
		stores:  make(map[uint64]StoreInfo),
		loads:   make(map[uint64]StoreStats),
		regions: make(map[region.ID]*regionRecord),
		tree: btree.NewG(16, func(a, b regionItem) bool {
			return bytes.Compare(a.start, b.start) < 0
		}),
	}
}

func (s *Service) AllocID(ctx context.Context, n uint64) (uint64, error) {
	if n == 0 {
		return 0, fmt.Errorf("pd: alloc of zero ids")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.nextID
	s.nextID += n
	return first, nil
}

// observeLocked keeps the allocator ahead of IDs minted elsewhere, such as
// the bootstrap region built by the first store.
func (s *Service) observeLocked(id uint64) {
	if id >= s.nextID {
		s.nextID = id + 1
	}
}

func (s *Service) Bootstrap(ctx context.Context, store StoreInfo, first region.Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.regions) > 0 {
		return ErrAlreadyBootstrapped
	}
	s.stores[store.ID] = store
	s.observeLocked(store.ID)
	s.observeLocked(uint64(first.ID))
	for _, p := range first.Peers {
		s.observeLocked(p.ID)
	}
	s.insertLocked(first, 0, RegionStats{})
	s.logger.Info("cluster bootstrapped",
		zap.Uint64("store", store.ID), zap.Uint64("region", uint64(first.ID)))
	return nil
}

func (s *Service) IsBootstrapped(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regions) > 0, nil
}

func (s *Service) PutStore(ctx context.Context, store StoreInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[store.ID] = store
	s.observeLocked(store.ID)
	return nil
}

func (s *Service) StoreHeartbeat(ctx context.Context, stats StoreStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads[stats.StoreID] = stats
	return nil
}

func (s *Service) Stores(ctx context.Context) ([]StoreInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoreInfo, 0, len(s.stores))
	for _, st := range s.stores {
		out = append(out, st)
	}
	return out, nil
}

func (s *Service) RegionHeartbeat(ctx context.Context, r region.Region, leaderPeer uint64, stats RegionStats) (*HeartbeatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.regions[r.ID]; ok && r.Epoch.Stale(rec.region.Epoch) {
		// A deposed leader reporting an old view; the newer descriptor wins.
		s.logger.Debug("stale region heartbeat ignored",
			zap.Uint64("region", uint64(r.ID)),
			zap.Uint64("reported_version", r.Epoch.Version),
			zap.Uint64("known_version", rec.region.Epoch.Version))
		return &HeartbeatResponse{}, nil
	}

	s.observeLocked(uint64(r.ID))
	for _, p := range r.Peers {
		s.observeLocked(p.ID)
	}
	s.insertLocked(r, leaderPeer, stats)
	return s.scheduleLocked(r, leaderPeer, stats)
}

// insertLocked places a region in the tree, evicting any stale overlapping
// descriptors left behind by splits and merges.
func (s *Service) insertLocked(r region.Region, leader uint64, stats RegionStats) {
	if old, ok := s.regions[r.ID]; ok {
		s.tree.Delete(regionItem{start: old.region.Range.Start, id: r.ID})
	}
	var evict []regionItem
	s.tree.AscendGreaterOrEqual(regionItem{start: r.Range.Start}, func(it regionItem) bool {
		if len(r.Range.End) > 0 && bytes.Compare(it.start, r.Range.End) >= 0 {
			return false
		}
		if it.id != r.ID {
			evict = append(evict, it)
		}
		return true
	})
	for _, it := range evict {
		if rec, ok := s.regions[it.id]; ok && rec.region.Epoch.Stale(r.Epoch) {
			s.tree.Delete(it)
			delete(s.regions, it.id)
		}
	}
	s.regions[r.ID] = &regionRecord{region: r.Clone(), leader: leader, stats: stats}
	s.tree.ReplaceOrInsert(regionItem{start: r.Range.Start, id: r.ID})
}

func (s *Service) GetRegionByKey(ctx context.Context, key []byte) (region.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.regions) == 0 {
		return region.Region{}, ErrNotBootstrapped
	}
	var found *regionRecord
	s.tree.DescendLessOrEqual(regionItem{start: key}, func(it regionItem) bool {
		found = s.regions[it.id]
		return false
	})
	if found == nil || !found.region.Range.Contains(key) {
		return region.Region{}, ErrRegionNotFound
	}
	return found.region.Clone(), nil
}

// scheduleLocked emits at most one command per heartbeat, in priority
// order: repair under-replication, trim over-replication, balance leaders,
// hint a split.
func (s *Service) scheduleLocked(r region.Region, leaderPeer uint64, stats RegionStats) (*HeartbeatResponse, error) {
	voters := 0
	onStore := make(map[uint64]bool, len(r.Peers))
	for _, p := range r.Peers {
		onStore[p.StoreID] = true
		if p.Role == region.Voter {
			voters++
		}
	}

	if len(r.Peers) < s.policy.Replicas {
		if target, ok := s.pickStoreWithoutPeerLocked(onStore); ok {
			peerID := s.nextID
			s.nextID++
			return &HeartbeatResponse{ChangePeer: &ChangePeer{
				Add:  true,
				Peer: region.Peer{ID: peerID, StoreID: target, Role: region.Learner},
			}}, nil
		}
	}

	if voters > s.policy.Replicas {
		for _, p := range r.Peers {
			if p.ID != leaderPeer && p.Role == region.Voter {
				return &HeartbeatResponse{ChangePeer: &ChangePeer{Add: false, Peer: p}}, nil
			}
		}
	}

	if cmd := s.balanceLeaderLocked(r, leaderPeer); cmd != nil {
		return &HeartbeatResponse{TransferLeader: cmd}, nil
	}

	if s.policy.RegionMaxSize > 0 && stats.ApproximateSize > s.policy.RegionMaxSize ||
		s.policy.RegionMaxKeys > 0 && stats.ApproximateKeys > s.policy.RegionMaxKeys {
		return &HeartbeatResponse{Split: &SplitHint{}}, nil
	}
	return &HeartbeatResponse{}, nil
}

func (s *Service) pickStoreWithoutPeerLocked(onStore map[uint64]bool) (uint64, bool) {
	var target uint64
	best := -1
	for id := range s.stores {
		if onStore[id] {
			continue
		}
		load := s.loads[id].RegionCount
		if best == -1 || load < best || (load == best && id < target) {
			best = load
			target = id
		}
	}
	return target, best != -1
}

func (s *Service) balanceLeaderLocked(r region.Region, leaderPeer uint64) *TransferLeader {
	leaderCounts := make(map[uint64]int, len(s.stores))
	for id := range s.stores {
		leaderCounts[id] = 0
	}
	for _, rec := range s.regions {
		for _, p := range rec.region.Peers {
			if p.ID == rec.leader {
				leaderCounts[p.StoreID]++
			}
		}
	}

	var leaderStore uint64
	for _, p := range r.Peers {
		if p.ID == leaderPeer {
			leaderStore = p.StoreID
		}
	}
	for _, p := range r.Peers {
		if p.ID == leaderPeer || p.Role != region.Voter {
			continue
		}
		if leaderCounts[leaderStore]-leaderCounts[p.StoreID] > s.policy.MaxLeaderSkew {
			return &TransferLeader{ToPeer: p.ID}
		}
	}
	return nil
}

// Regions lists every known region, for inspection endpoints.
func (s *Service) Regions() []region.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]region.Region, 0, len(s.regions))
	s.tree.Ascend(func(it regionItem) bool {
		out = append(out, s.regions[it.id].region.Clone())
		return true
	})
	return out
}
