// Package pd is the placement driver: the cluster-level authority for ID
// allocation, store and region bookkeeping, and scheduling hints. Stores
// report in via heartbeats and act on the commands they get back.
package pd

import (
	"context"

	"rangekv/internal/region"
)

// StoreInfo describes one store as known to the placement driver.
type StoreInfo struct {
	ID      uint64
	Address string
}

// StoreStats is the payload of a store heartbeat.
type StoreStats struct {
	StoreID     uint64
	RegionCount int
	LeaderCount int
}

// RegionStats rides on a region heartbeat from the region's leader.
type RegionStats struct {
	ApproximateSize uint64
	ApproximateKeys uint64
}

// TransferLeader asks the leader to hand leadership to another peer.
type TransferLeader struct {
	ToPeer uint64
}

// ChangePeer asks the leader to add or remove a peer. Added peers start as
// learners and are promoted by the store once caught up.
type ChangePeer struct {
	Add  bool
	Peer region.Peer
}

// SplitHint asks the leader to split at its own estimated middle key.
type SplitHint struct{}

// HeartbeatResponse carries at most one scheduling command.
type HeartbeatResponse struct {
	TransferLeader *TransferLeader
	ChangePeer     *ChangePeer
	Split          *SplitHint
}

// Client is the store-side view of the placement driver.
type Client interface {
	// AllocID returns the first of n freshly allocated cluster-unique IDs;
	// the caller owns [first, first+n).
	AllocID(ctx context.Context, n uint64) (uint64, error)

	// Bootstrap registers the first store and the initial full-range region.
	// Only the first caller succeeds; later calls get ErrAlreadyBootstrapped.
	Bootstrap(ctx context.Context, store StoreInfo, first region.Region) error

	// IsBootstrapped reports whether the cluster holds any region.
	IsBootstrapped(ctx context.Context) (bool, error)

	// PutStore registers or refreshes a store.
	PutStore(ctx context.Context, store StoreInfo) error

	// RegionHeartbeat reports a region's current descriptor from its leader
	// and returns a scheduling command when the driver wants one executed.
	RegionHeartbeat(ctx context.Context, r region.Region, leaderPeer uint64, stats RegionStats) (*HeartbeatResponse, error)

	// StoreHeartbeat reports store-level load.
	StoreHeartbeat(ctx context.Context, stats StoreStats) error

	// GetRegionByKey routes a key to the region currently covering it.
	GetRegionByKey(ctx context.Context, key []byte) (region.Region, error)

	// Stores lists the known stores.
	Stores(ctx context.Context) ([]StoreInfo, error)
}
