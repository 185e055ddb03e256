package peer

import (
	"errors"
	"fmt"
)

// NotLeaderError rejects a proposal on a follower, carrying the best-known
// leader so clients can redirect instead of scanning the cluster.
type NotLeaderError struct {
	RegionID    uint64
	LeaderPeer  uint64
	LeaderStore uint64
}

func (e *NotLeaderError) Error() string {
	if e.LeaderPeer == 0 {
		return fmt.Sprintf("region %d has no known leader", e.RegionID)
	}
	return fmt.Sprintf("region %d: not leader, try peer %d on store %d", e.RegionID, e.LeaderPeer, e.LeaderStore)
}

var (
	// ErrMergePending rejects proposals on a region fenced by prepare-merge.
	ErrMergePending = errors.New("peer: region is merging, proposal rejected")

	// ErrTransferringLeader rejects proposals while leadership is being
	// handed off.
	ErrTransferringLeader = errors.New("peer: leader transfer in progress")

	// ErrPendingConfChange rejects a conf change while an earlier one is
	// still in flight; membership changes are strictly one at a time.
	ErrPendingConfChange = errors.New("peer: conf change already pending")

	// ErrStaleProposal fails a callback whose entry was superseded by a
	// different term at the same index. The command may or may not have been
	// committed under another guise; the client must treat it as unknown.
	ErrStaleProposal = errors.New("peer: proposal superseded by newer term")

	// ErrPeerDestroyed fails callbacks of a peer that was removed.
	ErrPeerDestroyed = errors.New("peer: peer destroyed")
)
