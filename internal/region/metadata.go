package region

import "bytes"

// ID uniquely identifies a Region.
type ID uint64

// KeyRange describes the inclusive-exclusive key range handled by a Region.
type KeyRange struct {
	Start []byte
	End   []byte // empty slice denotes infinity
}

// Contains reports whether key falls inside the range.
func (kr KeyRange) Contains(key []byte) bool {
	if len(kr.Start) > 0 && bytes.Compare(key, kr.Start) < 0 {
		return false
	}
	if len(kr.End) > 0 && bytes.Compare(key, kr.End) >= 0 {
		return false
	}
	return true
}

// AdjacentBefore reports whether kr ends exactly where other begins.
func (kr KeyRange) AdjacentBefore(other KeyRange) bool {
	return len(kr.End) > 0 && bytes.Equal(kr.End, other.Start)
}

// Epoch tracks structural changes of a Region.
type Epoch struct {
	// Version increases when the key range of a Region changes (split/merge).
	Version uint64
	// ConfVersion increases when the peer set changes (add/remove peers).
	ConfVersion uint64
}

// Stale reports whether e is older than other in either dimension.
func (e Epoch) Stale(other Epoch) bool {
	return e.Version < other.Version || e.ConfVersion < other.ConfVersion
}

// Newer reports whether e is strictly newer than other in some dimension
// and not older in any.
func (e Epoch) Newer(other Epoch) bool {
	return !e.Stale(other) && (e.Version > other.Version || e.ConfVersion > other.ConfVersion)
}

// PeerRole distinguishes voting members from learners.
type PeerRole int

const (
	// Voter is a full voting member of the Region's Raft group.
	Voter PeerRole = iota
	// Learner only receives logs; not part of quorum until promoted.
	Learner
)

// Peer describes a Region replica hosted on a Store.
type Peer struct {
	ID      uint64
	StoreID uint64
	Role    PeerRole
}

// State captures the lifecycle of a Region.
type State int

const (
	// StateActive indicates the Region is serving traffic.
	StateActive State = iota
	// StateSplitting indicates the Region is splitting its key range.
	StateSplitting
	// StateMerging indicates the Region is merging with another Region.
	StateMerging
	// StateTombstone indicates the Region has been removed.
	StateTombstone
)

// Region aggregates metadata describing a single shard of the keyspace.
type Region struct {
	ID     ID
	Range  KeyRange
	Epoch  Epoch
	Peers  []Peer
	State  State
	Leader uint64 // Peer ID currently considered leader (best-effort hint)
}

// ContainsKey reports whether the region manages the provided key.
func (r *Region) ContainsKey(key []byte) bool {
	if r == nil {
		return false
	}
	return r.Range.Contains(key)
}

// PeerOnStore returns the peer hosted on the given store, if any.
func (r *Region) PeerOnStore(storeID uint64) (Peer, bool) {
	if r == nil {
		return Peer{}, false
	}
	for _, p := range r.Peers {
		if p.StoreID == storeID {
			return p, true
		}
	}
	return Peer{}, false
}

// PeerByID returns the peer with the given id, if any.
func (r *Region) PeerByID(peerID uint64) (Peer, bool) {
	if r == nil {
		return Peer{}, false
	}
	for _, p := range r.Peers {
		if p.ID == peerID {
			return p, true
		}
	}
	return Peer{}, false
}

// RemovePeer deletes the peer with the given id from the peer list.
func (r *Region) RemovePeer(peerID uint64) bool {
	for i, p := range r.Peers {
		if p.ID == peerID {
			r.Peers = append(r.Peers[:i], r.Peers[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the Region metadata for safe mutation.
func (r *Region) Clone() Region {
	if r == nil {
		return Region{}
	}
	cp := *r
	cp.Range = KeyRange{
		Start: append([]byte(nil), r.Range.Start...),
		End:   append([]byte(nil), r.Range.End...),
	}
	if len(r.Peers) > 0 {
		cp.Peers = append([]Peer(nil), r.Peers...)
	}
	return cp
}
