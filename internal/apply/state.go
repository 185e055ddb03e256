package apply

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"rangekv/internal/engine"
	"rangekv/internal/keys"
	regionpkg "rangekv/internal/region"
)

// State is the per-region apply state record persisted in the engine. It is
// written in the same batch as the data it accounts for, so a restart never
// observes data ahead of or behind the recorded index.
type State struct {
	AppliedIndex uint64 `json:"applied_index"`
	AppliedTerm  uint64 `json:"applied_term"`
	// TruncatedIndex mirrors the raft log truncation marker at the time it
	// was last advanced, for diagnostics and backup bookkeeping.
	TruncatedIndex uint64 `json:"truncated_index"`
}

func (s State) marshal() []byte {
	raw, _ := json.Marshal(s)
	return raw
}

// LoadState reads a region's apply state from the engine. A missing record
// yields the zero state.
func LoadState(eng engine.Engine, regionID uint64) (State, error) {
	raw, err := eng.Get(keys.ApplyStateKey(regionID))
	if err != nil {
		if errors.Is(err, engine.ErrKeyNotFound) {
			return State{}, nil
		}
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("region %d: decode apply state: %w", regionID, err)
	}
	return st, nil
}

// SetState stages the apply state record into a batch.
func SetState(b engine.Batch, regionID uint64, st State) {
	b.Put(keys.ApplyStateKey(regionID), st.marshal())
}

// RegionLocalState is the engine-persisted copy of a region's metadata. A
// boundary-changing admin command is durable exactly when this record is:
// split and merge write it in the same batch as the rest of their effects.
type RegionLocalState struct {
	Region    regionEntry `json:"region"`
	Tombstone bool        `json:"tombstone"`
}

// regionEntry is the JSON shape of region metadata; byte keys are base64.
type regionEntry struct {
	ID          uint64       `json:"id"`
	StartKey    string       `json:"start_key"`
	EndKey      string       `json:"end_key"`
	Version     uint64       `json:"version"`
	ConfVersion uint64       `json:"conf_version"`
	State       int          `json:"state"`
	Leader      uint64       `json:"leader"`
	Peers       []regionPeer `json:"peers,omitempty"`
}

type regionPeer struct {
	ID      uint64 `json:"id"`
	StoreID uint64 `json:"store_id"`
	Role    int    `json:"role"`
}

func makeRegionEntry(r regionpkg.Region) regionEntry {
	entry := regionEntry{
		ID:          uint64(r.ID),
		StartKey:    base64.StdEncoding.EncodeToString(r.Range.Start),
		EndKey:      base64.StdEncoding.EncodeToString(r.Range.End),
		Version:     r.Epoch.Version,
		ConfVersion: r.Epoch.ConfVersion,
		State:       int(r.State),
		Leader:      r.Leader,
	}
	for _, p := range r.Peers {
		entry.Peers = append(entry.Peers, regionPeer{ID: p.ID, StoreID: p.StoreID, Role: int(p.Role)})
	}
	return entry
}

func (e regionEntry) toRegion() (regionpkg.Region, error) {
	start, err := base64.StdEncoding.DecodeString(e.StartKey)
	if err != nil {
		return regionpkg.Region{}, err
	}
	end, err := base64.StdEncoding.DecodeString(e.EndKey)
	if err != nil {
		return regionpkg.Region{}, err
	}
	r := regionpkg.Region{
		ID:     regionpkg.ID(e.ID),
		Range:  regionpkg.KeyRange{Start: start, End: end},
		Epoch:  regionpkg.Epoch{Version: e.Version, ConfVersion: e.ConfVersion},
		State:  regionpkg.State(e.State),
		Leader: e.Leader,
	}
	for _, p := range e.Peers {
		r.Peers = append(r.Peers, regionpkg.Peer{ID: p.ID, StoreID: p.StoreID, Role: regionpkg.PeerRole(p.Role)})
	}
	return r, nil
}

// LoadRegionState reads a region's local metadata record. Returns found=false
// when the region has no record on this store.
func LoadRegionState(eng engine.Engine, regionID uint64) (regionpkg.Region, bool, error) {
	raw, err := eng.Get(keys.RegionStateKey(regionID))
	if err != nil {
		if errors.Is(err, engine.ErrKeyNotFound) {
			return regionpkg.Region{}, false, nil
		}
		return regionpkg.Region{}, false, err
	}
	var st RegionLocalState
	if err := json.Unmarshal(raw, &st); err != nil {
		return regionpkg.Region{}, false, fmt.Errorf("region %d: decode region state: %w", regionID, err)
	}
	if st.Tombstone {
		return regionpkg.Region{}, false, nil
	}
	r, err := st.Region.toRegion()
	if err != nil {
		return regionpkg.Region{}, false, err
	}
	return r, true, nil
}

// SetRegionState stages a region metadata record into a batch.
func SetRegionState(b engine.Batch, r regionpkg.Region) {
	raw, _ := json.Marshal(RegionLocalState{Region: makeRegionEntry(r)})
	b.Put(keys.RegionStateKey(uint64(r.ID)), raw)
}

// SetTombstone stages a tombstone record for a removed or merged-away region.
func SetTombstone(b engine.Batch, r regionpkg.Region) {
	r.State = regionpkg.StateTombstone
	raw, _ := json.Marshal(RegionLocalState{Region: makeRegionEntry(r), Tombstone: true})
	b.Put(keys.RegionStateKey(uint64(r.ID)), raw)
}

// ListRegionStates scans every non-tombstone region record, for startup
// recovery.
func ListRegionStates(eng engine.Engine) ([]regionpkg.Region, error) {
	lo, hi := keys.LocalRange()
	it, err := eng.NewIterator(lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []regionpkg.Region
	for ; it.Valid(); it.Next() {
		infix, _, ok := keys.ParseLocalKey(it.Key())
		if !ok || infix != keys.RegionStateInfix {
			continue
		}
		var st RegionLocalState
		if err := json.Unmarshal(it.Value(), &st); err != nil {
			return nil, err
		}
		if st.Tombstone {
			continue
		}
		r, err := st.Region.toRegion()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
