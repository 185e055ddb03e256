// Package raftlog persists per-region Raft state: the entry log, hard state,
// conf state, and the truncation marker. It is backed by a single bbolt
// database per store with nested buckets per region, and serves as the
// raft.Storage implementation for every peer hosted on the store.
package raftlog

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	regionpkg "rangekv/internal/region"
)

var (
	bucketLog  = []byte("log")
	bucketMeta = []byte("meta")

	metaHardState = []byte("hardstate")
	metaConfState = []byte("confstate")
	metaTruncated = []byte("truncated")
)

// Store owns the bbolt database holding every region's Raft state.
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger

	mu      sync.Mutex
	regions map[regionpkg.ID]*LogStore
}

// Open opens (creating if necessary) the raft log database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open raft log db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLog); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:      db,
		logger:  logger.Named("raftlog"),
		regions: make(map[regionpkg.ID]*LogStore),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Region returns the log store view for a region, creating its buckets on
// first use. The returned LogStore is shared and safe for concurrent use.
func (s *Store) Region(id regionpkg.ID) (*LogStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ls, ok := s.regions[id]; ok {
		return ls, nil
	}
	ls := &LogStore{store: s, regionID: id}
	if err := ls.load(); err != nil {
		return nil, err
	}
	s.regions[id] = ls
	return ls, nil
}

// Destroy removes all persisted state for a region. Called after a region is
// tombstoned and garbage collected.
func (s *Store) Destroy(id regionpkg.ID) error {
	s.mu.Lock()
	delete(s.regions, id)
	s.mu.Unlock()
	key := regionKey(id)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketLog).Bucket(key); b != nil {
			if err := tx.Bucket(bucketLog).DeleteBucket(key); err != nil {
				return err
			}
		}
		if b := tx.Bucket(bucketMeta).Bucket(key); b != nil {
			return tx.Bucket(bucketMeta).DeleteBucket(key)
		}
		return nil
	})
}

// RegionIDs lists every region with persisted raft state, for startup
// recovery.
func (s *Store) RegionIDs() ([]regionpkg.ID, error) {
	var ids []regionpkg.ID
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEachBucket(func(k []byte) error {
			if len(k) == 8 {
				ids = append(ids, regionpkg.ID(binary.BigEndian.Uint64(k)))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func regionKey(id regionpkg.ID) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(id))
	return out
}

func entryKey(index uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, index)
	return out
}

// LogStore is the per-region view over the shared database. It implements
// raft.Storage and the write-side operations the peer's ready loop needs.
type LogStore struct {
	store    *Store
	regionID regionpkg.ID

	mu             sync.RWMutex
	hardState      raftpb.HardState
	confState      raftpb.ConfState
	truncatedIndex uint64
	truncatedTerm  uint64
	lastIndex      uint64
	lastTerm       uint64

	// pendingSnap holds a snapshot generated out-of-band by the snapshot
	// manager, handed to raft the next time it asks. snapWanted is set when
	// raft asked and none was ready.
	pendingSnap *raftpb.Snapshot
	snapWanted  bool
}

var _ raft.Storage = (*LogStore)(nil)

func (ls *LogStore) load() error {
	key := regionKey(ls.regionID)
	return ls.store.db.Update(func(tx *bbolt.Tx) error {
		logB, err := tx.Bucket(bucketLog).CreateBucketIfNotExists(key)
		if err != nil {
			return err
		}
		metaB, err := tx.Bucket(bucketMeta).CreateBucketIfNotExists(key)
		if err != nil {
			return err
		}
		if raw := metaB.Get(metaHardState); raw != nil {
			if err := ls.hardState.Unmarshal(raw); err != nil {
				return fmt.Errorf("region %d: decode hard state: %w", ls.regionID, err)
			}
		}
		if raw := metaB.Get(metaConfState); raw != nil {
			if err := ls.confState.Unmarshal(raw); err != nil {
				return fmt.Errorf("region %d: decode conf state: %w", ls.regionID, err)
			}
		}
		if raw := metaB.Get(metaTruncated); raw != nil && len(raw) == 16 {
			ls.truncatedIndex = binary.BigEndian.Uint64(raw[:8])
			ls.truncatedTerm = binary.BigEndian.Uint64(raw[8:])
		}
		ls.lastIndex = ls.truncatedIndex
		ls.lastTerm = ls.truncatedTerm
		if k, v := logB.Cursor().Last(); k != nil {
			var ent raftpb.Entry
			if err := ent.Unmarshal(v); err != nil {
				return fmt.Errorf("region %d: decode last entry: %w", ls.regionID, err)
			}
			ls.lastIndex = ent.Index
			ls.lastTerm = ent.Term
		}
		return nil
	})
}

// RegionID returns the owning region.
func (ls *LogStore) RegionID() regionpkg.ID { return ls.regionID }

// InitialState implements raft.Storage.
func (ls *LogStore) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.hardState, ls.confState, nil
}

// Entries implements raft.Storage.
func (ls *LogStore) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	ls.mu.RLock()
	truncated := ls.truncatedIndex
	last := ls.lastIndex
	ls.mu.RUnlock()

	if lo <= truncated {
		return nil, raft.ErrCompacted
	}
	if hi > last+1 {
		return nil, raft.ErrUnavailable
	}
	if lo >= hi {
		return nil, nil
	}

	ents := make([]raftpb.Entry, 0, hi-lo)
	err := ls.store.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLog).Bucket(regionKey(ls.regionID))
		if b == nil {
			return raft.ErrUnavailable
		}
		c := b.Cursor()
		for k, v := c.Seek(entryKey(lo)); k != nil; k, v = c.Next() {
			idx := binary.BigEndian.Uint64(k)
			if idx >= hi {
				break
			}
			var ent raftpb.Entry
			if err := ent.Unmarshal(v); err != nil {
				return fmt.Errorf("region %d: decode entry %d: %w", ls.regionID, idx, err)
			}
			ents = append(ents, ent)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if uint64(len(ents)) != hi-lo {
		return nil, raft.ErrUnavailable
	}
	return limitSize(ents, maxSize), nil
}

func limitSize(ents []raftpb.Entry, maxSize uint64) []raftpb.Entry {
	if len(ents) == 0 || maxSize == 0 {
		return ents
	}
	size := uint64(ents[0].Size())
	for i := 1; i < len(ents); i++ {
		size += uint64(ents[i].Size())
		if size > maxSize {
			return ents[:i]
		}
	}
	return ents
}

// Term implements raft.Storage.
func (ls *LogStore) Term(i uint64) (uint64, error) {
	ls.mu.RLock()
	truncatedIndex, truncatedTerm := ls.truncatedIndex, ls.truncatedTerm
	last := ls.lastIndex
	ls.mu.RUnlock()

	if i == truncatedIndex {
		return truncatedTerm, nil
	}
	if i < truncatedIndex {
		return 0, raft.ErrCompacted
	}
	if i > last {
		return 0, raft.ErrUnavailable
	}

	var term uint64
	err := ls.store.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLog).Bucket(regionKey(ls.regionID))
		if b == nil {
			return raft.ErrUnavailable
		}
		raw := b.Get(entryKey(i))
		if raw == nil {
			return raft.ErrUnavailable
		}
		var ent raftpb.Entry
		if err := ent.Unmarshal(raw); err != nil {
			return err
		}
		term = ent.Term
		return nil
	})
	return term, err
}

// LastIndex implements raft.Storage.
func (ls *LogStore) LastIndex() (uint64, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.lastIndex, nil
}

// FirstIndex implements raft.Storage.
func (ls *LogStore) FirstIndex() (uint64, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.truncatedIndex + 1, nil
}

// TruncatedIndex returns the truncation marker; entries at or below it are
// gone from the log.
func (ls *LogStore) TruncatedIndex() uint64 {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.truncatedIndex
}

// Snapshot implements raft.Storage. Snapshots are produced asynchronously by
// the snapshot manager; if none is ready the request is noted and raft
// retries later.
func (ls *LogStore) Snapshot() (raftpb.Snapshot, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.pendingSnap != nil {
		snap := *ls.pendingSnap
		return snap, nil
	}
	ls.snapWanted = true
	return raftpb.Snapshot{}, raft.ErrSnapshotTemporarilyUnavailable
}

// TakeSnapshotRequest reports and clears the pending "raft wants a snapshot"
// flag. The store polls this after each ready pass to kick off generation.
func (ls *LogStore) TakeSnapshotRequest() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	wanted := ls.snapWanted
	ls.snapWanted = false
	return wanted
}

// SetSnapshot installs a generated snapshot for raft to pick up.
func (ls *LogStore) SetSnapshot(snap raftpb.Snapshot) {
	ls.mu.Lock()
	ls.pendingSnap = &snap
	ls.mu.Unlock()
}

// ClearSnapshot drops the pending generated snapshot, e.g. once the lagging
// follower has caught up through normal replication.
func (ls *LogStore) ClearSnapshot() {
	ls.mu.Lock()
	ls.pendingSnap = nil
	ls.mu.Unlock()
}

// SaveReady persists, in one transaction, the hard state and new entries of
// a raft Ready. Raft requires both durable before outbound messages go out.
func (ls *LogStore) SaveReady(hs *raftpb.HardState, entries []raftpb.Entry) error {
	if hs == nil && len(entries) == 0 {
		return nil
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	err := ls.store.db.Update(func(tx *bbolt.Tx) error {
		key := regionKey(ls.regionID)
		if len(entries) > 0 {
			b := tx.Bucket(bucketLog).Bucket(key)
			first := entries[0].Index
			// Overwriting at first implicitly truncates any conflicting
			// suffix left by a previous term.
			if first <= ls.lastIndex {
				// Cursor.Delete keeps the iteration valid; deleting through
				// the bucket under an open cursor does not.
				c := b.Cursor()
				for k, _ := c.Seek(entryKey(first)); k != nil; k, _ = c.Next() {
					if err := c.Delete(); err != nil {
						return err
					}
				}
			}
			for i := range entries {
				raw, err := entries[i].Marshal()
				if err != nil {
					return err
				}
				if err := b.Put(entryKey(entries[i].Index), raw); err != nil {
					return err
				}
			}
		}
		if hs != nil {
			raw, err := hs.Marshal()
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketMeta).Bucket(key).Put(metaHardState, raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		ls.lastIndex = entries[len(entries)-1].Index
		ls.lastTerm = entries[len(entries)-1].Term
	}
	if hs != nil {
		ls.hardState = *hs
	}
	return nil
}

// Append persists entries without touching the hard state.
func (ls *LogStore) Append(entries []raftpb.Entry) error {
	return ls.SaveReady(nil, entries)
}

// SetHardState persists only the hard state.
func (ls *LogStore) SetHardState(hs raftpb.HardState) error {
	return ls.SaveReady(&hs, nil)
}

// SetConfState persists the configuration after an applied conf change.
func (ls *LogStore) SetConfState(cs raftpb.ConfState) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	raw, err := cs.Marshal()
	if err != nil {
		return err
	}
	err = ls.store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Bucket(regionKey(ls.regionID)).Put(metaConfState, raw)
	})
	if err != nil {
		return err
	}
	ls.confState = cs
	return nil
}

// ConfState returns the last persisted configuration.
func (ls *LogStore) ConfState() raftpb.ConfState {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.confState
}

// Compact advances the truncation marker to index, discarding entries at or
// below it. The term at index is recorded so Term(index) keeps answering.
func (ls *LogStore) Compact(index uint64) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if index <= ls.truncatedIndex {
		return raft.ErrCompacted
	}
	if index > ls.lastIndex {
		return raft.ErrUnavailable
	}

	var term uint64
	err := ls.store.db.Update(func(tx *bbolt.Tx) error {
		key := regionKey(ls.regionID)
		b := tx.Bucket(bucketLog).Bucket(key)
		raw := b.Get(entryKey(index))
		if raw == nil {
			return raft.ErrUnavailable
		}
		var ent raftpb.Entry
		if err := ent.Unmarshal(raw); err != nil {
			return err
		}
		term = ent.Term

		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) > index {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Bucket(key).Put(metaTruncated, truncatedValue(index, term))
	})
	if err != nil {
		return err
	}
	ls.truncatedIndex = index
	ls.truncatedTerm = term
	return nil
}

// ApplySnapshot resets the log to the snapshot's metadata: every entry is
// discarded and the truncation marker jumps to the snapshot index.
func (ls *LogStore) ApplySnapshot(meta raftpb.SnapshotMetadata) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if meta.Index <= ls.truncatedIndex {
		return raft.ErrSnapOutOfDate
	}

	csRaw, err := meta.ConfState.Marshal()
	if err != nil {
		return err
	}
	err = ls.store.db.Update(func(tx *bbolt.Tx) error {
		key := regionKey(ls.regionID)
		b := tx.Bucket(bucketLog).Bucket(key)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		metaB := tx.Bucket(bucketMeta).Bucket(key)
		if err := metaB.Put(metaTruncated, truncatedValue(meta.Index, meta.Term)); err != nil {
			return err
		}
		return metaB.Put(metaConfState, csRaw)
	})
	if err != nil {
		return err
	}
	ls.truncatedIndex = meta.Index
	ls.truncatedTerm = meta.Term
	ls.lastIndex = meta.Index
	ls.lastTerm = meta.Term
	ls.confState = meta.ConfState
	ls.pendingSnap = nil
	return nil
}

func truncatedValue(index, term uint64) []byte {
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[:8], index)
	binary.BigEndian.PutUint64(out[8:], term)
	return out
}
