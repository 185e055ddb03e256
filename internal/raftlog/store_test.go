package raftlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "raftlog.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeEntries(lo, hi, term uint64) []raftpb.Entry {
	ents := make([]raftpb.Entry, 0, hi-lo)
	for i := lo; i < hi; i++ {
		ents = append(ents, raftpb.Entry{Index: i, Term: term, Data: []byte{byte(i)}})
	}
	return ents
}

func TestAppendAndEntries(t *testing.T) {
	s := openTestStore(t)
	ls, err := s.Region(1)
	require.NoError(t, err)

	require.NoError(t, ls.Append(makeEntries(1, 6, 1)))

	last, err := ls.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)

	first, err := ls.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first)

	ents, err := ls.Entries(2, 5, 0)
	require.NoError(t, err)
	require.Len(t, ents, 3)
	assert.Equal(t, uint64(2), ents[0].Index)
	assert.Equal(t, uint64(4), ents[2].Index)

	_, err = ls.Entries(3, 8, 0)
	assert.ErrorIs(t, err, raft.ErrUnavailable)
}

func TestAppendTruncatesConflictingSuffix(t *testing.T) {
	s := openTestStore(t)
	ls, err := s.Region(1)
	require.NoError(t, err)

	require.NoError(t, ls.Append(makeEntries(1, 6, 1)))
	// A new leader overwrites from index 4 at a higher term.
	require.NoError(t, ls.Append(makeEntries(4, 5, 2)))

	last, err := ls.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last)

	term, err := ls.Term(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term)

	// A longer conflicting suffix drops several stale entries at once.
	require.NoError(t, ls.Append(makeEntries(2, 3, 3)))

	last, err = ls.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	_, err = ls.Entries(2, 5, 0)
	assert.ErrorIs(t, err, raft.ErrUnavailable)

	term, err = ls.Term(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), term)
}

func TestCompact(t *testing.T) {
	s := openTestStore(t)
	ls, err := s.Region(1)
	require.NoError(t, err)

	require.NoError(t, ls.Append(makeEntries(1, 11, 1)))
	require.NoError(t, ls.Compact(5))

	assert.Equal(t, uint64(5), ls.TruncatedIndex())

	first, err := ls.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), first)

	_, err = ls.Entries(3, 7, 0)
	assert.ErrorIs(t, err, raft.ErrCompacted)

	// The truncation marker still answers Term at its own index.
	term, err := ls.Term(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), term)

	_, err = ls.Term(4)
	assert.ErrorIs(t, err, raft.ErrCompacted)

	assert.ErrorIs(t, ls.Compact(5), raft.ErrCompacted)
	assert.ErrorIs(t, ls.Compact(99), raft.ErrUnavailable)
}

func TestHardStateAndReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raftlog.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	ls, err := s.Region(7)
	require.NoError(t, err)

	hs := raftpb.HardState{Term: 3, Vote: 2, Commit: 9}
	require.NoError(t, ls.SaveReady(&hs, makeEntries(1, 11, 3)))
	require.NoError(t, ls.Compact(4))
	require.NoError(t, ls.SetConfState(raftpb.ConfState{Voters: []uint64{1, 2, 3}}))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	ids, err := s.RegionIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	ls, err = s.Region(7)
	require.NoError(t, err)

	gotHS, gotCS, err := ls.InitialState()
	require.NoError(t, err)
	assert.Equal(t, hs, gotHS)
	assert.Equal(t, []uint64{1, 2, 3}, gotCS.Voters)

	last, err := ls.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), last)
	assert.Equal(t, uint64(4), ls.TruncatedIndex())
}

func TestSnapshotHandshake(t *testing.T) {
	s := openTestStore(t)
	ls, err := s.Region(1)
	require.NoError(t, err)
	require.NoError(t, ls.Append(makeEntries(1, 4, 1)))

	_, err = ls.Snapshot()
	assert.ErrorIs(t, err, raft.ErrSnapshotTemporarilyUnavailable)
	assert.True(t, ls.TakeSnapshotRequest())
	assert.False(t, ls.TakeSnapshotRequest())

	snap := raftpb.Snapshot{
		Data: []byte("payload"),
		Metadata: raftpb.SnapshotMetadata{
			Index:     3,
			Term:      1,
			ConfState: raftpb.ConfState{Voters: []uint64{1}},
		},
	}
	ls.SetSnapshot(snap)
	got, err := ls.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Metadata.Index)

	ls.ClearSnapshot()
	_, err = ls.Snapshot()
	assert.ErrorIs(t, err, raft.ErrSnapshotTemporarilyUnavailable)
}

func TestApplySnapshotResetsLog(t *testing.T) {
	s := openTestStore(t)
	ls, err := s.Region(1)
	require.NoError(t, err)
	require.NoError(t, ls.Append(makeEntries(1, 6, 1)))

	meta := raftpb.SnapshotMetadata{
		Index:     20,
		Term:      4,
		ConfState: raftpb.ConfState{Voters: []uint64{1, 2}},
	}
	require.NoError(t, ls.ApplySnapshot(meta))

	first, err := ls.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(21), first)

	last, err := ls.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(20), last)

	term, err := ls.Term(20)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), term)

	stale := raftpb.SnapshotMetadata{Index: 5, Term: 1}
	assert.ErrorIs(t, ls.ApplySnapshot(stale), raft.ErrSnapOutOfDate)
}

func TestDestroyRegion(t *testing.T) {
	s := openTestStore(t)
	ls, err := s.Region(3)
	require.NoError(t, err)
	require.NoError(t, ls.Append(makeEntries(1, 4, 1)))

	require.NoError(t, s.Destroy(3))

	ids, err := s.RegionIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Re-created region starts clean.
	ls, err = s.Region(3)
	require.NoError(t, err)
	last, err := ls.LastIndex()
	require.NoError(t, err)
	assert.Zero(t, last)
}
