package apply

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"rangekv/internal/command"
	"rangekv/internal/engine"
	"rangekv/internal/engine/memory"
	"rangekv/internal/keys"
	regionpkg "rangekv/internal/region"
)

func testRegion() regionpkg.Region {
	return regionpkg.Region{
		ID:    1,
		Range: regionpkg.KeyRange{Start: []byte("a"), End: []byte("z")},
		Epoch: regionpkg.Epoch{Version: 1, ConfVersion: 1},
		State: regionpkg.StateActive,
		Peers: []regionpkg.Peer{
			{ID: 11, StoreID: 1},
			{ID: 12, StoreID: 2},
			{ID: 13, StoreID: 3},
		},
	}
}

func seedRegion(t *testing.T, eng engine.Engine, r regionpkg.Region) {
	t.Helper()
	b := eng.NewBatch()
	SetRegionState(b, r)
	require.NoError(t, eng.ApplyBatch(b))
}

func newTestApplier(t *testing.T) (*memory.Engine, *Applier, chan Result) {
	t.Helper()
	eng := memory.New()
	results := make(chan Result, 16)
	a := NewApplier(eng, Config{Workers: 1, QueueDepth: 16}, nil, func(res Result) {
		results <- res
	})
	a.Start()
	t.Cleanup(a.Stop)
	return eng, a, results
}

func waitResult(t *testing.T, results chan Result) Result {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for apply result")
		return Result{}
	}
}

func writeEntry(t *testing.T, index, term uint64, r regionpkg.Region, ops ...command.Operation) raftpb.Entry {
	t.Helper()
	data, err := command.NewWrite(uint64(r.ID), r.Epoch, ops...).Marshal()
	require.NoError(t, err)
	return raftpb.Entry{Index: index, Term: term, Type: raftpb.EntryNormal, Data: data}
}

func TestApplyWritesAndPersistState(t *testing.T) {
	eng, a, results := newTestApplier(t)
	r := testRegion()
	seedRegion(t, eng, r)

	a.Submit(Task{RegionID: r.ID, Entries: []raftpb.Entry{
		writeEntry(t, 1, 1, r, command.Operation{Key: []byte("k1"), Value: []byte("v1"), Type: command.OpPut}),
		writeEntry(t, 2, 1, r, command.Operation{Key: []byte("k2"), Value: []byte("v2"), Type: command.OpPut}),
	}})
	res := waitResult(t, results)
	require.NoError(t, res.Fatal)
	assert.Equal(t, uint64(2), res.AppliedIndex)
	require.Len(t, res.Entries, 2)
	assert.NoError(t, res.Entries[0].Rejected)

	val, err := eng.Get(keys.DataKey([]byte("k1")))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)

	st, err := LoadState(eng, uint64(r.ID))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.AppliedIndex)
	assert.Equal(t, uint64(1), st.AppliedTerm)
}

func TestIdempotentReapply(t *testing.T) {
	eng, a, results := newTestApplier(t)
	r := testRegion()
	seedRegion(t, eng, r)

	entries := []raftpb.Entry{
		writeEntry(t, 1, 1, r, command.Operation{Key: []byte("k"), Value: []byte("v1"), Type: command.OpPut}),
	}
	a.Submit(Task{RegionID: r.ID, Entries: entries})
	res := waitResult(t, results)
	require.NoError(t, res.Fatal)

	// Mutate the value out-of-band, then re-deliver the same entry. The
	// applier must treat it as a no-op rather than overwrite.
	b := eng.NewBatch()
	b.Put(keys.DataKey([]byte("k")), []byte("newer"))
	require.NoError(t, eng.ApplyBatch(b))

	a.Submit(Task{RegionID: r.ID, Entries: entries})
	res = waitResult(t, results)
	require.NoError(t, res.Fatal)
	assert.Empty(t, res.Entries)

	val, err := eng.Get(keys.DataKey([]byte("k")))
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), val)
}

func TestStaleEpochWriteRejected(t *testing.T) {
	eng, a, results := newTestApplier(t)
	r := testRegion()
	seedRegion(t, eng, r)

	stale := r.Clone()
	stale.Epoch.Version = 0
	a.Submit(Task{RegionID: r.ID, Entries: []raftpb.Entry{
		writeEntry(t, 1, 1, stale, command.Operation{Key: []byte("k"), Value: []byte("v"), Type: command.OpPut}),
	}})
	res := waitResult(t, results)
	require.NoError(t, res.Fatal)
	require.Len(t, res.Entries, 1)
	assert.ErrorIs(t, res.Entries[0].Rejected, ErrEpochStale)

	// The entry is rejected but still advances the applied index.
	assert.Equal(t, uint64(1), res.AppliedIndex)
	_, err := eng.Get(keys.DataKey([]byte("k")))
	assert.ErrorIs(t, err, engine.ErrKeyNotFound)
}

func TestApplySplit(t *testing.T) {
	eng, a, results := newTestApplier(t)
	r := testRegion()
	seedRegion(t, eng, r)

	splitCmd := &command.Command{
		RegionID: uint64(r.ID),
		Epoch:    r.Epoch,
		Kind:     command.KindSplit,
		Split: &command.SplitRequest{
			SplitKey:    []byte("m"),
			NewRegionID: 2,
			NewPeerIDs:  []uint64{21, 22, 23},
		},
	}
	data, err := splitCmd.Marshal()
	require.NoError(t, err)

	a.Submit(Task{RegionID: r.ID, Entries: []raftpb.Entry{
		{Index: 1, Term: 1, Type: raftpb.EntryNormal, Data: data},
	}})
	res := waitResult(t, results)
	require.NoError(t, res.Fatal)
	require.Len(t, res.Entries, 1)
	require.NotNil(t, res.Entries[0].Split)

	parent := res.Entries[0].Split.Parent
	child := res.Entries[0].Split.Child

	// Ranges partition the original exactly: [a,m) and [m,z).
	assert.Equal(t, []byte("a"), parent.Range.Start)
	assert.Equal(t, []byte("m"), parent.Range.End)
	assert.Equal(t, []byte("m"), child.Range.Start)
	assert.Equal(t, []byte("z"), child.Range.End)
	assert.True(t, parent.Range.AdjacentBefore(child.Range))

	// Epochs advanced; child got fresh peer ids on the same stores.
	assert.Equal(t, uint64(2), parent.Epoch.Version)
	assert.Equal(t, uint64(2), child.Epoch.Version)
	require.Len(t, child.Peers, 3)
	assert.Equal(t, uint64(21), child.Peers[0].ID)
	assert.Equal(t, uint64(1), child.Peers[0].StoreID)

	// Both records durable in the engine.
	got, found, err := LoadRegionState(eng, 2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, child.Range.Start, got.Range.Start)

	// Writes with the pre-split epoch are now rejected.
	a.Submit(Task{RegionID: r.ID, Entries: []raftpb.Entry{
		writeEntry(t, 2, 1, r, command.Operation{Key: []byte("b"), Value: []byte("v"), Type: command.OpPut}),
	}})
	res = waitResult(t, results)
	require.NoError(t, res.Fatal)
	assert.ErrorIs(t, res.Entries[0].Rejected, ErrEpochStale)
}

func TestCommitMergeEpochRace(t *testing.T) {
	eng, a, results := newTestApplier(t)

	source := regionpkg.Region{
		ID:    1,
		Range: regionpkg.KeyRange{Start: []byte("a"), End: []byte("m")},
		Epoch: regionpkg.Epoch{Version: 3, ConfVersion: 1},
		State: regionpkg.StateMerging,
	}
	target := regionpkg.Region{
		ID:    2,
		Range: regionpkg.KeyRange{Start: []byte("m"), End: []byte("z")},
		Epoch: regionpkg.Epoch{Version: 2, ConfVersion: 1},
		State: regionpkg.StateActive,
	}
	seedRegion(t, eng, source)
	seedRegion(t, eng, target)

	mergeCmd := &command.Command{
		RegionID: 2,
		Epoch:    target.Epoch,
		Kind:     command.KindCommitMerge,
		CommitMerge: &command.CommitMergeRequest{
			SourceRegionID: 1,
			SourceEpoch:    regionpkg.Epoch{Version: 2, ConfVersion: 1}, // stale view
			SourceRange:    source.Range,
		},
	}
	data, err := mergeCmd.Marshal()
	require.NoError(t, err)
	a.Submit(Task{RegionID: 2, Entries: []raftpb.Entry{
		{Index: 1, Term: 1, Type: raftpb.EntryNormal, Data: data},
	}})
	res := waitResult(t, results)
	require.NoError(t, res.Fatal)
	assert.ErrorIs(t, res.Entries[0].Rejected, ErrMergeSourceMoved)

	// Retry with the authoritative epoch succeeds.
	mergeCmd.CommitMerge.SourceEpoch = source.Epoch
	data, err = mergeCmd.Marshal()
	require.NoError(t, err)
	a.Submit(Task{RegionID: 2, Entries: []raftpb.Entry{
		{Index: 2, Term: 1, Type: raftpb.EntryNormal, Data: data},
	}})
	res = waitResult(t, results)
	require.NoError(t, res.Fatal)
	require.NotNil(t, res.Entries[0].Merge)

	merged := res.Entries[0].Merge.Target
	assert.Equal(t, []byte("a"), merged.Range.Start)
	assert.Equal(t, []byte("z"), merged.Range.End)
	assert.Equal(t, regionpkg.ID(1), res.Entries[0].Merge.SourceID)

	// Source is tombstoned.
	_, found, err := LoadRegionState(eng, 1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConfChangeApply(t *testing.T) {
	eng, a, results := newTestApplier(t)
	r := testRegion()
	seedRegion(t, eng, r)

	ctx, err := command.MarshalConfChangeContext(command.ConfChangeContext{
		Peer:  regionpkg.Peer{ID: 14, StoreID: 4, Role: regionpkg.Learner},
		Epoch: r.Epoch,
	})
	require.NoError(t, err)
	cc := raftpb.ConfChange{Type: raftpb.ConfChangeAddLearnerNode, NodeID: 14, Context: ctx}
	data, err := cc.Marshal()
	require.NoError(t, err)

	a.Submit(Task{RegionID: r.ID, Entries: []raftpb.Entry{
		{Index: 1, Term: 1, Type: raftpb.EntryConfChange, Data: data},
	}})
	res := waitResult(t, results)
	require.NoError(t, res.Fatal)
	require.NotNil(t, res.Entries[0].ConfChange)

	got, found, err := LoadRegionState(eng, uint64(r.ID))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2), got.Epoch.ConfVersion)
	p, ok := got.PeerByID(14)
	require.True(t, ok)
	assert.Equal(t, regionpkg.Learner, p.Role)

	// Promotion: AddNode on an existing learner flips its role.
	ctx, err = command.MarshalConfChangeContext(command.ConfChangeContext{
		Peer:  regionpkg.Peer{ID: 14, StoreID: 4, Role: regionpkg.Voter},
		Epoch: got.Epoch,
	})
	require.NoError(t, err)
	cc = raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 14, Context: ctx}
	data, err = cc.Marshal()
	require.NoError(t, err)
	a.Submit(Task{RegionID: r.ID, Entries: []raftpb.Entry{
		{Index: 2, Term: 1, Type: raftpb.EntryConfChange, Data: data},
	}})
	res = waitResult(t, results)
	require.NoError(t, res.Fatal)

	got, _, err = LoadRegionState(eng, uint64(r.ID))
	require.NoError(t, err)
	p, ok = got.PeerByID(14)
	require.True(t, ok)
	assert.Equal(t, regionpkg.Voter, p.Role)
}
