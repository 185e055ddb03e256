package peer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"rangekv/internal/apply"
	"rangekv/internal/command"
	"rangekv/internal/engine"
	"rangekv/internal/engine/memory"
	"rangekv/internal/keys"
	"rangekv/internal/raftlog"
	regionpkg "rangekv/internal/region"
)

// harness drives a single peer through the ready/apply cycle synchronously.
type harness struct {
	t       *testing.T
	eng     engine.Engine
	store   *raftlog.Store
	applier *apply.Applier
	results chan apply.Result
	p       *Peer
}

func newHarness(t *testing.T, r regionpkg.Region, peerID uint64) *harness {
	t.Helper()
	eng := memory.New()

	b := eng.NewBatch()
	apply.SetRegionState(b, r)
	apply.SetState(b, uint64(r.ID), apply.State{})
	require.NoError(t, eng.ApplyBatch(b))

	store, err := raftlog.Open(filepath.Join(t.TempDir(), "raft.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ls, err := store.Region(r.ID)
	require.NoError(t, err)

	var voters []uint64
	for _, pr := range r.Peers {
		if pr.Role == regionpkg.Voter {
			voters = append(voters, pr.ID)
		}
	}
	require.NoError(t, ls.SetConfState(raftpb.ConfState{Voters: voters}))

	results := make(chan apply.Result, 16)
	applier := apply.NewApplier(eng, apply.Config{Workers: 1}, nil, func(res apply.Result) {
		results <- res
	})
	applier.Start()
	t.Cleanup(applier.Stop)

	p, err := New(Config{StoreID: 1}, r, peerID, ls, 0, nil)
	require.NoError(t, err)

	return &harness{t: t, eng: eng, store: store, applier: applier, results: results, p: p}
}

// cycle processes pending readies until raft goes quiet, returning every
// apply outcome seen on the way.
func (h *harness) cycle() []ApplyOutcome {
	h.t.Helper()
	var outcomes []ApplyOutcome
	for i := 0; i < 50 && h.p.HasReady(); i++ {
		rd := h.p.Ready()
		var hs *raftpb.HardState
		if !raft.IsEmptyHardState(rd.HardState) {
			hs = &rd.HardState
		}
		require.NoError(h.t, h.p.LogStore().SaveReady(hs, rd.Entries))
		if len(rd.CommittedEntries) > 0 {
			h.applier.Submit(apply.Task{RegionID: h.p.RegionID(), Entries: rd.CommittedEntries})
			select {
			case res := <-h.results:
				outcomes = append(outcomes, h.p.OnApplyResult(res))
			case <-time.After(2 * time.Second):
				h.t.Fatal("timeout waiting for apply result")
			}
		}
		h.p.Advance(rd)
	}
	return outcomes
}

func soloRegion() regionpkg.Region {
	return regionpkg.Region{
		ID:    1,
		Range: regionpkg.KeyRange{},
		Epoch: regionpkg.Epoch{Version: 1, ConfVersion: 1},
		Peers: []regionpkg.Peer{{ID: 11, StoreID: 1}},
	}
}

func TestProposeBeforeElectionRejected(t *testing.T) {
	h := newHarness(t, soloRegion(), 11)

	var got error
	h.p.ProposeCommand(command.NewWrite(0, regionpkg.Epoch{},
		command.Operation{Key: []byte("k"), Value: []byte("v"), Type: command.OpPut}),
		func(err error) { got = err })

	var nl *NotLeaderError
	require.ErrorAs(t, got, &nl)
	assert.Equal(t, uint64(1), nl.RegionID)
}

func TestProposeApplyCallback(t *testing.T) {
	h := newHarness(t, soloRegion(), 11)
	require.NoError(t, h.p.Campaign())
	h.cycle()
	require.True(t, h.p.IsLeader())

	done := make(chan error, 1)
	h.p.ProposeCommand(command.NewWrite(0, regionpkg.Epoch{},
		command.Operation{Key: []byte("alpha"), Value: []byte("1"), Type: command.OpPut}),
		func(err error) { done <- err })
	h.cycle()

	select {
	case err := <-done:
		require.NoError(t, err)
	default:
		t.Fatal("proposal callback never fired")
	}

	val, err := h.eng.Get(keys.DataKey([]byte("alpha")))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)
	assert.NotZero(t, h.p.AppliedIndex())
}

func TestMergeFenceRejectsWrites(t *testing.T) {
	r := soloRegion()
	r.State = regionpkg.StateMerging
	h := newHarness(t, r, 11)
	require.NoError(t, h.p.Campaign())
	h.cycle()

	var got error
	h.p.ProposeCommand(command.NewWrite(0, regionpkg.Epoch{},
		command.Operation{Key: []byte("k"), Type: command.OpPut, Value: []byte("v")}),
		func(err error) { got = err })
	assert.ErrorIs(t, got, ErrMergePending)
}

func TestProposeBatchCoalescesWrites(t *testing.T) {
	h := newHarness(t, soloRegion(), 11)
	require.NoError(t, h.p.Campaign())
	h.cycle()
	require.True(t, h.p.IsLeader())

	results := make(chan error, 3)
	var props []Proposal
	for _, k := range []string{"a", "b", "c"} {
		props = append(props, Proposal{
			Cmd: command.NewWrite(0, regionpkg.Epoch{},
				command.Operation{Key: []byte(k), Value: []byte("v-" + k), Type: command.OpPut}),
			Cb: func(err error) { results <- err },
		})
	}
	h.p.ProposeBatch(props)

	// The whole window travels as one replicated entry, writes in
	// submission order.
	require.True(t, h.p.HasReady())
	rd := h.p.Ready()
	var payloads [][]byte
	for _, ent := range rd.Entries {
		if ent.Type == raftpb.EntryNormal && len(ent.Data) > 0 {
			payloads = append(payloads, ent.Data)
		}
	}
	require.Len(t, payloads, 1)
	cmd, err := command.Unmarshal(payloads[0])
	require.NoError(t, err)
	assert.Equal(t, command.KindWrite, cmd.Kind)
	require.Len(t, cmd.Writes, 3)
	assert.Equal(t, []byte("a"), cmd.Writes[0].Key)
	assert.Equal(t, []byte("b"), cmd.Writes[1].Key)
	assert.Equal(t, []byte("c"), cmd.Writes[2].Key)

	var hs *raftpb.HardState
	if !raft.IsEmptyHardState(rd.HardState) {
		hs = &rd.HardState
	}
	require.NoError(t, h.p.LogStore().SaveReady(hs, rd.Entries))
	if len(rd.CommittedEntries) > 0 {
		h.applier.Submit(apply.Task{RegionID: h.p.RegionID(), Entries: rd.CommittedEntries})
		select {
		case res := <-h.results:
			h.p.OnApplyResult(res)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for apply result")
		}
	}
	h.p.Advance(rd)
	h.cycle()

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		default:
			t.Fatal("write callback never fired")
		}
	}
	for _, k := range []string{"a", "b", "c"} {
		val, err := h.eng.Get(keys.DataKey([]byte(k)))
		require.NoError(t, err)
		assert.Equal(t, []byte("v-"+k), val)
	}
}

func TestProposeBatchRejectsPerCommand(t *testing.T) {
	r := soloRegion()
	r.State = regionpkg.StateMerging
	h := newHarness(t, r, 11)
	require.NoError(t, h.p.Campaign())
	h.cycle()

	var got error
	h.p.ProposeBatch([]Proposal{{
		Cmd: command.NewWrite(0, regionpkg.Epoch{},
			command.Operation{Key: []byte("k"), Value: []byte("v"), Type: command.OpPut}),
		Cb: func(err error) { got = err },
	}})
	assert.ErrorIs(t, got, ErrMergePending)
}

func TestTransferLeaderWaitsForBarrier(t *testing.T) {
	r := soloRegion()
	r.Peers = append(r.Peers, regionpkg.Peer{ID: 12, StoreID: 2, Role: regionpkg.Learner})
	h := newHarness(t, r, 11)
	require.NoError(t, h.p.Campaign())
	h.cycle()
	require.True(t, h.p.IsLeader())

	before := h.p.AppliedIndex()
	h.p.TransferLeader(12)

	// The handoff is deferred until the barrier entry applies.
	assert.Zero(t, h.p.rn.Status().LeadTransferee)

	// Proposals are fenced for the whole transfer window.
	var got error
	h.p.ProposeCommand(command.NewWrite(0, regionpkg.Epoch{},
		command.Operation{Key: []byte("k"), Value: []byte("v"), Type: command.OpPut}),
		func(err error) { got = err })
	assert.ErrorIs(t, got, ErrTransferringLeader)

	// The barrier replicates and applies like any other entry.
	h.cycle()
	assert.Equal(t, before+1, h.p.AppliedIndex())

	// The target never answers, so the window stays shut until it expires.
	got = nil
	h.p.ProposeCommand(command.NewWrite(0, regionpkg.Epoch{},
		command.Operation{Key: []byte("k"), Value: []byte("v"), Type: command.OpPut}),
		func(err error) { got = err })
	assert.ErrorIs(t, got, ErrTransferringLeader)

	for i := 0; i < 2*h.p.cfg.ElectionTick; i++ {
		h.p.Tick()
	}
	h.cycle()

	done := make(chan error, 1)
	h.p.ProposeCommand(command.NewWrite(0, regionpkg.Epoch{},
		command.Operation{Key: []byte("k"), Value: []byte("v"), Type: command.OpPut}),
		func(err error) { done <- err })
	h.cycle()
	require.NoError(t, <-done)
}

func TestConfChangeAddsLearnerAndSerialises(t *testing.T) {
	h := newHarness(t, soloRegion(), 11)
	require.NoError(t, h.p.Campaign())
	h.cycle()

	done := make(chan error, 1)
	h.p.ProposeConfChange(raftpb.ConfChangeAddLearnerNode,
		regionpkg.Peer{ID: 12, StoreID: 2, Role: regionpkg.Learner},
		func(err error) { done <- err })

	// A second change while the first is in flight is refused.
	var second error
	h.p.ProposeConfChange(raftpb.ConfChangeAddLearnerNode,
		regionpkg.Peer{ID: 13, StoreID: 3, Role: regionpkg.Learner},
		func(err error) { second = err })
	assert.ErrorIs(t, second, ErrPendingConfChange)

	outcomes := h.cycle()
	require.NoError(t, <-done)

	var confChanged bool
	for _, out := range outcomes {
		if out.ConfChanged {
			confChanged = true
		}
	}
	assert.True(t, confChanged)

	r := h.p.Region()
	lp, ok := r.PeerByID(12)
	require.True(t, ok)
	assert.Equal(t, regionpkg.Learner, lp.Role)
	assert.Equal(t, uint64(2), r.Epoch.ConfVersion)
}

func TestSplitOutcome(t *testing.T) {
	h := newHarness(t, soloRegion(), 11)
	require.NoError(t, h.p.Campaign())
	h.cycle()

	done := make(chan error, 1)
	h.p.ProposeCommand(&command.Command{
		Kind: command.KindSplit,
		Split: &command.SplitRequest{
			SplitKey:    []byte("m"),
			NewRegionID: 2,
			NewPeerIDs:  []uint64{21},
		},
	}, func(err error) { done <- err })

	outcomes := h.cycle()
	require.NoError(t, <-done)

	var split *apply.SplitResult
	for _, out := range outcomes {
		if len(out.Splits) > 0 {
			split = &out.Splits[0]
		}
	}
	require.NotNil(t, split)
	assert.Equal(t, []byte("m"), split.Parent.Range.End)
	assert.Equal(t, regionpkg.ID(2), split.Child.ID)
	assert.Equal(t, []byte("m"), split.Child.Range.Start)
	assert.Equal(t, h.p.Region().Epoch.Version, split.Parent.Epoch.Version)
}

func TestCompactionAfterApply(t *testing.T) {
	h := newHarness(t, soloRegion(), 11)
	require.NoError(t, h.p.Campaign())
	h.cycle()

	for i := 0; i < 20; i++ {
		done := make(chan error, 1)
		h.p.ProposeCommand(command.NewWrite(0, regionpkg.Epoch{},
			command.Operation{Key: []byte{byte(i)}, Value: []byte("v"), Type: command.OpPut}),
			func(err error) { done <- err })
		h.cycle()
		require.NoError(t, <-done)
	}

	require.NoError(t, h.p.MaybeCompact(5))
	assert.Equal(t, h.p.AppliedIndex()-5, h.p.LogStore().TruncatedIndex())
}
