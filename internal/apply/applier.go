// Package apply is the pipeline that turns committed Raft entries into
// engine mutations. It runs on its own worker pool so a slow engine never
// throttles consensus progress, preserves strict per-region order, and is
// idempotent across restarts.
package apply

import (
	"errors"
	"fmt"
	"sync"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"rangekv/internal/command"
	"rangekv/internal/engine"
	"rangekv/internal/keys"
	regionpkg "rangekv/internal/region"
)

// ErrEpochStale marks a command rejected because the region's epoch moved
// past the proposer's view. The entry still advances the applied index; the
// engine is untouched.
var ErrEpochStale = errors.New("apply: region epoch is stale")

// ErrMergeSourceMoved marks a commit-merge abort: the source region's
// persisted epoch no longer matches the one the merge was planned against.
var ErrMergeSourceMoved = errors.New("apply: merge source epoch moved, merge aborted")

// SplitResult reports a completed split: the parent's trimmed metadata and
// the newly carved child.
type SplitResult struct {
	Parent regionpkg.Region
	Child  regionpkg.Region
}

// MergeResult reports a committed merge on the target region.
type MergeResult struct {
	Target   regionpkg.Region
	SourceID regionpkg.ID
}

// EntryResult is the outcome of applying one committed entry.
type EntryResult struct {
	Index uint64
	Term  uint64
	// Rejected is set when the command was refused (stale epoch, merge
	// abort). The entry still counts as applied.
	Rejected error

	ConfChange     *raftpb.ConfChange
	ConfChangePeer regionpkg.Peer
	Split          *SplitResult
	Merge          *MergeResult
	PreparedMerge  bool
	RolledBack     bool

	// Region is the updated metadata after this entry, set whenever the
	// entry changed it. Peers sync their in-memory view from it.
	Region *regionpkg.Region

	WriteBytes uint64
	WriteKeys  uint64
}

// Result is delivered to the store after a task finishes.
type Result struct {
	RegionID     regionpkg.ID
	Entries      []EntryResult
	AppliedIndex uint64
	AppliedTerm  uint64
	// Fatal is an apply-time storage failure. It is fatal for this peer
	// only: the peer must be rebuilt from a fresh snapshot; the failed entry
	// is never skipped.
	Fatal error
}

// ResultHandler receives apply results. It is called from applier workers
// and must not block for long.
type ResultHandler func(Result)

type taskKind int8

const (
	taskApply taskKind = iota
	// taskReset reloads the delegate from engine state, e.g. after a
	// snapshot install replaced everything underneath it.
	taskReset
	// taskDestroy drops the delegate for a removed region.
	taskDestroy
)

// Task is one unit of apply work for a region.
type Task struct {
	RegionID regionpkg.ID
	Entries  []raftpb.Entry
	kind     taskKind
}

// ResetTask builds a control task that reloads region state from the engine.
func ResetTask(id regionpkg.ID) Task { return Task{RegionID: id, kind: taskReset} }

// DestroyTask builds a control task that forgets a region.
func DestroyTask(id regionpkg.ID) Task { return Task{RegionID: id, kind: taskDestroy} }

// Applier owns the apply worker pool. Regions are sharded across workers by
// id, so one region's tasks always run on the same worker in FIFO order.
type Applier struct {
	eng     engine.Engine
	logger  *zap.Logger
	handler ResultHandler

	workers []chan Task
	wg      sync.WaitGroup
	stopC   chan struct{}
}

// Config sizes the apply pool.
type Config struct {
	Workers    int
	QueueDepth int
}

// DefaultConfig returns the pool sizing used when the caller passes zeros.
var DefaultConfig = Config{Workers: 4, QueueDepth: 256}

// NewApplier builds an applier over the engine. handler receives results.
func NewApplier(eng engine.Engine, cfg Config, logger *zap.Logger, handler ResultHandler) *Applier {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig.QueueDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Applier{
		eng:     eng,
		logger:  logger.Named("apply"),
		handler: handler,
		workers: make([]chan Task, cfg.Workers),
		stopC:   make(chan struct{}),
	}
	for i := range a.workers {
		a.workers[i] = make(chan Task, cfg.QueueDepth)
	}
	return a
}

// Start launches the worker pool.
func (a *Applier) Start() {
	for i := range a.workers {
		a.wg.Add(1)
		go a.runWorker(a.workers[i])
	}
}

// Stop drains nothing: pending tasks are abandoned; durable state is already
// consistent because every flush is atomic.
func (a *Applier) Stop() {
	close(a.stopC)
	a.wg.Wait()
}

// Submit enqueues a task, blocking when the worker's queue is full. Blocking
// the producer is the backpressure mechanism: the replication loop slows
// down instead of queueing unboundedly.
func (a *Applier) Submit(task Task) {
	idx := int(uint64(task.RegionID) % uint64(len(a.workers)))
	select {
	case a.workers[idx] <- task:
	case <-a.stopC:
	}
}

func (a *Applier) runWorker(tasks chan Task) {
	defer a.wg.Done()
	delegates := make(map[regionpkg.ID]*delegate)
	for {
		select {
		case task := <-tasks:
			a.handleTask(delegates, task)
		case <-a.stopC:
			return
		}
	}
}

func (a *Applier) handleTask(delegates map[regionpkg.ID]*delegate, task Task) {
	switch task.kind {
	case taskReset:
		delete(delegates, task.RegionID)
		return
	case taskDestroy:
		delete(delegates, task.RegionID)
		return
	}

	d, ok := delegates[task.RegionID]
	if !ok {
		var err error
		d, err = a.loadDelegate(task.RegionID)
		if err != nil {
			a.handler(Result{RegionID: task.RegionID, Fatal: err})
			return
		}
		delegates[task.RegionID] = d
	}
	if d.failed {
		// A previously failed peer stays failed until rebuilt from snapshot.
		return
	}

	res := a.applyEntries(d, task.Entries)
	if res.Fatal != nil {
		d.failed = true
		a.logger.Error("apply failure, peer must be rebuilt from snapshot",
			zap.Uint64("region", uint64(task.RegionID)),
			zap.Error(res.Fatal))
	}
	a.handler(res)
}

type delegate struct {
	region regionpkg.Region
	st     State
	failed bool
}

func (a *Applier) loadDelegate(id regionpkg.ID) (*delegate, error) {
	r, found, err := LoadRegionState(a.eng, uint64(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("region %d: no local state", id)
	}
	st, err := LoadState(a.eng, uint64(id))
	if err != nil {
		return nil, err
	}
	return &delegate{region: r, st: st}, nil
}

// applyEntries walks the committed entries in index order, batching plain
// writes and flushing at every admin boundary so a boundary change is
// durable before anything past it applies.
func (a *Applier) applyEntries(d *delegate, entries []raftpb.Entry) Result {
	res := Result{RegionID: d.region.ID}
	batch := a.eng.NewBatch()
	batchedThrough := d.st // state to persist with the current batch

	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		SetState(batch, uint64(d.region.ID), batchedThrough)
		if err := a.eng.ApplyBatch(batch); err != nil {
			return err
		}
		d.st = batchedThrough
		batch = a.eng.NewBatch()
		return nil
	}

	for i := range entries {
		ent := &entries[i]
		if ent.Index <= d.st.AppliedIndex {
			// Idempotent re-apply: already durable, skip.
			continue
		}
		er := EntryResult{Index: ent.Index, Term: ent.Term}

		switch ent.Type {
		case raftpb.EntryNormal:
			if len(ent.Data) == 0 {
				// Raft-internal no-op (new leader's empty entry).
				batchedThrough = State{AppliedIndex: ent.Index, AppliedTerm: ent.Term, TruncatedIndex: d.st.TruncatedIndex}
				res.Entries = append(res.Entries, er)
				continue
			}
			cmd, err := command.Unmarshal(ent.Data)
			if err != nil {
				res.Fatal = fmt.Errorf("region %d: decode entry %d: %w", d.region.ID, ent.Index, err)
				return res
			}
			if cmd.Kind.IsAdmin() {
				// Barrier: everything before the admin command must be
				// durable first.
				if err := flush(); err != nil {
					res.Fatal = err
					return res
				}
				adminBatch := a.eng.NewBatch()
				a.applyAdmin(d, cmd, adminBatch, &er)
				SetState(adminBatch, uint64(d.region.ID),
					State{AppliedIndex: ent.Index, AppliedTerm: ent.Term, TruncatedIndex: d.st.TruncatedIndex})
				if err := a.eng.ApplyBatch(adminBatch); err != nil {
					res.Fatal = err
					return res
				}
				d.st = State{AppliedIndex: ent.Index, AppliedTerm: ent.Term, TruncatedIndex: d.st.TruncatedIndex}
				batchedThrough = d.st
			} else {
				a.applyNormal(d, cmd, batch, &er)
				batchedThrough = State{AppliedIndex: ent.Index, AppliedTerm: ent.Term, TruncatedIndex: d.st.TruncatedIndex}
			}

		case raftpb.EntryConfChange:
			if err := flush(); err != nil {
				res.Fatal = err
				return res
			}
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(ent.Data); err != nil {
				res.Fatal = fmt.Errorf("region %d: decode conf change at %d: %w", d.region.ID, ent.Index, err)
				return res
			}
			ccBatch := a.eng.NewBatch()
			a.applyConfChange(d, &cc, ccBatch, &er)
			SetState(ccBatch, uint64(d.region.ID),
				State{AppliedIndex: ent.Index, AppliedTerm: ent.Term, TruncatedIndex: d.st.TruncatedIndex})
			if err := a.eng.ApplyBatch(ccBatch); err != nil {
				res.Fatal = err
				return res
			}
			d.st = State{AppliedIndex: ent.Index, AppliedTerm: ent.Term, TruncatedIndex: d.st.TruncatedIndex}
			batchedThrough = d.st

		default:
			// EntryConfChangeV2 is not proposed by this store.
			batchedThrough = State{AppliedIndex: ent.Index, AppliedTerm: ent.Term, TruncatedIndex: d.st.TruncatedIndex}
		}

		res.Entries = append(res.Entries, er)
	}

	if err := flush(); err != nil {
		res.Fatal = err
		return res
	}
	// Entries may all have been no-ops for the engine; the applied index
	// still has to advance durably.
	if batchedThrough.AppliedIndex > d.st.AppliedIndex {
		b := a.eng.NewBatch()
		SetState(b, uint64(d.region.ID), batchedThrough)
		if err := a.eng.ApplyBatch(b); err != nil {
			res.Fatal = err
			return res
		}
		d.st = batchedThrough
	}
	res.AppliedIndex = d.st.AppliedIndex
	res.AppliedTerm = d.st.AppliedTerm
	return res
}

func (a *Applier) applyNormal(d *delegate, cmd *command.Command, batch engine.Batch, er *EntryResult) {
	switch cmd.Kind {
	case command.KindWrite:
		// Writes only require the range to be unchanged; membership changes
		// do not invalidate them.
		if cmd.Epoch.Version != d.region.Epoch.Version {
			er.Rejected = ErrEpochStale
			return
		}
		if d.region.State == regionpkg.StateMerging {
			er.Rejected = ErrEpochStale
			return
		}
		for _, op := range cmd.Writes {
			switch op.Type {
			case command.OpPut:
				batch.Put(keys.DataKey(op.Key), op.Value)
				er.WriteBytes += uint64(len(op.Key) + len(op.Value))
				er.WriteKeys++
			case command.OpDelete:
				batch.Delete(keys.DataKey(op.Key))
				er.WriteKeys++
			}
		}
	case command.KindBarrier:
		// Majority-acknowledged fence; no engine effect.
	default:
		er.Rejected = fmt.Errorf("unexpected command kind in write path: %s", cmd.Kind)
	}
}

func (a *Applier) applyAdmin(d *delegate, cmd *command.Command, batch engine.Batch, er *EntryResult) {
	if cmd.Epoch.Version != d.region.Epoch.Version || cmd.Epoch.ConfVersion != d.region.Epoch.ConfVersion {
		er.Rejected = ErrEpochStale
		return
	}

	switch cmd.Kind {
	case command.KindSplit:
		a.applySplit(d, cmd.Split, batch, er)
	case command.KindPrepareMerge:
		d.region.State = regionpkg.StateMerging
		d.region.Epoch.Version++
		SetRegionState(batch, d.region)
		er.PreparedMerge = true
		rc := d.region.Clone()
		er.Region = &rc
	case command.KindRollbackMerge:
		d.region.State = regionpkg.StateActive
		d.region.Epoch.Version++
		SetRegionState(batch, d.region)
		er.RolledBack = true
		rc := d.region.Clone()
		er.Region = &rc
	case command.KindCommitMerge:
		a.applyCommitMerge(d, cmd.CommitMerge, batch, er)
	}
}

func (a *Applier) applySplit(d *delegate, req *command.SplitRequest, batch engine.Batch, er *EntryResult) {
	if !d.region.ContainsKey(req.SplitKey) {
		er.Rejected = fmt.Errorf("split key out of range: %w", ErrEpochStale)
		return
	}
	if len(req.NewPeerIDs) != len(d.region.Peers) {
		er.Rejected = fmt.Errorf("split peer id count %d != peer count %d", len(req.NewPeerIDs), len(d.region.Peers))
		return
	}

	parent := d.region.Clone()
	child := regionpkg.Region{
		ID:    regionpkg.ID(req.NewRegionID),
		Range: regionpkg.KeyRange{Start: append([]byte(nil), req.SplitKey...), End: parent.Range.End},
		Epoch: regionpkg.Epoch{Version: parent.Epoch.Version + 1, ConfVersion: parent.Epoch.ConfVersion},
		State: regionpkg.StateActive,
	}
	// Fresh peer identities for the carved-off portion, same store placement.
	for i, p := range parent.Peers {
		child.Peers = append(child.Peers, regionpkg.Peer{ID: req.NewPeerIDs[i], StoreID: p.StoreID, Role: p.Role})
	}

	parent.Range.End = append([]byte(nil), req.SplitKey...)
	parent.Epoch.Version++

	SetRegionState(batch, parent)
	SetRegionState(batch, child)
	// The child's apply state starts at zero; its raft group is brand new.
	SetState(batch, uint64(child.ID), State{})

	d.region = parent
	er.Split = &SplitResult{Parent: parent.Clone(), Child: child.Clone()}
	rc := d.region.Clone()
	er.Region = &rc
}

func (a *Applier) applyCommitMerge(d *delegate, req *command.CommitMergeRequest, batch engine.Batch, er *EntryResult) {
	source, found, err := LoadRegionState(a.eng, req.SourceRegionID)
	if err != nil {
		er.Rejected = err
		return
	}
	// Epoch comparison is authoritative: if the source moved past the epoch
	// the merge was planned against (e.g. a newer election won a conflicting
	// change), the merge aborts; the proposer retries.
	if !found || source.Epoch != req.SourceEpoch {
		er.Rejected = ErrMergeSourceMoved
		return
	}
	if !source.Range.AdjacentBefore(d.region.Range) && !d.region.Range.AdjacentBefore(source.Range) {
		er.Rejected = fmt.Errorf("merge regions not adjacent: %w", ErrMergeSourceMoved)
		return
	}

	target := d.region.Clone()
	if source.Range.AdjacentBefore(target.Range) {
		target.Range.Start = append([]byte(nil), source.Range.Start...)
	} else {
		target.Range.End = append([]byte(nil), source.Range.End...)
	}
	if source.Epoch.Version > target.Epoch.Version {
		target.Epoch.Version = source.Epoch.Version
	}
	target.Epoch.Version++

	SetRegionState(batch, target)
	SetTombstone(batch, source)

	d.region = target
	er.Merge = &MergeResult{Target: target.Clone(), SourceID: source.ID}
	rc := d.region.Clone()
	er.Region = &rc
}

func (a *Applier) applyConfChange(d *delegate, cc *raftpb.ConfChange, batch engine.Batch, er *EntryResult) {
	ctx, err := command.UnmarshalConfChangeContext(cc.Context)
	if err != nil {
		er.Rejected = fmt.Errorf("conf change without context: %w", err)
		// Still surface the conf change so raft's view stays consistent.
		er.ConfChange = cc
		return
	}
	if ctx.Epoch.ConfVersion != d.region.Epoch.ConfVersion {
		er.Rejected = ErrEpochStale
		er.ConfChange = cc
		return
	}

	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		if p, ok := d.region.PeerByID(cc.NodeID); ok {
			// Learner promotion keeps the id, flips the role.
			p.Role = regionpkg.Voter
			d.region.RemovePeer(cc.NodeID)
			d.region.Peers = append(d.region.Peers, p)
		} else {
			d.region.Peers = append(d.region.Peers, regionpkg.Peer{ID: cc.NodeID, StoreID: ctx.Peer.StoreID, Role: regionpkg.Voter})
		}
	case raftpb.ConfChangeAddLearnerNode:
		if _, ok := d.region.PeerByID(cc.NodeID); !ok {
			d.region.Peers = append(d.region.Peers, regionpkg.Peer{ID: cc.NodeID, StoreID: ctx.Peer.StoreID, Role: regionpkg.Learner})
		}
	case raftpb.ConfChangeRemoveNode:
		d.region.RemovePeer(cc.NodeID)
	}
	d.region.Epoch.ConfVersion++
	SetRegionState(batch, d.region)

	er.ConfChange = cc
	er.ConfChangePeer = ctx.Peer
	rc := d.region.Clone()
	er.Region = &rc
}
