// Package store is the multi-raft runtime of one server: it hosts a peer per
// local region, routes messages and proposals to mailboxes, drives the raft
// ready loops on a worker pool, and coordinates splits, merges, snapshots,
// and placement-driver scheduling.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"rangekv/internal/apply"
	"rangekv/internal/backup"
	"rangekv/internal/config"
	"rangekv/internal/engine"
	"rangekv/internal/keys"
	"rangekv/internal/observability/metrics"
	"rangekv/internal/pd"
	"rangekv/internal/peer"
	"rangekv/internal/raftlog"
	regionpkg "rangekv/internal/region"
	"rangekv/internal/snapshot"
	"rangekv/internal/transport"
)

const (
	raftWorkers      = 4
	mailboxBatchSize = 128
	// promoteEvery spaces learner promotion and log compaction checks out to
	// every Nth tick.
	promoteEvery = 10

	// initLogIndex and initLogTerm seed every brand-new raft group. Starting
	// the log past zero means a replica created by an inbound message (empty
	// log, no local region state) can never be caught up by log replay alone:
	// the leader's first index is always ahead, forcing a snapshot, and the
	// snapshot is what carries the region state that initializes the replica.
	initLogIndex = 5
	initLogTerm  = 5
)

// peerHandle wraps a peer with the store-side bookkeeping that outlives a
// single mailbox pass. The atomics are the only fields touched off-worker.
type peerHandle struct {
	p *peer.Peer

	gone      int32
	leader    int32
	snapGen   int32
	splitting int32

	approxBytes uint64
	approxKeys  uint64

	ticks uint64
}

// Store hosts every region peer of one server.
type Store struct {
	cfg     *config.ServerConfig
	storeID uint64
	logger  *zap.Logger

	eng     engine.Engine
	raftDB  *raftlog.Store
	applier *apply.Applier
	snaps   *snapshot.Manager
	backup  *backup.Engine
	pdc     pd.Client
	trans   transport.Transport

	router  *router
	peersMu sync.RWMutex
	peers   map[regionpkg.ID]*peerHandle

	metrics     *metrics.StoreCollector
	regionCount int64
	leaderCount int64

	dirLock  *flock.Flock
	stopC    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ transport.Handler = (*Store)(nil)

// New assembles a store over its storage collaborators. The transport must be
// attached with SetTransport before Start; it usually needs the store as its
// inbound handler, hence the two-step wiring.
func New(cfg *config.ServerConfig, eng engine.Engine, raftDB *raftlog.Store, snaps *snapshot.Manager,
	backupEng *backup.Engine, pdc pd.Client, collector *metrics.StoreCollector, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = metrics.NewStoreCollector(prometheus.NewRegistry(), "")
	}
	s := &Store{
		cfg:     cfg,
		storeID: cfg.StoreID,
		logger:  logger.Named("store").With(zap.Uint64("store", cfg.StoreID)),
		eng:     eng,
		raftDB:  raftDB,
		snaps:   snaps,
		backup:  backupEng,
		pdc:     pdc,
		peers:   make(map[regionpkg.ID]*peerHandle),
		metrics: collector,
		stopC:   make(chan struct{}),
	}
	s.router = newRouter(cfg.Apply.QueueDepth, s.logger)
	s.applier = apply.NewApplier(eng, cfg.ApplierConfig(), s.logger, s.onApplyResult)
	return s
}

// SetTransport attaches the outbound transport. Must be called before Start.
func (s *Store) SetTransport(t transport.Transport) { s.trans = t }

// ID returns the store id.
func (s *Store) ID() uint64 { return s.storeID }

// Regions lists the initialized regions hosted on this store.
func (s *Store) Regions() []regionpkg.Region {
	var out []regionpkg.Region
	for _, id := range s.router.regionIDs() {
		if rg, ok := s.router.region(id); ok {
			out = append(out, rg)
		}
	}
	return out
}

// Start locks the data directory, recovers local peers, and launches the
// worker pool and background loops.
func (s *Store) Start() error {
	if s.trans == nil {
		return fmt.Errorf("store %d: no transport attached", s.storeID)
	}
	if s.cfg.Data.Dir != "" {
		if err := os.MkdirAll(s.cfg.Data.Dir, 0o755); err != nil {
			return err
		}
		s.dirLock = flock.New(filepath.Join(s.cfg.Data.Dir, "LOCK"))
		held, err := s.dirLock.TryLock()
		if err != nil {
			return fmt.Errorf("lock data dir: %w", err)
		}
		if !held {
			return fmt.Errorf("data dir %s is locked by another process", s.cfg.Data.Dir)
		}
	}

	s.applier.Start()
	if err := s.recover(); err != nil {
		return err
	}

	for i := 0; i < raftWorkers; i++ {
		s.wg.Add(1)
		go s.runWorker()
	}
	s.wg.Add(1)
	go s.runTickLoop()
	s.wg.Add(1)
	go s.runHeartbeatLoop()
	s.wg.Add(1)
	go s.runSplitCheckLoop()
	if s.backup != nil {
		s.wg.Add(1)
		go s.runBackupLoop()
	}
	s.logger.Info("store started", zap.Int("regions", len(s.router.regionIDs())))
	return nil
}

// Close stops the loops and the apply pool. Storage collaborators are closed
// by whoever opened them.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopC) })
	s.wg.Wait()
	s.applier.Stop()
	if s.backup != nil {
		if err := s.backup.Close(); err != nil {
			s.logger.Warn("backup close", zap.Error(err))
		}
	}
	if s.dirLock != nil {
		_ = s.dirLock.Unlock()
	}
	return nil
}

func (s *Store) stopped() bool {
	select {
	case <-s.stopC:
		return true
	default:
		return false
	}
}

// recover rebuilds a peer for every non-tombstone region with a replica on
// this store.
func (s *Store) recover() error {
	regions, err := apply.ListRegionStates(s.eng)
	if err != nil {
		return err
	}
	for _, rg := range regions {
		pr, ok := rg.PeerOnStore(s.storeID)
		if !ok {
			continue
		}
		if _, err := s.createPeer(rg, pr.ID, false, true); err != nil {
			return fmt.Errorf("region %d: recover peer: %w", rg.ID, err)
		}
	}
	return nil
}

// Bootstrap registers this store with the placement driver and, when the
// cluster is empty, creates the initial full-range region and campaigns for
// it. Losing the bootstrap race to another store is not an error.
func (s *Store) Bootstrap(ctx context.Context) error {
	info := pd.StoreInfo{ID: s.storeID, Address: s.cfg.GRPC.Address}
	booted, err := s.pdc.IsBootstrapped(ctx)
	if err != nil {
		return err
	}
	if booted {
		return s.pdc.PutStore(ctx, info)
	}

	first, err := s.pdc.AllocID(ctx, 2)
	if err != nil {
		return err
	}
	rg := regionpkg.Region{
		ID:    regionpkg.ID(first),
		Epoch: regionpkg.Epoch{Version: 1, ConfVersion: 1},
		Peers: []regionpkg.Peer{{ID: first + 1, StoreID: s.storeID, Role: regionpkg.Voter}},
		State: regionpkg.StateActive,
	}
	b := s.eng.NewBatch()
	apply.SetRegionState(b, rg)
	apply.SetState(b, uint64(rg.ID), apply.State{})
	if err := s.eng.ApplyBatch(b); err != nil {
		return err
	}

	if err := s.pdc.Bootstrap(ctx, info, rg); err != nil {
		if errors.Is(err, pd.ErrAlreadyBootstrapped) {
			// Another store won; discard the local region.
			tb := s.eng.NewBatch()
			apply.SetTombstone(tb, rg)
			if applyErr := s.eng.ApplyBatch(tb); applyErr != nil {
				return applyErr
			}
			return s.pdc.PutStore(ctx, info)
		}
		return err
	}
	if _, err := s.createPeer(rg, first+1, true, true); err != nil {
		return err
	}
	s.logger.Info("bootstrapped cluster", zap.Uint64("region", uint64(rg.ID)))
	return s.router.send(rg.ID, peerMsg{kind: msgCampaign})
}

func confStateOf(rg regionpkg.Region) raftpb.ConfState {
	var cs raftpb.ConfState
	for _, p := range rg.Peers {
		if p.Role == regionpkg.Learner {
			cs.Learners = append(cs.Learners, p.ID)
		} else {
			cs.Voters = append(cs.Voters, p.ID)
		}
	}
	return cs
}

// createPeer builds and registers the local peer of a region. seedConf is set
// for brand-new raft groups (bootstrap, split children) whose membership is
// not yet in the log store.
func (s *Store) createPeer(rg regionpkg.Region, peerID uint64, seedConf, announce bool) (*peerHandle, error) {
	ls, err := s.raftDB.Region(rg.ID)
	if err != nil {
		return nil, err
	}
	if seedConf {
		err := ls.ApplySnapshot(raftpb.SnapshotMetadata{
			Index:     initLogIndex,
			Term:      initLogTerm,
			ConfState: confStateOf(rg),
		})
		if err != nil && !errors.Is(err, raft.ErrSnapOutOfDate) {
			return nil, err
		}
		if err == nil {
			hs := raftpb.HardState{Term: initLogTerm, Commit: initLogIndex}
			if err := ls.SetHardState(hs); err != nil {
				return nil, err
			}
		}
	}
	st, err := apply.LoadState(s.eng, uint64(rg.ID))
	if err != nil {
		return nil, err
	}
	p, err := peer.New(s.cfg.PeerConfig(), rg, peerID, ls, st.AppliedIndex, s.logger)
	if err != nil {
		return nil, err
	}
	ph := &peerHandle{p: p}

	s.peersMu.Lock()
	if existing, ok := s.peers[rg.ID]; ok {
		s.peersMu.Unlock()
		return existing, nil
	}
	s.peers[rg.ID] = ph
	s.peersMu.Unlock()

	s.router.register(rg.ID)
	if announce {
		s.router.announce(rg)
	}
	atomic.AddInt64(&s.regionCount, 1)
	s.metrics.Regions.Inc()
	return ph, nil
}

// createUninitializedPeer registers a message-created peer whose boundaries
// are unknown until a snapshot arrives. It stays out of the routing tree.
func (s *Store) createUninitializedPeer(id regionpkg.ID, peerID uint64) (*peerHandle, error) {
	rg := regionpkg.Region{
		ID:    id,
		Peers: []regionpkg.Peer{{ID: peerID, StoreID: s.storeID}},
	}
	return s.createPeer(rg, peerID, false, false)
}

func (s *Store) handle(id regionpkg.ID) *peerHandle {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return s.peers[id]
}

// HandleRaftMessage is the transport inbound path. It never blocks: full
// mailboxes drop, raft retries.
func (s *Store) HandleRaftMessage(msg transport.Message) {
	if s.stopped() || msg.ToStore != s.storeID {
		return
	}
	id := regionpkg.ID(msg.RegionID)

	if msg.Raft.Type == raftpb.MsgSnap {
		// The payload travels ahead of the MsgSnap; hold the message off
		// until the verified file is local, the sender retries meanwhile.
		meta, err := snapshot.DecodeMeta(msg.Raft.Snapshot.Data)
		if err != nil || !s.snaps.Ready(meta) {
			s.metrics.MessagesDrop.Inc()
			return
		}
	}

	if s.handle(id) == nil {
		if !createsPeer(msg.Raft.Type) {
			return
		}
		if _, err := s.createUninitializedPeer(id, msg.ToPeer); err != nil {
			s.logger.Warn("create peer for inbound message",
				zap.Uint64("region", msg.RegionID), zap.Error(err))
			return
		}
	}
	if err := s.router.send(id, peerMsg{kind: msgRaft, raft: msg}); err != nil {
		s.metrics.MessagesDrop.Inc()
	}
}

// createsPeer reports whether an inbound message type justifies creating a
// replica that does not exist yet.
func createsPeer(t raftpb.MessageType) bool {
	switch t {
	case raftpb.MsgHeartbeat, raftpb.MsgApp, raftpb.MsgSnap, raftpb.MsgVote, raftpb.MsgPreVote:
		return true
	}
	return false
}

func (s *Store) onApplyResult(res apply.Result) {
	if err := s.router.send(res.RegionID, peerMsg{kind: msgApplyRes, applyRes: res}); err != nil {
		if errors.Is(err, ErrMailboxFull) {
			go s.retryApplyResult(res)
		}
	}
}

// retryApplyResult keeps re-offering an apply result to a saturated mailbox.
// Results cannot be dropped: proposal callbacks and region metadata updates
// ride on them.
func (s *Store) retryApplyResult(res apply.Result) {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			err := s.router.send(res.RegionID, peerMsg{kind: msgApplyRes, applyRes: res})
			if err == nil || !errors.Is(err, ErrMailboxFull) {
				return
			}
		case <-s.stopC:
			return
		}
	}
}

func (s *Store) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case mb := <-s.router.readyCh:
			s.processMailbox(mb)
			s.router.finish(mb)
		case <-s.stopC:
			return
		}
	}
}

func (s *Store) processMailbox(mb *mailbox) {
	ph := s.handle(mb.regionID)
	if ph == nil {
		s.drainMailbox(mb)
		return
	}
	// Proposals collected across the drain are admitted in one batch so the
	// peer can fold them into a single propose call, in submission order.
	var pending []proposeMsg
drain:
	for i := 0; i < mailboxBatchSize; i++ {
		select {
		case m := <-mb.queue:
			if m.kind == msgPropose {
				pending = append(pending, m.propose)
				continue
			}
			s.handlePeerMsg(ph, m)
			if atomic.LoadInt32(&ph.gone) == 1 {
				for _, pm := range pending {
					pm.cb(peer.ErrPeerDestroyed)
				}
				s.drainMailbox(mb)
				return
			}
		default:
			break drain
		}
	}
	s.flushProposals(ph, pending)
	if ph.p.HasReady() {
		s.handleReady(ph)
	}
	// Raft may have asked for a snapshot during a Step that produced no
	// Ready; the request flag is polled here, not only after a Ready.
	if ph.p.WantsSnapshot() {
		s.maybeGenerateSnapshot(ph)
	}
}

// drainMailbox flushes messages addressed to a destroyed peer so blocked
// proposers get an answer.
func (s *Store) drainMailbox(mb *mailbox) {
	for {
		select {
		case m := <-mb.queue:
			switch m.kind {
			case msgPropose:
				m.propose.cb(peer.ErrPeerDestroyed)
			case msgRead:
				m.read.cb(readResult{err: peer.ErrPeerDestroyed})
			case msgConfChange:
				m.confChange.cb(peer.ErrPeerDestroyed)
			}
		default:
			return
		}
	}
}

func (s *Store) handlePeerMsg(ph *peerHandle, m peerMsg) {
	p := ph.p
	switch m.kind {
	case msgTick:
		p.Tick()
		ph.ticks++
		if ph.ticks%promoteEvery == 0 && p.IsLeader() {
			p.MaybePromoteLearners()
			if err := p.MaybeCompact(s.cfg.Raft.LogRetain); err != nil &&
				!errors.Is(err, raft.ErrCompacted) {
				s.logger.Warn("log compaction", zap.Uint64("region", uint64(p.RegionID())), zap.Error(err))
			}
		}
	case msgRaft:
		if err := p.Step(m.raft.Raft); err != nil {
			s.logger.Debug("step raft message",
				zap.Uint64("region", m.raft.RegionID),
				zap.String("type", m.raft.Raft.Type.String()),
				zap.Error(err))
		}
	case msgPropose:
		// Normally coalesced by processMailbox; this path serves stray
		// proposals routed outside a drain pass.
		s.flushProposals(ph, []proposeMsg{m.propose})
	case msgRead:
		s.handleRead(ph, m.read)
	case msgApplyRes:
		out := p.OnApplyResult(m.applyRes)
		s.metrics.AppliedEntriesTotal.Add(float64(len(m.applyRes.Entries)))
		s.accumulateStats(ph, m.applyRes)
		s.handleApplyOutcome(ph, out)
	case msgConfChange:
		p.ProposeConfChange(m.confChange.typ, m.confChange.target, s.countRejected(m.confChange.cb))
	case msgTransferLeader:
		p.TransferLeader(m.transferTo)
	case msgCampaign:
		if err := p.Campaign(); err != nil {
			s.logger.Warn("campaign", zap.Uint64("region", uint64(p.RegionID())), zap.Error(err))
		}
	case msgSnapGenerated:
		p.SetSnapshot(m.snap)
	case msgReportSnap:
		p.ReportSnapshot(m.reportSnap.toPeer, m.reportSnap.status)
	case msgSplitCheck:
		s.checkSplit(ph, m.forceSplit)
	case msgHeartbeat:
		s.regionHeartbeat(ph)
	}
}

// flushProposals hands one batch window of proposals to the peer.
func (s *Store) flushProposals(ph *peerHandle, pending []proposeMsg) {
	if len(pending) == 0 {
		return
	}
	props := make([]peer.Proposal, len(pending))
	for i, pm := range pending {
		s.metrics.ProposalsTotal.Inc()
		props[i] = peer.Proposal{Cmd: pm.cmd, Cb: s.countRejected(pm.cb)}
	}
	ph.p.ProposeBatch(props)
}

func (s *Store) countRejected(cb peer.Callback) peer.Callback {
	return func(err error) {
		if err != nil {
			s.metrics.ProposalsRejected.Inc()
		}
		cb(err)
	}
}

func (s *Store) accumulateStats(ph *peerHandle, res apply.Result) {
	var bytes, keysN uint64
	for i := range res.Entries {
		bytes += res.Entries[i].WriteBytes
		keysN += res.Entries[i].WriteKeys
		if res.Entries[i].Rejected != nil {
			s.metrics.ApplyRejectedTotal.Inc()
		}
	}
	if bytes > 0 {
		atomic.AddUint64(&ph.approxBytes, bytes)
	}
	if keysN > 0 {
		atomic.AddUint64(&ph.approxKeys, keysN)
	}
}

// handleReady runs one raft ready pass: persist, install snapshots, send
// messages, hand committed entries to the apply pool, advance.
func (s *Store) handleReady(ph *peerHandle) {
	p := ph.p
	rd := p.Ready()
	s.metrics.ReadyHandledTotal.Inc()

	var hs *raftpb.HardState
	if !raft.IsEmptyHardState(rd.HardState) {
		h := rd.HardState
		hs = &h
	}
	if err := p.LogStore().SaveReady(hs, rd.Entries); err != nil {
		s.logger.Error("persist raft state",
			zap.Uint64("region", uint64(p.RegionID())), zap.Error(err))
		return
	}
	if !raft.IsEmptySnap(rd.Snapshot) {
		s.installSnapshot(ph, rd.Snapshot)
	}
	s.sendMessages(ph, rd.Messages)

	if len(rd.CommittedEntries) > 0 {
		if s.backup != nil && p.IsLeader() {
			if err := s.backup.Append(uint64(p.RegionID()), rd.CommittedEntries); err != nil {
				s.logger.Warn("backup append",
					zap.Uint64("region", uint64(p.RegionID())), zap.Error(err))
			}
		}
		ents := make([]raftpb.Entry, len(rd.CommittedEntries))
		copy(ents, rd.CommittedEntries)
		s.applier.Submit(apply.Task{RegionID: p.RegionID(), Entries: ents})
	}
	p.Advance(rd)
	s.trackLeadership(ph)
}

func (s *Store) trackLeadership(ph *peerHandle) {
	now := int32(0)
	if ph.p.IsLeader() {
		now = 1
	}
	was := atomic.SwapInt32(&ph.leader, now)
	switch {
	case now == 1 && was == 0:
		atomic.AddInt64(&s.leaderCount, 1)
		s.metrics.LeaderRegions.Inc()
	case now == 0 && was == 1:
		atomic.AddInt64(&s.leaderCount, -1)
		s.metrics.LeaderRegions.Dec()
	}
}

func (s *Store) sendMessages(ph *peerHandle, msgs []raftpb.Message) {
	if len(msgs) == 0 {
		return
	}
	p := ph.p
	rg := p.Region()
	batch := make([]transport.Message, 0, len(msgs))
	for _, m := range msgs {
		target, ok := rg.PeerByID(m.To)
		if !ok {
			s.metrics.MessagesDrop.Inc()
			continue
		}
		env := transport.Message{
			RegionID:  uint64(rg.ID),
			FromPeer:  p.ID(),
			FromStore: s.storeID,
			ToPeer:    m.To,
			ToStore:   target.StoreID,
			Raft:      m,
		}
		if m.Type == raftpb.MsgSnap {
			s.sendSnapshotMessage(rg.ID, env)
			continue
		}
		batch = append(batch, env)
	}
	if len(batch) == 0 {
		return
	}
	if err := s.trans.Send(batch); err != nil {
		s.logger.Debug("send raft messages", zap.Error(err))
	}
}

// sendSnapshotMessage streams the snapshot payload to the target store and
// only then forwards the MsgSnap, so the receiver finds the file ready.
func (s *Store) sendSnapshotMessage(id regionpkg.ID, env transport.Message) {
	meta, err := snapshot.DecodeMeta(env.Raft.Snapshot.Data)
	if err != nil {
		s.logger.Error("snapshot message without meta", zap.Uint64("region", env.RegionID), zap.Error(err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		err := s.trans.SendSnapshot(ctx, env.ToStore, meta)
		if err == nil {
			err = s.trans.Send([]transport.Message{env})
		}
		status := raft.SnapshotFinish
		if err != nil {
			status = raft.SnapshotFailure
			s.logger.Warn("snapshot transfer failed",
				zap.Uint64("region", env.RegionID),
				zap.Uint64("to_store", env.ToStore),
				zap.Error(err))
		}
		_ = s.router.send(id, peerMsg{kind: msgReportSnap, reportSnap: reportSnapMsg{toPeer: env.ToPeer, status: status}})
	}()
}

func (s *Store) installSnapshot(ph *peerHandle, snap raftpb.Snapshot) {
	p := ph.p
	meta, err := snapshot.DecodeMeta(snap.Data)
	if err != nil {
		s.logger.Error("decode snapshot meta", zap.Uint64("region", uint64(p.RegionID())), zap.Error(err))
		return
	}
	if err := s.snaps.Install(meta); err != nil {
		s.logger.Error("install snapshot", zap.Uint64("region", uint64(p.RegionID())), zap.Error(err))
		return
	}
	if err := p.LogStore().ApplySnapshot(snap.Metadata); err != nil {
		s.logger.Error("apply snapshot to raft log", zap.Uint64("region", uint64(p.RegionID())), zap.Error(err))
		return
	}
	p.SetRegion(meta.Region)
	// The old delegate's view of the region is gone; reload on next task.
	s.applier.Submit(apply.ResetTask(p.RegionID()))
	s.router.announce(meta.Region)
	s.snaps.Remove(meta)
	s.metrics.SnapshotsInstalled.Inc()
}

func (s *Store) maybeGenerateSnapshot(ph *peerHandle) {
	if !atomic.CompareAndSwapInt32(&ph.snapGen, 0, 1) {
		return
	}
	p := ph.p
	rg := p.Region()
	idx := p.AppliedIndex()
	if tr := p.LogStore().TruncatedIndex(); idx < tr {
		// Nothing applied yet on a freshly seeded group; snapshot at the
		// seed point.
		idx = tr
	}
	term, err := p.LogStore().Term(idx)
	if err != nil {
		atomic.StoreInt32(&ph.snapGen, 0)
		return
	}
	cs := p.LogStore().ConfState()
	go func() {
		defer atomic.StoreInt32(&ph.snapGen, 0)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		meta, err := s.snaps.Generate(ctx, rg, idx, term)
		if err != nil {
			s.logger.Warn("generate snapshot", zap.Uint64("region", uint64(rg.ID)), zap.Error(err))
			return
		}
		data, err := snapshot.EncodeMeta(meta)
		if err != nil {
			return
		}
		s.metrics.SnapshotsGenerated.Inc()
		_ = s.router.send(rg.ID, peerMsg{kind: msgSnapGenerated, snap: raftpb.Snapshot{
			Data:     data,
			Metadata: raftpb.SnapshotMetadata{Index: idx, Term: term, ConfState: cs},
		}})
	}()
}

// handleApplyOutcome folds region-shape changes back into the store: new
// split children, merged-away sources, membership updates, self-destruction.
func (s *Store) handleApplyOutcome(ph *peerHandle, out peer.ApplyOutcome) {
	if out.Fatal != nil {
		s.logger.Error("peer failed at apply, awaiting snapshot rebuild",
			zap.Uint64("region", uint64(ph.p.RegionID())), zap.Error(out.Fatal))
		return
	}
	for _, sp := range out.Splits {
		s.finishSplit(ph, sp)
		s.metrics.SplitsTotal.Inc()
	}
	for _, mg := range out.Merges {
		s.finishMerge(mg)
		s.metrics.MergesTotal.Inc()
	}
	s.router.announce(out.Region)
	if out.DestroySelf {
		s.destroyPeer(ph, true)
	}
}

func (s *Store) finishSplit(ph *peerHandle, sp apply.SplitResult) {
	atomic.StoreInt32(&ph.splitting, 0)
	// Shrink the parent's routing entry before the child claims its half.
	s.router.announce(sp.Parent)
	atomic.StoreUint64(&ph.approxBytes, atomic.LoadUint64(&ph.approxBytes)/2)
	atomic.StoreUint64(&ph.approxKeys, atomic.LoadUint64(&ph.approxKeys)/2)

	child := sp.Child
	pr, ok := child.PeerOnStore(s.storeID)
	if !ok {
		return
	}
	if existing := s.handle(child.ID); existing != nil {
		// A message-created placeholder beat the split; initialize it now.
		existing.p.SetRegion(child)
		if err := existing.p.LogStore().SetConfState(confStateOf(child)); err != nil {
			s.logger.Error("seed split child conf state", zap.Uint64("region", uint64(child.ID)), zap.Error(err))
			return
		}
		s.router.announce(child)
		return
	}
	if _, err := s.createPeer(child, pr.ID, true, true); err != nil {
		s.logger.Error("create split child", zap.Uint64("region", uint64(child.ID)), zap.Error(err))
		return
	}
	s.logger.Info("region split",
		zap.Uint64("parent", uint64(sp.Parent.ID)),
		zap.Uint64("child", uint64(child.ID)),
		zap.Binary("split_key", child.Range.Start))
	if ph.p.IsLeader() {
		// The parent's leader campaigns for the child so the carved-off
		// range is not leaderless for an election timeout.
		_ = s.router.send(child.ID, peerMsg{kind: msgCampaign})
	}
}

// finishMerge runs on the target's worker after a commit-merge applied. The
// subsumed source peer is dismantled; its data now belongs to the target, so
// only bookkeeping is removed.
func (s *Store) finishMerge(mg apply.MergeResult) {
	s.router.announce(mg.Target)

	s.peersMu.Lock()
	src := s.peers[mg.SourceID]
	delete(s.peers, mg.SourceID)
	s.peersMu.Unlock()
	if src == nil {
		return
	}
	atomic.StoreInt32(&src.gone, 1)
	src.p.Destroy()
	s.router.unregister(mg.SourceID)
	s.applier.Submit(apply.DestroyTask(mg.SourceID))
	if err := s.raftDB.Destroy(mg.SourceID); err != nil {
		s.logger.Warn("destroy merged region raft state",
			zap.Uint64("region", uint64(mg.SourceID)), zap.Error(err))
	}
	atomic.AddInt64(&s.regionCount, -1)
	s.metrics.Regions.Dec()
	if atomic.SwapInt32(&src.leader, 0) == 1 {
		atomic.AddInt64(&s.leaderCount, -1)
		s.metrics.LeaderRegions.Dec()
	}
	s.logger.Info("region merged",
		zap.Uint64("source", uint64(mg.SourceID)),
		zap.Uint64("target", uint64(mg.Target.ID)))
}

// destroyPeer removes a peer whose replica was conf-changed away. Its data
// range is cleared; the region lives on elsewhere.
func (s *Store) destroyPeer(ph *peerHandle, removeData bool) {
	p := ph.p
	id := p.RegionID()
	rg := p.Region()

	s.peersMu.Lock()
	delete(s.peers, id)
	s.peersMu.Unlock()
	atomic.StoreInt32(&ph.gone, 1)
	p.Destroy()
	s.router.unregister(id)
	s.applier.Submit(apply.DestroyTask(id))

	if removeData {
		b := s.eng.NewBatch()
		lo, hi := keys.DataRange(rg.Range.Start, rg.Range.End)
		b.DeleteRange(lo, hi)
		apply.SetTombstone(b, rg)
		if err := s.eng.ApplyBatch(b); err != nil {
			s.logger.Error("clear removed region data", zap.Uint64("region", uint64(id)), zap.Error(err))
		}
	}
	if err := s.raftDB.Destroy(id); err != nil {
		s.logger.Warn("destroy removed region raft state", zap.Uint64("region", uint64(id)), zap.Error(err))
	}
	atomic.AddInt64(&s.regionCount, -1)
	s.metrics.Regions.Dec()
	if atomic.SwapInt32(&ph.leader, 0) == 1 {
		atomic.AddInt64(&s.leaderCount, -1)
		s.metrics.LeaderRegions.Dec()
	}
	s.logger.Info("peer destroyed", zap.Uint64("region", uint64(id)))
}

func (s *Store) runTickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.router.broadcast(peerMsg{kind: msgTick})
		case <-s.stopC:
			return
		}
	}
}

func (s *Store) runSplitCheckLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.Region.SplitCheckIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.router.broadcast(peerMsg{kind: msgSplitCheck})
		case <-s.stopC:
			return
		}
	}
}

func (s *Store) runBackupLoop() {
	defer s.wg.Done()
	seal := time.NewTicker(time.Duration(s.cfg.Backup.SealIntervalMs) * time.Millisecond)
	defer seal.Stop()
	compact := time.NewTicker(time.Duration(s.cfg.Backup.CompactIntervalMs) * time.Millisecond)
	defer compact.Stop()
	for {
		select {
		case <-seal.C:
			before := s.backup.SegmentCount()
			if err := s.backup.SealAll(); err != nil {
				s.logger.Warn("backup seal", zap.Error(err))
			}
			if after := s.backup.SegmentCount(); after > before {
				s.metrics.BackupSegmentsSealed.Add(float64(after - before))
			}
		case <-compact.C:
			if err := s.backup.CompactAll(); err != nil {
				s.logger.Warn("backup compaction", zap.Error(err))
			}
		case <-s.stopC:
			return
		}
	}
}
