// Package peer wraps one raft.RawNode with the region-level state machine:
// proposal admission, callback tracking, membership changes, leader
// transfer, and the merge fence. A Peer is owned by a single store worker
// and is not safe for concurrent use; the router serialises all access.
package peer

import (
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"rangekv/internal/apply"
	"rangekv/internal/command"
	"rangekv/internal/raftlog"
	regionpkg "rangekv/internal/region"
)

// Config carries the raft tuning shared by every peer on a store.
type Config struct {
	StoreID         uint64
	ElectionTick    int
	HeartbeatTick   int
	MaxSizePerMsg   uint64
	MaxInflightMsgs int
	// LearnerPromotionGap is the maximum number of entries a learner may
	// trail the leader by and still be promoted to voter.
	LearnerPromotionGap uint64
}

// DefaultConfig mirrors the store-level defaults.
var DefaultConfig = Config{
	ElectionTick:        10,
	HeartbeatTick:       2,
	MaxSizePerMsg:       1 << 20,
	MaxInflightMsgs:     256,
	LearnerPromotionGap: 256,
}

func (c Config) withDefaults() Config {
	if c.ElectionTick == 0 {
		c.ElectionTick = DefaultConfig.ElectionTick
	}
	if c.HeartbeatTick == 0 {
		c.HeartbeatTick = DefaultConfig.HeartbeatTick
	}
	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = DefaultConfig.MaxSizePerMsg
	}
	if c.MaxInflightMsgs == 0 {
		c.MaxInflightMsgs = DefaultConfig.MaxInflightMsgs
	}
	if c.LearnerPromotionGap == 0 {
		c.LearnerPromotionGap = DefaultConfig.LearnerPromotionGap
	}
	return c
}

// Callback delivers the outcome of a proposal: nil once the command applied,
// or the rejection.
type Callback func(err error)

type proposal struct {
	index uint64
	term  uint64
	cb    Callback
}

// ApplyOutcome summarises what a batch of apply results changed, for the
// store to act on (routing table updates, peer creation, destruction).
type ApplyOutcome struct {
	Region      regionpkg.Region
	Splits      []apply.SplitResult
	Merges      []apply.MergeResult
	ConfChanged bool
	// DestroySelf is set when a conf change removed this very peer.
	DestroySelf bool
	Fatal       error
}

// Peer drives one region replica.
type Peer struct {
	cfg    Config
	peerID uint64
	region regionpkg.Region
	rn     *raft.RawNode
	ls     *raftlog.LogStore
	logger *zap.Logger

	lastIndex    uint64
	appliedIndex uint64
	term         uint64
	leader       uint64
	wasLeader    bool

	proposals        []proposal
	pendingConfIndex uint64

	transferTarget uint64
	transferTicks  int
}

// New builds a peer over its log store. The caller must have seeded the log
// store's conf state for brand-new regions (bootstrap, split children)
// before calling.
func New(cfg Config, r regionpkg.Region, peerID uint64, ls *raftlog.LogStore, appliedIndex uint64, logger *zap.Logger) (*Peer, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := &raft.Config{
		ID:              peerID,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         ls,
		Applied:         appliedIndex,
		MaxSizePerMsg:   cfg.MaxSizePerMsg,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
	}
	rn, err := raft.NewRawNode(rc)
	if err != nil {
		return nil, err
	}
	last, err := ls.LastIndex()
	if err != nil {
		return nil, err
	}
	hs, _, err := ls.InitialState()
	if err != nil {
		return nil, err
	}
	return &Peer{
		cfg:          cfg,
		peerID:       peerID,
		region:       r.Clone(),
		rn:           rn,
		ls:           ls,
		logger:       logger.Named("peer").With(zap.Uint64("region", uint64(r.ID)), zap.Uint64("peer", peerID)),
		lastIndex:    last,
		appliedIndex: appliedIndex,
		term:         hs.Term,
	}, nil
}

func (p *Peer) ID() uint64 { return p.peerID }

func (p *Peer) RegionID() regionpkg.ID { return p.region.ID }

// Region returns the peer's current metadata view.
func (p *Peer) Region() regionpkg.Region { return p.region.Clone() }

// SetRegion replaces the metadata view, e.g. after a snapshot install.
func (p *Peer) SetRegion(r regionpkg.Region) { p.region = r.Clone() }

func (p *Peer) AppliedIndex() uint64 { return p.appliedIndex }

func (p *Peer) LogStore() *raftlog.LogStore { return p.ls }

func (p *Peer) refreshStatus() {
	st := p.rn.BasicStatus()
	p.term = st.Term
	p.leader = st.Lead
}

// IsLeader reports whether this peer currently leads its group.
func (p *Peer) IsLeader() bool {
	return p.rn.BasicStatus().RaftState == raft.StateLeader
}

// LeaderPeer returns the best-known leader peer id, zero when unknown.
func (p *Peer) LeaderPeer() uint64 {
	return p.rn.BasicStatus().Lead
}

// LeaderHint resolves the current leader to its store for client redirects.
func (p *Peer) LeaderHint() (peerID, storeID uint64) {
	lead := p.LeaderPeer()
	if lead == 0 {
		return 0, 0
	}
	if pr, ok := p.region.PeerByID(lead); ok {
		return lead, pr.StoreID
	}
	return lead, 0
}

// Tick advances raft's logical clock and the transfer deadline.
func (p *Peer) Tick() {
	p.rn.Tick()
	if p.transferTarget != 0 {
		p.transferTicks--
		if !p.IsLeader() {
			// Transfer completed, the target took over.
			p.transferTarget = 0
		} else if p.transferTicks <= 0 {
			p.logger.Warn("leader transfer timed out", zap.Uint64("target", p.transferTarget))
			p.transferTarget = 0
		}
	}
}

// Campaign starts an election immediately, used for the bootstrap region and
// split children so the keyspace is not leaderless for a full election
// timeout.
func (p *Peer) Campaign() error { return p.rn.Campaign() }

// Step feeds an inbound raft message.
func (p *Peer) Step(m raftpb.Message) error { return p.rn.Step(m) }

// Proposal pairs a command with its completion callback for batch admission.
type Proposal struct {
	Cmd *command.Command
	Cb  Callback
}

// ProposeCommand stamps the command with the current epoch and proposes it.
// The callback fires once the command applies, or immediately on rejection.
func (p *Peer) ProposeCommand(cmd *command.Command, cb Callback) {
	p.refreshStatus()
	if err := p.admit(cmd); err != nil {
		cb(err)
		return
	}
	p.proposeEntry(cmd, cb)
}

// ProposeBatch admits one batch window of proposals together, preserving
// submission order. Consecutive write commands are folded into a single
// replicated entry, so the common all-writes window costs one propose call;
// admin commands keep an entry of their own.
func (p *Peer) ProposeBatch(props []Proposal) {
	p.refreshStatus()
	admitted := props[:0:0]
	for _, pr := range props {
		if err := p.admit(pr.Cmd); err != nil {
			pr.Cb(err)
			continue
		}
		admitted = append(admitted, pr)
	}
	for i := 0; i < len(admitted); {
		if admitted[i].Cmd.Kind != command.KindWrite {
			p.proposeEntry(admitted[i].Cmd, admitted[i].Cb)
			i++
			continue
		}
		j := i + 1
		for j < len(admitted) && admitted[j].Cmd.Kind == command.KindWrite {
			j++
		}
		if j == i+1 {
			p.proposeEntry(admitted[i].Cmd, admitted[i].Cb)
			i = j
			continue
		}
		merged := &command.Command{Kind: command.KindWrite}
		cbs := make([]Callback, 0, j-i)
		for _, pr := range admitted[i:j] {
			merged.Writes = append(merged.Writes, pr.Cmd.Writes...)
			cbs = append(cbs, pr.Cb)
		}
		p.proposeEntry(merged, func(err error) {
			for _, cb := range cbs {
				cb(err)
			}
		})
		i = j
	}
}

func (p *Peer) admit(cmd *command.Command) error {
	if !p.IsLeader() {
		lead, store := p.LeaderHint()
		return &NotLeaderError{RegionID: uint64(p.region.ID), LeaderPeer: lead, LeaderStore: store}
	}
	if p.transferTarget != 0 {
		return ErrTransferringLeader
	}
	if p.region.State == regionpkg.StateMerging &&
		cmd.Kind != command.KindCommitMerge && cmd.Kind != command.KindRollbackMerge {
		return ErrMergePending
	}
	return nil
}

func (p *Peer) proposeEntry(cmd *command.Command, cb Callback) {
	cmd.RegionID = uint64(p.region.ID)
	cmd.Epoch = p.region.Epoch
	data, err := cmd.Marshal()
	if err != nil {
		cb(err)
		return
	}
	idx := p.lastIndex + 1
	if err := p.rn.Propose(data); err != nil {
		cb(err)
		return
	}
	p.lastIndex = idx
	p.proposals = append(p.proposals, proposal{index: idx, term: p.term, cb: cb})
}

// ProposeConfChange proposes a single-step membership change carrying the
// peer metadata and epoch in its context. One at a time: a second change is
// rejected until the first applies.
func (p *Peer) ProposeConfChange(typ raftpb.ConfChangeType, target regionpkg.Peer, cb Callback) {
	p.refreshStatus()
	if !p.IsLeader() {
		lead, store := p.LeaderHint()
		cb(&NotLeaderError{RegionID: uint64(p.region.ID), LeaderPeer: lead, LeaderStore: store})
		return
	}
	if p.pendingConfIndex > p.appliedIndex {
		cb(ErrPendingConfChange)
		return
	}
	ctx, err := command.MarshalConfChangeContext(command.ConfChangeContext{Peer: target, Epoch: p.region.Epoch})
	if err != nil {
		cb(err)
		return
	}
	cc := raftpb.ConfChange{Type: typ, NodeID: target.ID, Context: ctx}
	idx := p.lastIndex + 1
	if err := p.rn.ProposeConfChange(cc); err != nil {
		cb(err)
		return
	}
	p.lastIndex = idx
	p.pendingConfIndex = idx
	p.proposals = append(p.proposals, proposal{index: idx, term: p.term, cb: cb})
}

// TransferLeader hands leadership to another peer. A barrier entry is
// replicated first, so a majority has acknowledged everything proposed
// before the handoff; only once the barrier applies is the target told to
// campaign. Proposals are rejected from the moment the transfer starts until
// it completes or times out after two election timeouts.
func (p *Peer) TransferLeader(toPeer uint64) {
	p.refreshStatus()
	if !p.IsLeader() || toPeer == p.peerID || p.transferTarget != 0 {
		return
	}
	if _, ok := p.region.PeerByID(toPeer); !ok {
		return
	}
	p.transferTarget = toPeer
	p.transferTicks = 2 * p.cfg.ElectionTick

	barrier := command.NewBarrier(uint64(p.region.ID), p.region.Epoch)
	p.proposeEntry(barrier, func(err error) {
		if p.transferTarget != toPeer {
			// Timed out or superseded while the barrier was in flight.
			return
		}
		if err != nil {
			p.transferTarget = 0
			p.logger.Warn("leader transfer abandoned, barrier failed", zap.Error(err))
			return
		}
		p.rn.TransferLeader(toPeer)
		p.logger.Info("leader transfer started", zap.Uint64("target", toPeer))
	})
}

// MaybePromoteLearners proposes voter promotion for every learner whose
// match index is within the promotion gap of the leader's last index.
func (p *Peer) MaybePromoteLearners() {
	if !p.IsLeader() || p.pendingConfIndex > p.appliedIndex {
		return
	}
	st := p.rn.Status()
	for _, rp := range p.region.Peers {
		if rp.Role != regionpkg.Learner {
			continue
		}
		pr, ok := st.Progress[rp.ID]
		if !ok || pr.Match+p.cfg.LearnerPromotionGap < p.lastIndex {
			continue
		}
		promoted := rp
		promoted.Role = regionpkg.Voter
		p.ProposeConfChange(raftpb.ConfChangeAddNode, promoted, func(err error) {
			if err != nil {
				p.logger.Debug("learner promotion rejected", zap.Uint64("learner", promoted.ID), zap.Error(err))
			}
		})
		return // one conf change at a time
	}
}

// HasReady reports whether raft has work for the store loop.
func (p *Peer) HasReady() bool { return p.rn.HasReady() }

// Ready pulls the next raft.Ready and updates the peer's bookkeeping. On
// leadership loss every pending proposal fails over to the new leader hint.
func (p *Peer) Ready() raft.Ready {
	rd := p.rn.Ready()
	if !raft.IsEmptyHardState(rd.HardState) {
		p.term = rd.HardState.Term
	}
	if len(rd.Entries) > 0 {
		// A conflicting append from a newer leader truncates the suffix, so
		// this is an assignment, not a max.
		p.lastIndex = rd.Entries[len(rd.Entries)-1].Index
	}
	if !raft.IsEmptySnap(rd.Snapshot) {
		p.lastIndex = rd.Snapshot.Metadata.Index
	}
	if rd.SoftState != nil {
		p.leader = rd.SoftState.Lead
		isLeader := rd.SoftState.RaftState == raft.StateLeader
		if p.wasLeader && !isLeader {
			p.failAllProposals()
		}
		p.wasLeader = isLeader
	}
	return rd
}

// Advance acknowledges a processed Ready.
func (p *Peer) Advance(rd raft.Ready) { p.rn.Advance(rd) }

func (p *Peer) failAllProposals() {
	if len(p.proposals) == 0 {
		return
	}
	lead, store := p.LeaderHint()
	err := &NotLeaderError{RegionID: uint64(p.region.ID), LeaderPeer: lead, LeaderStore: store}
	p.logger.Debug("pending proposals failed over", zap.Int("count", len(p.proposals)))
	for _, pr := range p.proposals {
		pr.cb(err)
	}
	p.proposals = p.proposals[:0]
}

// Destroy fails whatever is still pending.
func (p *Peer) Destroy() {
	for _, pr := range p.proposals {
		pr.cb(ErrPeerDestroyed)
	}
	p.proposals = nil
}

// OnApplyResult folds a finished apply batch back into the peer: callbacks
// complete, conf changes reach the raft state machine, and region metadata
// catches up.
func (p *Peer) OnApplyResult(res apply.Result) ApplyOutcome {
	out := ApplyOutcome{Fatal: res.Fatal}

	for i := range res.Entries {
		er := &res.Entries[i]
		p.completeProposal(er)

		if er.ConfChange != nil {
			applied := *er.ConfChange
			if er.Rejected != nil {
				// An empty conf change tells raft to keep the config as is.
				applied = raftpb.ConfChange{}
			}
			cs := p.rn.ApplyConfChange(applied)
			if err := p.ls.SetConfState(*cs); err != nil {
				out.Fatal = err
				break
			}
			if er.Rejected == nil {
				out.ConfChanged = true
				if er.ConfChange.Type == raftpb.ConfChangeRemoveNode && er.ConfChange.NodeID == p.peerID {
					out.DestroySelf = true
				}
			}
		}
		if er.Split != nil {
			out.Splits = append(out.Splits, *er.Split)
		}
		if er.Merge != nil {
			out.Merges = append(out.Merges, *er.Merge)
		}
		if er.Region != nil {
			p.region = er.Region.Clone()
		}
	}

	if res.AppliedIndex > p.appliedIndex {
		p.appliedIndex = res.AppliedIndex
	}
	out.Region = p.region.Clone()
	return out
}

func (p *Peer) completeProposal(er *apply.EntryResult) {
	for len(p.proposals) > 0 && p.proposals[0].index < er.Index {
		// The log position this proposal occupied was consumed by a
		// different entry; its fate is unknown.
		p.proposals[0].cb(ErrStaleProposal)
		p.proposals = p.proposals[1:]
	}
	if len(p.proposals) == 0 || p.proposals[0].index != er.Index {
		return
	}
	pr := p.proposals[0]
	p.proposals = p.proposals[1:]
	if pr.term != er.Term {
		pr.cb(ErrStaleProposal)
		return
	}
	pr.cb(er.Rejected)
}

// ReportSnapshot tells raft how a snapshot transfer to a follower ended.
func (p *Peer) ReportSnapshot(to uint64, status raft.SnapshotStatus) {
	p.rn.ReportSnapshot(to, status)
}

// WantsSnapshot reports and clears the log store's pending snapshot request
// raised when a follower fell behind the compacted log.
func (p *Peer) WantsSnapshot() bool { return p.ls.TakeSnapshotRequest() }

// SetSnapshot installs a freshly generated snapshot for raft to retry the
// blocked MsgSnap.
func (p *Peer) SetSnapshot(snap raftpb.Snapshot) { p.ls.SetSnapshot(snap) }

// MaybeCompact truncates the raft log up to appliedIndex-retain once the
// retained tail exceeds the threshold.
func (p *Peer) MaybeCompact(retain uint64) error {
	if p.appliedIndex <= retain {
		return nil
	}
	target := p.appliedIndex - retain
	if target <= p.ls.TruncatedIndex() {
		return nil
	}
	return p.ls.Compact(target)
}
