package store

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"rangekv/internal/apply"
	"rangekv/internal/command"
	"rangekv/internal/peer"
	regionpkg "rangekv/internal/region"
	"rangekv/internal/transport"
)

type msgKind int8

const (
	msgTick msgKind = iota
	msgRaft
	msgPropose
	msgRead
	msgApplyRes
	msgConfChange
	msgTransferLeader
	msgCampaign
	msgSnapGenerated
	msgReportSnap
	msgSplitCheck
	msgHeartbeat
)

type proposeMsg struct {
	cmd *command.Command
	cb  peer.Callback
}

type confChangeMsg struct {
	typ    raftpb.ConfChangeType
	target regionpkg.Peer
	cb     peer.Callback
}

type readMsg struct {
	key   []byte
	start []byte
	end   []byte
	limit int
	scan  bool
	cb    func(readResult)
}

type readResult struct {
	value []byte
	pairs []KeyValue
	err   error
}

type reportSnapMsg struct {
	toPeer uint64
	status raft.SnapshotStatus
}

// peerMsg is one unit of mailbox work. Exactly the fields matching kind are
// set.
type peerMsg struct {
	kind       msgKind
	raft       transport.Message
	propose    proposeMsg
	read       readMsg
	applyRes   apply.Result
	confChange confChangeMsg
	transferTo uint64
	snap       raftpb.Snapshot
	reportSnap reportSnapMsg
	forceSplit bool
}

// mailbox is the bounded inbox of one region's peer. The scheduled flag
// guarantees at most one worker processes a mailbox at a time, which is what
// makes the unlocked Peer safe.
type mailbox struct {
	regionID  regionpkg.ID
	queue     chan peerMsg
	scheduled int32
}

type rangeItem struct {
	start []byte
	id    regionpkg.ID
}

func rangeItemLess(a, b rangeItem) bool {
	return bytes.Compare(a.start, b.start) < 0
}

// router owns the region routing table and the mailbox scheduling queue.
// Mailboxes exist for every local peer; the range tree only covers
// initialized regions whose boundaries are known.
type router struct {
	logger     *zap.Logger
	queueDepth int

	mu        sync.RWMutex
	mailboxes map[regionpkg.ID]*mailbox
	regions   map[regionpkg.ID]regionpkg.Region
	tree      *btree.BTreeG[rangeItem]

	readyCh chan *mailbox
}

func newRouter(queueDepth int, logger *zap.Logger) *router {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &router{
		logger:     logger.Named("router"),
		queueDepth: queueDepth,
		mailboxes:  make(map[regionpkg.ID]*mailbox),
		regions:    make(map[regionpkg.ID]regionpkg.Region),
		tree:       btree.NewG[rangeItem](16, rangeItemLess),
		// Buffered wide enough that schedule never blocks: every mailbox
		// appears at most once thanks to the scheduled flag.
		readyCh: make(chan *mailbox, 4096),
	}
}

// register creates the mailbox for a region's local peer. Announce must be
// called separately once the region's boundaries are authoritative.
func (r *router) register(id regionpkg.ID) *mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mb, ok := r.mailboxes[id]; ok {
		return mb
	}
	mb := &mailbox{regionID: id, queue: make(chan peerMsg, r.queueDepth)}
	r.mailboxes[id] = mb
	return mb
}

// announce publishes or refreshes a region's boundaries in the range tree.
// Stale overlapping descriptors are evicted so a key routes to exactly one
// region.
func (r *router) announce(rg regionpkg.Region) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.regions[rg.ID]; ok && !bytes.Equal(old.Range.Start, rg.Range.Start) {
		r.tree.Delete(rangeItem{start: old.Range.Start})
	}
	for {
		var stale *rangeItem
		r.tree.AscendGreaterOrEqual(rangeItem{start: rg.Range.Start}, func(item rangeItem) bool {
			if len(rg.Range.End) > 0 && bytes.Compare(item.start, rg.Range.End) >= 0 {
				return false
			}
			if item.id != rg.ID {
				stale = &item
				return false
			}
			return true
		})
		if stale == nil {
			break
		}
		old := r.regions[stale.id]
		if old.Epoch.Newer(rg.Epoch) {
			// The overlapping region is ahead; keep it and skip this
			// announcement. Happens transiently during splits.
			r.logger.Debug("announce skipped, newer overlapping region present",
				zap.Uint64("region", uint64(rg.ID)),
				zap.Uint64("existing", uint64(stale.id)))
			return
		}
		r.tree.Delete(*stale)
		delete(r.regions, stale.id)
	}
	r.regions[rg.ID] = rg.Clone()
	r.tree.ReplaceOrInsert(rangeItem{start: rg.Range.Start, id: rg.ID})
}

// unregister removes a region's mailbox and routing entry.
func (r *router) unregister(id regionpkg.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rg, ok := r.regions[id]; ok {
		item, found := r.tree.Get(rangeItem{start: rg.Range.Start})
		if found && item.id == id {
			r.tree.Delete(item)
		}
		delete(r.regions, id)
	}
	delete(r.mailboxes, id)
}

// regionForKey routes a key to the initialized region covering it.
func (r *router) regionForKey(key []byte) (regionpkg.Region, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out regionpkg.Region
	found := false
	r.tree.DescendLessOrEqual(rangeItem{start: key}, func(item rangeItem) bool {
		rg := r.regions[item.id]
		if rg.ContainsKey(key) {
			out = rg.Clone()
			found = true
		}
		return false
	})
	return out, found
}

// region returns the routing view of a region.
func (r *router) region(id regionpkg.ID) (regionpkg.Region, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rg, ok := r.regions[id]
	if !ok {
		return regionpkg.Region{}, false
	}
	return rg.Clone(), true
}

// regionIDs lists every region with a mailbox.
func (r *router) regionIDs() []regionpkg.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regionpkg.ID, 0, len(r.mailboxes))
	for id := range r.mailboxes {
		out = append(out, id)
	}
	return out
}

func (r *router) mailbox(id regionpkg.ID) *mailbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mailboxes[id]
}

// send enqueues a message for a region and schedules its mailbox.
func (r *router) send(id regionpkg.ID, msg peerMsg) error {
	mb := r.mailbox(id)
	if mb == nil {
		return ErrRegionNotFound
	}
	select {
	case mb.queue <- msg:
	default:
		return ErrMailboxFull
	}
	r.schedule(mb)
	return nil
}

// broadcast enqueues a message for every region, dropping on full mailboxes.
func (r *router) broadcast(msg peerMsg) {
	r.mu.RLock()
	boxes := make([]*mailbox, 0, len(r.mailboxes))
	for _, mb := range r.mailboxes {
		boxes = append(boxes, mb)
	}
	r.mu.RUnlock()
	for _, mb := range boxes {
		select {
		case mb.queue <- msg:
			r.schedule(mb)
		default:
		}
	}
}

// schedule hands the mailbox to a worker unless it is already queued or
// running. Edge triggered: the worker re-checks the queue before clearing
// the flag.
func (r *router) schedule(mb *mailbox) {
	if atomic.CompareAndSwapInt32(&mb.scheduled, 0, 1) {
		r.readyCh <- mb
	}
}

// finish clears the scheduled flag and re-schedules when messages raced in
// after the drain.
func (r *router) finish(mb *mailbox) {
	atomic.StoreInt32(&mb.scheduled, 0)
	if len(mb.queue) > 0 {
		r.schedule(mb)
	}
}
