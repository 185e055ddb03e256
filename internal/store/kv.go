package store

import (
	"bytes"
	"context"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"rangekv/internal/command"
	"rangekv/internal/keys"
	"rangekv/internal/peer"
	regionpkg "rangekv/internal/region"
)

// KeyValue is one scan result pair.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Put replicates a single-key write through the region covering key.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	return s.Write(ctx, command.Operation{Key: key, Value: value, Type: command.OpPut})
}

// Delete replicates a single-key delete.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	return s.Write(ctx, command.Operation{Key: key, Type: command.OpDelete})
}

// Write replicates a batch of mutations. Every key must fall in the same
// region; cross-region batches are the client layer's job to split.
func (s *Store) Write(ctx context.Context, ops ...command.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	rg, ok := s.router.regionForKey(ops[0].Key)
	if !ok {
		return &RegionMissingError{Key: ops[0].Key}
	}
	for _, op := range ops[1:] {
		if !rg.ContainsKey(op.Key) {
			return &EpochStaleError{RegionID: uint64(rg.ID), Version: rg.Epoch.Version}
		}
	}
	cmd := command.NewWrite(uint64(rg.ID), rg.Epoch, ops...)
	return s.proposeOn(ctx, rg.ID, cmd)
}

// Get reads a key on the region leader. The read reflects every write this
// leader has applied; engine.ErrKeyNotFound surfaces for missing keys.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	rg, ok := s.router.regionForKey(key)
	if !ok {
		return nil, &RegionMissingError{Key: key}
	}
	res, err := s.read(ctx, rg.ID, readMsg{key: key})
	if err != nil {
		return nil, err
	}
	return res.value, nil
}

// Scan returns up to limit pairs in [start, end) from the region covering
// start. The scan stops at the region boundary; the caller continues from
// the next region with a fresh call.
func (s *Store) Scan(ctx context.Context, start, end []byte, limit int) ([]KeyValue, error) {
	rg, ok := s.router.regionForKey(start)
	if !ok {
		return nil, &RegionMissingError{Key: start}
	}
	res, err := s.read(ctx, rg.ID, readMsg{start: start, end: end, limit: limit, scan: true})
	if err != nil {
		return nil, err
	}
	return res.pairs, nil
}

func (s *Store) read(ctx context.Context, id regionpkg.ID, rm readMsg) (readResult, error) {
	done := make(chan readResult, 1)
	rm.cb = func(res readResult) {
		select {
		case done <- res:
		default:
		}
	}
	if err := s.router.send(id, peerMsg{kind: msgRead, read: rm}); err != nil {
		return readResult{}, err
	}
	select {
	case res := <-done:
		return res, res.err
	case <-ctx.Done():
		return readResult{}, ctx.Err()
	case <-s.stopC:
		return readResult{}, ErrStopped
	}
}

// handleRead executes a leader-local read on the region's worker. Serialising
// reads through the same mailbox as apply results gives read-your-writes on
// the leader without a read index round.
func (s *Store) handleRead(ph *peerHandle, rm readMsg) {
	p := ph.p
	if !p.IsLeader() {
		lead, store := p.LeaderHint()
		rm.cb(readResult{err: &peer.NotLeaderError{
			RegionID:    uint64(p.RegionID()),
			LeaderPeer:  lead,
			LeaderStore: store,
		}})
		return
	}
	rg := p.Region()

	if !rm.scan {
		if !rg.ContainsKey(rm.key) {
			rm.cb(readResult{err: &EpochStaleError{RegionID: uint64(rg.ID), Version: rg.Epoch.Version}})
			return
		}
		v, err := s.eng.Get(keys.DataKey(rm.key))
		rm.cb(readResult{value: v, err: err})
		return
	}

	start := rm.start
	if bytes.Compare(start, rg.Range.Start) < 0 {
		start = rg.Range.Start
	}
	end := rg.Range.End
	if len(rm.end) > 0 && (len(end) == 0 || bytes.Compare(rm.end, end) < 0) {
		end = rm.end
	}
	lo, hi := keys.DataRange(start, end)
	it, err := s.eng.NewIterator(lo, hi)
	if err != nil {
		rm.cb(readResult{err: err})
		return
	}
	defer it.Close()

	var pairs []KeyValue
	for ; it.Valid(); it.Next() {
		if rm.limit > 0 && len(pairs) >= rm.limit {
			break
		}
		pairs = append(pairs, KeyValue{
			Key:   append([]byte(nil), keys.UserKey(it.Key())...),
			Value: append([]byte(nil), it.Value()...),
		})
	}
	rm.cb(readResult{pairs: pairs})
}

// proposeOn routes a command to a region's local peer and waits for the
// apply-time verdict.
func (s *Store) proposeOn(ctx context.Context, id regionpkg.ID, cmd *command.Command) error {
	done := make(chan error, 1)
	err := s.router.send(id, peerMsg{kind: msgPropose, propose: proposeMsg{
		cmd: cmd,
		cb: func(err error) {
			select {
			case done <- err:
			default:
			}
		},
	}})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopC:
		return ErrStopped
	}
}

// TransferLeader asks a region's local leader to hand off leadership.
func (s *Store) TransferLeader(regionID regionpkg.ID, toPeer uint64) error {
	return s.router.send(regionID, peerMsg{kind: msgTransferLeader, transferTo: toPeer})
}

// AddPeer proposes adding a replica on a store, joining as a learner.
func (s *Store) AddPeer(ctx context.Context, regionID regionpkg.ID, target regionpkg.Peer) error {
	return s.proposeConfChange(ctx, regionID, confChangeMsg{typ: raftpb.ConfChangeAddLearnerNode, target: target})
}

// AddVoter proposes adding a replica directly as a voter, used by tests and
// tooling that bypass the learner phase.
func (s *Store) AddVoter(ctx context.Context, regionID regionpkg.ID, target regionpkg.Peer) error {
	return s.proposeConfChange(ctx, regionID, confChangeMsg{typ: raftpb.ConfChangeAddNode, target: target})
}

// RemovePeer proposes removing a replica.
func (s *Store) RemovePeer(ctx context.Context, regionID regionpkg.ID, target regionpkg.Peer) error {
	return s.proposeConfChange(ctx, regionID, confChangeMsg{typ: raftpb.ConfChangeRemoveNode, target: target})
}

func (s *Store) proposeConfChange(ctx context.Context, id regionpkg.ID, msg confChangeMsg) error {
	done := make(chan error, 1)
	msg.cb = func(err error) {
		select {
		case done <- err:
		default:
		}
	}
	if err := s.router.send(id, peerMsg{kind: msgConfChange, confChange: msg}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopC:
		return ErrStopped
	}
}
