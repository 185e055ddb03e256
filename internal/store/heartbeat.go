package store

import (
	"context"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"rangekv/internal/pd"
	regionpkg "rangekv/internal/region"
)

const (
	// heartbeatTicks spaces placement-driver heartbeats in store ticks.
	heartbeatTicks = 10
	pdCallTimeout  = 3 * time.Second
)

func (s *Store) runHeartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval() * heartbeatTicks)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.storeHeartbeat()
			s.router.broadcast(peerMsg{kind: msgHeartbeat})
		case <-s.stopC:
			return
		}
	}
}

func (s *Store) storeHeartbeat() {
	stats := pd.StoreStats{
		StoreID:     s.storeID,
		RegionCount: int(atomic.LoadInt64(&s.regionCount)),
		LeaderCount: int(atomic.LoadInt64(&s.leaderCount)),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pdCallTimeout)
		defer cancel()
		if err := s.pdc.StoreHeartbeat(ctx, stats); err != nil {
			s.logger.Debug("store heartbeat", zap.Error(err))
		}
	}()
}

// regionHeartbeat runs on the region's worker. Only leaders report; the
// response may carry one scheduling command, executed asynchronously through
// the mailbox.
func (s *Store) regionHeartbeat(ph *peerHandle) {
	p := ph.p
	if !p.IsLeader() {
		return
	}
	rg := p.Region()
	rg.Leader = p.ID()
	leaderPeer := p.ID()
	stats := pd.RegionStats{
		ApproximateSize: atomic.LoadUint64(&ph.approxBytes),
		ApproximateKeys: atomic.LoadUint64(&ph.approxKeys),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pdCallTimeout)
		defer cancel()
		resp, err := s.pdc.RegionHeartbeat(ctx, rg, leaderPeer, stats)
		if err != nil {
			s.logger.Debug("region heartbeat", zap.Uint64("region", uint64(rg.ID)), zap.Error(err))
			return
		}
		if resp == nil {
			return
		}
		s.applySchedule(rg.ID, resp)
	}()
}

func (s *Store) applySchedule(id regionpkg.ID, resp *pd.HeartbeatResponse) {
	switch {
	case resp.TransferLeader != nil:
		s.logger.Info("scheduled leader transfer",
			zap.Uint64("region", uint64(id)),
			zap.Uint64("to_peer", resp.TransferLeader.ToPeer))
		_ = s.router.send(id, peerMsg{kind: msgTransferLeader, transferTo: resp.TransferLeader.ToPeer})

	case resp.ChangePeer != nil:
		cp := resp.ChangePeer
		typ := raftpb.ConfChangeRemoveNode
		if cp.Add {
			// New replicas join as learners; the leader promotes them once
			// they have caught up.
			typ = raftpb.ConfChangeAddLearnerNode
		}
		s.logger.Info("scheduled membership change",
			zap.Uint64("region", uint64(id)),
			zap.Bool("add", cp.Add),
			zap.Uint64("peer", cp.Peer.ID),
			zap.Uint64("store", cp.Peer.StoreID))
		_ = s.router.send(id, peerMsg{kind: msgConfChange, confChange: confChangeMsg{
			typ:    typ,
			target: cp.Peer,
			cb: func(err error) {
				if err != nil {
					s.logger.Debug("scheduled membership change rejected",
						zap.Uint64("region", uint64(id)), zap.Error(err))
				}
			},
		}})

	case resp.Split != nil:
		_ = s.router.send(id, peerMsg{kind: msgSplitCheck, forceSplit: true})
	}
}
