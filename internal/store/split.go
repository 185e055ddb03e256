package store

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rangekv/internal/command"
	"rangekv/internal/keys"
	regionpkg "rangekv/internal/region"
)

// maxSplitSamples bounds the memory of a split key scan. The sampling
// stride doubles every time the buffer fills, so huge regions stay cheap
// while small ones sample every key.
const maxSplitSamples = 4096

// checkSplit runs on the region's worker. When the region's accumulated
// write volume crosses the configured thresholds (or the placement driver
// forced a split), it picks a middle key and proposes the split.
func (s *Store) checkSplit(ph *peerHandle, force bool) {
	p := ph.p
	if !p.IsLeader() || atomic.LoadInt32(&ph.splitting) == 1 {
		return
	}
	rg := p.Region()
	if rg.State != regionpkg.StateActive {
		return
	}
	if !force &&
		atomic.LoadUint64(&ph.approxBytes) < s.cfg.Region.MaxSizeBytes &&
		atomic.LoadUint64(&ph.approxKeys) < s.cfg.Region.MaxKeys {
		return
	}

	splitKey, ok, err := s.findSplitKey(rg)
	if err != nil {
		s.logger.Warn("split key scan", zap.Uint64("region", uint64(rg.ID)), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if !atomic.CompareAndSwapInt32(&ph.splitting, 0, 1) {
		return
	}

	peerCount := len(rg.Peers)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pdCallTimeout)
		defer cancel()
		// One id for the child region plus one per replica.
		first, err := s.pdc.AllocID(ctx, uint64(1+peerCount))
		if err != nil {
			atomic.StoreInt32(&ph.splitting, 0)
			s.logger.Warn("alloc split ids", zap.Uint64("region", uint64(rg.ID)), zap.Error(err))
			return
		}
		req := &command.SplitRequest{
			SplitKey:    splitKey,
			NewRegionID: first,
		}
		for i := 0; i < peerCount; i++ {
			req.NewPeerIDs = append(req.NewPeerIDs, first+1+uint64(i))
		}
		cmd := &command.Command{Kind: command.KindSplit, Split: req}
		err = s.router.send(rg.ID, peerMsg{kind: msgPropose, propose: proposeMsg{
			cmd: cmd,
			cb: func(err error) {
				if err != nil {
					atomic.StoreInt32(&ph.splitting, 0)
					s.logger.Debug("split proposal rejected",
						zap.Uint64("region", uint64(rg.ID)), zap.Error(err))
				}
			},
		}})
		if err != nil {
			atomic.StoreInt32(&ph.splitting, 0)
		}
	}()
}

// findSplitKey scans the region's data and returns the sampled key closest
// to half its byte volume. Returns ok=false when the region is too small or
// too skewed to yield a key strictly inside its range.
func (s *Store) findSplitKey(rg regionpkg.Region) ([]byte, bool, error) {
	lo, hi := keys.DataRange(rg.Range.Start, rg.Range.End)
	it, err := s.eng.NewIterator(lo, hi)
	if err != nil {
		return nil, false, err
	}
	defer it.Close()

	type sample struct {
		key []byte
		cum uint64
	}
	var (
		samples []sample
		total   uint64
		n       int
		stride  = 1
	)
	for ; it.Valid(); it.Next() {
		total += uint64(len(it.Key()) + len(it.Value()))
		if n%stride == 0 {
			samples = append(samples, sample{
				key: append([]byte(nil), keys.UserKey(it.Key())...),
				cum: total,
			})
			if len(samples) == maxSplitSamples {
				for i := 0; i < len(samples)/2; i++ {
					samples[i] = samples[2*i]
				}
				samples = samples[:len(samples)/2]
				stride *= 2
			}
		}
		n++
	}
	if n < 2 {
		return nil, false, nil
	}

	half := total / 2
	for _, sm := range samples {
		if sm.cum < half {
			continue
		}
		if bytes.Equal(sm.key, rg.Range.Start) {
			continue
		}
		if len(rg.Range.End) > 0 && bytes.Compare(sm.key, rg.Range.End) >= 0 {
			break
		}
		return sm.key, true, nil
	}
	return nil, false, nil
}

// SplitRegion forces a split of the region covering key, waiting for the
// split to commit. Used by tests and admin tooling; organic splits come from
// the size checker.
func (s *Store) SplitRegion(ctx context.Context, key []byte) error {
	rg, ok := s.router.regionForKey(key)
	if !ok {
		return &RegionMissingError{Key: key}
	}
	if err := s.router.send(rg.ID, peerMsg{kind: msgSplitCheck, forceSplit: true}); err != nil {
		return err
	}
	// The split flows through id allocation and a proposal; poll routing
	// until the region covering key changes shape.
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now, ok := s.router.regionForKey(key)
			if ok && (now.ID != rg.ID || now.Epoch.Version > rg.Epoch.Version) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopC:
			return ErrStopped
		}
	}
}
