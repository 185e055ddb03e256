package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"
)

// CompactRegion merges the region's contiguous sealed segments into a single
// segment. The merged file is written and verified, the manifest switched,
// and only then are the inputs deleted; a crash at any point leaves either
// the old set or the new set fully in force. Integrity failures abort the
// cycle with ErrIntegrity and keep the old set.
func (e *Engine) CompactRegion(regionID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	run := e.contiguousRunLocked(regionID)
	if len(run) < 2 {
		return nil
	}
	merged, err := e.mergeSegmentsLocked(regionID, run)
	if err != nil {
		return err
	}

	// New manifest generation: run replaced by the merged segment. The old
	// files are still on disk until the rename lands.
	next := manifest{Sequence: e.manifest.Sequence + 1}
	replaced := make(map[string]struct{}, len(run))
	for _, seg := range run {
		replaced[seg.Path] = struct{}{}
	}
	for _, seg := range e.manifest.Segments {
		if _, ok := replaced[seg.Path]; !ok {
			next.Segments = append(next.Segments, seg)
		}
	}
	next.Segments = append(next.Segments, merged)
	if err := saveManifest(e.dir, next); err != nil {
		_ = os.Remove(filepath.Join(e.dir, merged.Path))
		return err
	}
	e.manifest = next

	for _, seg := range run {
		_ = os.Remove(filepath.Join(e.dir, seg.Path))
	}
	e.logger.Info("compacted segments",
		zap.Uint64("region", regionID),
		zap.Int("inputs", len(run)),
		zap.Uint64("first", merged.FirstIndex),
		zap.Uint64("last", merged.LastIndex))
	return nil
}

// CompactAll runs a compaction cycle over every region with sealed segments.
func (e *Engine) CompactAll() error {
	e.mu.Lock()
	regions := make(map[uint64]struct{})
	for _, seg := range e.manifest.Segments {
		regions[seg.RegionID] = struct{}{}
	}
	e.mu.Unlock()

	var firstErr error
	for regionID := range regions {
		if err := e.CompactRegion(regionID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// contiguousRunLocked returns the longest prefix of the region's segments
// whose index ranges chain without gap. Segments past a gap are left for a
// later cycle once the gap is resolved.
func (e *Engine) contiguousRunLocked(regionID uint64) []SegmentMeta {
	var segs []SegmentMeta
	for _, seg := range e.manifest.Segments {
		if seg.RegionID == regionID {
			segs = append(segs, seg)
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].FirstIndex < segs[j].FirstIndex })
	for i := 1; i < len(segs); i++ {
		if segs[i].FirstIndex != segs[i-1].LastIndex+1 {
			return segs[:i]
		}
	}
	return segs
}

// mergeSegmentsLocked streams the run into one new sealed segment, verifying
// each input's checksum on the way through and the index chain across inputs.
func (e *Engine) mergeSegmentsLocked(regionID uint64, run []SegmentMeta) (SegmentMeta, error) {
	name := fmt.Sprintf("%d_%d_c%d.seg", regionID, run[0].FirstIndex, e.manifest.Sequence+1)
	path := filepath.Join(e.dir, name)
	w, err := newSegmentWriter(path)
	if err != nil {
		return SegmentMeta{}, err
	}

	expect := run[0].FirstIndex
	for _, seg := range run {
		err := readSegment(filepath.Join(e.dir, seg.Path), seg, func(ent raftpb.Entry) error {
			if ent.Index != expect {
				return fmt.Errorf("segment %s: index %d, want %d: %w",
					seg.Path, ent.Index, expect, ErrIntegrity)
			}
			expect++
			return w.append(ent)
		})
		if err != nil {
			w.abort(path)
			return SegmentMeta{}, err
		}
	}

	meta, err := w.seal(regionID, name)
	if err != nil {
		_ = os.Remove(path)
		return SegmentMeta{}, err
	}
	// The merged file must cover exactly the run it replaces.
	if meta.FirstIndex != run[0].FirstIndex || meta.LastIndex != run[len(run)-1].LastIndex {
		_ = os.Remove(path)
		return SegmentMeta{}, fmt.Errorf("merged segment covers [%d,%d], want [%d,%d]: %w",
			meta.FirstIndex, meta.LastIndex, run[0].FirstIndex, run[len(run)-1].LastIndex, ErrIntegrity)
	}
	if err := verifySegment(path, meta); err != nil {
		_ = os.Remove(path)
		return SegmentMeta{}, err
	}
	return meta, nil
}
