package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rangekv/internal/apply"
	"rangekv/internal/command"
	regionpkg "rangekv/internal/region"
)

// MergeRegions folds the source region into its adjacent target. Both
// leaders must live on this store; cross-store merges are scheduled by first
// transferring leadership here.
//
// The protocol is two replicated phases. PrepareMerge fences the source:
// once applied, the source rejects writes and its epoch is frozen from the
// merge's point of view. CommitMerge on the target carries that frozen epoch
// and the source's range; apply re-checks the persisted source epoch and
// aborts if anything moved underneath. A failed commit rolls the source
// fence back.
func (s *Store) MergeRegions(ctx context.Context, sourceID, targetID regionpkg.ID) error {
	src, ok := s.router.region(sourceID)
	if !ok {
		return ErrRegionNotFound
	}
	tgt, ok := s.router.region(targetID)
	if !ok {
		return ErrRegionNotFound
	}
	if !src.Range.AdjacentBefore(tgt.Range) && !tgt.Range.AdjacentBefore(src.Range) {
		return fmt.Errorf("store: regions %d and %d are not adjacent", sourceID, targetID)
	}

	prepare := &command.Command{
		Kind: command.KindPrepareMerge,
		PrepareMerge: &command.PrepareMergeRequest{
			TargetRegionID: uint64(targetID),
			TargetEpoch:    tgt.Epoch,
		},
	}
	if err := s.proposeOn(ctx, sourceID, prepare); err != nil {
		return fmt.Errorf("prepare merge on region %d: %w", sourceID, err)
	}

	// The fence bumped the source's persisted epoch; that value is what the
	// commit must match at apply time.
	fenced, found, err := apply.LoadRegionState(s.eng, uint64(sourceID))
	if err != nil {
		return err
	}
	if !found {
		return ErrRegionNotFound
	}

	commit := &command.Command{
		Kind: command.KindCommitMerge,
		CommitMerge: &command.CommitMergeRequest{
			SourceRegionID: uint64(sourceID),
			SourceEpoch:    fenced.Epoch,
			SourceRange:    fenced.Range,
		},
	}
	if err := s.proposeOn(ctx, targetID, commit); err != nil {
		s.rollbackMerge(sourceID, targetID)
		return fmt.Errorf("commit merge on region %d: %w", targetID, err)
	}
	return nil
}

// rollbackMerge lifts the prepare fence after a failed commit so the source
// serves writes again.
func (s *Store) rollbackMerge(sourceID, targetID regionpkg.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rb := &command.Command{
		Kind:          command.KindRollbackMerge,
		RollbackMerge: &command.RollbackMergeRequest{TargetRegionID: uint64(targetID)},
	}
	if err := s.proposeOn(ctx, sourceID, rb); err != nil {
		s.logger.Warn("merge rollback failed, source stays fenced",
			zap.Uint64("source", uint64(sourceID)),
			zap.Uint64("target", uint64(targetID)),
			zap.Error(err))
	}
}
