// Package command defines the replicated command set carried in Raft log
// entries. Every payload proposed to a region's Raft group is one Command;
// the apply pipeline matches on Kind exhaustively.
package command

import (
	"encoding/json"
	"fmt"

	regionpkg "rangekv/internal/region"
)

// Kind tags the command variant. The set is closed: the applier rejects
// unknown kinds instead of skipping them.
type Kind int8

const (
	// KindWrite carries a batch of key mutations.
	KindWrite Kind = iota
	// KindSplit carves one or more new regions out of the proposing region.
	KindSplit
	// KindPrepareMerge fences the source region of a merge.
	KindPrepareMerge
	// KindCommitMerge extends the target region over the source's range.
	KindCommitMerge
	// KindRollbackMerge aborts a prepared merge on the source region.
	KindRollbackMerge
	// KindBarrier is a no-op entry used as a majority-acknowledged fence,
	// e.g. before leader transfer.
	KindBarrier
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindSplit:
		return "split"
	case KindPrepareMerge:
		return "prepare-merge"
	case KindCommitMerge:
		return "commit-merge"
	case KindRollbackMerge:
		return "rollback-merge"
	case KindBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("unknown(%d)", int8(k))
	}
}

// IsAdmin reports whether the command changes region metadata and therefore
// acts as an apply barrier.
func (k Kind) IsAdmin() bool {
	switch k {
	case KindSplit, KindPrepareMerge, KindCommitMerge, KindRollbackMerge:
		return true
	}
	return false
}

// OpType describes the kind of mutation carried in a write command.
type OpType int8

const (
	OpPut OpType = iota
	OpDelete
)

// Operation represents a single key mutation inside a write command.
type Operation struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value,omitempty"`
	Type  OpType `json:"type"`
}

// SplitRequest describes one new region carved off at SplitKey. The original
// region keeps [start, SplitKey); the new region takes [SplitKey, old end)
// with freshly allocated region and peer identities.
type SplitRequest struct {
	SplitKey    []byte `json:"split_key"`
	NewRegionID uint64 `json:"new_region_id"`
	// NewPeerIDs are assigned positionally to the parent's peers, preserving
	// store placement.
	NewPeerIDs []uint64 `json:"new_peer_ids"`
}

// PrepareMergeRequest fences the source region: once applied, the source
// rejects further proposals until the merge commits or rolls back.
type PrepareMergeRequest struct {
	TargetRegionID uint64          `json:"target_region_id"`
	TargetEpoch    regionpkg.Epoch `json:"target_epoch"`
}

// CommitMergeRequest is proposed on the target region and carries the
// source's metadata. The source epoch is authoritative: if the source has
// moved past SourceEpoch by the time this applies, the merge must abort.
type CommitMergeRequest struct {
	SourceRegionID uint64             `json:"source_region_id"`
	SourceEpoch    regionpkg.Epoch    `json:"source_epoch"`
	SourceRange    regionpkg.KeyRange `json:"source_range"`
}

// RollbackMergeRequest lifts the prepare fence on the source region.
type RollbackMergeRequest struct {
	TargetRegionID uint64 `json:"target_region_id"`
}

// Command encapsulates one replicated unit of work for a region. Exactly one
// payload field matching Kind is set.
type Command struct {
	RegionID uint64 `json:"region_id"`
	// Epoch is the proposer's view of the region epoch. The applier compares
	// it against the current epoch and rejects stale commands.
	Epoch regionpkg.Epoch `json:"epoch"`
	Kind  Kind            `json:"kind"`

	Writes        []Operation           `json:"writes,omitempty"`
	Split         *SplitRequest         `json:"split,omitempty"`
	PrepareMerge  *PrepareMergeRequest  `json:"prepare_merge,omitempty"`
	CommitMerge   *CommitMergeRequest   `json:"commit_merge,omitempty"`
	RollbackMerge *RollbackMergeRequest `json:"rollback_merge,omitempty"`
}

// Marshal serialises the command. JSON keeps the payload debuggable; entry
// volume is dominated by keys and values which JSON base64-encodes compactly
// enough for this layer.
func (c *Command) Marshal() ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("nil command")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// Unmarshal deserialises command bytes into a Command structure.
func Unmarshal(data []byte) (*Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty command payload")
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (c *Command) validate() error {
	switch c.Kind {
	case KindWrite:
		if len(c.Writes) == 0 {
			return fmt.Errorf("write command without operations")
		}
	case KindSplit:
		if c.Split == nil || len(c.Split.SplitKey) == 0 {
			return fmt.Errorf("split command without split key")
		}
	case KindPrepareMerge:
		if c.PrepareMerge == nil {
			return fmt.Errorf("prepare-merge command without payload")
		}
	case KindCommitMerge:
		if c.CommitMerge == nil {
			return fmt.Errorf("commit-merge command without payload")
		}
	case KindRollbackMerge:
		if c.RollbackMerge == nil {
			return fmt.Errorf("rollback-merge command without payload")
		}
	case KindBarrier:
	default:
		return fmt.Errorf("unknown command kind: %d", int8(c.Kind))
	}
	return nil
}

// NewWrite builds a write command for a single put.
func NewWrite(regionID uint64, epoch regionpkg.Epoch, ops ...Operation) *Command {
	return &Command{RegionID: regionID, Epoch: epoch, Kind: KindWrite, Writes: ops}
}

// NewBarrier builds a no-op barrier command.
func NewBarrier(regionID uint64, epoch regionpkg.Epoch) *Command {
	return &Command{RegionID: regionID, Epoch: epoch, Kind: KindBarrier}
}
