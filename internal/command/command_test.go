package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	regionpkg "rangekv/internal/region"
)

func TestWriteCommandRoundTrip(t *testing.T) {
	original := NewWrite(4, regionpkg.Epoch{Version: 2, ConfVersion: 1},
		Operation{Key: []byte("k1"), Value: []byte("v1"), Type: OpPut},
		Operation{Key: []byte("k2"), Type: OpDelete},
	)

	data, err := original.Marshal()
	require.NoError(t, err)

	restored, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), restored.RegionID)
	assert.Equal(t, KindWrite, restored.Kind)
	require.Len(t, restored.Writes, 2)
	assert.Equal(t, OpPut, restored.Writes[0].Type)
	assert.Equal(t, []byte("v1"), restored.Writes[0].Value)
	assert.Equal(t, OpDelete, restored.Writes[1].Type)
	assert.Empty(t, restored.Writes[1].Value)
}

func TestAdminCommandRoundTrip(t *testing.T) {
	split := &Command{
		RegionID: 1,
		Epoch:    regionpkg.Epoch{Version: 1, ConfVersion: 1},
		Kind:     KindSplit,
		Split: &SplitRequest{
			SplitKey:    []byte("m"),
			NewRegionID: 2,
			NewPeerIDs:  []uint64{21, 22, 23},
		},
	}
	data, err := split.Marshal()
	require.NoError(t, err)
	restored, err := Unmarshal(data)
	require.NoError(t, err)
	require.NotNil(t, restored.Split)
	assert.Equal(t, []byte("m"), restored.Split.SplitKey)
	assert.Equal(t, []uint64{21, 22, 23}, restored.Split.NewPeerIDs)

	merge := &Command{
		RegionID: 2,
		Epoch:    regionpkg.Epoch{Version: 2, ConfVersion: 1},
		Kind:     KindCommitMerge,
		CommitMerge: &CommitMergeRequest{
			SourceRegionID: 1,
			SourceEpoch:    regionpkg.Epoch{Version: 3, ConfVersion: 1},
			SourceRange:    regionpkg.KeyRange{Start: []byte("a"), End: []byte("m")},
		},
	}
	data, err = merge.Marshal()
	require.NoError(t, err)
	restored, err = Unmarshal(data)
	require.NoError(t, err)
	require.NotNil(t, restored.CommitMerge)
	assert.Equal(t, uint64(1), restored.CommitMerge.SourceRegionID)
	assert.Equal(t, []byte("m"), restored.CommitMerge.SourceRange.End)
}

func TestValidateRejectsMalformed(t *testing.T) {
	_, err := Unmarshal(nil)
	assert.Error(t, err)

	bad := &Command{RegionID: 1, Kind: KindWrite}
	_, err = bad.Marshal()
	assert.Error(t, err)

	bad = &Command{RegionID: 1, Kind: KindSplit}
	_, err = bad.Marshal()
	assert.Error(t, err)

	bad = &Command{RegionID: 1, Kind: Kind(42)}
	_, err = bad.Marshal()
	assert.Error(t, err)
}

func TestKindClassification(t *testing.T) {
	assert.True(t, KindSplit.IsAdmin())
	assert.True(t, KindCommitMerge.IsAdmin())
	assert.False(t, KindWrite.IsAdmin())
	assert.False(t, KindBarrier.IsAdmin())
	assert.Equal(t, "commit-merge", KindCommitMerge.String())
}
