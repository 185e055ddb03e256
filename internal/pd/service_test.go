package pd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rangekv/internal/region"
)

func bootstrapRegion() region.Region {
	return region.Region{
		ID:    2,
		Epoch: region.Epoch{Version: 1, ConfVersion: 1},
		Peers: []region.Peer{{ID: 3, StoreID: 1}},
	}
}

func bootstrappedService(t *testing.T) *Service {
	t.Helper()
	s := NewService(Policy{Replicas: 3}, nil)
	ctx := context.Background()
	require.NoError(t, s.Bootstrap(ctx, StoreInfo{ID: 1, Address: "s1"}, bootstrapRegion()))
	return s
}

func TestBootstrapOnce(t *testing.T) {
	s := bootstrappedService(t)
	ctx := context.Background()

	ok, err := s.IsBootstrapped(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	err = s.Bootstrap(ctx, StoreInfo{ID: 9}, bootstrapRegion())
	assert.ErrorIs(t, err, ErrAlreadyBootstrapped)
}

func TestAllocIDNeverReusesBootstrapIDs(t *testing.T) {
	s := bootstrappedService(t)
	first, err := s.AllocID(context.Background(), 4)
	require.NoError(t, err)
	assert.Greater(t, first, uint64(3))

	next, err := s.AllocID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, first+4, next)
}

func TestHeartbeatSchedulesReplicaRepair(t *testing.T) {
	s := bootstrappedService(t)
	ctx := context.Background()
	require.NoError(t, s.PutStore(ctx, StoreInfo{ID: 2, Address: "s2"}))
	require.NoError(t, s.PutStore(ctx, StoreInfo{ID: 3, Address: "s3"}))

	resp, err := s.RegionHeartbeat(ctx, bootstrapRegion(), 3, RegionStats{})
	require.NoError(t, err)
	require.NotNil(t, resp.ChangePeer)
	assert.True(t, resp.ChangePeer.Add)
	assert.Equal(t, region.Learner, resp.ChangePeer.Peer.Role)
	assert.Contains(t, []uint64{2, 3}, resp.ChangePeer.Peer.StoreID)
}

func TestHeartbeatFullyReplicatedIsQuiet(t *testing.T) {
	s := bootstrappedService(t)
	ctx := context.Background()
	require.NoError(t, s.PutStore(ctx, StoreInfo{ID: 2}))
	require.NoError(t, s.PutStore(ctx, StoreInfo{ID: 3}))

	r := region.Region{
		ID:    2,
		Epoch: region.Epoch{Version: 1, ConfVersion: 3},
		Peers: []region.Peer{
			{ID: 3, StoreID: 1},
			{ID: 10, StoreID: 2},
			{ID: 11, StoreID: 3},
		},
	}
	resp, err := s.RegionHeartbeat(ctx, r, 3, RegionStats{})
	require.NoError(t, err)
	assert.Nil(t, resp.ChangePeer)
	assert.Nil(t, resp.TransferLeader)
	assert.Nil(t, resp.Split)
}

func TestStaleEpochHeartbeatIgnored(t *testing.T) {
	s := bootstrappedService(t)
	ctx := context.Background()

	fresh := bootstrapRegion()
	fresh.Epoch = region.Epoch{Version: 5, ConfVersion: 1}
	fresh.Range = region.KeyRange{Start: nil, End: []byte("m")}
	_, err := s.RegionHeartbeat(ctx, fresh, 3, RegionStats{})
	require.NoError(t, err)

	stale := bootstrapRegion()
	stale.Range = region.KeyRange{}
	_, err = s.RegionHeartbeat(ctx, stale, 3, RegionStats{})
	require.NoError(t, err)

	got, err := s.GetRegionByKey(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Epoch.Version)
	assert.Equal(t, []byte("m"), got.Range.End)
}

func TestSplitUpdatesRouting(t *testing.T) {
	s := bootstrappedService(t)
	ctx := context.Background()

	parent := region.Region{
		ID:    2,
		Range: region.KeyRange{Start: nil, End: []byte("m")},
		Epoch: region.Epoch{Version: 2, ConfVersion: 1},
		Peers: []region.Peer{{ID: 3, StoreID: 1}},
	}
	child := region.Region{
		ID:    20,
		Range: region.KeyRange{Start: []byte("m"), End: nil},
		Epoch: region.Epoch{Version: 2, ConfVersion: 1},
		Peers: []region.Peer{{ID: 21, StoreID: 1}},
	}
	_, err := s.RegionHeartbeat(ctx, parent, 3, RegionStats{})
	require.NoError(t, err)
	_, err = s.RegionHeartbeat(ctx, child, 21, RegionStats{})
	require.NoError(t, err)

	left, err := s.GetRegionByKey(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, region.ID(2), left.ID)

	right, err := s.GetRegionByKey(ctx, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, region.ID(20), right.ID)
}

func TestSplitHintOnOversizedRegion(t *testing.T) {
	s := NewService(Policy{Replicas: 1, RegionMaxSize: 1000}, nil)
	ctx := context.Background()
	require.NoError(t, s.Bootstrap(ctx, StoreInfo{ID: 1}, bootstrapRegion()))

	resp, err := s.RegionHeartbeat(ctx, bootstrapRegion(), 3, RegionStats{ApproximateSize: 5000})
	require.NoError(t, err)
	assert.NotNil(t, resp.Split)
}

func TestLeaderBalance(t *testing.T) {
	s := NewService(Policy{Replicas: 2, MaxLeaderSkew: 2}, nil)
	ctx := context.Background()
	require.NoError(t, s.PutStore(ctx, StoreInfo{ID: 1}))
	require.NoError(t, s.PutStore(ctx, StoreInfo{ID: 2}))

	// Store 1 accumulates leaders until the skew threshold trips.
	for i := uint64(0); i < 3; i++ {
		r := region.Region{
			ID:    region.ID(100 + i),
			Range: region.KeyRange{Start: []byte{byte('a' + i)}, End: []byte{byte('b' + i)}},
			Epoch: region.Epoch{Version: 1, ConfVersion: 1},
			Peers: []region.Peer{
				{ID: 1000 + i, StoreID: 1},
				{ID: 2000 + i, StoreID: 2},
			},
		}
		resp, err := s.RegionHeartbeat(ctx, r, 1000+i, RegionStats{})
		require.NoError(t, err)
		if i < 2 {
			assert.Nil(t, resp.TransferLeader)
		} else {
			require.NotNil(t, resp.TransferLeader)
			assert.Equal(t, uint64(2000+i), resp.TransferLeader.ToPeer)
		}
	}
}

func TestGetRegionByKeyMiss(t *testing.T) {
	s := bootstrappedService(t)
	ctx := context.Background()

	bounded := bootstrapRegion()
	bounded.Epoch.Version = 2
	bounded.Range = region.KeyRange{Start: []byte("b"), End: []byte("m")}
	_, err := s.RegionHeartbeat(ctx, bounded, 3, RegionStats{})
	require.NoError(t, err)

	_, err = s.GetRegionByKey(ctx, []byte("a"))
	assert.ErrorIs(t, err, ErrRegionNotFound)
}
