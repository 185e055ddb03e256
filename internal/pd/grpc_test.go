package pd

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"rangekv/internal/region"
	"rangekv/pkg/api"
)

func startPDServer(t *testing.T, svc *Service) string {
	t.Helper()
	srv := grpc.NewServer(grpc.ForceServerCodec(api.JSONCodec{}))
	NewAPIServer(svc).Register(srv)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func dialPD(t *testing.T, addr string) *RemoteClient {
	t.Helper()
	c, err := Dial(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRemoteClientBootstrapRoundTrip(t *testing.T) {
	addr := startPDServer(t, NewService(Policy{Replicas: 1}, nil))
	c := dialPD(t, addr)
	ctx := context.Background()

	ok, err := c.IsBootstrapped(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	first := region.Region{
		ID:    2,
		Epoch: region.Epoch{Version: 1, ConfVersion: 1},
		Peers: []region.Peer{{ID: 3, StoreID: 1}},
	}
	require.NoError(t, c.Bootstrap(ctx, StoreInfo{ID: 1, Address: "s1"}, first))
	require.ErrorIs(t, c.Bootstrap(ctx, StoreInfo{ID: 1, Address: "s1"}, first), ErrAlreadyBootstrapped)

	ok, err = c.IsBootstrapped(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := c.GetRegionByKey(ctx, []byte("anything"))
	require.NoError(t, err)
	assert.Equal(t, region.ID(2), got.ID)
	require.Len(t, got.Peers, 1)
	assert.Equal(t, uint64(1), got.Peers[0].StoreID)
}

func TestRemoteClientAllocAfterBootstrap(t *testing.T) {
	addr := startPDServer(t, NewService(Policy{Replicas: 1}, nil))
	c := dialPD(t, addr)
	ctx := context.Background()

	first := region.Region{
		ID:    10,
		Epoch: region.Epoch{Version: 1, ConfVersion: 1},
		Peers: []region.Peer{{ID: 11, StoreID: 1}},
	}
	require.NoError(t, c.Bootstrap(ctx, StoreInfo{ID: 1, Address: "s1"}, first))

	// The allocator stays ahead of IDs minted by the bootstrapping store.
	got, err := c.AllocID(ctx, 3)
	require.NoError(t, err)
	assert.Greater(t, got, uint64(11))

	next, err := c.AllocID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, got+3, next)
}

func TestRemoteClientHeartbeatSchedules(t *testing.T) {
	svc := NewService(Policy{Replicas: 3}, nil)
	addr := startPDServer(t, svc)
	c := dialPD(t, addr)
	ctx := context.Background()

	r := region.Region{
		ID:    2,
		Epoch: region.Epoch{Version: 1, ConfVersion: 1},
		Peers: []region.Peer{{ID: 3, StoreID: 1}},
	}
	require.NoError(t, c.Bootstrap(ctx, StoreInfo{ID: 1, Address: "s1"}, r))
	require.NoError(t, c.PutStore(ctx, StoreInfo{ID: 2, Address: "s2"}))
	require.NoError(t, c.StoreHeartbeat(ctx, StoreStats{StoreID: 2}))

	resp, err := c.RegionHeartbeat(ctx, r, 3, RegionStats{})
	require.NoError(t, err)
	require.NotNil(t, resp.ChangePeer)
	assert.True(t, resp.ChangePeer.Add)
	assert.Equal(t, region.Learner, resp.ChangePeer.Peer.Role)
	assert.Equal(t, uint64(2), resp.ChangePeer.Peer.StoreID)

	stores, err := c.Stores(ctx)
	require.NoError(t, err)
	assert.Len(t, stores, 2)
}
