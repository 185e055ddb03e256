package grpcserver

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"rangekv/internal/config"
	"rangekv/internal/engine/memory"
	"rangekv/internal/pd"
	"rangekv/internal/raftlog"
	"rangekv/internal/snapshot"
	"rangekv/internal/store"
	"rangekv/internal/transport"
	"rangekv/pkg/api"
)

func newTestStore(t *testing.T) (*store.Store, *snapshot.Manager) {
	t.Helper()
	cfg := config.Default()
	cfg.StoreID = 1
	cfg.Data.Dir = t.TempDir()
	cfg.Raft.TickIntervalMs = 10
	cfg.Raft.ElectionTick = 5
	cfg.Raft.HeartbeatTick = 1

	eng := memory.New()
	raftDB, err := raftlog.Open(filepath.Join(cfg.Data.Dir, "raft.db"), nil)
	require.NoError(t, err)
	snaps, err := snapshot.NewManager(eng, filepath.Join(cfg.Data.Dir, "snap"), nil)
	require.NoError(t, err)

	pdc := pd.NewService(pd.Policy{Replicas: 1}, nil)
	st := store.New(&cfg, eng, raftDB, snaps, nil, pdc, nil, zap.NewNop())
	st.SetTransport(transport.NewGRPCTransport(cfg.StoreID, snaps, nil, nil))
	require.NoError(t, st.Start())
	t.Cleanup(func() {
		_ = st.Close()
		_ = raftDB.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, st.Bootstrap(ctx))
	return st, snaps
}

func reserveAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func startTestServer(t *testing.T) (string, context.CancelFunc) {
	t.Helper()
	st, snaps := newTestStore(t)
	addr := reserveAddr(t)
	srv := New(Config{Address: addr}, st, snaps)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(srv.Stop)
	t.Cleanup(cancel)
	return addr, cancel
}

func dialKV(t *testing.T, addr string) (api.KVClient, *grpc.ClientConn) {
	t.Helper()
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return api.NewKVClient(conn), conn
}

func TestServerServesKVRoundTrip(t *testing.T) {
	addr, _ := startTestServer(t)
	kv, _ := dialKV(t, addr)
	ctx := context.Background()

	// Writes go through once the single-node region elects itself.
	require.Eventually(t, func() bool {
		resp, err := kv.Put(ctx, &api.PutRequest{Key: []byte("a"), Value: []byte("1")})
		return err == nil && resp.Error == nil
	}, 10*time.Second, 50*time.Millisecond)

	for _, k := range []string{"b", "c"} {
		resp, err := kv.Put(ctx, &api.PutRequest{Key: []byte(k), Value: []byte("v-" + k)})
		require.NoError(t, err)
		require.Nil(t, resp.Error)
	}

	got, err := kv.Get(ctx, &api.GetRequest{Key: []byte("b")})
	require.NoError(t, err)
	require.Nil(t, got.Error)
	assert.True(t, got.Found)
	assert.Equal(t, []byte("v-b"), got.Value)

	scan, err := kv.Scan(ctx, &api.ScanRequest{Start: []byte("a"), Limit: 10})
	require.NoError(t, err)
	require.Nil(t, scan.Error)
	assert.Len(t, scan.Pairs, 3)

	del, err := kv.Delete(ctx, &api.DeleteRequest{Key: []byte("b")})
	require.NoError(t, err)
	require.Nil(t, del.Error)

	got, err = kv.Get(ctx, &api.GetRequest{Key: []byte("b")})
	require.NoError(t, err)
	require.Nil(t, got.Error)
	assert.False(t, got.Found)

	regions, err := kv.Regions(ctx, &api.RegionsRequest{})
	require.NoError(t, err)
	require.Len(t, regions.Regions, 1)
	assert.Equal(t, uint64(1), regions.Regions[0].Version)
}

func TestServerReportsMissingKey(t *testing.T) {
	addr, _ := startTestServer(t)
	kv, _ := dialKV(t, addr)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		resp, err := kv.Get(ctx, &api.GetRequest{Key: []byte("nope")})
		return err == nil && resp.Error == nil && !resp.Found
	}, 10*time.Second, 50*time.Millisecond)
}

func TestServerHealthService(t *testing.T) {
	addr, cancel := startTestServer(t)
	_, conn := dialKV(t, addr)

	// The whole server speaks the JSON codec, health included.
	hc := healthpb.NewHealthClient(conn)
	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{}, api.CallOption())
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	cancel()
	require.Eventually(t, func() bool {
		_, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{}, api.CallOption())
		return err != nil
	}, 5*time.Second, 50*time.Millisecond)
}
