package transport

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"google.golang.org/grpc"

	"rangekv/internal/engine"
	"rangekv/internal/engine/memory"
	"rangekv/internal/keys"
	regionpkg "rangekv/internal/region"
	"rangekv/internal/snapshot"
	"rangekv/pkg/api"
)

type recordingHandler struct {
	ch chan Message
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{ch: make(chan Message, 16)}
}

func (h *recordingHandler) HandleRaftMessage(msg Message) {
	select {
	case h.ch <- msg:
	default:
	}
}

func newSnapManager(t *testing.T, eng engine.Engine) *snapshot.Manager {
	t.Helper()
	m, err := snapshot.NewManager(eng, t.TempDir(), nil)
	require.NoError(t, err)
	return m
}

func startServer(t *testing.T, handler Handler, snaps *snapshot.Manager) string {
	t.Helper()
	srv := grpc.NewServer(grpc.ForceServerCodec(api.JSONCodec{}))
	NewServer(handler, snaps, nil).Register(srv)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestGRPCSendRaftBatch(t *testing.T) {
	handler := newRecordingHandler()
	addr := startServer(t, handler, newSnapManager(t, memory.New()))

	tr := NewGRPCTransport(1, newSnapManager(t, memory.New()), nil, nil)
	defer tr.Close()
	tr.AddStore(2, addr)

	msg := Message{
		RegionID: 7,
		FromPeer: 71,
		ToPeer:   72,
		ToStore:  2,
		Raft:     raftpb.Message{From: 71, To: 72, Type: raftpb.MsgApp, Index: 5},
	}
	require.NoError(t, tr.Send([]Message{msg}))

	select {
	case got := <-handler.ch:
		assert.Equal(t, uint64(7), got.RegionID)
		assert.Equal(t, uint64(72), got.ToPeer)
		assert.Equal(t, uint64(1), got.FromStore)
		assert.Equal(t, raftpb.MsgApp, got.Raft.Type)
		assert.Equal(t, uint64(5), got.Raft.Index)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for raft message")
	}
}

func TestGRPCSendUnknownStore(t *testing.T) {
	tr := NewGRPCTransport(1, newSnapManager(t, memory.New()), nil, nil)
	defer tr.Close()

	err := tr.Send([]Message{{ToStore: 9, Raft: raftpb.Message{Type: raftpb.MsgHeartbeat}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown address")
}

func TestGRPCSendSnapshot(t *testing.T) {
	srcEng := memory.New()
	b := srcEng.NewBatch()
	for i := 0; i < 300; i++ {
		b.Put(keys.DataKey([]byte(fmt.Sprintf("k%04d", i))), []byte(fmt.Sprintf("v%d", i)))
	}
	require.NoError(t, srcEng.ApplyBatch(b))
	srcSnaps := newSnapManager(t, srcEng)

	region := regionpkg.Region{
		ID:    3,
		Range: regionpkg.KeyRange{Start: []byte("k"), End: []byte("l")},
		Epoch: regionpkg.Epoch{Version: 1, ConfVersion: 1},
		Peers: []regionpkg.Peer{{ID: 31, StoreID: 1}, {ID: 32, StoreID: 2}},
	}
	meta, err := srcSnaps.Generate(context.Background(), region, 20, 2)
	require.NoError(t, err)

	dstSnaps := newSnapManager(t, memory.New())
	addr := startServer(t, newRecordingHandler(), dstSnaps)

	tr := NewGRPCTransport(1, srcSnaps, nil, nil)
	defer tr.Close()
	tr.AddStore(2, addr)

	require.NoError(t, tr.SendSnapshot(context.Background(), 2, meta))
	assert.True(t, dstSnaps.Ready(meta))

	// A second send short-circuits on the receiver's existing file.
	require.NoError(t, tr.SendSnapshot(context.Background(), 2, meta))
}
