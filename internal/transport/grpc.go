package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"rangekv/internal/snapshot"
	"rangekv/pkg/api"
)

const defaultSnapshotChunkSize = 256 << 10

// Dialer abstracts dialing so tests can inject custom behaviour.
type Dialer interface {
	Dial(ctx context.Context, target string) (*grpc.ClientConn, error)
}

type DefaultDialer struct{}

func (DefaultDialer) Dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
	return grpc.DialContext(ctx, target, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

type storeConn struct {
	conn   *grpc.ClientConn
	stream api.RaftTransport_RaftClient
}

// GRPCTransport multiplexes raft traffic to each peer store over one
// long-lived client stream, and opens a dedicated stream per snapshot
// transfer.
type GRPCTransport struct {
	storeID   uint64
	snaps     *snapshot.Manager
	dialer    Dialer
	logger    *zap.Logger
	chunkSize int

	mu    sync.RWMutex
	addrs map[uint64]string
	conns map[uint64]*storeConn
}

func NewGRPCTransport(storeID uint64, snaps *snapshot.Manager, dialer Dialer, logger *zap.Logger) *GRPCTransport {
	if dialer == nil {
		dialer = DefaultDialer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCTransport{
		storeID:   storeID,
		snaps:     snaps,
		dialer:    dialer,
		logger:    logger.Named("transport"),
		chunkSize: defaultSnapshotChunkSize,
		addrs:     make(map[uint64]string),
		conns:     make(map[uint64]*storeConn),
	}
}

func (t *GRPCTransport) AddStore(id uint64, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.addrs[id] == addr {
		return
	}
	t.addrs[id] = addr
	t.closeConnLocked(id)
}

func (t *GRPCTransport) RemoveStore(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.addrs, id)
	t.closeConnLocked(id)
}

func (t *GRPCTransport) Send(msgs []Message) error {
	byStore := make(map[uint64][]api.RegionMessage)
	for _, msg := range msgs {
		raw, err := msg.Raft.Marshal()
		if err != nil {
			return err
		}
		byStore[msg.ToStore] = append(byStore[msg.ToStore], api.RegionMessage{
			RegionID:  msg.RegionID,
			FromPeer:  msg.FromPeer,
			FromStore: t.storeID,
			ToPeer:    msg.ToPeer,
			ToStore:   msg.ToStore,
			Payload:   raw,
		})
	}
	var firstErr error
	for storeID, batch := range byStore {
		if err := t.sendBatch(storeID, batch); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			t.logger.Debug("raft batch dropped",
				zap.Uint64("to_store", storeID),
				zap.Int("messages", len(batch)),
				zap.Error(err))
		}
	}
	return firstErr
}

func (t *GRPCTransport) sendBatch(storeID uint64, batch []api.RegionMessage) error {
	sc, err := t.ensureConn(storeID)
	if err != nil {
		return err
	}
	if err := sc.stream.Send(&api.RaftBatch{Messages: batch}); err != nil {
		t.mu.Lock()
		t.closeConnLocked(storeID)
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *GRPCTransport) SendSnapshot(ctx context.Context, toStore uint64, meta snapshot.Meta) error {
	sc, err := t.ensureConn(toStore)
	if err != nil {
		return err
	}
	stream, err := api.NewSnapshotServiceClient(sc.conn).Stream(ctx)
	if err != nil {
		return err
	}

	metaRaw, err := snapshot.EncodeMeta(meta)
	if err != nil {
		return err
	}
	if err := stream.Send(&api.SnapshotChunk{Meta: metaRaw}); err != nil {
		return err
	}
	ack, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("snapshot handshake with store %d: %w", toStore, err)
	}
	if ack.Received {
		// Receiver already holds the whole file from an earlier attempt.
		return stream.CloseSend()
	}

	sender, err := t.snaps.OpenSender(meta, ack.Resume, t.chunkSize)
	if err != nil {
		return err
	}
	defer sender.Close()
	for {
		chunk, err := sender.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := stream.Send(&api.SnapshotChunk{
			Offset: chunk.Offset,
			Data:   chunk.Data,
			Last:   chunk.Last,
		}); err != nil {
			return fmt.Errorf("snapshot stream to store %d: %w", toStore, err)
		}
	}
	final, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("snapshot final ack from store %d: %w", toStore, err)
	}
	if !final.Received {
		return fmt.Errorf("store %d did not accept snapshot %s", toStore, meta.Name())
	}
	return stream.CloseSend()
}

func (t *GRPCTransport) ensureConn(storeID uint64) (*storeConn, error) {
	t.mu.RLock()
	sc, ok := t.conns[storeID]
	addr := t.addrs[storeID]
	t.mu.RUnlock()
	if ok {
		return sc, nil
	}
	if addr == "" {
		return nil, fmt.Errorf("unknown address for store %d", storeID)
	}
	conn, err := t.dialer.Dial(context.Background(), addr)
	if err != nil {
		return nil, err
	}
	stream, err := api.NewRaftTransportClient(conn).Raft(context.Background())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	sc = &storeConn{conn: conn, stream: stream}
	t.mu.Lock()
	if existing, ok := t.conns[storeID]; ok {
		t.mu.Unlock()
		_ = stream.CloseSend()
		_ = conn.Close()
		return existing, nil
	}
	t.conns[storeID] = sc
	t.mu.Unlock()
	return sc, nil
}

func (t *GRPCTransport) closeConnLocked(storeID uint64) {
	if sc, ok := t.conns[storeID]; ok {
		_, _ = sc.stream.CloseAndRecv()
		_ = sc.conn.Close()
		delete(t.conns, storeID)
	}
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.conns {
		t.closeConnLocked(id)
	}
	return nil
}

// Server is the inbound side: it feeds raft batches to the store's handler
// and snapshot streams to the snapshot manager.
type Server struct {
	handler Handler
	snaps   *snapshot.Manager
	logger  *zap.Logger
}

func NewServer(handler Handler, snaps *snapshot.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{handler: handler, snaps: snaps, logger: logger.Named("transport")}
}

// Register binds both services on a grpc server.
func (s *Server) Register(g *grpc.Server) {
	api.RegisterRaftTransportServer(g, s)
	api.RegisterSnapshotServiceServer(g, s)
}

func (s *Server) Raft(stream api.RaftTransport_RaftServer) error {
	for {
		batch, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&api.RaftDone{})
		}
		if err != nil {
			return err
		}
		for _, rm := range batch.Messages {
			var m raftpb.Message
			if err := m.Unmarshal(rm.Payload); err != nil {
				s.logger.Warn("undecodable raft message",
					zap.Uint64("region", rm.RegionID), zap.Error(err))
				continue
			}
			s.handler.HandleRaftMessage(Message{
				RegionID:  rm.RegionID,
				FromPeer:  rm.FromPeer,
				FromStore: rm.FromStore,
				ToPeer:    rm.ToPeer,
				ToStore:   rm.ToStore,
				Raft:      m,
			})
		}
	}
}

func (s *Server) Stream(stream api.SnapshotService_StreamServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	meta, err := snapshot.DecodeMeta(first.Meta)
	if err != nil {
		return err
	}
	if s.snaps.Ready(meta) {
		return stream.Send(&api.SnapshotAck{Received: true})
	}
	recv, err := s.snaps.Receive(meta)
	if err != nil {
		return err
	}
	if err := stream.Send(&api.SnapshotAck{Resume: recv.Offset()}); err != nil {
		return err
	}
	for {
		chunk, err := stream.Recv()
		if err != nil {
			// Broken transfer; the partial file stays for a resumed attempt.
			return err
		}
		if err := recv.WriteChunk(snapshot.Chunk{
			Offset: chunk.Offset,
			Data:   chunk.Data,
			Last:   chunk.Last,
		}); err != nil {
			return err
		}
		if chunk.Last {
			s.logger.Info("snapshot received",
				zap.Uint64("region", uint64(meta.Region.ID)),
				zap.Uint64("index", meta.Index),
				zap.Uint64("bytes", meta.Size))
			return stream.Send(&api.SnapshotAck{Received: true})
		}
	}
}
