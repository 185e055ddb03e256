package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"rangekv/internal/snapshot"
)

// Network wires MemoryTransports together inside one process. Stores can be
// taken down and brought back to simulate crashes and partitions.
type Network struct {
	mu     sync.RWMutex
	stores map[uint64]*MemoryTransport
	down   map[uint64]bool
}

func NewNetwork() *Network {
	return &Network{
		stores: make(map[uint64]*MemoryTransport),
		down:   make(map[uint64]bool),
	}
}

// Join registers a store on the network and returns its transport.
func (n *Network) Join(storeID uint64, handler Handler, snaps *snapshot.Manager) *MemoryTransport {
	t := &MemoryTransport{net: n, storeID: storeID, handler: handler, snaps: snaps}
	n.mu.Lock()
	n.stores[storeID] = t
	n.mu.Unlock()
	return t
}

// Disconnect drops all traffic to and from a store.
func (n *Network) Disconnect(storeID uint64) {
	n.mu.Lock()
	n.down[storeID] = true
	n.mu.Unlock()
}

// Reconnect restores a disconnected store.
func (n *Network) Reconnect(storeID uint64) {
	n.mu.Lock()
	delete(n.down, storeID)
	n.mu.Unlock()
}

func (n *Network) target(from, to uint64) *MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.down[from] || n.down[to] {
		return nil
	}
	return n.stores[to]
}

// MemoryTransport delivers messages by direct handler call. Handlers are
// required to be non-blocking, so delivery is synchronous.
type MemoryTransport struct {
	net     *Network
	storeID uint64
	handler Handler
	snaps   *snapshot.Manager
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) Send(msgs []Message) error {
	for _, msg := range msgs {
		target := t.net.target(t.storeID, msg.ToStore)
		if target == nil {
			continue
		}
		msg.FromStore = t.storeID
		target.handler.HandleRaftMessage(msg)
	}
	return nil
}

func (t *MemoryTransport) SendSnapshot(ctx context.Context, toStore uint64, meta snapshot.Meta) error {
	target := t.net.target(t.storeID, toStore)
	if target == nil {
		return fmt.Errorf("store %d unreachable", toStore)
	}
	recv, err := target.snaps.Receive(meta)
	if err != nil {
		return err
	}
	sender, err := t.snaps.OpenSender(meta, recv.Offset(), defaultSnapshotChunkSize)
	if err != nil {
		return err
	}
	defer sender.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := sender.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := recv.WriteChunk(chunk); err != nil {
			return err
		}
	}
}

func (t *MemoryTransport) AddStore(uint64, string) {}

func (t *MemoryTransport) RemoveStore(uint64) {}

func (t *MemoryTransport) Close() error {
	t.net.mu.Lock()
	delete(t.net.stores, t.storeID)
	t.net.mu.Unlock()
	return nil
}
