// Package transport moves raft messages and snapshot data between stores.
// Messages are addressed by (store, region, peer); delivery is best effort
// and raft's own retries paper over drops.
package transport

import (
	"context"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"rangekv/internal/snapshot"
)

// Message is one raft message with its routing envelope.
type Message struct {
	RegionID  uint64
	FromPeer  uint64
	FromStore uint64
	ToPeer    uint64
	ToStore   uint64
	Raft      raftpb.Message
}

// Handler is the inbound side on a store. Implementations must not block;
// a full mailbox drops the message.
type Handler interface {
	HandleRaftMessage(msg Message)
}

// Transport is the outbound side.
type Transport interface {
	// Send delivers messages to their target stores. Unknown or unreachable
	// stores are skipped; the first error is returned for observability but
	// callers treat sends as fire-and-forget.
	Send(msgs []Message) error

	// SendSnapshot streams the named snapshot's data file to a store,
	// resuming from whatever prefix the receiver already holds. The raft
	// MsgSnap itself travels separately via Send once this returns.
	SendSnapshot(ctx context.Context, toStore uint64, meta snapshot.Meta) error

	// AddStore registers or updates a peer store address.
	AddStore(id uint64, addr string)

	// RemoveStore drops a peer store and closes its streams.
	RemoveStore(id uint64)

	Close() error
}
