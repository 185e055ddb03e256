package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped rejects operations on a stopped store.
	ErrStopped = errors.New("store: stopped")

	// ErrMailboxFull signals that a region's inbound queue is saturated.
	// Callers back off and retry; raft traffic is simply dropped and
	// re-sent by the sender's raft.
	ErrMailboxFull = errors.New("store: region mailbox full")

	// ErrRegionNotFound means no peer for the region lives on this store.
	ErrRegionNotFound = errors.New("store: region not found on this store")
)

// RegionMissingError means no local region covers the key. The client
// should refresh its routing from the placement driver.
type RegionMissingError struct {
	Key []byte
}

func (e *RegionMissingError) Error() string {
	return fmt.Sprintf("store: no region for key %q", e.Key)
}

// EpochStaleError rejects an operation planned against an outdated region
// descriptor, carrying the current one for the client's cache.
type EpochStaleError struct {
	RegionID uint64
	Version  uint64
}

func (e *EpochStaleError) Error() string {
	return fmt.Sprintf("store: stale epoch for region %d, current version %d", e.RegionID, e.Version)
}
