// Package engine defines the storage capability set the replication core
// needs from a single-node key-value engine: durable write batches, a
// point-in-time read snapshot, and range scans. The core never assumes
// anything about the engine's on-disk format.
package engine

import "errors"

// ErrKeyNotFound is returned by point lookups on missing keys.
var ErrKeyNotFound = errors.New("engine: key not found")

// Engine is the single-node storage collaborator. The apply pipeline is the
// only writer; the snapshot manager and backup engine read through
// point-in-time snapshots.
type Engine interface {
	// Get returns the value for key or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)

	// NewBatch starts an empty write batch.
	NewBatch() Batch

	// ApplyBatch atomically and durably applies a batch produced by NewBatch.
	ApplyBatch(b Batch) error

	// NewSnapshot captures a point-in-time read view. The snapshot must stay
	// consistent while ongoing writes proceed.
	NewSnapshot() (Snapshot, error)

	// NewIterator scans [start, end); empty end means unbounded.
	NewIterator(start, end []byte) (Iterator, error)

	Close() error
}

// Batch accumulates mutations applied atomically by ApplyBatch.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	// DeleteRange removes every key in [start, end).
	DeleteRange(start, end []byte)
	// Len reports the number of accumulated mutations.
	Len() int
}

// Snapshot is a point-in-time read view over the engine.
type Snapshot interface {
	Get(key []byte) ([]byte, error)
	NewIterator(start, end []byte) (Iterator, error)
	Close() error
}

// Iterator walks keys in ascending order. Key and Value are only valid until
// the next call to Next or Close; callers copy what they keep.
type Iterator interface {
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	Close() error
}
