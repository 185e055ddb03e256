// Package keys defines the engine key layout. User data lives under a data
// prefix so that per-region bookkeeping records can share the same engine
// without colliding with user keys.
package keys

import (
	"bytes"
	"encoding/binary"
)

const (
	// dataPrefix namespaces replicated user keys.
	dataPrefix = 'z'
	// localPrefix namespaces per-region bookkeeping records. 0x01 sorts
	// before any printable data prefix.
	localPrefix = 0x01

	// ApplyStateInfix marks per-region apply state records.
	ApplyStateInfix byte = 'a'
	// RegionStateInfix marks per-region metadata records.
	RegionStateInfix byte = 'r'
)

// DataKey wraps a user key into the data keyspace.
func DataKey(key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, dataPrefix)
	return append(out, key...)
}

// UserKey strips the data prefix. The argument must come from DataKey.
func UserKey(dataKey []byte) []byte {
	if len(dataKey) == 0 || dataKey[0] != dataPrefix {
		return dataKey
	}
	return dataKey[1:]
}

// IsDataKey reports whether k belongs to the data keyspace.
func IsDataKey(k []byte) bool {
	return len(k) > 0 && k[0] == dataPrefix
}

// DataRange converts a user key range into engine bounds. An empty user end
// key maps to the exclusive upper bound of the whole data keyspace.
func DataRange(start, end []byte) (lo, hi []byte) {
	lo = DataKey(start)
	if len(end) > 0 {
		hi = DataKey(end)
	} else {
		hi = []byte{dataPrefix + 1}
	}
	return lo, hi
}

// ApplyStateKey is the engine key holding a region's apply state record.
// It lives outside the data keyspace so snapshots and scans of user data
// never see it.
func ApplyStateKey(regionID uint64) []byte {
	return localKey(ApplyStateInfix, regionID)
}

// RegionStateKey is the engine key holding a region's local metadata record
// (range, epoch, peers, tombstone marker).
func RegionStateKey(regionID uint64) []byte {
	return localKey(RegionStateInfix, regionID)
}

func localKey(infix byte, regionID uint64) []byte {
	out := make([]byte, 10)
	out[0] = localPrefix
	out[1] = infix
	binary.BigEndian.PutUint64(out[2:], regionID)
	return out
}

// ParseLocalKey extracts the infix and region id from a local key.
func ParseLocalKey(k []byte) (infix byte, regionID uint64, ok bool) {
	if len(k) != 10 || k[0] != localPrefix {
		return 0, 0, false
	}
	return k[1], binary.BigEndian.Uint64(k[2:]), true
}

// LocalRange bounds the whole local keyspace.
func LocalRange() (lo, hi []byte) {
	return []byte{localPrefix}, []byte{localPrefix + 1}
}

// Equal reports byte equality, nil-safe.
func Equal(a, b []byte) bool { return bytes.Equal(a, b) }
