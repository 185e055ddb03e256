// Package snapshot generates, transfers, and installs full-state region
// snapshots for lagging or newly added peers. Generation reads through an
// engine snapshot so it never blocks ongoing writes; installation is
// all-or-nothing.
package snapshot

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"rangekv/internal/apply"
	"rangekv/internal/engine"
	"rangekv/internal/keys"
	regionpkg "rangekv/internal/region"
)

// DefaultChunkSize bounds one transfer chunk.
const DefaultChunkSize = 1 << 20

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Meta identifies and describes one generated snapshot. It is small enough
// to ride inside raftpb.Snapshot.Data while the bulk payload moves through
// the chunk stream.
type Meta struct {
	Region   regionpkg.Region `json:"region"`
	Index    uint64           `json:"index"`
	Term     uint64           `json:"term"`
	Size     uint64           `json:"size"`
	Checksum uint32           `json:"checksum"`
}

// Name returns the on-disk identity of the snapshot.
func (m Meta) Name() string {
	return fmt.Sprintf("%d_%d_%d", m.Region.ID, m.Index, m.Term)
}

// EncodeMeta serialises meta for raftpb.Snapshot.Data.
func EncodeMeta(m Meta) ([]byte, error) { return json.Marshal(m) }

// DecodeMeta parses raftpb.Snapshot.Data back into a Meta.
func DecodeMeta(data []byte) (Meta, error) {
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("decode snapshot meta: %w", err)
	}
	return m, nil
}

// Manager owns the snapshot staging directory of one store.
type Manager struct {
	eng    engine.Engine
	dir    string
	logger *zap.Logger

	mu        sync.Mutex
	receiving map[string]*Receiver
}

// NewManager creates the staging directory if needed.
func NewManager(eng engine.Engine, dir string, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		eng:       eng,
		dir:       dir,
		logger:    logger.Named("snapshot"),
		receiving: make(map[string]*Receiver),
	}, nil
}

func (m *Manager) dataPath(name string) string {
	return filepath.Join(m.dir, name+".snap")
}

func (m *Manager) stagingPath(name string) string {
	return filepath.Join(m.dir, name+".recv")
}

// Generate captures the region's data range at a consistent point in time
// and writes it to a snapshot file. The context cancels generation, e.g.
// when the target peer caught up through normal replication meanwhile.
func (m *Manager) Generate(ctx context.Context, r regionpkg.Region, index, term uint64) (Meta, error) {
	snap, err := m.eng.NewSnapshot()
	if err != nil {
		return Meta{}, fmt.Errorf("engine snapshot: %w", err)
	}
	defer snap.Close()

	lo, hi := keys.DataRange(r.Range.Start, r.Range.End)
	it, err := snap.NewIterator(lo, hi)
	if err != nil {
		return Meta{}, err
	}
	defer it.Close()

	meta := Meta{Region: r.Clone(), Index: index, Term: term}
	path := m.dataPath(meta.Name())
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return Meta{}, err
	}
	defer f.Close()

	hash := crc32.New(castagnoli)
	w := io.MultiWriter(f, hash)
	var size uint64
	var lenBuf [4]byte
	writeField := func(p []byte) error {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := w.Write(p)
		size += uint64(4 + len(p))
		return err
	}

	n := 0
	for ; it.Valid(); it.Next() {
		if n%1024 == 0 {
			select {
			case <-ctx.Done():
				_ = os.Remove(tmp)
				return Meta{}, ctx.Err()
			default:
			}
		}
		if err := writeField(keys.UserKey(it.Key())); err != nil {
			_ = os.Remove(tmp)
			return Meta{}, err
		}
		if err := writeField(it.Value()); err != nil {
			_ = os.Remove(tmp)
			return Meta{}, err
		}
		n++
	}
	if err := f.Sync(); err != nil {
		_ = os.Remove(tmp)
		return Meta{}, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return Meta{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return Meta{}, err
	}

	meta.Size = size
	meta.Checksum = hash.Sum32()
	m.logger.Info("generated snapshot",
		zap.Uint64("region", uint64(r.ID)),
		zap.Uint64("index", index),
		zap.Uint64("size", size),
		zap.Int("keys", n))
	return meta, nil
}

// Chunk is one transfer unit of a snapshot payload.
type Chunk struct {
	Offset uint64
	Data   []byte
	Last   bool
}

// OpenSender opens the snapshot file for chunked reading starting at offset,
// supporting resumption after a broken transfer.
func (m *Manager) OpenSender(meta Meta, offset uint64, chunkSize int) (*Sender, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	f, err := os.Open(m.dataPath(meta.Name()))
	if err != nil {
		return nil, fmt.Errorf("open snapshot for sending: %w", err)
	}
	if offset > 0 {
		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return &Sender{f: f, meta: meta, offset: offset, chunkSize: chunkSize}, nil
}

// Sender reads sequential chunks from a generated snapshot.
type Sender struct {
	f         *os.File
	meta      Meta
	offset    uint64
	chunkSize int
}

// Next returns the next chunk, with Last set on the final one. After the
// last chunk it returns io.EOF.
func (s *Sender) Next() (Chunk, error) {
	if s.offset >= s.meta.Size {
		return Chunk{}, io.EOF
	}
	buf := make([]byte, s.chunkSize)
	n, err := io.ReadFull(s.f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return Chunk{}, err
	}
	chunk := Chunk{Offset: s.offset, Data: buf[:n]}
	s.offset += uint64(n)
	chunk.Last = s.offset >= s.meta.Size
	return chunk, nil
}

// Close releases the underlying file.
func (s *Sender) Close() error { return s.f.Close() }

// Receive returns the staging receiver for a snapshot, creating it on first
// use. Offset reports how many bytes are already staged, so a reconnecting
// sender resumes instead of restarting.
func (m *Manager) Receive(meta Meta) (*Receiver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.receiving[meta.Name()]; ok {
		return r, nil
	}
	path := m.stagingPath(meta.Name())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(st.Size(), io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	r := &Receiver{mgr: m, meta: meta, f: f, offset: uint64(st.Size())}
	m.receiving[meta.Name()] = r
	return r, nil
}

// Receiver stages inbound snapshot chunks on disk.
type Receiver struct {
	mgr  *Manager
	meta Meta

	mu     sync.Mutex
	f      *os.File
	offset uint64
	done   bool
}

// Offset reports the resume point for the sender.
func (r *Receiver) Offset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// WriteChunk appends one chunk. Chunks must arrive in order; an unexpected
// offset is rejected and the sender re-syncs from Offset().
func (r *Receiver) WriteChunk(c Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return fmt.Errorf("snapshot %s: already complete", r.meta.Name())
	}
	if c.Offset != r.offset {
		return fmt.Errorf("snapshot %s: chunk offset %d, want %d", r.meta.Name(), c.Offset, r.offset)
	}
	if _, err := r.f.Write(c.Data); err != nil {
		return err
	}
	r.offset += uint64(len(c.Data))
	if c.Last {
		if err := r.finishLocked(); err != nil {
			return err
		}
	}
	return nil
}

// finishLocked verifies size and checksum, then promotes the staged file.
// Any failure discards the staging state so a fresh snapshot is requested
// rather than a partial one merged.
func (r *Receiver) finishLocked() error {
	if err := r.f.Sync(); err != nil {
		return r.discardLocked(err)
	}
	if r.offset != r.meta.Size {
		return r.discardLocked(fmt.Errorf("size %d, want %d", r.offset, r.meta.Size))
	}
	if _, err := r.f.Seek(0, io.SeekStart); err != nil {
		return r.discardLocked(err)
	}
	hash := crc32.New(castagnoli)
	if _, err := io.Copy(hash, r.f); err != nil {
		return r.discardLocked(err)
	}
	if hash.Sum32() != r.meta.Checksum {
		return r.discardLocked(fmt.Errorf("checksum mismatch: got %08x want %08x", hash.Sum32(), r.meta.Checksum))
	}
	if err := r.f.Close(); err != nil {
		return r.discardLocked(err)
	}
	if err := os.Rename(r.mgr.stagingPath(r.meta.Name()), r.mgr.dataPath(r.meta.Name())); err != nil {
		return r.discardLocked(err)
	}
	r.done = true
	r.mgr.mu.Lock()
	delete(r.mgr.receiving, r.meta.Name())
	r.mgr.mu.Unlock()
	return nil
}

func (r *Receiver) discardLocked(cause error) error {
	_ = r.f.Close()
	_ = os.Remove(r.mgr.stagingPath(r.meta.Name()))
	r.mgr.mu.Lock()
	delete(r.mgr.receiving, r.meta.Name())
	r.mgr.mu.Unlock()
	return fmt.Errorf("snapshot %s receive failed: %w", r.meta.Name(), cause)
}

// Complete reports whether the snapshot payload is fully staged and
// verified.
func (r *Receiver) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Ready reports whether a verified payload for meta exists locally.
func (m *Manager) Ready(meta Meta) bool {
	st, err := os.Stat(m.dataPath(meta.Name()))
	return err == nil && uint64(st.Size()) == meta.Size
}

// Install replaces the region's data range with the snapshot contents in a
// single atomic engine batch: clear the range, write every snapshot pair,
// and record the region and apply state. Either all of it becomes visible
// or none of it does.
func (m *Manager) Install(meta Meta) error {
	f, err := os.Open(m.dataPath(meta.Name()))
	if err != nil {
		return fmt.Errorf("snapshot %s not staged: %w", meta.Name(), err)
	}
	defer f.Close()

	hash := crc32.New(castagnoli)
	reader := io.TeeReader(f, hash)

	batch := m.eng.NewBatch()
	lo, hi := keys.DataRange(meta.Region.Range.Start, meta.Region.Range.End)
	batch.DeleteRange(lo, hi)

	var lenBuf [4]byte
	readField := func() ([]byte, error) {
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			return nil, err
		}
		buf := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	n := 0
	for {
		key, err := readField()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("snapshot %s: corrupt record: %w", meta.Name(), err)
		}
		val, err := readField()
		if err != nil {
			return fmt.Errorf("snapshot %s: corrupt record: %w", meta.Name(), err)
		}
		batch.Put(keys.DataKey(key), val)
		n++
	}
	if hash.Sum32() != meta.Checksum {
		return fmt.Errorf("snapshot %s: checksum mismatch on install", meta.Name())
	}

	installed := meta.Region.Clone()
	apply.SetRegionState(batch, installed)
	apply.SetState(batch, uint64(installed.ID), apply.State{
		AppliedIndex:   meta.Index,
		AppliedTerm:    meta.Term,
		TruncatedIndex: meta.Index,
	})
	if err := m.eng.ApplyBatch(batch); err != nil {
		return fmt.Errorf("snapshot %s: install batch: %w", meta.Name(), err)
	}
	m.logger.Info("installed snapshot",
		zap.Uint64("region", uint64(installed.ID)),
		zap.Uint64("index", meta.Index),
		zap.Int("keys", n))
	return nil
}

// Remove deletes local payloads for meta, staged or complete.
func (m *Manager) Remove(meta Meta) {
	_ = os.Remove(m.dataPath(meta.Name()))
	_ = os.Remove(m.stagingPath(meta.Name()))
}
