// Package pebble adapts cockroachdb/pebble to the engine capability set.
package pebble

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"rangekv/internal/engine"
)

// Engine is the production engine backed by a pebble LSM instance.
type Engine struct {
	db *pebble.DB
}

var _ engine.Engine = (*Engine)(nil)

// Open opens (creating if necessary) a pebble database rooted at dir.
func Open(dir string) (*Engine, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	val, closer, err := e.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, engine.ErrKeyNotFound
		}
		return nil, err
	}
	out := append([]byte(nil), val...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) NewBatch() engine.Batch {
	return &batch{b: e.db.NewBatch()}
}

func (e *Engine) ApplyBatch(b engine.Batch) error {
	pb, ok := b.(*batch)
	if !ok {
		return fmt.Errorf("pebble engine: foreign batch type %T", b)
	}
	return e.db.Apply(pb.b, pebble.Sync)
}

func (e *Engine) NewSnapshot() (engine.Snapshot, error) {
	return &snapshot{s: e.db.NewSnapshot()}, nil
}

func (e *Engine) NewIterator(start, end []byte) (engine.Iterator, error) {
	it, err := e.db.NewIter(iterOptions(start, end))
	if err != nil {
		return nil, err
	}
	return newIterator(it), nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

type batch struct {
	b *pebble.Batch
	n int
}

func (b *batch) Put(key, value []byte) {
	_ = b.b.Set(key, value, nil)
	b.n++
}

func (b *batch) Delete(key []byte) {
	_ = b.b.Delete(key, nil)
	b.n++
}

func (b *batch) DeleteRange(start, end []byte) {
	_ = b.b.DeleteRange(start, end, nil)
	b.n++
}

func (b *batch) Len() int { return b.n }

type snapshot struct {
	s *pebble.Snapshot
}

func (s *snapshot) Get(key []byte) ([]byte, error) {
	val, closer, err := s.s.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, engine.ErrKeyNotFound
		}
		return nil, err
	}
	out := append([]byte(nil), val...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *snapshot) NewIterator(start, end []byte) (engine.Iterator, error) {
	it, err := s.s.NewIter(iterOptions(start, end))
	if err != nil {
		return nil, err
	}
	return newIterator(it), nil
}

func (s *snapshot) Close() error {
	return s.s.Close()
}

func iterOptions(start, end []byte) *pebble.IterOptions {
	opts := &pebble.IterOptions{}
	if len(start) > 0 {
		opts.LowerBound = start
	}
	if len(end) > 0 {
		opts.UpperBound = end
	}
	return opts
}

type iterator struct {
	it    *pebble.Iterator
	valid bool
}

func newIterator(it *pebble.Iterator) *iterator {
	return &iterator{it: it, valid: it.First()}
}

func (i *iterator) Valid() bool   { return i.valid }
func (i *iterator) Next()         { i.valid = i.it.Next() }
func (i *iterator) Key() []byte   { return i.it.Key() }
func (i *iterator) Value() []byte { return i.it.Value() }
func (i *iterator) Close() error  { return i.it.Close() }
