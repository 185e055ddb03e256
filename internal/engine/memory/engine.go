// Package memory provides a skiplist-backed engine. It keeps everything in
// process memory and is used by tests and lightweight tooling; durability is
// limited to the lifetime of the process.
package memory

import (
	"bytes"
	"sync"

	"github.com/huandu/skiplist"

	"rangekv/internal/engine"
)

// Engine stores keys in an ordered in-memory skiplist.
type Engine struct {
	mu   sync.RWMutex
	list *skiplist.SkipList
}

var _ engine.Engine = (*Engine)(nil)

// New constructs an empty in-memory engine.
func New() *Engine {
	return &Engine{list: skiplist.New(skiplist.Bytes)}
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	elem := e.list.Get(key)
	if elem == nil {
		return nil, engine.ErrKeyNotFound
	}
	val, _ := elem.Value.([]byte)
	return append([]byte(nil), val...), nil
}

func (e *Engine) NewBatch() engine.Batch {
	return &batch{}
}

func (e *Engine) ApplyBatch(b engine.Batch) error {
	mb := b.(*batch)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range mb.muts {
		switch m.kind {
		case mutPut:
			e.list.Set(m.key, append([]byte(nil), m.value...))
		case mutDelete:
			e.list.Remove(m.key)
		case mutDeleteRange:
			var doomed [][]byte
			for elem := e.list.Find(m.key); elem != nil; elem = elem.Next() {
				k := elem.Key().([]byte)
				if len(m.value) > 0 && bytes.Compare(k, m.value) >= 0 {
					break
				}
				doomed = append(doomed, k)
			}
			for _, k := range doomed {
				e.list.Remove(k)
			}
		}
	}
	return nil
}

// NewSnapshot copies the current contents into a frozen list. O(n), which is
// acceptable for the in-memory engine's test-scale datasets.
func (e *Engine) NewSnapshot() (engine.Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	frozen := skiplist.New(skiplist.Bytes)
	for elem := e.list.Front(); elem != nil; elem = elem.Next() {
		val, _ := elem.Value.([]byte)
		frozen.Set(elem.Key().([]byte), append([]byte(nil), val...))
	}
	return &snapshot{list: frozen}, nil
}

func (e *Engine) NewIterator(start, end []byte) (engine.Iterator, error) {
	snap, err := e.NewSnapshot()
	if err != nil {
		return nil, err
	}
	return snap.NewIterator(start, end)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.list = skiplist.New(skiplist.Bytes)
	e.mu.Unlock()
	return nil
}

type mutKind int8

const (
	mutPut mutKind = iota
	mutDelete
	mutDeleteRange
)

type mutation struct {
	kind  mutKind
	key   []byte
	value []byte // end key for mutDeleteRange
}

type batch struct {
	muts []mutation
}

func (b *batch) Put(key, value []byte) {
	b.muts = append(b.muts, mutation{
		kind:  mutPut,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

func (b *batch) Delete(key []byte) {
	b.muts = append(b.muts, mutation{kind: mutDelete, key: append([]byte(nil), key...)})
}

func (b *batch) DeleteRange(start, end []byte) {
	b.muts = append(b.muts, mutation{
		kind:  mutDeleteRange,
		key:   append([]byte(nil), start...),
		value: append([]byte(nil), end...),
	})
}

func (b *batch) Len() int { return len(b.muts) }

type snapshot struct {
	list *skiplist.SkipList
}

func (s *snapshot) Get(key []byte) ([]byte, error) {
	elem := s.list.Get(key)
	if elem == nil {
		return nil, engine.ErrKeyNotFound
	}
	val, _ := elem.Value.([]byte)
	return append([]byte(nil), val...), nil
}

func (s *snapshot) NewIterator(start, end []byte) (engine.Iterator, error) {
	var elem *skiplist.Element
	if len(start) > 0 {
		elem = s.list.Find(start)
	} else {
		elem = s.list.Front()
	}
	return &iterator{elem: elem, end: append([]byte(nil), end...)}, nil
}

func (s *snapshot) Close() error { return nil }

type iterator struct {
	elem *skiplist.Element
	end  []byte
}

func (i *iterator) Valid() bool {
	if i.elem == nil {
		return false
	}
	if len(i.end) > 0 && bytes.Compare(i.elem.Key().([]byte), i.end) >= 0 {
		return false
	}
	return true
}

func (i *iterator) Next() {
	if i.elem != nil {
		i.elem = i.elem.Next()
	}
}

func (i *iterator) Key() []byte {
	return i.elem.Key().([]byte)
}

func (i *iterator) Value() []byte {
	val, _ := i.elem.Value.([]byte)
	return val
}

func (i *iterator) Close() error { return nil }
