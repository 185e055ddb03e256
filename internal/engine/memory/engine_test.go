package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rangekv/internal/engine"
)

func TestBatchApplyAndGet(t *testing.T) {
	e := New()
	defer e.Close()

	b := e.NewBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	b.Delete([]byte("a"))
	require.Equal(t, 3, b.Len())
	require.NoError(t, e.ApplyBatch(b))

	_, err := e.Get([]byte("a"))
	assert.ErrorIs(t, err, engine.ErrKeyNotFound)

	val, err := e.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), val)
}

func TestDeleteRange(t *testing.T) {
	e := New()
	defer e.Close()

	b := e.NewBatch()
	for i := 0; i < 10; i++ {
		b.Put([]byte(fmt.Sprintf("k%02d", i)), []byte("v"))
	}
	require.NoError(t, e.ApplyBatch(b))

	b = e.NewBatch()
	b.DeleteRange([]byte("k03"), []byte("k07"))
	require.NoError(t, e.ApplyBatch(b))

	it, err := e.NewIterator(nil, nil)
	require.NoError(t, err)
	defer it.Close()
	var keys []string
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	assert.Equal(t, []string{"k00", "k01", "k02", "k07", "k08", "k09"}, keys)
}

func TestSnapshotIsolation(t *testing.T) {
	e := New()
	defer e.Close()

	b := e.NewBatch()
	b.Put([]byte("k"), []byte("before"))
	require.NoError(t, e.ApplyBatch(b))

	snap, err := e.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	b = e.NewBatch()
	b.Put([]byte("k"), []byte("after"))
	b.Put([]byte("new"), []byte("x"))
	require.NoError(t, e.ApplyBatch(b))

	val, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), val)

	_, err = snap.Get([]byte("new"))
	assert.ErrorIs(t, err, engine.ErrKeyNotFound)

	// Live reads see the new state.
	val, err = e.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), val)
}

func TestIteratorBounds(t *testing.T) {
	e := New()
	defer e.Close()

	b := e.NewBatch()
	for _, k := range []string{"a", "c", "e", "g"} {
		b.Put([]byte(k), []byte(k))
	}
	require.NoError(t, e.ApplyBatch(b))

	it, err := e.NewIterator([]byte("b"), []byte("f"))
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	assert.Equal(t, []string{"c", "e"}, keys)
}
