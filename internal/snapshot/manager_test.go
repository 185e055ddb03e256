package snapshot

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rangekv/internal/apply"
	"rangekv/internal/engine"
	"rangekv/internal/engine/memory"
	"rangekv/internal/keys"
	regionpkg "rangekv/internal/region"
)

func testRegion() regionpkg.Region {
	return regionpkg.Region{
		ID:    1,
		Range: regionpkg.KeyRange{Start: []byte("a"), End: []byte("n")},
		Epoch: regionpkg.Epoch{Version: 2, ConfVersion: 1},
		Peers: []regionpkg.Peer{{ID: 11, StoreID: 1}, {ID: 12, StoreID: 2}},
	}
}

func seedData(t *testing.T, eng engine.Engine, n int) {
	t.Helper()
	b := eng.NewBatch()
	for i := 0; i < n; i++ {
		b.Put(keys.DataKey([]byte(fmt.Sprintf("a%04d", i))), []byte(fmt.Sprintf("val-%d", i)))
	}
	// Outside the region range; must not appear in the snapshot.
	b.Put(keys.DataKey([]byte("zzz")), []byte("other-region"))
	require.NoError(t, eng.ApplyBatch(b))
}

func newManager(t *testing.T, eng engine.Engine) *Manager {
	t.Helper()
	m, err := NewManager(eng, t.TempDir(), nil)
	require.NoError(t, err)
	return m
}

func transfer(t *testing.T, src, dst *Manager, meta Meta, chunkSize int) {
	t.Helper()
	recv, err := dst.Receive(meta)
	require.NoError(t, err)
	sender, err := src.OpenSender(meta, recv.Offset(), chunkSize)
	require.NoError(t, err)
	defer sender.Close()
	for {
		chunk, err := sender.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, recv.WriteChunk(chunk))
	}
	require.True(t, recv.Complete())
}

func TestGenerateTransferInstall(t *testing.T) {
	srcEng := memory.New()
	seedData(t, srcEng, 200)
	src := newManager(t, srcEng)

	meta, err := src.Generate(context.Background(), testRegion(), 42, 3)
	require.NoError(t, err)
	assert.NotZero(t, meta.Size)
	assert.NotZero(t, meta.Checksum)

	dstEng := memory.New()
	dst := newManager(t, dstEng)
	transfer(t, src, dst, meta, 512)
	require.True(t, dst.Ready(meta))

	require.NoError(t, dst.Install(meta))

	val, err := dstEng.Get(keys.DataKey([]byte("a0100")))
	require.NoError(t, err)
	assert.Equal(t, []byte("val-100"), val)

	// Out-of-range key did not travel.
	_, err = dstEng.Get(keys.DataKey([]byte("zzz")))
	assert.ErrorIs(t, err, engine.ErrKeyNotFound)

	st, err := apply.LoadState(dstEng, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), st.AppliedIndex)
	assert.Equal(t, uint64(3), st.AppliedTerm)

	r, found, err := apply.LoadRegionState(dstEng, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("n"), r.Range.End)
}

func TestInstallReplacesExistingRange(t *testing.T) {
	srcEng := memory.New()
	seedData(t, srcEng, 10)
	src := newManager(t, srcEng)
	meta, err := src.Generate(context.Background(), testRegion(), 9, 1)
	require.NoError(t, err)

	dstEng := memory.New()
	b := dstEng.NewBatch()
	b.Put(keys.DataKey([]byte("a9999")), []byte("stale"))
	require.NoError(t, dstEng.ApplyBatch(b))

	dst := newManager(t, dstEng)
	transfer(t, src, dst, meta, 256)
	require.NoError(t, dst.Install(meta))

	// Pre-existing data in the range is wiped by the install.
	_, err = dstEng.Get(keys.DataKey([]byte("a9999")))
	assert.ErrorIs(t, err, engine.ErrKeyNotFound)
}

func TestResumeAfterBrokenTransfer(t *testing.T) {
	srcEng := memory.New()
	seedData(t, srcEng, 500)
	src := newManager(t, srcEng)
	meta, err := src.Generate(context.Background(), testRegion(), 100, 2)
	require.NoError(t, err)

	dstEng := memory.New()
	dst := newManager(t, dstEng)

	// First attempt delivers only two chunks, then the connection "drops".
	recv, err := dst.Receive(meta)
	require.NoError(t, err)
	sender, err := src.OpenSender(meta, 0, 128)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		chunk, err := sender.Next()
		require.NoError(t, err)
		require.NoError(t, recv.WriteChunk(chunk))
	}
	require.NoError(t, sender.Close())
	assert.Equal(t, uint64(256), recv.Offset())

	// Second attempt resumes from the receiver's offset.
	transfer(t, src, dst, meta, 128)
	require.NoError(t, dst.Install(meta))
}

func TestCorruptChunkDiscardsStaging(t *testing.T) {
	srcEng := memory.New()
	seedData(t, srcEng, 50)
	src := newManager(t, srcEng)
	meta, err := src.Generate(context.Background(), testRegion(), 7, 1)
	require.NoError(t, err)

	dstEng := memory.New()
	dst := newManager(t, dstEng)
	recv, err := dst.Receive(meta)
	require.NoError(t, err)

	sender, err := src.OpenSender(meta, 0, int(meta.Size))
	require.NoError(t, err)
	defer sender.Close()
	chunk, err := sender.Next()
	require.NoError(t, err)
	chunk.Data[0] ^= 0xff // corrupt in flight

	err = recv.WriteChunk(chunk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.False(t, dst.Ready(meta))

	// Nothing was installed; the engine is untouched.
	_, found, err := apply.LoadRegionState(dstEng, 1)
	require.NoError(t, err)
	assert.False(t, found)

	// A fresh receive starts from zero.
	recv, err = dst.Receive(meta)
	require.NoError(t, err)
	assert.Zero(t, recv.Offset())
}

func TestGenerateCancellation(t *testing.T) {
	srcEng := memory.New()
	seedData(t, srcEng, 3000)
	src := newManager(t, srcEng)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Generate(ctx, testRegion(), 1, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOutOfOrderChunkRejected(t *testing.T) {
	srcEng := memory.New()
	seedData(t, srcEng, 50)
	src := newManager(t, srcEng)
	meta, err := src.Generate(context.Background(), testRegion(), 5, 1)
	require.NoError(t, err)

	dst := newManager(t, memory.New())
	recv, err := dst.Receive(meta)
	require.NoError(t, err)

	err = recv.WriteChunk(Chunk{Offset: 999, Data: []byte("x")})
	assert.Error(t, err)
}
