package huge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IMCG/nvm-malloc/internal/persist"
)

func newTestBase(t *testing.T, nChunks int) []byte {
	t.Helper()
	return make([]byte, nChunks*persist.ChunkSize)
}

func TestReserveGrowsWhenFreeTreeEmpty(t *testing.T) {
	base := newTestBase(t, 4)
	var grown uint64
	a := New(base, func(n uint64) persist.RelPtr {
		off := persist.RelPtr(grown) * persist.ChunkSize
		grown += n
		return off
	})

	off := a.Reserve(persist.ChunkSize) // one chunk's worth of payload
	require.Equal(t, persist.RelPtr(0), off)

	hdr := persist.Huge(base, off)
	assert.True(t, hdr.Tag.Is(persist.UsageHuge, persist.StateInitializing))
	assert.Equal(t, uint64(2), hdr.NChunks) // ChunkSize + HugeHeaderSize rounds up to 2 chunks
}

func TestActivateThenFreeReturnsChunksToTree(t *testing.T) {
	base := newTestBase(t, 4)
	a := New(base, func(n uint64) persist.RelPtr { return 0 })

	off := a.Reserve(1)
	a.Activate(off, 0, 0, 0, 0)

	hdr := persist.Huge(base, off)
	require.True(t, hdr.Tag.Is(persist.UsageHuge, persist.StateInitialized))

	a.Free(off, 0, 0, 0, 0)
	assert.True(t, hdr.Tag.Is(persist.UsageFree, persist.StateInitialized))

	require.Len(t, a.free, 1)
	assert.Equal(t, uint64(1), a.free[0].nChunks)
}

func TestReserveSplitsLargerFreeRun(t *testing.T) {
	base := newTestBase(t, 4)
	a := New(base, func(n uint64) persist.RelPtr { return 0 })
	a.AdoptFreeChunks(0, 3)

	off := a.Reserve(1)
	assert.Equal(t, persist.RelPtr(2*persist.ChunkSize), off)

	require.Len(t, a.free, 1)
	assert.Equal(t, uint64(2), a.free[0].nChunks)
	assert.Equal(t, persist.RelPtr(0), a.free[0].off)
}
