package heap_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/mem/heap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHeap(t *testing.T, size int) *heap.Heap {
	t.Helper()
	h, err := heap.New(make([]byte, size), logr.Discard())
	require.NoError(t, err)
	return h
}

func TestAllocFree(t *testing.T) {
	h := newHeap(t, 4096)

	p, err := h.Alloc(100)
	require.NoError(t, err)
	assert.NotZero(t, p)

	b := h.Bytes(p)
	assert.GreaterOrEqual(t, len(b), 100)

	require.NoError(t, h.Validate())
	require.NoError(t, h.Free(p))
	require.NoError(t, h.Validate())
}

func TestAllocZeroReturnsNull(t *testing.T) {
	h := newHeap(t, 4096)
	p, err := h.Alloc(0)
	require.NoError(t, err)
	assert.Zero(t, p)
}

func TestFreeNullIsNoop(t *testing.T) {
	h := newHeap(t, 4096)
	assert.NoError(t, h.Free(0))
}

func TestOutOfMemory(t *testing.T) {
	h := newHeap(t, 64)
	_, err := h.Alloc(1000)
	assert.ErrorIs(t, err, kernerr.ErrOutOfMemory)
}

func TestFreeCoalescesAdjacentBlocks(t *testing.T) {
	h := newHeap(t, 4096)

	p1, err := h.Alloc(64)
	require.NoError(t, err)
	p2, err := h.Alloc(64)
	require.NoError(t, err)
	p3, err := h.Alloc(64)
	require.NoError(t, err)

	freeBefore := h.FreeMem()

	require.NoError(t, h.Free(p1))
	require.NoError(t, h.Free(p2))

	assert.Greater(t, h.FreeMem(), freeBefore)
	require.NoError(t, h.Validate())

	require.NoError(t, h.Free(p3))
	require.NoError(t, h.Validate())
}

func TestReallocGrowPreservesData(t *testing.T) {
	h := newHeap(t, 4096)

	p, err := h.Alloc(16)
	require.NoError(t, err)
	b := h.Bytes(p)
	copy(b, []byte("0123456789abcdef"))

	p2, err := h.Realloc(p, 64)
	require.NoError(t, err)
	b2 := h.Bytes(p2)
	assert.Equal(t, []byte("0123456789abcdef"), b2[:16])
}

func TestReallocZeroSizeFrees(t *testing.T) {
	h := newHeap(t, 4096)
	p, err := h.Alloc(32)
	require.NoError(t, err)

	p2, err := h.Realloc(p, 0)
	require.NoError(t, err)
	assert.Zero(t, p2)
	require.NoError(t, h.Validate())
}

func TestReallocNullPointerAllocates(t *testing.T) {
	h := newHeap(t, 4096)
	p, err := h.Realloc(0, 32)
	require.NoError(t, err)
	assert.NotZero(t, p)
}

func TestCallocZeroFills(t *testing.T) {
	h := newHeap(t, 4096)
	p, err := h.Calloc(4, 4)
	require.NoError(t, err)
	for _, b := range h.Bytes(p)[:16] {
		assert.Zero(t, b)
	}
}

func TestCallocRejectsOverflowingSize(t *testing.T) {
	h := newHeap(t, 4096)
	_, err := h.Calloc(1<<20, 1<<20)
	assert.ErrorIs(t, err, kernerr.ErrInvalidArgument)
}

func TestUsedAndFreeMemSumsToRegion(t *testing.T) {
	h := newHeap(t, 4096)
	p, err := h.Alloc(200)
	require.NoError(t, err)
	_ = p

	used := h.UsedMem()
	free := h.FreeMem()
	assert.GreaterOrEqual(t, used, uint32(200))
	assert.Greater(t, free, uint32(0))
}

func TestDoubleFreeIsIgnored(t *testing.T) {
	h := newHeap(t, 4096)
	p, err := h.Alloc(32)
	require.NoError(t, err)

	require.NoError(t, h.Free(p))
	assert.NoError(t, h.Free(p))
}
