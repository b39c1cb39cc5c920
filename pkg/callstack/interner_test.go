package callstack

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAssignsStableIDs(t *testing.T) {
	in := NewInterner()

	a := in.Normalize([]uint64{0x1000, 0x2000, 0x3000})
	b := in.Normalize([]uint64{0x1000, 0x2000, 0x3000})
	c := in.Normalize([]uint64{0x1000, 0x2000})

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.ID, c.ID)
	assert.NotEqual(t, a.Hash, c.Hash)
	assert.Equal(t, uint32(3), a.Depth)
	assert.Equal(t, uint32(2), c.Depth)
}

func TestEmptyFramesYieldEmptyRef(t *testing.T) {
	in := NewInterner()
	ref := in.Normalize(nil)
	assert.True(t, ref.IsEmpty())

	_, ok := in.Get(0)
	assert.False(t, ok)
}

func TestRefResolvesToMatchingStack(t *testing.T) {
	in := NewInterner()
	frames := []uint64{0xdead, 0xbeef, 0xcafe}
	ref := in.Normalize(frames)

	st, ok := in.Get(ref.ID)
	require.True(t, ok)
	assert.Equal(t, frames, st.Frames)
	assert.Equal(t, ref.Hash, st.Hash)

	byHash, ok := in.Lookup(ref.Hash)
	require.True(t, ok)
	assert.Same(t, st, byHash)
}

func TestFrequencyCounting(t *testing.T) {
	in := NewInterner()
	frames := []uint64{1, 2, 3}
	var ref Ref
	for i := 0; i < 10; i++ {
		ref = in.Normalize(frames)
	}
	st, ok := in.Get(ref.ID)
	require.True(t, ok)
	assert.Equal(t, uint64(10), st.Frequency())
}

func TestConcurrentNormalizeIsConsistent(t *testing.T) {
	in := NewInterner()
	stacks := [][]uint64{
		{1, 2, 3},
		{4, 5, 6},
		{7, 8},
		{9},
		{1, 2, 3, 4},
	}

	const workers = 16
	ids := make([][]uint32, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ids[w] = make([]uint32, len(stacks))
			for i := 0; i < 200; i++ {
				for si, frames := range stacks {
					ids[w][si] = in.Normalize(frames).ID
				}
			}
		}(w)
	}
	wg.Wait()

	// Every worker must have observed the same id per distinct stack,
	// and distinct stacks must have distinct ids.
	for w := 1; w < workers; w++ {
		assert.Equal(t, ids[0], ids[w])
	}
	seen := map[uint32]bool{}
	for _, id := range ids[0] {
		assert.False(t, seen[id], "id %d assigned to two distinct stacks", id)
		seen[id] = true
	}

	stats := in.Stats()
	assert.Equal(t, uint64(len(stacks)), stats.UniqueStacks)
	assert.Equal(t, uint64(workers*200*len(stacks)), stats.Processed)
	assert.Equal(t, stats.Processed, stats.Hits+stats.Misses)
}

func TestAllReturnsStacksOrderedByID(t *testing.T) {
	in := NewInterner()
	in.Normalize([]uint64{1})
	in.Normalize([]uint64{2})
	in.Normalize([]uint64{3})

	all := in.All()
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}
}

func TestStatsBytesSaved(t *testing.T) {
	in := NewInterner()
	frames := []uint64{1, 2, 3, 4}
	for i := 0; i < 100; i++ {
		in.Normalize(frames)
	}
	stats := in.Stats()
	assert.Equal(t, uint64(99), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(99*4*8), stats.BytesSaved)
}
