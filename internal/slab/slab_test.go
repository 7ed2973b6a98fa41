package slab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvshard/kvcached/internal/arena"
)

func TestClassForRounding(t *testing.T) {
	p := New(arena.New(1<<20), 6, 12, DefaultPageSize)

	class, size, ok := p.ClassFor(1)
	require.True(t, ok)
	require.Equal(t, 0, class)
	require.Equal(t, 64, size)

	class, size, ok = p.ClassFor(64)
	require.True(t, ok)
	require.Equal(t, 0, class)
	require.Equal(t, 64, size)

	class, size, ok = p.ClassFor(65)
	require.True(t, ok)
	require.Equal(t, 1, class)
	require.Equal(t, 128, size)
}

func TestClassForOversizeGoesToBumpClass(t *testing.T) {
	p := New(arena.New(1<<20), 6, 12, DefaultPageSize)
	class, size, ok := p.ClassFor(5000)
	require.False(t, ok)
	require.Equal(t, BumpClass, class)
	require.Equal(t, 5000, size)
}

func TestAllocFreeReusesBlock(t *testing.T) {
	p := New(arena.New(1<<20), 6, 12, DefaultPageSize)

	data1, off1, class1, err := p.Alloc(10)
	require.NoError(t, err)
	require.Len(t, data1, 10)

	p.Free(class1, off1)

	data2, off2, class2, err := p.Alloc(10)
	require.NoError(t, err)
	require.Equal(t, off1, off2)
	require.Equal(t, class1, class2)
	require.Len(t, data2, 10)
}

func TestAllocBumpClassNeverReused(t *testing.T) {
	p := New(arena.New(1<<20), 6, 12, 4096)
	data1, off1, class1, err := p.Alloc(8192)
	require.NoError(t, err)
	require.Equal(t, BumpClass, class1)
	require.Len(t, data1, 8192)

	p.Free(class1, off1) // no-op for bump class

	data2, off2, _, err := p.Alloc(8192)
	require.NoError(t, err)
	require.NotEqual(t, off1, off2)
	require.Len(t, data2, 8192)
}

func TestAllocOOMWhenArenaExhausted(t *testing.T) {
	p := New(arena.New(256), 6, 6, 64) // one class, tiny page, tiny arena
	for i := 0; i < 100; i++ {
		if _, _, _, err := p.Alloc(10); err != nil {
			require.ErrorIs(t, err, arena.ErrOOM)
			return
		}
	}
	t.Fatal("expected allocator to exhaust the arena")
}

func TestResetClearsFreeLists(t *testing.T) {
	ar := arena.New(1 << 16)
	p := New(ar, 6, 12, DefaultPageSize)

	_, off, class, err := p.Alloc(10)
	require.NoError(t, err)
	p.Free(class, off)

	ar.Flush()
	p.Reset()

	// After a flush+reset, allocating again must not hand back stale
	// free-list state pointing at now-meaningless offsets from before
	// the arena reset.
	data, newOff, newClass, err := p.Alloc(10)
	require.NoError(t, err)
	require.Equal(t, class, newClass)
	require.Equal(t, 0, newOff)
	require.Len(t, data, 10)
}
