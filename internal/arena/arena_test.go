package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocAlignment(t *testing.T) {
	a := New(1 << 16)
	b1, err := a.Alloc(3)
	require.NoError(t, err)
	require.Len(t, b1, 3)

	b2, err := a.Alloc(5)
	require.NoError(t, err)
	require.Len(t, b2, 5)

	// b2 must start 8 bytes after b1's allocation began (3 rounds up to 8).
	require.Equal(t, 8, a.offset-cap(b2))
}

func TestAllocContentsIndependent(t *testing.T) {
	a := New(1 << 12)
	b1, err := a.Alloc(4)
	require.NoError(t, err)
	b2, err := a.Alloc(4)
	require.NoError(t, err)

	copy(b1, []byte{1, 2, 3, 4})
	copy(b2, []byte{9, 9, 9, 9})
	require.Equal(t, []byte{1, 2, 3, 4}, b1)
	require.Equal(t, []byte{9, 9, 9, 9}, b2)
}

func TestAllocOOM(t *testing.T) {
	a := New(16)
	_, err := a.Alloc(8)
	require.NoError(t, err)
	_, err = a.Alloc(16)
	require.ErrorIs(t, err, ErrOOM)
}

func TestFlushResetsCursor(t *testing.T) {
	a := New(1 << 10)
	_, err := a.Alloc(100)
	require.NoError(t, err)
	require.Equal(t, 104, a.Used()) // 100 rounds up to 104

	a.Flush()
	require.Equal(t, 0, a.Used())
	require.Equal(t, 1<<10, a.Remaining())
}

func TestSliceAliasesBackingArray(t *testing.T) {
	a := New(1 << 10)
	off, err := a.AllocOffset(16)
	require.NoError(t, err)

	s1 := a.Slice(off, 16)
	s1[0] = 0x42
	s2 := a.Slice(off, 16)
	require.Equal(t, byte(0x42), s2[0])
}

func TestNewPanicsOnNonPositiveSize(t *testing.T) {
	require.Panics(t, func() { New(0) })
	require.Panics(t, func() { New(-1) })
}
