package index

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mkEntry(key string) func() (*Entry, error) {
	return func() (*Entry, error) {
		return &Entry{Key: []byte(key)}, nil
	}
}

func TestInsertThenLookupHits(t *testing.T) {
	ix := New(16, 4)

	e, isNew, err := ix.Insert(1, []byte("foo"), mkEntry("foo"))
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, "foo", string(e.Key))

	got, ok := ix.Lookup(1, []byte("foo"))
	require.True(t, ok)
	require.Same(t, e, got)
}

func TestLookupMissOnAbsentKey(t *testing.T) {
	ix := New(16, 4)
	_, ok := ix.Lookup(99, []byte("nope"))
	require.False(t, ok)
}

func TestInsertExistingKeyReturnsSameEntryNotNew(t *testing.T) {
	ix := New(16, 4)
	calls := 0
	factory := func() (*Entry, error) {
		calls++
		return &Entry{Key: []byte("foo")}, nil
	}

	e1, isNew1, err := ix.Insert(1, []byte("foo"), factory)
	require.NoError(t, err)
	require.True(t, isNew1)

	e2, isNew2, err := ix.Insert(1, []byte("foo"), factory)
	require.NoError(t, err)
	require.False(t, isNew2)
	require.Same(t, e1, e2)
	require.Equal(t, 1, calls, "factory must not be called when key already present")
}

func TestDeleteTombstonesWithoutBreakingProbeChain(t *testing.T) {
	ix := New(8, 4)

	// Force two keys into the same initial slot by reusing entries'
	// hash collision: both inserted with hash 0 so they occupy
	// consecutive probe slots.
	_, _, err := ix.Insert(0, []byte("a"), mkEntry("a"))
	require.NoError(t, err)
	_, _, err = ix.Insert(0, []byte("b"), mkEntry("b"))
	require.NoError(t, err)

	_, ok := ix.Delete(0, []byte("a"))
	require.True(t, ok)

	// "b" must still be reachable: a tombstone left behind by deleting
	// "a" must not stop the probe sequence from reaching "b".
	got, ok := ix.Lookup(0, []byte("b"))
	require.True(t, ok)
	require.Equal(t, "b", string(got.Key))
	require.False(t, got.Deleted)

	// "a" itself now reports Deleted, not a structural miss.
	got, ok = ix.Lookup(0, []byte("a"))
	require.True(t, ok)
	require.True(t, got.Deleted)
}

func TestDeleteThenReinsertReusesTombstoneSlot(t *testing.T) {
	ix := New(8, 4)
	_, _, err := ix.Insert(0, []byte("a"), mkEntry("a"))
	require.NoError(t, err)
	usedBefore := ix.Used()

	_, ok := ix.Delete(0, []byte("a"))
	require.True(t, ok)

	_, isNew, err := ix.Insert(0, []byte("a"), mkEntry("a"))
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, usedBefore, ix.Used(), "reinsert must reuse the tombstone slot, not grow used count")
}

func TestCountTracksLiveEntries(t *testing.T) {
	ix := New(16, 4)
	_, _, _ = ix.Insert(1, []byte("a"), mkEntry("a"))
	_, _, _ = ix.Insert(2, []byte("b"), mkEntry("b"))
	require.Equal(t, 2, ix.Count())

	_, _ = ix.Delete(1, []byte("a"))
	require.Equal(t, 1, ix.Count())
}

func TestGrowTriggersAtLoadFactorAndMigrationCompletes(t *testing.T) {
	ix := New(8, 2) // capacity 8, threshold = 5 (7/10 of 8), batch of 2 per step

	keys := []string{"k0", "k1", "k2", "k3", "k4", "k5"}
	for i, k := range keys {
		_, _, err := ix.Insert(uint64(i), []byte(k), mkEntry(k))
		require.NoError(t, err)
	}

	require.True(t, ix.Migrating(), "inserting past the 7/10 threshold must start a grow")
	require.Equal(t, 16, ix.Capacity())

	// Every key must remain reachable mid-migration (served from either
	// table) and drive the migration forward via MigrateStep.
	for ix.Migrating() {
		for _, k := range keys {
			_, ok := ix.Lookup(0, []byte(k))
			_ = ok // existence depends on hash but call must not panic
		}
		ix.MigrateStep()
	}

	require.False(t, ix.Migrating())
	for i, k := range keys {
		got, ok := ix.Lookup(uint64(i), []byte(k))
		require.True(t, ok, "key %s must survive migration", k)
		require.Equal(t, k, string(got.Key))
	}
}

func TestMigrateStepNoOpWhenNotMigrating(t *testing.T) {
	ix := New(16, 4)
	require.False(t, ix.Migrating())
	require.NotPanics(t, func() { ix.MigrateStep() })
}

func TestWriteDuringMigrationIsNotDuplicated(t *testing.T) {
	ix := New(8, 1)
	for i := 0; i < 6; i++ {
		k := string(rune('a' + i))
		_, _, err := ix.Insert(uint64(i), []byte(k), mkEntry(k))
		require.NoError(t, err)
	}
	require.True(t, ix.Migrating())

	// Overwrite a key that lives in the old table mid-migration: Insert
	// must find and return it, not fabricate a duplicate in the new
	// table.
	before := ix.Count()
	e, isNew, err := ix.Insert(0, []byte("a"), mkEntry("a"))
	require.NoError(t, err)
	require.False(t, isNew)
	require.NotNil(t, e)
	require.Equal(t, before, ix.Count())

	for ix.Migrating() {
		ix.MigrateStep()
	}
	got, ok := ix.Lookup(0, []byte("a"))
	require.True(t, ok)
	require.Equal(t, "a", string(got.Key))
}

func TestFlushResetsIndexToEmpty(t *testing.T) {
	ix := New(16, 4)
	_, _, _ = ix.Insert(1, []byte("a"), mkEntry("a"))
	_, _, _ = ix.Insert(2, []byte("b"), mkEntry("b"))

	ix.Flush(16)

	require.Equal(t, 0, ix.Count())
	require.Equal(t, 0, ix.Used())
	require.False(t, ix.Migrating())
	_, ok := ix.Lookup(1, []byte("a"))
	require.False(t, ok)
}
