// Package index implements the per-shard open-addressed hash index: linear
// probing, tombstones, and incremental (non-stop-the-world) grow.
//
// This is the spec's core addition with no direct teacher analogue — the
// teacher's shard used a plain Go map — but it follows the identity design
// note the teacher's own comments already anticipate for safe-language
// ports: "replace raw addresses with a tagged slot enum {Empty, Tomb,
// Live(index)} where index is into a per-shard arena-backed entry pool."
// Slots here are int32: two negative sentinels for Empty/Tombstone, else a
// non-negative index into Index.entries. The traversal style (walk a
// lightweight handle list instead of following heap pointers) mirrors the
// teacher's internal/clockpro ring, adapted from a circular eviction list
// to a linear probe sequence.
//
// Concurrency: Index is not thread-safe; the owning Shard serialises
// access with its own RWMutex (or single-threaded server-mode discipline).
//
// © 2025 kvcached authors. MIT License.
package index

import "bytes"

const (
	emptySlot     int32 = -1
	tombstoneSlot int32 = -2
)

// Entry is the metadata kept for one live (or recently-live) key. Entries
// are appended to Index.entries and never individually freed: a delete
// only tombstones the hash slot pointing at it (invariant I3/I5 from the
// spec), and the backing slice is only discarded wholesale on Flush.
type Entry struct {
	Hash      uint64
	Key       []byte // arena-owned, immutable once written
	Val       []byte // slab- or arena-owned
	ValOffset int    // offset into the shard arena, for slab.Pool.Free
	ValClass  int    // slab size class, or slab.BumpClass
	Expire    int64  // absolute unix seconds; 0 = never
	Deleted   bool
}

type table struct {
	slots []int32
	mask  uint64
}

func newTable(capacity int) *table {
	slots := make([]int32, capacity)
	for i := range slots {
		slots[i] = emptySlot
	}
	return &table{slots: slots, mask: uint64(capacity - 1)}
}

func (t *table) threshold() int {
	return len(t.slots) * 7 / 10
}

// Index owns the (possibly two, during a grow) probe tables plus the
// append-only entry pool they reference.
type Index struct {
	entries []*Entry
	table   *table // current/"new" table; inserts always target this one
	old     *table // non-nil while a grow is migrating

	used  int // occupied+tombstone slots in `table`
	count int // approximate live entry count across both tables

	migrateBatch  int
	migrateCursor int
}

// DefaultMigrateBatch is how many old-table slots are scanned per store
// operation while a grow is in progress (spec §4.C).
const DefaultMigrateBatch = 16

// New constructs an Index with the given initial capacity (must be a
// power of two).
func New(initialCapacity, migrateBatch int) *Index {
	if migrateBatch <= 0 {
		migrateBatch = DefaultMigrateBatch
	}
	return &Index{
		table:        newTable(initialCapacity),
		migrateBatch: migrateBatch,
	}
}

// find probes t starting at hash&mask until it hits an empty slot (miss)
// or a slot referencing an entry with an identical key (hit), remembering
// the first tombstone seen along the way as a reusable insertion point.
// It returns the slot index, the entry index it resolved to (-1 on miss),
// and the index of the first tombstone encountered (-1 if none).
func (ix *Index) find(t *table, hash uint64, key []byte) (slot int, entryIdx int32, firstTomb int) {
	firstTomb = -1
	i := hash & t.mask
	for {
		s := t.slots[i]
		switch s {
		case emptySlot:
			return int(i), -1, firstTomb
		case tombstoneSlot:
			if firstTomb == -1 {
				firstTomb = int(i)
			}
		default:
			e := ix.entries[s]
			if bytes.Equal(e.Key, key) {
				return int(i), s, firstTomb
			}
		}
		i = (i + 1) & t.mask
	}
}

// Lookup returns the entry matching key, if any slot references one —
// regardless of its Deleted flag or Expire. Interpreting that state as a
// hit or a miss is the caller's job (spec §4.C: "the caller then treats
// those as miss").
func (ix *Index) Lookup(hash uint64, key []byte) (*Entry, bool) {
	if _, eIdx, _ := ix.find(ix.table, hash, key); eIdx >= 0 {
		return ix.entries[eIdx], true
	}
	if ix.old != nil {
		if _, eIdx, _ := ix.find(ix.old, hash, key); eIdx >= 0 {
			return ix.entries[eIdx], true
		}
	}
	return nil, false
}

// Insert looks for an existing slot for key first (consulting the new
// table, then the old one during a grow); if found, it is returned as-is
// (isNew=false) so the caller can overwrite it in place — an entry matched
// in the old table is updated in place, not moved, because the ongoing
// migration loop will transport it (spec §4.C). Otherwise makeNew is
// called to construct the fresh Entry (this is where the caller copies the
// key into arena storage, and may fail with an allocator error); on
// success the entry is appended to the pool and wired into the current
// table, growing it first if the 7/10 load factor would be exceeded
// (invariant I2).
func (ix *Index) Insert(hash uint64, key []byte, makeNew func() (*Entry, error)) (*Entry, bool, error) {
	slot, eIdx, tomb := ix.find(ix.table, hash, key)
	if eIdx >= 0 {
		return ix.entries[eIdx], false, nil
	}
	if ix.old != nil {
		// A Deleted match in `old` sits behind the migration cursor (its
		// new-table copy was tombstoned), so migration will not carry it.
		if _, eIdxOld, _ := ix.find(ix.old, hash, key); eIdxOld >= 0 && !ix.entries[eIdxOld].Deleted {
			return ix.entries[eIdxOld], false, nil
		}
	}

	if tomb == -1 && ix.old == nil && ix.used+1 > ix.table.threshold() {
		ix.startGrow()
		slot, _, tomb = ix.find(ix.table, hash, key)
	}

	e, err := makeNew()
	if err != nil {
		return nil, false, err
	}
	e.Hash = hash
	idx := int32(len(ix.entries))
	ix.entries = append(ix.entries, e)

	if tomb != -1 {
		ix.table.slots[tomb] = idx
	} else {
		ix.table.slots[slot] = idx
		ix.used++
	}
	ix.count++
	return e, true, nil
}

// Delete tombstones the slot referencing key, in whichever table holds it,
// and marks the entry Deleted. The entry itself stays in the pool
// (invariant I5 / spec §4.C "not removed from the arena").
func (ix *Index) Delete(hash uint64, key []byte) (*Entry, bool) {
	if slot, eIdx, _ := ix.find(ix.table, hash, key); eIdx >= 0 {
		ix.table.slots[slot] = tombstoneSlot
		e := ix.entries[eIdx]
		e.Deleted = true
		ix.count--
		return e, true
	}
	if ix.old != nil {
		if slot, eIdx, _ := ix.find(ix.old, hash, key); eIdx >= 0 {
			ix.old.slots[slot] = tombstoneSlot
			e := ix.entries[eIdx]
			e.Deleted = true
			ix.count--
			return e, true
		}
	}
	return nil, false
}

func (ix *Index) startGrow() {
	ix.old = ix.table
	ix.table = newTable(len(ix.old.slots) * 2)
	ix.used = 0
	ix.migrateCursor = 0
}

// MigrateStep scans the next migrateBatch slots of the old table (if a
// grow is in progress), re-inserting any still-live entry into the new
// table. It must be called on every store operation so a write-only or
// delete-only workload still makes progress and eventually finishes the
// grow (spec §9 "Incremental resize correctness").
func (ix *Index) MigrateStep() {
	if ix.old == nil {
		return
	}
	n := len(ix.old.slots)
	for done := 0; done < ix.migrateBatch && ix.migrateCursor < n; done++ {
		cur := ix.migrateCursor
		ix.migrateCursor++

		s := ix.old.slots[cur]
		if s == emptySlot || s == tombstoneSlot {
			continue
		}
		e := ix.entries[s]
		if e.Deleted {
			continue
		}
		ix.insertLive(s, e.Hash)
	}
	if ix.migrateCursor >= n {
		ix.old = nil
		ix.migrateCursor = 0
		ix.reconcileCount()
	}
}

// insertLive places an already-existing entry index into the current
// table during migration. The key cannot already be present there: Insert
// never creates a duplicate while a grow is in progress (a match found in
// `old` is updated in place and returned, never re-inserted into `table`).
func (ix *Index) insertLive(entryIdx int32, hash uint64) {
	i := hash & ix.table.mask
	for {
		s := ix.table.slots[i]
		if s == emptySlot || s == tombstoneSlot {
			ix.table.slots[i] = entryIdx
			ix.used++
			return
		}
		i = (i + 1) & ix.table.mask
	}
}

func (ix *Index) reconcileCount() {
	n := 0
	for _, s := range ix.table.slots {
		if s == emptySlot || s == tombstoneSlot {
			continue
		}
		if !ix.entries[s].Deleted {
			n++
		}
	}
	ix.count = n
}

// Migrating reports whether a grow is currently in progress.
func (ix *Index) Migrating() bool { return ix.old != nil }

// Count returns the approximate number of live entries (spec's `count`).
func (ix *Index) Count() int { return ix.count }

// Used returns the number of occupied+tombstoned slots in the current
// table (spec's `used`, invariant I2).
func (ix *Index) Used() int { return ix.used }

// Capacity returns the current table's slot count.
func (ix *Index) Capacity() int { return len(ix.table.slots) }

// Flush discards every entry and both tables, resetting to a fresh index
// of initialCapacity slots. Matches Arena.Flush's O(1), no-per-entry-
// teardown contract: nothing outside the index pool owns these entries.
func (ix *Index) Flush(initialCapacity int) {
	ix.entries = nil
	ix.table = newTable(initialCapacity)
	ix.old = nil
	ix.used = 0
	ix.count = 0
	ix.migrateCursor = 0
}
