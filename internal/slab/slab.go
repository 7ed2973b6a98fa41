// Package slab implements the power-of-two size-classed value allocator
// layered over a per-shard internal/arena region.
//
// The page-carving mechanism here is adapted from the teacher's
// internal/genring, which carved TTL-bounded "generations" out of an
// arena by bulk-allocating a region and handing out pieces of it; slab
// reuses exactly that carve-a-region-then-dole-it-out shape, but the unit
// handed out is a fixed-size block chained onto a free list instead of a
// whole generation, and blocks are returned (not time-expired) on
// overwrite/delete.
//
// A free block doubles as its own list node: the first 8 bytes hold the
// offset of the next free block (or a sentinel meaning "none"), exactly as
// described for the reference allocator. This is safe because a block is
// either on a free list or live — never both — so the two interpretations
// of its first 8 bytes never collide.
//
// Concurrency: Pool is not thread-safe; the owning Shard serialises access.
//
// © 2025 kvcached authors. MIT License.
package slab

import (
	"encoding/binary"

	"github.com/kvshard/kvcached/internal/arena"
	"github.com/kvshard/kvcached/internal/unsafehelpers"
)

// nilOffset marks the end of a free list / "no free block available".
const nilOffset = ^uint64(0)

// BumpClass is the pseudo size-class returned for allocations larger than
// 2^maxShift: such blocks are carved straight from the arena and never
// reused (spec §4.B).
const BumpClass = -1

const (
	// DefaultMinShift is the smallest size class: 2^6 = 64 bytes.
	DefaultMinShift = 6
	// DefaultMaxShift is the largest pooled size class: 2^12 = 4096 bytes.
	DefaultMaxShift = 12
	// DefaultPageSize is the region carved per refill, minimum 8 blocks.
	DefaultPageSize = 64 << 10
	// prewarmPages is how many pages each class starts with (spec §4.B:
	// "pre-warmed with 4 pages" turns the first several thousand stores
	// into O(1) pops).
	prewarmPages = 4
)

// Pool manages one free list per size class over a single arena.
type Pool struct {
	ar       *arena.Arena
	minShift uint
	maxShift uint
	pageSize int
	heads    []int64 // per class; -1 means empty
}

// New constructs a Pool over ar and pre-warms every class with
// prewarmPages pages.
func New(ar *arena.Arena, minShift, maxShift uint, pageSize int) *Pool {
	if maxShift < minShift {
		panic("slab: maxShift must be >= minShift")
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	p := &Pool{
		ar:       ar,
		minShift: minShift,
		maxShift: maxShift,
		pageSize: pageSize,
		heads:    make([]int64, maxShift-minShift+1),
	}
	for i := range p.heads {
		p.heads[i] = -1
	}
	for idx := range p.heads {
		size := p.sizeOfClass(idx)
		for i := 0; i < prewarmPages; i++ {
			// Best-effort: an undersized arena simply starts cold: Alloc
			// will refill lazily on first use and surface ErrOOM then.
			if err := p.refill(idx, size); err != nil {
				break
			}
		}
	}
	return p
}

// ClassFor returns the size class index and the block size it carries for
// a request of n bytes. ok is false when n exceeds 2^maxShift and must be
// served from the arena's bump class instead.
func (p *Pool) ClassFor(n int) (class int, size int, ok bool) {
	if n <= 0 {
		n = 1
	}
	shift := p.minShift
	size = 1 << shift
	for size < n && shift < p.maxShift {
		shift++
		size <<= 1
	}
	if size < n {
		return BumpClass, n, false
	}
	return int(shift - p.minShift), size, true
}

func (p *Pool) sizeOfClass(class int) int {
	return 1 << (p.minShift + uint(class))
}

// Alloc returns n usable bytes: either popped off the free list for n's
// size class, or carved fresh from the arena (bump class, class == -1,
// never reused). offset identifies the block for a later Free call;
// meaningless for the bump class.
func (p *Pool) Alloc(n int) (data []byte, offset int, class int, err error) {
	class, size, ok := p.ClassFor(n)
	if !ok {
		off, aerr := p.ar.AllocOffset(size)
		if aerr != nil {
			return nil, 0, BumpClass, aerr
		}
		return p.ar.Slice(off, size)[:n:size], off, BumpClass, nil
	}

	if p.heads[class] == -1 {
		if err := p.refill(class, size); err != nil {
			return nil, 0, 0, err
		}
	}

	off := int(p.heads[class])
	block := p.ar.Slice(off, size)
	next := binary.LittleEndian.Uint64(block[:8])
	if next == nilOffset {
		p.heads[class] = -1
	} else {
		p.heads[class] = int64(next)
	}
	return block[:n:size], off, class, nil
}

// Free returns a block to its size class's free list. Bump-class blocks
// (class == BumpClass) are never reused, per spec §4.B / invariant I5.
func (p *Pool) Free(class, offset int) {
	if class == BumpClass {
		return
	}
	size := p.sizeOfClass(class)
	block := p.ar.Slice(offset, size)
	var next uint64
	if p.heads[class] == -1 {
		next = nilOffset
	} else {
		next = uint64(p.heads[class])
	}
	binary.LittleEndian.PutUint64(block[:8], next)
	p.heads[class] = int64(offset)
}

// refill carves one page out of the arena, splits it into blocks of size
// bytes, and chains them onto the class's free list.
func (p *Pool) refill(class, size int) error {
	page := p.pageSize
	if minPage := 8 * size; page < minPage {
		page = minPage
	}
	page = int(unsafehelpers.AlignUp(uintptr(page), uintptr(size)))

	base, err := p.ar.AllocOffset(page)
	if err != nil {
		return err
	}
	count := page / size
	for i := 0; i < count; i++ {
		blockOff := base + i*size
		block := p.ar.Slice(blockOff, size)
		var next uint64
		if i == count-1 {
			if p.heads[class] == -1 {
				next = nilOffset
			} else {
				next = uint64(p.heads[class])
			}
		} else {
			next = uint64(blockOff + size)
		}
		binary.LittleEndian.PutUint64(block[:8], next)
	}
	p.heads[class] = int64(base)
	return nil
}

// Reset clears every free-list head. Called by the owning Shard's Flush,
// after the underlying arena itself has been reset; no bytes need
// revisiting since the arena's Flush already invalidated all offsets.
func (p *Pool) Reset() {
	for i := range p.heads {
		p.heads[i] = -1
	}
}
