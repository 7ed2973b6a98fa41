// Package cache is kvcached's embeddable storage engine: a fixed array of
// independent, arena-backed shards addressed by a 64-bit FNV-1a hash of
// the key. It is the library surface the wire server in internal/server
// is built on top of, and can equally be imported directly by Go
// programs that want an in-process cache without the memcached protocol
// in front of it (spec §5 "Library mode").
//
// © 2025 kvcached authors. MIT License.
package cache

import (
	"errors"

	"go.uber.org/zap"
)

// ErrClosed is the error value for a closed store. No Store method
// returns it: Close only marks the store closed, and operations called
// after Close still run against the shards.
var ErrClosed = errors.New("cache: store is closed")

// AggregateStats is a store-wide snapshot, the source for both the wire
// `stats` command's STAT lines and the Prometheus sink's gauges.
type AggregateStats struct {
	CurrItems     int
	Bytes         int64
	LimitMaxBytes int64
	GetHits       uint64
	GetMisses     uint64
	Shards        int
	Migrating     int // shards currently mid-grow
}

// Store is a fixed array of shards. Shard count is always a power of two
// so key→shard dispatch is a mask, not a modulo.
type Store struct {
	shards    []*Shard
	shardMask uint64
	cfg       *config
	metrics   metricsSink
	closed    bool
}

// Open constructs a Store with poolBytes of total arena capacity spread
// evenly across the configured shard count (default DefaultShardCount).
// Each shard gets at least DefaultShardArenaMinBytes regardless of how
// thin that spreads poolBytes, so a small pool with many shards fails
// loudly via errInvalidPool rather than silently starving shards.
func Open(poolBytes int64, opts ...Option) (*Store, error) {
	if poolBytes <= 0 {
		return nil, errInvalidPool
	}

	cfg := defaultConfig()
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}

	perShard := poolBytes / int64(cfg.shardCount)
	if perShard < DefaultShardArenaMinBytes {
		return nil, errInvalidPool
	}

	shards := make([]*Shard, cfg.shardCount)
	for i := range shards {
		shards[i] = newShard(int(perShard), cfg.indexInitialCap, cfg.migrateBatch,
			cfg.slabMinShift, cfg.slabMaxShift, cfg.slabPageSize)
	}

	st := &Store{
		shards:    shards,
		shardMask: uint64(cfg.shardCount - 1),
		cfg:       cfg,
		metrics:   newMetricsSink(cfg.registry),
	}
	cfg.logger.Info("store opened",
		zap.Int("shards", cfg.shardCount),
		zap.Int64("pool_bytes", poolBytes),
		zap.Int64("per_shard_bytes", perShard),
	)
	return st, nil
}

// Close marks the store closed. Shards keep their memory until the
// process exits or GC reclaims it; there is no persistence layer to
// flush (spec's Non-goal: no persistence).
func (st *Store) Close() error {
	st.closed = true
	return nil
}

// MaxKeyBytes returns the configured key length ceiling.
func (st *Store) MaxKeyBytes() int { return st.cfg.maxKeyBytes }

// MaxValueBytes returns the configured value length ceiling.
func (st *Store) MaxValueBytes() int { return st.cfg.maxValueBytes }

// ShardCount returns the number of shards the store was opened with.
func (st *Store) ShardCount() int { return len(st.shards) }

func (st *Store) shardFor(key []byte) (*Shard, uint64) {
	hash := fnv1a64(key)
	return st.shards[hash&st.shardMask], hash
}

// computeExpire translates a relative TTL in seconds into the absolute
// unix-seconds expiry the index stores. ttlSeconds == 0 means "never
// expires" (invariant I6). A negative ttlSeconds is treated as "already
// expired": the entry is written (so a subsequent overwrite still
// behaves like a normal Set) but is immediately invisible to Get, since
// expire is pinned to now and liveAt requires now < expire to consider
// 0 special but never negative-as-never. This is a deliberate reading of
// an underspecified corner: memcached itself clamps negative exptime to
// "already expired" rather than "never", and nothing in this design
// needs a distinct IMMEDIATELY_EXPIRED outcome to justify the extra
// state.
func computeExpire(ttlSeconds, now int64) int64 {
	switch {
	case ttlSeconds == 0:
		return 0
	case ttlSeconds > 0:
		return now + ttlSeconds
	default:
		return now
	}
}

func validKeyLen(key []byte, maxKeyBytes int) bool {
	return len(key) > 0 && len(key) <= maxKeyBytes
}

/* -------------------------------------------------------------------------
   Locked (library-mode) API — spec §5, §6.
   ------------------------------------------------------------------------- */

// Get looks up key, returning a slice that aliases the shard's internal
// memory directly (no copy). now is the caller-supplied wall clock in
// unix seconds, letting tests drive expiry deterministically instead of
// sleeping.
func (st *Store) Get(key []byte, now int64) ([]byte, bool) {
	shard, hash := st.shardFor(key)
	return shard.Get(hash, key, now)
}

// GetInto copies the value into dst. See Shard.GetInto for the TooSmall
// contract.
func (st *Store) GetInto(key []byte, now int64, dst []byte) (int, Result) {
	shard, hash := st.shardFor(key)
	return shard.GetInto(hash, key, now, dst)
}

// Set inserts or overwrites key with val. ttlSeconds is relative to now;
// see computeExpire. Returns IO if key or val violate the configured
// size limits, NoMem if the shard's allocator is exhausted, else OK.
func (st *Store) Set(key, val []byte, ttlSeconds, now int64) Result {
	if !validKeyLen(key, st.cfg.maxKeyBytes) || len(val) > st.cfg.maxValueBytes {
		return IO
	}
	shard, hash := st.shardFor(key)
	return shard.Set(hash, key, val, computeExpire(ttlSeconds, now))
}

// Delete removes key if a live, non-expired entry matches it.
func (st *Store) Delete(key []byte, now int64) bool {
	shard, hash := st.shardFor(key)
	return shard.Delete(hash, key, now)
}

// FlushAll discards every entry across every shard. This is a sequence
// of independent per-shard O(1) resets, not a single atomic snapshot: a
// concurrent Get against shard N can observe post-flush state on shard N
// while shard N+1 has not been reset yet (spec's documented semantics
// for flush_all under concurrency).
func (st *Store) FlushAll() {
	for _, sh := range st.shards {
		sh.Flush()
	}
}

// Stats aggregates a point-in-time snapshot across every shard,
// refreshing the Prometheus sink (if enabled) as a side effect.
func (st *Store) Stats() AggregateStats {
	return st.collectStats(func(sh *Shard) ShardStats { return sh.Stats() })
}

/* -------------------------------------------------------------------------
   Lock-free ("nolock") API — used by the single-threaded wire server,
   spec §4.D / §7.
   ------------------------------------------------------------------------- */

// GetNoLock is Get without shard locking; safe only from the owning
// single-threaded event loop.
func (st *Store) GetNoLock(key []byte, now int64) ([]byte, bool) {
	shard, hash := st.shardFor(key)
	return shard.GetNoLock(hash, key, now)
}

// GetIntoNoLock is GetInto without shard locking.
func (st *Store) GetIntoNoLock(key []byte, now int64, dst []byte) (int, Result) {
	shard, hash := st.shardFor(key)
	return shard.GetIntoNoLock(hash, key, now, dst)
}

// SetNoLock is Set without shard locking.
func (st *Store) SetNoLock(key, val []byte, ttlSeconds, now int64) Result {
	if !validKeyLen(key, st.cfg.maxKeyBytes) || len(val) > st.cfg.maxValueBytes {
		return IO
	}
	shard, hash := st.shardFor(key)
	return shard.SetNoLock(hash, key, val, computeExpire(ttlSeconds, now))
}

// DeleteNoLock is Delete without shard locking.
func (st *Store) DeleteNoLock(key []byte, now int64) bool {
	shard, hash := st.shardFor(key)
	return shard.DeleteNoLock(hash, key, now)
}

// FlushAllNoLock is FlushAll without shard locking.
func (st *Store) FlushAllNoLock() {
	for _, sh := range st.shards {
		sh.FlushNoLock()
	}
}

// StatsNoLock is Stats without shard locking.
func (st *Store) StatsNoLock() AggregateStats {
	return st.collectStats(func(sh *Shard) ShardStats { return sh.StatsNoLock() })
}

func (st *Store) collectStats(snapshot func(*Shard) ShardStats) AggregateStats {
	var agg AggregateStats
	agg.Shards = len(st.shards)
	for i, sh := range st.shards {
		ss := snapshot(sh)
		agg.CurrItems += ss.Count
		agg.Bytes += int64(ss.ArenaUsed)
		agg.LimitMaxBytes += int64(ss.ArenaCap)
		agg.GetHits += ss.Hits
		agg.GetMisses += ss.Misses
		if ss.Migrating {
			agg.Migrating++
		}
		st.metrics.setHits(i, ss.Hits)
		st.metrics.setMisses(i, ss.Misses)
		st.metrics.setArenaBytes(i, int64(ss.ArenaUsed))
		st.metrics.setItems(i, ss.Count)
	}
	return agg
}
