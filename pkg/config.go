package cache

// config.go defines the Store-level configuration object and the set of
// functional options Open accepts. This keeps the teacher's config.go
// shape (functional options populate a private config struct, validated
// and finalised by applyOptions) but despecializes its generic
// Option[K,V]/WeightFn/EjectCallback surface: kvcached's keys and values
// are always []byte, and there is no eviction policy to configure (spec's
// Non-goals exclude memory-pressure eviction), so those knobs are
// replaced by the sizing/topology knobs the storage layer actually needs.
//
// © 2025 kvcached authors. MIT License.

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Defaults mirror the shard/arena/slab/index component designs.
const (
	DefaultShardCount         = 64
	DefaultShardArenaMinBytes = 1 << 20 // 1 MiB
	DefaultIndexInitialCap    = 1 << 14
	LargeIndexInitialCap      = 1 << 16
	DefaultMigrateBatch       = 16
	DefaultSlabMinShift  uint = 6  // 64 B
	DefaultSlabMaxShift  uint = 12 // 4 KiB
	DefaultSlabPageSize       = 64 << 10
	DefaultMaxKeyBytes        = 250
	DefaultMaxValueBytes      = 1 << 20 // 1 MiB
)

// Option configures a Store at Open time.
type Option func(*config)

// config bundles every knob that influences store behaviour. All fields
// are immutable once the Store is constructed.
type config struct {
	shardCount      int
	indexInitialCap int
	migrateBatch    int
	slabMinShift    uint
	slabMaxShift    uint
	slabPageSize    int
	maxKeyBytes     int
	maxValueBytes   int

	logger   *zap.Logger
	registry *prometheus.Registry
}

func defaultConfig() *config {
	return &config{
		shardCount:      DefaultShardCount,
		indexInitialCap: DefaultIndexInitialCap,
		migrateBatch:    DefaultMigrateBatch,
		slabMinShift:    DefaultSlabMinShift,
		slabMaxShift:    DefaultSlabMaxShift,
		slabPageSize:    DefaultSlabPageSize,
		maxKeyBytes:     DefaultMaxKeyBytes,
		maxValueBytes:   DefaultMaxValueBytes,
		logger:          zap.NewNop(),
		registry:        nil, // user must opt-in to metrics
	}
}

/*
   ---------------- Functional options exposed to users ----------------
*/

// WithShards overrides the shard count. Must be a power of two.
func WithShards(n int) Option {
	return func(c *config) { c.shardCount = n }
}

// WithLargeIndex starts every shard's hash index at LargeIndexInitialCap
// instead of DefaultIndexInitialCap, trading startup memory for fewer
// incremental grows on a workload expected to hold many keys.
func WithLargeIndex() Option {
	return func(c *config) { c.indexInitialCap = LargeIndexInitialCap }
}

// WithIndexInitialCap sets an exact initial per-shard index capacity.
// Must be a power of two.
func WithIndexInitialCap(n int) Option {
	return func(c *config) { c.indexInitialCap = n }
}

// WithMigrateBatch overrides how many old-table slots are scanned per
// store operation while an index grow is in progress.
func WithMigrateBatch(n int) Option {
	return func(c *config) { c.migrateBatch = n }
}

// WithSlabShifts overrides the slab pool's size-class range: blocks from
// 2^minShift to 2^maxShift bytes are pooled; larger values go to the
// arena-only bump class.
func WithSlabShifts(minShift, maxShift uint) Option {
	return func(c *config) { c.slabMinShift, c.slabMaxShift = minShift, maxShift }
}

// WithSlabPageSize overrides the region size carved per free-list refill.
func WithSlabPageSize(n int) Option {
	return func(c *config) { c.slabPageSize = n }
}

// WithMaxValueBytes overrides the maximum value size accepted by Set and
// by the wire protocol's SET command (default 1 MiB).
func WithMaxValueBytes(n int) Option {
	return func(c *config) { c.maxValueBytes = n }
}

// WithMaxKeyBytes overrides the maximum key length (default 250, matching
// the wire protocol's historical key-size ceiling).
func WithMaxKeyBytes(n int) Option {
	return func(c *config) { c.maxKeyBytes = n }
}

// WithLogger plugs an external zap.Logger. The store never logs on the
// hot path; its only log event is the "store opened" line emitted by
// Open. Arena exhaustion and index resizes are not logged.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection for the store.
// Passing nil disables metrics (default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

/*
   ---------------- Helper: apply options & validate ----------------
*/

func applyOptions(cfg *config, opts []Option) error {
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.shardCount <= 0 || (cfg.shardCount&(cfg.shardCount-1)) != 0 {
		return errInvalidShards
	}
	if cfg.indexInitialCap <= 0 || (cfg.indexInitialCap&(cfg.indexInitialCap-1)) != 0 {
		return errInvalidIndexCap
	}
	if cfg.migrateBatch <= 0 {
		return errInvalidMigrateBatch
	}
	if cfg.slabMaxShift < cfg.slabMinShift {
		return errInvalidSlabShifts
	}
	if cfg.maxKeyBytes <= 0 || cfg.maxValueBytes <= 0 {
		return errInvalidSizeLimits
	}
	return nil
}

/*
   ---------------- Error values ----------------
*/

var (
	errInvalidPool         = errors.New("cache: pool bytes must be > 0")
	errInvalidShards       = errors.New("cache: shards must be power-of-two and > 0")
	errInvalidIndexCap     = errors.New("cache: index initial capacity must be power-of-two and > 0")
	errInvalidMigrateBatch = errors.New("cache: migrate batch must be > 0")
	errInvalidSlabShifts   = errors.New("cache: slab maxShift must be >= minShift")
	errInvalidSizeLimits   = errors.New("cache: maxKeyBytes/maxValueBytes must be > 0")
)
