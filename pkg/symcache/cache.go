// Package symcache holds parsed symbol tables in memory, bounded by a total
// byte budget with strict LRU eviction. Concurrent loads of the same module
// are deduplicated: all callers share one fetch+parse and its result.
package symcache

import (
	"context"
	"flag"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/milescrabill/tecken/pkg/symfile"
	"github.com/milescrabill/tecken/pkg/symsource"
)

// Loader produces the symbol table for a module on a cache miss. It runs at
// most once per key per flight regardless of how many callers ask.
type Loader func(ctx context.Context) (*symfile.Table, error)

type Config struct {
	// MaxSizeBytes bounds the cumulative size estimate of cached tables.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`

	// NegativeTTL is how long a definitive not-found answer is remembered.
	// Zero disables negative caching. Transient fetch failures are never
	// cached.
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.Int64Var(&cfg.MaxSizeBytes, prefix+".max-size-bytes", 512*1024*1024, "Maximum cumulative size of cached symbol tables.")
	f.DurationVar(&cfg.NegativeTTL, prefix+".negative-ttl", 30*time.Second, "How long to remember that a symbol file does not exist. 0 disables negative caching.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxSizeBytes <= 0 {
		return fmt.Errorf("invalid max-size-bytes value, must be positive")
	}
	return nil
}

// Stats is a point-in-time snapshot for operational introspection.
type Stats struct {
	Entries int
	Bytes   int64
	Hits    int64
	Misses  int64
}

// Accounting cost of a remembered not-found answer.
const negativeEntryCost = 256

type entryState int

const (
	statePending entryState = iota
	stateReady
	stateFailed
)

type entry struct {
	state entryState
	done  chan struct{}

	table *symfile.Table
	err   error
	size  int64

	// Pending bookkeeping: the loader context is cancelled only when the
	// last waiter detaches before completion.
	subscribers int
	cancel      context.CancelFunc

	// Failed entries expire after the negative TTL.
	expiresAt time.Time
}

// Cache is safe for concurrent use. Ready tables are immutable and shared by
// reference; all bookkeeping is serialized under one mutex.
type Cache struct {
	cfg     Config
	logger  log.Logger
	metrics *metrics
	now     func() time.Time

	mtx      sync.Mutex
	entries  map[symfile.ModuleKey]*entry
	lru      *simplelru.LRU[symfile.ModuleKey, *entry]
	curBytes int64
	// Set while evictLocked runs so onEvict can tell budget evictions
	// apart from explicit removals.
	evicting bool

	hits   atomic.Int64
	misses atomic.Int64
}

func New(logger log.Logger, cfg Config, reg prometheus.Registerer) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(reg),
		now:     time.Now,
		entries: make(map[symfile.ModuleKey]*entry),
	}
	// The LRU tracks recency only; the byte budget drives eviction, so the
	// entry-count bound is effectively unlimited.
	lru, err := simplelru.NewLRU[symfile.ModuleKey, *entry](math.MaxInt32, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = lru
	level.Info(logger).Log("msg", "symbol table cache created", "max_size", humanize.IBytes(uint64(cfg.MaxSizeBytes)), "negative_ttl", cfg.NegativeTTL)
	return c, nil
}

// GetOrLoad returns the cached table for key, joining an in-flight load when
// one exists, or runs loader otherwise. All concurrent callers for the same
// key receive the same table or the same error.
//
// A caller whose context ends while waiting detaches without disturbing the
// load, unless it was the last waiter, in which case the load is cancelled.
func (c *Cache) GetOrLoad(ctx context.Context, key symfile.ModuleKey, loader Loader) (*symfile.Table, error) {
	c.mtx.Lock()
	if e, ok := c.entries[key]; ok {
		switch e.state {
		case stateReady:
			c.lru.Get(key)
			c.hits.Inc()
			c.metrics.hitsTotal.Inc()
			c.mtx.Unlock()
			return e.table, nil
		case statePending:
			e.subscribers++
			c.misses.Inc()
			c.metrics.missesTotal.Inc()
			c.mtx.Unlock()
			return c.await(ctx, key, e)
		case stateFailed:
			if c.now().Before(e.expiresAt) {
				c.hits.Inc()
				c.metrics.hitsTotal.Inc()
				err := e.err
				c.mtx.Unlock()
				return nil, err
			}
			c.lru.Remove(key)
		}
	}

	c.misses.Inc()
	c.metrics.missesTotal.Inc()
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{
		state:       statePending,
		done:        make(chan struct{}),
		subscribers: 1,
		cancel:      cancel,
	}
	c.entries[key] = e
	c.mtx.Unlock()

	go c.load(loadCtx, key, e, loader)
	return c.await(ctx, key, e)
}

func (c *Cache) await(ctx context.Context, key symfile.ModuleKey, e *entry) (*symfile.Table, error) {
	select {
	case <-e.done:
		c.mtx.Lock()
		defer c.mtx.Unlock()
		if e.state == stateReady {
			c.lru.Get(key)
			return e.table, nil
		}
		return nil, e.err
	case <-ctx.Done():
		c.mtx.Lock()
		e.subscribers--
		if e.subscribers == 0 && e.state == statePending {
			e.cancel()
		}
		c.mtx.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Cache) load(ctx context.Context, key symfile.ModuleKey, e *entry, loader Loader) {
	table, err := loader(ctx)
	e.cancel()

	c.mtx.Lock()
	defer c.mtx.Unlock()
	// The entry may have been invalidated while loading; waiters still get
	// the result, but it is only kept if the mapping is current.
	current := c.entries[key] == e

	switch {
	case err == nil:
		e.state = stateReady
		e.table = table
		e.size = int64(table.SizeBytes())
		if current {
			c.lru.Add(key, e)
			c.curBytes += e.size
			c.evictLocked()
			c.metrics.loadsTotal.WithLabelValues(statusSuccess).Inc()
		}
	case isNegativelyCacheable(err) && c.cfg.NegativeTTL > 0:
		e.state = stateFailed
		e.err = err
		e.size = negativeEntryCost
		e.expiresAt = c.now().Add(c.cfg.NegativeTTL)
		if current {
			c.lru.Add(key, e)
			c.curBytes += e.size
			c.metrics.loadsTotal.WithLabelValues(statusNotFound).Inc()
		}
	default:
		e.state = stateFailed
		e.err = err
		if current {
			delete(c.entries, key)
			c.metrics.loadsTotal.WithLabelValues(statusError).Inc()
		}
	}
	c.syncGaugesLocked()
	close(e.done)
}

// evictLocked enforces the byte budget, least-recently-used first, stopping
// when under budget or when a single entry remains. A lone entry larger than
// the budget stays admitted.
func (c *Cache) evictLocked() {
	c.evicting = true
	for c.curBytes > c.cfg.MaxSizeBytes && c.lru.Len() > 1 {
		c.lru.RemoveOldest()
	}
	c.evicting = false
}

// onEvict runs for every LRU removal, including explicit ones from
// Invalidate and negative-entry expiry. Only budget evictions count toward
// the eviction metric.
func (c *Cache) onEvict(key symfile.ModuleKey, e *entry) {
	c.curBytes -= e.size
	delete(c.entries, key)
	if c.evicting {
		c.metrics.evictionsTotal.Inc()
		level.Debug(c.logger).Log("msg", "evicted symbol table", "module", key, "size", humanize.IBytes(uint64(e.size)))
	}
}

// Invalidate drops the entry for key, forcing the next GetOrLoad to fetch
// again. Used when a symbol file has been reuploaded under the same key.
func (c *Cache) Invalidate(key symfile.ModuleKey) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.state == statePending {
		// The in-flight load still completes for its waiters, but the
		// result is discarded.
		delete(c.entries, key)
		return
	}
	c.lru.Remove(key)
	c.syncGaugesLocked()
}

func (c *Cache) Stats() Stats {
	c.mtx.Lock()
	entries := c.lru.Len()
	bytes := c.curBytes
	c.mtx.Unlock()
	return Stats{
		Entries: entries,
		Bytes:   bytes,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

func (c *Cache) syncGaugesLocked() {
	c.metrics.entries.Set(float64(c.lru.Len()))
	c.metrics.sizeBytes.Set(float64(c.curBytes))
}

// isNegativelyCacheable reports whether err is a definitive answer worth
// remembering: the file does not exist, or it exists but is unusable.
// Transient fetch failures must be retried on the next reference, even when
// they wrap a NotFoundError from an earlier backend tier.
func isNegativelyCacheable(err error) bool {
	if symsource.IsFetchError(err) {
		return false
	}
	return symsource.IsNotFound(err) || symfile.IsParseError(err)
}
