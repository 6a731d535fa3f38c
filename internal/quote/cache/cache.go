package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"quoteserver/internal/quote"
)

const (
	DefaultMaxEntries = 10_000
	DefaultTTL        = 15 * time.Minute
	DefaultIdleTTL    = time.Minute
	DefaultShards     = 16
)

// entry is replaced wholesale on Put; only lastAccess moves afterwards.
type entry struct {
	quote      quote.Quote
	insertedAt time.Time
	lastAccess time.Time
}

type shard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *entry]
}

// Cache is a bounded in-memory symbol -> Quote store. An entry expires when
// it is older than the TTL or has not been read for the idle TTL, whichever
// comes first.
//
// Keys are spread over independent shards so unrelated symbols never contend
// on the same lock. The entry bound is global: nothing is evicted while the
// cache holds fewer than the max entries. At capacity a new symbol evicts the
// least recently used entry of its own shard, or of the next non-empty shard
// when its own is empty. The cache never fetches; a miss is the caller's
// problem.
type Cache struct {
	maxEntries int
	ttl        time.Duration
	idleTTL    time.Duration
	now        func() time.Time
	shards     []*shard

	// count is the number of stored entries across all shards. It is only
	// raised through reserve, which keeps it at or below maxEntries.
	count  atomic.Int64
	victim atomic.Uint64

	hits        atomic.Uint64
	misses      atomic.Uint64
	expirations atomic.Uint64
	evictions   atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries bounds the total number of entries.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithTTL sets the absolute freshness limit per entry.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithIdleTTL sets how long an entry survives without being read.
func WithIdleTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.idleTTL = d
		}
	}
}

// WithShards sets the shard count.
func WithShards(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.shards = make([]*shard, n)
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		maxEntries: DefaultMaxEntries,
		ttl:        DefaultTTL,
		idleTTL:    DefaultIdleTTL,
		now:        time.Now,
		shards:     make([]*shard, DefaultShards),
	}
	for _, opt := range opts {
		opt(c)
	}

	for i := range c.shards {
		// A shard never holds more than maxEntries since count is bounded
		// globally, so the per-shard LRU never evicts on its own.
		l, _ := simplelru.NewLRU[string, *entry](c.maxEntries, nil)
		c.shards[i] = &shard{lru: l}
	}
	return c
}

// reserve claims room for one more entry. It fails at capacity.
func (c *Cache) reserve() bool {
	for {
		n := c.count.Load()
		if n >= int64(c.maxEntries) {
			return false
		}
		if c.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// evictFrom drops the least recently used entry of another shard, walking
// shards round-robin from a moving start. skip is not locked by the caller.
func (c *Cache) evictFrom(skip *shard) {
	n := uint64(len(c.shards))
	start := c.victim.Add(1)
	for i := uint64(0); i < n; i++ {
		s := c.shards[(start+i)%n]
		if s == skip {
			continue
		}
		s.mu.Lock()
		_, _, ok := s.lru.RemoveOldest()
		s.mu.Unlock()
		if ok {
			c.count.Add(-1)
			c.evictions.Add(1)
			return
		}
	}
}

func (c *Cache) shardFor(symbol string) *shard {
	return c.shards[xxhash.Sum64String(symbol)%uint64(len(c.shards))]
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.insertedAt) >= c.ttl || now.Sub(e.lastAccess) >= c.idleTTL
}

// Get returns the cached quote for symbol. Expired entries are dropped and
// reported as a miss. A hit restarts the idle clock but never the TTL.
func (c *Cache) Get(symbol string) (quote.Quote, bool) {
	s := c.shardFor(symbol)
	now := c.now()

	s.mu.Lock()
	e, ok := s.lru.Get(symbol)
	if ok && c.expired(e, now) {
		s.lru.Remove(symbol)
		c.count.Add(-1)
		c.expirations.Add(1)
		ok = false
	}
	if ok {
		e.lastAccess = now
	}
	s.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return quote.Quote{}, false
	}
	c.hits.Add(1)
	return e.quote, true
}

// Put stores q under symbol, replacing any previous entry and resetting both
// clocks. A new symbol in a full cache evicts one entry first.
func (c *Cache) Put(symbol string, q quote.Quote) {
	s := c.shardFor(symbol)
	now := c.now()
	e := &entry{quote: q, insertedAt: now, lastAccess: now}

	for {
		s.mu.Lock()
		// reserve is only evaluated for a new symbol.
		switch {
		case s.lru.Contains(symbol), c.reserve():
			s.lru.Add(symbol, e)
			s.mu.Unlock()
			return
		case s.lru.Len() > 0:
			// Swap our own oldest for the new entry; count is unchanged.
			s.lru.RemoveOldest()
			s.lru.Add(symbol, e)
			s.mu.Unlock()
			c.evictions.Add(1)
			return
		}
		s.mu.Unlock()
		// Only one shard lock is held at a time.
		c.evictFrom(s)
	}
}

// Len reports the number of stored entries, including expired ones that have
// not been purged yet.
func (c *Cache) Len() int {
	return int(c.count.Load())
}

// PurgeExpired removes every expired entry and returns how many were dropped.
func (c *Cache) PurgeExpired() int {
	now := c.now()
	n := 0
	for _, s := range c.shards {
		dropped := 0
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			if e, ok := s.lru.Peek(k); ok && c.expired(e, now) {
				s.lru.Remove(k)
				dropped++
			}
		}
		c.count.Add(int64(-dropped))
		s.mu.Unlock()
		n += dropped
	}
	c.expirations.Add(uint64(n))
	return n
}

// Run purges expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.PurgeExpired()
		}
	}
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries     int
	MaxEntries  int
	Hits        uint64
	Misses      uint64
	Expirations uint64
	Evictions   uint64
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries:     c.Len(),
		MaxEntries:  c.maxEntries,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Expirations: c.expirations.Load(),
		Evictions:   c.evictions.Load(),
	}
}
