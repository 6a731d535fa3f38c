package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"quoteserver/internal/quote"
)

const (
	DefaultMaxBatch     = 100
	DefaultFetchTimeout = 10 * time.Second
)

// Store is the part of the quote cache the coordinator needs.
type Store interface {
	Get(symbol string) (quote.Quote, bool)
	Put(symbol string, q quote.Quote)
}

// Result is one position of a batch lookup.
type Result struct {
	Symbol string      `json:"symbol"`
	Quote  quote.Quote `json:"quote"`
	Err    error       `json:"-"`
}

// Coordinator serves quotes from the store and fetches on a miss. Concurrent
// misses for one symbol share a single upstream fetch.
//
// A fetch runs detached from the caller that started it: a caller that gives
// up gets ctx.Err() while the fetch carries on for the other waiters, and
// with no waiters left it still completes and fills the store.
type Coordinator struct {
	fetcher quote.Fetcher
	store   Store
	flights singleflight.Group

	maxBatch     int
	fetchTimeout time.Duration

	hits    atomic.Uint64
	misses  atomic.Uint64
	fetches atomic.Uint64
	shared  atomic.Uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxBatch caps the number of symbols GetQuotes accepts.
func WithMaxBatch(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxBatch = n
		}
	}
}

// WithFetchTimeout bounds a single upstream fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

func New(fetcher quote.Fetcher, store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		fetcher:      fetcher,
		store:        store,
		maxBatch:     DefaultMaxBatch,
		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetQuote returns the cached quote for symbol, or fetches and caches it.
// Fetch errors are returned unchanged; an expired entry is never served.
func (c *Coordinator) GetQuote(ctx context.Context, symbol string) (quote.Quote, error) {
	if q, ok := c.store.Get(symbol); ok {
		c.hits.Add(1)
		return q, nil
	}
	c.misses.Add(1)
	// A caller that is already gone must not start upstream work.
	if err := ctx.Err(); err != nil {
		return quote.Quote{}, err
	}

	ch := c.flights.DoChan(symbol, func() (any, error) {
		// The previous flight may have filled the store after our miss.
		if q, ok := c.store.Get(symbol); ok {
			return q, nil
		}
		return c.fetch(context.WithoutCancel(ctx), symbol)
	})

	select {
	case <-ctx.Done():
		return quote.Quote{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		if res.Err != nil {
			return quote.Quote{}, res.Err
		}
		return res.Val.(quote.Quote), nil
	}
}

func (c *Coordinator) fetch(ctx context.Context, symbol string) (quote.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	c.fetches.Add(1)
	q, err := c.fetcher.Fetch(ctx, symbol)
	if err != nil {
		return quote.Quote{}, err
	}
	if err := q.Validate(); err != nil {
		return quote.Quote{}, quote.DecodeError(symbol, err)
	}
	c.store.Put(symbol, q)
	return q, nil
}

// GetQuotes resolves every symbol concurrently and returns one Result per
// input position, in input order. Duplicates resolve independently and share
// cache and in-flight state. A failing symbol only fails its own position.
//
// Every position starts at once; the batch cap is the only bound. Upstream
// pressure is the fetcher's concern (see ratelimit).
//
// The returned error is non-nil only when the batch is rejected as a whole:
// empty, or larger than the configured cap. No fetch is issued in that case.
func (c *Coordinator) GetQuotes(ctx context.Context, symbols []string) ([]Result, error) {
	if len(symbols) == 0 {
		return nil, quote.ErrNoSymbols
	}
	if len(symbols) > c.maxBatch {
		return nil, quote.TooManySymbolsError(c.maxBatch)
	}

	out := make([]Result, len(symbols))
	var g errgroup.Group
	for i, sym := range symbols {
		g.Go(func() error {
			q, err := c.GetQuote(ctx, sym)
			out[i] = Result{Symbol: sym, Quote: q, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// Stats counts lookups since start. Shared counts waiters that received
// another caller's in-flight result.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Fetches uint64
	Shared  uint64
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Fetches: c.fetches.Load(),
		Shared:  c.shared.Load(),
	}
}
