package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"quoteserver/internal/quote"
	"quoteserver/internal/quote/cache"
	"quoteserver/internal/quote/coordinator"
)

// stubFetcher counts upstream calls per symbol.
type stubFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	total atomic.Int64
	fn    func(ctx context.Context, symbol string) (quote.Quote, error)
}

func newStub(fn func(ctx context.Context, symbol string) (quote.Quote, error)) *stubFetcher {
	return &stubFetcher{calls: map[string]int{}, fn: fn}
}

func (s *stubFetcher) Fetch(ctx context.Context, symbol string) (quote.Quote, error) {
	s.mu.Lock()
	s.calls[symbol]++
	s.mu.Unlock()
	s.total.Add(1)
	return s.fn(ctx, symbol)
}

func (s *stubFetcher) Calls(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[symbol]
}

func sample(symbol string) quote.Quote {
	return quote.Quote{Symbol: symbol, Change: 1.5, ChangePercent: 0.02, DelayedPrice: 101.5, Close: 100.0}
}

func okStub() *stubFetcher {
	return newStub(func(_ context.Context, symbol string) (quote.Quote, error) {
		return sample(symbol), nil
	})
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClockedCache() (*cache.Cache, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 1, 2, 14, 30, 0, 0, time.UTC)}
	return cache.New(cache.WithClock(clk.Now), cache.WithTTL(15*time.Minute), cache.WithIdleTTL(time.Minute)), clk
}

func TestGetQuote_ReturnsFetchedFields(t *testing.T) {
	t.Parallel()

	stub := newStub(func(context.Context, string) (quote.Quote, error) {
		return quote.Quote{Symbol: "X", Change: 1.5, ChangePercent: 0.02, DelayedPrice: 101.5, Close: 100.0}, nil
	})
	c := coordinator.New(stub, cache.New())

	q, err := c.GetQuote(t.Context(), "X")
	require.NoError(t, err)
	require.Equal(t, "X", q.Symbol)
	require.Equal(t, 1.5, q.Change)
	require.Equal(t, 0.02, q.ChangePercent)
	require.Equal(t, 101.5, q.DelayedPrice)
	require.Equal(t, 100.0, q.Close)
}

func TestGetQuote_SecondCallServedFromCache(t *testing.T) {
	t.Parallel()

	// Arrange: the mock allows exactly one upstream call
	ctrl := gomock.NewController(t)
	fetcher := NewMockFetcher(ctrl)
	fetcher.EXPECT().
		Fetch(gomock.Any(), "AAPL").
		Return(sample("AAPL"), nil).
		Times(1)

	c := coordinator.New(fetcher, cache.New())

	// Act
	first, err := c.GetQuote(t.Context(), "AAPL")
	require.NoError(t, err)
	second, err := c.GetQuote(t.Context(), "AAPL")
	require.NoError(t, err)

	// Assert
	require.Equal(t, first, second)
	st := c.Stats()
	require.Equal(t, uint64(1), st.Hits)
	require.Equal(t, uint64(1), st.Misses)
	require.Equal(t, uint64(1), st.Fetches)
}

func TestGetQuote_RefetchAfterTTL(t *testing.T) {
	t.Parallel()

	store, clk := newClockedCache()
	stub := okStub()
	c := coordinator.New(stub, store)

	_, err := c.GetQuote(t.Context(), "AAPL")
	require.NoError(t, err)

	// Keep the entry warm; the TTL still runs out.
	for i := 0; i < 29; i++ {
		clk.Advance(30 * time.Second)
		_, err := c.GetQuote(t.Context(), "AAPL")
		require.NoError(t, err)
	}
	require.Equal(t, 1, stub.Calls("AAPL"))

	clk.Advance(30 * time.Second)
	_, err = c.GetQuote(t.Context(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, 2, stub.Calls("AAPL"))
}

func TestGetQuote_RefetchAfterIdle(t *testing.T) {
	t.Parallel()

	store, clk := newClockedCache()
	stub := okStub()
	c := coordinator.New(stub, store)

	_, err := c.GetQuote(t.Context(), "AAPL")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	_, err = c.GetQuote(t.Context(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, 2, stub.Calls("AAPL"))
}

func TestGetQuote_ErrorPropagatesAndIsNotCached(t *testing.T) {
	t.Parallel()

	upstream := quote.UpstreamError("NOPE", http.StatusNotFound, nil)
	stub := newStub(func(context.Context, string) (quote.Quote, error) {
		return quote.Quote{}, upstream
	})
	store := cache.New()
	c := coordinator.New(stub, store)

	_, err := c.GetQuote(t.Context(), "NOPE")
	require.Same(t, upstream, err)

	_, err = c.GetQuote(t.Context(), "NOPE")
	require.ErrorIs(t, err, quote.ErrUpstream)
	require.Equal(t, 2, stub.Calls("NOPE"))
	require.Equal(t, 0, store.Len())
}

func TestGetQuote_NoStaleFallback(t *testing.T) {
	t.Parallel()

	store, clk := newClockedCache()
	var fail atomic.Bool
	stub := newStub(func(_ context.Context, symbol string) (quote.Quote, error) {
		if fail.Load() {
			return quote.Quote{}, quote.NetworkError(symbol, errors.New("timeout"))
		}
		return sample(symbol), nil
	})
	c := coordinator.New(stub, store)

	_, err := c.GetQuote(t.Context(), "AAPL")
	require.NoError(t, err)

	fail.Store(true)
	clk.Advance(16 * time.Minute)
	_, err = c.GetQuote(t.Context(), "AAPL")
	require.ErrorIs(t, err, quote.ErrNetwork)
}

func TestGetQuote_InvalidQuoteIsDecodeError(t *testing.T) {
	t.Parallel()

	stub := newStub(func(_ context.Context, symbol string) (quote.Quote, error) {
		q := sample(symbol)
		q.ChangePercent = math.NaN()
		return q, nil
	})
	store := cache.New()
	c := coordinator.New(stub, store)

	_, err := c.GetQuote(t.Context(), "BAD")
	require.ErrorIs(t, err, quote.ErrDecode)
	require.Equal(t, 0, store.Len())
}

func TestGetQuote_ConcurrentMissesShareOneFetch(t *testing.T) {
	t.Parallel()

	const callers = 64
	release := make(chan struct{})
	stub := newStub(func(_ context.Context, symbol string) (quote.Quote, error) {
		<-release
		return sample(symbol), nil
	})
	c := coordinator.New(stub, cache.New())

	results := make([]quote.Quote, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetQuote(t.Context(), "AAPL")
		}()
	}

	// Every caller has missed; the single fetch is still blocked.
	require.Eventually(t, func() bool { return c.Stats().Misses == callers }, 5*time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, 1, stub.Calls("AAPL"))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
}

func TestGetQuote_UnrelatedSymbolsDoNotBlock(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	stub := newStub(func(_ context.Context, symbol string) (quote.Quote, error) {
		if symbol == "SLOW" {
			<-release
		}
		return sample(symbol), nil
	})
	c := coordinator.New(stub, cache.New())

	go func() { _, _ = c.GetQuote(context.Background(), "SLOW") }()
	require.Eventually(t, func() bool { return stub.Calls("SLOW") == 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	q, err := c.GetQuote(ctx, "FAST")
	require.NoError(t, err)
	require.Equal(t, "FAST", q.Symbol)
}

func TestGetQuote_CallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var fetchCtxErr atomic.Value
	stub := newStub(func(ctx context.Context, symbol string) (quote.Quote, error) {
		<-release
		if err := ctx.Err(); err != nil {
			fetchCtxErr.Store(err)
		}
		return sample(symbol), nil
	})
	store := cache.New()
	c := coordinator.New(stub, store)

	// Arrange: one caller that will give up, one that waits.
	leaverCtx, leave := context.WithCancel(t.Context())
	leaverErr := make(chan error, 1)
	go func() {
		_, err := c.GetQuote(leaverCtx, "AAPL")
		leaverErr <- err
	}()
	require.Eventually(t, func() bool { return stub.Calls("AAPL") == 1 }, 5*time.Second, time.Millisecond)

	stayer := make(chan quote.Quote, 1)
	go func() {
		q, _ := c.GetQuote(t.Context(), "AAPL")
		stayer <- q
	}()
	require.Eventually(t, func() bool { return c.Stats().Misses == 2 }, 5*time.Second, time.Millisecond)

	// Act
	leave()
	require.ErrorIs(t, <-leaverErr, context.Canceled)
	close(release)

	// Assert: the remaining waiter gets the result from the same fetch.
	require.Equal(t, "AAPL", (<-stayer).Symbol)
	require.Equal(t, 1, stub.Calls("AAPL"))
	require.Nil(t, fetchCtxErr.Load())
}

func TestGetQuote_AbandonedFetchStillPopulatesCache(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	done := make(chan struct{})
	stub := newStub(func(_ context.Context, symbol string) (quote.Quote, error) {
		<-release
		defer close(done)
		return sample(symbol), nil
	})
	store := cache.New()
	c := coordinator.New(stub, store)

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() {
		_, err := c.GetQuote(ctx, "AAPL")
		errc <- err
	}()
	require.Eventually(t, func() bool { return stub.Calls("AAPL") == 1 }, 5*time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	<-done
	require.Eventually(t, func() bool {
		_, ok := store.Get("AAPL")
		return ok
	}, 5*time.Second, time.Millisecond)

	q, err := c.GetQuote(t.Context(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, "AAPL", q.Symbol)
	require.Equal(t, 1, stub.Calls("AAPL"))
}

func TestGetQuote_FetchTimeout(t *testing.T) {
	t.Parallel()

	stub := newStub(func(ctx context.Context, symbol string) (quote.Quote, error) {
		<-ctx.Done()
		return quote.Quote{}, quote.NetworkError(symbol, ctx.Err())
	})
	c := coordinator.New(stub, cache.New(), coordinator.WithFetchTimeout(10*time.Millisecond))

	_, err := c.GetQuote(t.Context(), "AAPL")
	require.ErrorIs(t, err, quote.ErrNetwork)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetQuote_DoneContextStartsNoFetch(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	fetcher := NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).Times(0)
	c := coordinator.New(fetcher, cache.New())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := c.GetQuote(ctx, "AAPL")
	require.ErrorIs(t, err, context.Canceled)

	res, err := c.GetQuotes(ctx, []string{"A", "B"})
	require.NoError(t, err)
	for _, r := range res {
		require.ErrorIs(t, r.Err, context.Canceled)
	}
	require.Zero(t, c.Stats().Fetches)
}

func TestGetQuote_DoneContextStillServesCache(t *testing.T) {
	t.Parallel()

	store := cache.New()
	store.Put("AAPL", sample("AAPL"))
	c := coordinator.New(okStub(), store)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	q, err := c.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	require.Equal(t, "AAPL", q.Symbol)
}

func TestGetQuotes_OrderAndIsolation(t *testing.T) {
	t.Parallel()

	stub := newStub(func(_ context.Context, symbol string) (quote.Quote, error) {
		if symbol == "B" {
			return quote.Quote{}, quote.UpstreamError(symbol, http.StatusNotFound, nil)
		}
		return sample(symbol), nil
	})
	c := coordinator.New(stub, cache.New())

	res, err := c.GetQuotes(t.Context(), []string{"A", "B", "A"})
	require.NoError(t, err)
	require.Len(t, res, 3)

	require.NoError(t, res[0].Err)
	require.NoError(t, res[2].Err)
	require.Equal(t, "A", res[0].Quote.Symbol)
	require.Equal(t, res[0].Quote, res[2].Quote)

	require.Equal(t, "B", res[1].Symbol)
	require.ErrorIs(t, res[1].Err, quote.ErrUpstream)

	require.Equal(t, 1, stub.Calls("A"))
}

func TestGetQuotes_PreservesOrderRegardlessOfCompletion(t *testing.T) {
	t.Parallel()

	symbols := []string{"S0", "S1", "S2", "S3", "S4", "S5", "S6", "S7"}
	stub := newStub(func(_ context.Context, symbol string) (quote.Quote, error) {
		var n int
		_, _ = fmt.Sscanf(symbol, "S%d", &n)
		// later positions finish first
		time.Sleep(time.Duration(len(symbols)-n) * time.Millisecond)
		return sample(symbol), nil
	})
	c := coordinator.New(stub, cache.New())

	res, err := c.GetQuotes(t.Context(), symbols)
	require.NoError(t, err)
	for i, r := range res {
		require.NoError(t, r.Err)
		require.Equal(t, symbols[i], r.Symbol)
		require.Equal(t, symbols[i], r.Quote.Symbol)
	}
}

func TestGetQuotes_AllPositionsFetchAtOnce(t *testing.T) {
	t.Parallel()

	const n = coordinator.DefaultMaxBatch
	release := make(chan struct{})
	var inFlight atomic.Int64
	stub := newStub(func(_ context.Context, symbol string) (quote.Quote, error) {
		inFlight.Add(1)
		<-release
		return sample(symbol), nil
	})
	c := coordinator.New(stub, cache.New())

	symbols := make([]string, n)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("S%d", i)
	}
	done := make(chan []coordinator.Result, 1)
	go func() {
		res, _ := c.GetQuotes(t.Context(), symbols)
		done <- res
	}()

	// Every distinct symbol must be in flight before any fetch returns.
	require.Eventually(t, func() bool { return inFlight.Load() == n }, 5*time.Second, time.Millisecond)
	close(release)

	res := <-done
	require.Len(t, res, n)
	for i, r := range res {
		require.NoError(t, r.Err)
		require.Equal(t, symbols[i], r.Quote.Symbol)
	}
}

func TestGetQuotes_TooManySymbols(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	fetcher := NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).Times(0)

	c := coordinator.New(fetcher, cache.New(), coordinator.WithMaxBatch(2))
	res, err := c.GetQuotes(t.Context(), []string{"A", "B", "C"})
	require.ErrorIs(t, err, quote.ErrTooManySymbols)
	require.Nil(t, res)

	var fe *quote.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 2, fe.Limit)
}

func TestGetQuotes_Empty(t *testing.T) {
	t.Parallel()

	c := coordinator.New(okStub(), cache.New())
	_, err := c.GetQuotes(t.Context(), nil)
	require.ErrorIs(t, err, quote.ErrNoSymbols)
}

func TestGetQuotes_DuplicatesShareFetch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	stub := newStub(func(_ context.Context, symbol string) (quote.Quote, error) {
		<-release
		return sample(symbol), nil
	})
	c := coordinator.New(stub, cache.New())

	done := make(chan []coordinator.Result, 1)
	go func() {
		res, _ := c.GetQuotes(t.Context(), []string{"A", "A", "A", "A"})
		done <- res
	}()
	require.Eventually(t, func() bool { return c.Stats().Misses == 4 }, 5*time.Second, time.Millisecond)
	close(release)

	res := <-done
	require.Len(t, res, 4)
	for _, r := range res {
		require.NoError(t, r.Err)
		require.Equal(t, "A", r.Quote.Symbol)
	}
	require.Equal(t, 1, stub.Calls("A"))
}
