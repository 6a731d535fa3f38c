package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
	"quoteserver/internal/quote"
)

// Fetcher wraps a quote.Fetcher and gates every call through a limiter.
// A call that cannot get a token before ctx is done fails as a network error
// without reaching the wrapped fetcher.
type Fetcher struct {
	next    quote.Fetcher
	limiter *rate.Limiter
}

func New(next quote.Fetcher, limiter *rate.Limiter) *Fetcher {
	return &Fetcher{next: next, limiter: limiter}
}

func (f *Fetcher) Fetch(ctx context.Context, symbol string) (quote.Quote, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return quote.Quote{}, quote.NetworkError(symbol, err)
	}
	return f.next.Fetch(ctx, symbol)
}

// PerMinute is a token bucket refilling n tokens a minute, holding at most
// burst. The bucket starts full.
func PerMinute(n, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(n)/60.0), burst)
}

// MinInterval admits one call per interval.
func MinInterval(d time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(d), 1)
}

// Wrap prefers the token bucket when a per-minute rate is set, otherwise a
// minimum interval. With neither, next is returned as is.
func Wrap(next quote.Fetcher, perMinute, burst int, minInterval time.Duration) quote.Fetcher {
	switch {
	case perMinute > 0:
		return New(next, PerMinute(perMinute, burst))
	case minInterval > 0:
		return New(next, MinInterval(minInterval))
	default:
		return next
	}
}
