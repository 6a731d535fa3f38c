package retry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"quoteserver/internal/quote"
)

const (
	DefaultInitialInterval = 250 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
)

// Fetcher retries transient failures of the wrapped fetcher with exponential
// backoff. Network errors, 429 and 5xx are retried; everything else returns
// after the first attempt.
type Fetcher struct {
	next        quote.Fetcher
	maxTries    uint
	initial     time.Duration
	maxInterval time.Duration
	notify      backoff.Notify
}

type Option func(*Fetcher)

func WithInitialInterval(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.initial = d
		}
	}
}

func WithMaxInterval(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.maxInterval = d
		}
	}
}

// WithNotify is called before each retry with the error and the wait.
func WithNotify(fn func(err error, wait time.Duration)) Option {
	return func(f *Fetcher) { f.notify = fn }
}

// New retries up to retries times after the first attempt.
func New(next quote.Fetcher, retries int, opts ...Option) *Fetcher {
	if retries < 0 {
		retries = 0
	}
	f := &Fetcher{
		next:        next,
		maxTries:    uint(retries) + 1,
		initial:     DefaultInitialInterval,
		maxInterval: DefaultMaxInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Wrap returns next unchanged when retries is zero.
func Wrap(next quote.Fetcher, retries int, opts ...Option) quote.Fetcher {
	if retries <= 0 {
		return next
	}
	return New(next, retries, opts...)
}

func (f *Fetcher) Fetch(ctx context.Context, symbol string) (quote.Quote, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initial
	b.MaxInterval = f.maxInterval

	opts := []backoff.RetryOption{backoff.WithBackOff(b), backoff.WithMaxTries(f.maxTries)}
	if f.notify != nil {
		opts = append(opts, backoff.WithNotify(f.notify))
	}

	q, err := backoff.Retry(ctx, func() (quote.Quote, error) {
		q, err := f.next.Fetch(ctx, symbol)
		if err != nil && !Retryable(err) {
			return quote.Quote{}, backoff.Permanent(err)
		}
		return q, err
	}, opts...)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return q, err
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	var fe *quote.FetchError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Kind {
	case quote.KindNetwork:
		return !errors.Is(err, context.Canceled)
	case quote.KindUpstream:
		return fe.Status == http.StatusTooManyRequests || fe.Status >= 500
	default:
		return false
	}
}
