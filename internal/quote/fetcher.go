package quote

import "context"

// Fetcher produces a fresh Quote for one symbol. Implementations must be safe
// for concurrent use; each call is independent.
//
//go:generate mockgen -package=coordinator_test -destination=coordinator/mock_fetcher_test.go -source=fetcher.go Fetcher
type Fetcher interface {
	Fetch(ctx context.Context, symbol string) (Quote, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, symbol string) (Quote, error)

func (f FetcherFunc) Fetch(ctx context.Context, symbol string) (Quote, error) {
	return f(ctx, symbol)
}
