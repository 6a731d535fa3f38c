// Package app wires configuration into a running quote stack. The binaries
// under cmd/ share it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quoteserver/internal/config"
	"quoteserver/internal/httpx"
	"quoteserver/internal/metrics"
	"quoteserver/internal/quote"
	"quoteserver/internal/quote/cache"
	"quoteserver/internal/quote/coordinator"
	"quoteserver/internal/quote/iex"
	"quoteserver/internal/quote/ratelimit"
	"quoteserver/internal/quote/retry"
	"quoteserver/internal/server"
)

type App struct {
	Config      config.Config
	Log         *slog.Logger
	Metrics     *metrics.Metrics
	Cache       *cache.Cache
	Coordinator *coordinator.Coordinator
	Server      *server.Server
}

// NewFetcher builds the upstream chain: retry, then rate limit, then
// metrics, then the IEX client. Each retry attempt waits for its own token.
func NewFetcher(cfg config.Config, log *slog.Logger, m *metrics.Metrics) (quote.Fetcher, error) {
	hc := httpx.New(cfg.IEX.Timeout())
	client, err := iex.NewClient(cfg.IEX.Token,
		iex.WithBaseURL(cfg.IEX.BaseURL),
		iex.WithHTTPClient(hc),
	)
	if err != nil {
		return nil, fmt.Errorf("iex client: %w", err)
	}

	var f quote.Fetcher = client
	if m != nil {
		f = m.Fetcher(f)
	}
	f = ratelimit.Wrap(f, cfg.IEX.MaxRequestsPerMinute, cfg.IEX.Burst, cfg.IEX.MinInterval())
	f = retry.Wrap(f, cfg.IEX.Retries, retry.WithNotify(func(err error, wait time.Duration) {
		log.Warn("retrying upstream fetch", "error", err, "wait", wait)
	}))
	return f, nil
}

// New builds the whole stack from cfg. cfg must already be valid.
func New(cfg config.Config, log *slog.Logger) (*App, error) {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	f, err := NewFetcher(cfg, log, m)
	if err != nil {
		return nil, err
	}

	c := cache.New(
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithTTL(cfg.Cache.TTL()),
		cache.WithIdleTTL(cfg.Cache.IdleTTL()),
		cache.WithShards(cfg.Cache.Shards),
	)
	co := coordinator.New(f, c,
		coordinator.WithMaxBatch(cfg.Batch.MaxSymbols),
		coordinator.WithFetchTimeout(cfg.IEX.FetchTimeout()),
	)

	opts := []server.Option{
		server.WithLogger(log),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithRequestTimeout(cfg.Server.RequestTimeout()),
		server.WithCORSOrigins(cfg.Server.CORSOrigins),
	}
	if m != nil {
		m.RegisterCache(c.Stats)
		m.RegisterCoordinator(co.Stats)
		opts = append(opts, server.WithMetrics(m, cfg.Metrics.Path))
	}

	return &App{
		Config:      cfg,
		Log:         log,
		Metrics:     m,
		Cache:       c,
		Coordinator: co,
		Server:      server.New(co, opts...),
	}, nil
}

// RunJanitor purges expired cache entries until ctx is done.
func (a *App) RunJanitor(ctx context.Context) {
	a.Cache.Run(ctx, a.Config.Cache.PurgeInterval())
}
