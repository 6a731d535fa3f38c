package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"quoteserver/internal/quote"
	"quoteserver/internal/quote/cache"
	"quoteserver/internal/quote/coordinator"
)

const Namespace = "quoteserver"

// Metrics owns a private registry so tests and multiple servers never clash
// on the global one.
type Metrics struct {
	Registry *prometheus.Registry

	FetchTotal    *prometheus.CounterVec
	FetchDuration prometheus.Histogram

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "upstream",
			Name:      "fetches_total",
			Help:      "Upstream quote fetches by result.",
		}, []string{"result"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "upstream",
			Name:      "fetch_duration_seconds",
			Help:      "Upstream quote fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FetchTotal,
		m.FetchDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format. It never
// compresses; the server's gzip middleware already does.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		Registry:           m.Registry,
		DisableCompression: true,
	})
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Result is the fetches_total label for err.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	switch quote.KindOf(err) {
	case quote.KindNetwork:
		return "network"
	case quote.KindDecode:
		return "decode"
	case quote.KindUpstream:
		return "upstream"
	default:
		return "other"
	}
}

type instrumented struct {
	next quote.Fetcher
	m    *Metrics
}

// Fetcher counts and times every call to next.
func (m *Metrics) Fetcher(next quote.Fetcher) quote.Fetcher {
	return &instrumented{next: next, m: m}
}

func (f *instrumented) Fetch(ctx context.Context, symbol string) (quote.Quote, error) {
	start := time.Now()
	q, err := f.next.Fetch(ctx, symbol)
	f.m.FetchDuration.Observe(time.Since(start).Seconds())
	f.m.FetchTotal.WithLabelValues(Result(err)).Inc()
	return q, err
}

// RegisterCache exports cache counters, read at scrape time.
func (m *Metrics) RegisterCache(stats func() cache.Stats) {
	gauge := func(name, help string, v func(cache.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "cache", Name: name, Help: help,
		}, func() float64 { return v(stats()) })
	}
	counter := func(name, help string, v func(cache.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "cache", Name: name, Help: help,
		}, func() float64 { return float64(v(stats())) })
	}
	m.Registry.MustRegister(
		gauge("entries", "Entries currently stored.", func(s cache.Stats) float64 { return float64(s.Entries) }),
		gauge("max_entries", "Configured entry bound.", func(s cache.Stats) float64 { return float64(s.MaxEntries) }),
		counter("hits_total", "Lookups served from the cache.", func(s cache.Stats) uint64 { return s.Hits }),
		counter("misses_total", "Lookups not served from the cache.", func(s cache.Stats) uint64 { return s.Misses }),
		counter("expirations_total", "Entries dropped for age or idleness.", func(s cache.Stats) uint64 { return s.Expirations }),
		counter("evictions_total", "Entries dropped to make room.", func(s cache.Stats) uint64 { return s.Evictions }),
	)
}

// RegisterCoordinator exports coordinator counters, read at scrape time.
func (m *Metrics) RegisterCoordinator(stats func() coordinator.Stats) {
	counter := func(name, help string, v func(coordinator.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "coordinator", Name: name, Help: help,
		}, func() float64 { return float64(v(stats())) })
	}
	m.Registry.MustRegister(
		counter("hits_total", "Quote lookups answered from cache.", func(s coordinator.Stats) uint64 { return s.Hits }),
		counter("misses_total", "Quote lookups that needed a fetch.", func(s coordinator.Stats) uint64 { return s.Misses }),
		counter("fetches_total", "Upstream fetches started.", func(s coordinator.Stats) uint64 { return s.Fetches }),
		counter("shared_total", "Lookups answered by an in-flight fetch.", func(s coordinator.Stats) uint64 { return s.Shared }),
	)
}
