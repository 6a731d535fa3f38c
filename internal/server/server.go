package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"quoteserver/internal/metrics"
	"quoteserver/internal/quote"
	"quoteserver/internal/quote/coordinator"
)

const (
	DefaultMaxBodyBytes   = 1 << 20
	DefaultRequestTimeout = 15 * time.Second
)

// QuoteService is what the HTTP layer needs from the coordinator.
type QuoteService interface {
	GetQuote(ctx context.Context, symbol string) (quote.Quote, error)
	GetQuotes(ctx context.Context, symbols []string) ([]coordinator.Result, error)
}

type Server struct {
	svc            QuoteService
	log            *slog.Logger
	metrics        *metrics.Metrics
	metricsPath    string
	maxBody        int64
	requestTimeout time.Duration
	corsOrigins    []string
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records request metrics and serves the registry at path.
func WithMetrics(m *metrics.Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = m
		if path != "" {
			s.metricsPath = path
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.corsOrigins = origins
		}
	}
}

func New(svc QuoteService, opts ...Option) *Server {
	s := &Server{
		svc:            svc,
		log:            slog.Default(),
		metricsPath:    "/metrics",
		maxBody:        DefaultMaxBodyBytes,
		requestTimeout: DefaultRequestTimeout,
		corsOrigins:    []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	// keep %2F inside a ticker instead of splitting the path on it
	r.UseEncodedPath()
	r.Use(s.observe)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/quote/{ticker}", s.handleQuote).Methods(http.MethodGet)
	r.HandleFunc("/quotes/{tickers}", s.handleQuotes).Methods(http.MethodGet)
	r.HandleFunc("/api/quotes", s.handleAPIGet).Methods(http.MethodGet)
	r.HandleFunc("/api/quotes", s.handleAPIPost).Methods(http.MethodPost)
	if s.metrics != nil {
		r.Handle(s.metricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(withGzip(s.recoverPanic(s.limitBody(r))))
}

// HTTPServer wraps Handler with the listener timeouts used in production.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.requestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
