package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"quoteserver/internal/logging"
)

type Server struct {
	Port               string   `json:"port" yaml:"port"`
	RequestTimeoutSec  int      `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	ShutdownTimeoutSec int      `json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes"`
	CORSOrigins        []string `json:"cors_origins" yaml:"cors_origins"`
}

type IEX struct {
	BaseURL              string `json:"base_url" yaml:"base_url"`
	Token                string `json:"token" yaml:"token"`
	TimeoutSec           int    `json:"timeout_sec" yaml:"timeout_sec"`
	FetchTimeoutSec      int    `json:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`
	MaxRequestsPerMinute int    `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	Burst                int    `json:"burst" yaml:"burst"`
	MinRequestIntervalMs int    `json:"min_request_interval_ms" yaml:"min_request_interval_ms"`
	Retries              int    `json:"retries" yaml:"retries"`
}

type Cache struct {
	MaxEntries       int `json:"max_entries" yaml:"max_entries"`
	TTLSec           int `json:"ttl_sec" yaml:"ttl_sec"`
	IdleTTLSec       int `json:"idle_ttl_sec" yaml:"idle_ttl_sec"`
	Shards           int `json:"shards" yaml:"shards"`
	PurgeIntervalSec int `json:"purge_interval_sec" yaml:"purge_interval_sec"`
}

type Batch struct {
	MaxSymbols int `json:"max_symbols" yaml:"max_symbols"`
}

type Metrics struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

type Config struct {
	Server  Server         `json:"server" yaml:"server"`
	IEX     IEX            `json:"iex" yaml:"iex"`
	Cache   Cache          `json:"cache" yaml:"cache"`
	Batch   Batch          `json:"batch" yaml:"batch"`
	Log     logging.Config `json:"log" yaml:"log"`
	Metrics Metrics        `json:"metrics" yaml:"metrics"`
}

func Default() Config {
	return Config{
		Server: Server{
			Port:               "8080",
			RequestTimeoutSec:  15,
			ShutdownTimeoutSec: 5,
			MaxBodyBytes:       1 << 20,
			CORSOrigins:        []string{"*"},
		},
		IEX: IEX{
			BaseURL:         "https://cloud.iexapis.com/v1",
			TimeoutSec:      10,
			FetchTimeoutSec: 10,
			Burst:           1,
		},
		Cache: Cache{
			MaxEntries:       10_000,
			TTLSec:           15 * 60,
			IdleTTLSec:       60,
			Shards:           16,
			PurgeIntervalSec: 30,
		},
		Batch: Batch{
			MaxSymbols: 100,
		},
		Log:     logging.Default(),
		Metrics: Metrics{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a JSON or YAML config from path, picked by extension. If path is
// empty the first of config.yaml, config.yml or config.json in the working
// directory is used; with none present the defaults stand. A .env file is
// loaded first, then environment variables override select fields.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		for _, candidate := range []string{"config.yaml", "config.yml", "config.json"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := decode(path, b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, b []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, cfg)
	default:
		return json.Unmarshal(b, cfg)
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("IEX_CLOUD_TOKEN"); v != "" {
		cfg.IEX.Token = v
	}
	if v := os.Getenv("IEX_BASE_URL"); v != "" {
		cfg.IEX.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"REQUEST_TIMEOUT_SEC", &cfg.Server.RequestTimeoutSec},
		{"IEX_TIMEOUT_SEC", &cfg.IEX.TimeoutSec},
		{"IEX_FETCH_TIMEOUT_SEC", &cfg.IEX.FetchTimeoutSec},
		{"IEX_MAX_RPM", &cfg.IEX.MaxRequestsPerMinute},
		{"IEX_BURST", &cfg.IEX.Burst},
		{"IEX_MIN_INTERVAL_MS", &cfg.IEX.MinRequestIntervalMs},
		{"IEX_RETRIES", &cfg.IEX.Retries},
		{"CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries},
		{"CACHE_TTL_SEC", &cfg.Cache.TTLSec},
		{"CACHE_IDLE_TTL_SEC", &cfg.Cache.IdleTTLSec},
		{"CACHE_SHARDS", &cfg.Cache.Shards},
		{"BATCH_MAX_SYMBOLS", &cfg.Batch.MaxSymbols},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		x, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || x < 0 {
			return fmt.Errorf("invalid %s: %q", e.key, v)
		}
		*e.dst = x
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "y":
			cfg.Metrics.Enabled = true
		case "0", "false", "no", "n":
			cfg.Metrics.Enabled = false
		}
	}
	return nil
}

// Validate reports every setting the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.IEX.Token == "" {
		errs = append(errs, errors.New("iex token missing (set IEX_CLOUD_TOKEN)"))
	}
	if c.Cache.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries))
	}
	if c.Cache.TTLSec <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl_sec must be positive, got %d", c.Cache.TTLSec))
	}
	if c.Cache.IdleTTLSec <= 0 {
		errs = append(errs, fmt.Errorf("cache.idle_ttl_sec must be positive, got %d", c.Cache.IdleTTLSec))
	}
	if c.Batch.MaxSymbols <= 0 {
		errs = append(errs, fmt.Errorf("batch.max_symbols must be positive, got %d", c.Batch.MaxSymbols))
	}
	return errors.Join(errs...)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (s Server) RequestTimeout() time.Duration  { return seconds(s.RequestTimeoutSec) }
func (s Server) ShutdownTimeout() time.Duration { return seconds(s.ShutdownTimeoutSec) }

func (i IEX) Timeout() time.Duration      { return seconds(i.TimeoutSec) }
func (i IEX) FetchTimeout() time.Duration { return seconds(i.FetchTimeoutSec) }
func (i IEX) MinInterval() time.Duration {
	return time.Duration(i.MinRequestIntervalMs) * time.Millisecond
}

func (c Cache) TTL() time.Duration           { return seconds(c.TTLSec) }
func (c Cache) IdleTTL() time.Duration       { return seconds(c.IdleTTLSec) }
func (c Cache) PurgeInterval() time.Duration { return seconds(c.PurgeIntervalSec) }
