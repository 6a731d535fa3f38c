package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"quoteserver/internal/app"
	"quoteserver/internal/config"
	"quoteserver/internal/logging"
	"quoteserver/internal/quote"
	"quoteserver/internal/render"
)

func main() {
	var (
		opts    options
		cfgPath string
		timeout time.Duration
		retries int
		rpm     int
	)
	flag.StringVar(&opts.symbolsFile, "symbols-file", "symbols.txt", "symbols as a JSON array, JSON object keys, or one per line")
	flag.StringVar(&opts.outPath, "out", "quotes.json", "output JSON file path")
	flag.StringVar(&cfgPath, "config", "", "path to config file (optional)")
	flag.IntVar(&opts.concurrency, "concurrency", 4, "number of parallel fetches")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "overall timeout")
	flag.IntVar(&retries, "retries", 3, "max retries on network errors, 429 and 5xx")
	flag.IntVar(&rpm, "rpm", 0, "max requests per minute (0 = use config)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.IEX.Retries = retries
	if rpm > 0 {
		cfg.IEX.MaxRequestsPerMinute = rpm
	}
	cfg.Log.Format = "text"
	logger, err := logging.Init(cfg.Log)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err = run(ctx, cfg, opts, logger)
	cancel()
	if err != nil {
		log.Fatal(err)
	}
}

type options struct {
	symbolsFile string
	outPath     string
	concurrency int
}

// run reads the symbol list, dumps every quote into opts.outPath and closes
// the file on every path.
func run(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger) (err error) {
	if cfg.IEX.Token == "" {
		return errors.New("IEX_CLOUD_TOKEN missing (set in config or env)")
	}
	symbols, err := readSymbols(opts.symbolsFile)
	if err != nil {
		return fmt.Errorf("read symbols: %w", err)
	}
	if len(symbols) == 0 {
		return errors.New("no symbols found in symbols-file")
	}
	logger.Info("symbols loaded", "count", len(symbols))

	f, err := app.NewFetcher(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	outFile, err := os.Create(opts.outPath)
	if err != nil {
		return fmt.Errorf("create out: %w", err)
	}
	defer func() {
		if cerr := outFile.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close out: %w", cerr)
		}
	}()
	bw := bufio.NewWriterSize(outFile, 1<<20)

	if err := dump(ctx, f, symbols, opts.concurrency, bw, logger); err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	logger.Info("done", "out", opts.outPath)
	return nil
}

type dumpError struct {
	Symbol string `json:"symbol"`
	Error  string `json:"error"`
}

type document struct {
	GeneratedAt time.Time          `json:"generatedAt"`
	Quotes      []render.QuoteView `json:"quotes"`
	Errors      []dumpError        `json:"errors"`
}

// dump fetches every symbol with bounded concurrency and writes one JSON
// document in input order. Per-symbol failures are recorded, not fatal.
func dump(ctx context.Context, f quote.Fetcher, symbols []string, concurrency int, w io.Writer, logger *slog.Logger) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	quotes := make([]quote.Quote, len(symbols))
	errs := make([]error, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, sym := range symbols {
		g.Go(func() error {
			q, err := f.Fetch(gctx, sym)
			if err == nil {
				err = q.Validate()
			}
			if err != nil {
				logger.Warn("fetch failed", "symbol", sym, "error", err)
			}
			quotes[i], errs[i] = q, err
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := document{GeneratedAt: time.Now().UTC(), Quotes: []render.QuoteView{}, Errors: []dumpError{}}
	for i, sym := range symbols {
		if errs[i] != nil {
			doc.Errors = append(doc.Errors, dumpError{Symbol: sym, Error: errs[i].Error()})
			continue
		}
		doc.Quotes = append(doc.Quotes, render.View(quotes[i]))
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(doc)
}

// readSymbols accepts a JSON array of strings, a JSON object whose keys are
// symbols, or plain text with one symbol per line ('#' starts a comment).
// Duplicates are dropped, first occurrence wins.
func readSymbols(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []string
	trimmed := bytes.TrimSpace(b)
	switch {
	case bytes.HasPrefix(trimmed, []byte("[")):
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("parse symbol array: %w", err)
		}
	case bytes.HasPrefix(trimmed, []byte("{")):
		var m map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("parse symbol object: %w", err)
		}
		for k := range m {
			raw = append(raw, k)
		}
		sort.Strings(raw)
	default:
		sc := bufio.NewScanner(bytes.NewReader(trimmed))
		for sc.Scan() {
			line := sc.Text()
			if i := strings.IndexByte(line, '#'); i >= 0 {
				line = line[:i]
			}
			raw = append(raw, line)
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}
