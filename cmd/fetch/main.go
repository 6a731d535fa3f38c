package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"quoteserver/internal/app"
	"quoteserver/internal/config"
	"quoteserver/internal/logging"
	"quoteserver/internal/quote/coordinator"
	"quoteserver/internal/render"
	"quoteserver/internal/server"
)

func main() {
	var (
		symbolsCSV string
		configPath string
		sep        string
		asJSON     bool
		timeout    time.Duration
	)
	flag.StringVar(&symbolsCSV, "symbols", os.Getenv("SYMBOLS"), "comma-separated ticker symbols (or pass them as arguments)")
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config file (optional)")
	flag.StringVar(&sep, "sep", "\n", "separator between text lines")
	flag.BoolVar(&asJSON, "json", false, "print JSON instead of text lines")
	flag.DurationVar(&timeout, "timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.Metrics.Enabled = false
	cfg.Log.Format = "text"
	logger, err := logging.Init(cfg.Log)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	symbols := server.SplitCSV(symbolsCSV)
	symbols = append(symbols, flag.Args()...)
	if len(symbols) == 0 {
		log.Fatal("no symbols provided")
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	failed, err := printQuotes(ctx, a.Coordinator, symbols, os.Stdout, asJSON, sep, !color.NoColor)
	if err != nil {
		log.Fatalf("fetch: %v", err)
	}
	if failed == len(symbols) {
		os.Exit(1)
	}
}

type batchGetter interface {
	GetQuotes(ctx context.Context, symbols []string) ([]coordinator.Result, error)
}

// printQuotes writes one result per symbol and reports how many failed.
func printQuotes(ctx context.Context, svc batchGetter, symbols []string, w io.Writer, asJSON bool, sep string, colored bool) (int, error) {
	results, err := svc.GetQuotes(ctx, symbols)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return failed, enc.Encode(struct {
			Quotes []render.ResultView `json:"quotes"`
		}{Quotes: render.Views(results)})
	}
	_, err = io.WriteString(w, render.Lines(results, unescape(sep), colored))
	return failed, err
}

// unescape lets -sep '\t' and friends mean what they say on a shell.
func unescape(s string) string {
	r := strings.NewReplacer(`\n`, "\n", `\t`, "\t")
	return r.Replace(s)
}
