package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"quoteserver/internal/quote"
	"quoteserver/internal/quote/coordinator"
	"quoteserver/internal/render"
)

type quotesResponse struct {
	Quotes []render.ResultView `json:"quotes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type postBody struct {
	Symbols []string `json:"symbols"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleQuote serves one symbol, as a text line to terminal clients and as
// JSON to everyone else.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	ticker, err := url.PathUnescape(mux.Vars(r)["ticker"])
	ticker = strings.TrimSpace(ticker)
	if err != nil || ticker == "" {
		s.writeError(w, r, quote.ErrNoSymbols)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	q, err := s.svc.GetQuote(ctx, ticker)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if render.IsPlaintextAgent(r.UserAgent()) {
		writeText(w, http.StatusOK, render.Line(q, true)+"\n")
		return
	}
	writeJSON(w, http.StatusOK, render.View(q))
}

// handleQuotes serves a comma-separated list of symbols. For text clients
// the lines are joined with the sep query parameter.
func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(mux.Vars(r)["tickers"])
	if err != nil {
		s.writeError(w, r, quote.ErrNoSymbols)
		return
	}
	results, err := s.lookup(r.Context(), SplitCSV(raw))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if render.IsPlaintextAgent(r.UserAgent()) {
		writeText(w, http.StatusOK, render.Lines(results, r.URL.Query().Get("sep"), true))
		return
	}
	writeJSON(w, http.StatusOK, quotesResponse{Quotes: render.Views(results)})
}

func (s *Server) handleAPIGet(w http.ResponseWriter, r *http.Request) {
	results, err := s.lookup(r.Context(), SplitCSV(r.URL.Query().Get("symbols")))
	if err != nil {
		s.writeJSONError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotesResponse{Quotes: render.Views(results)})
}

func (s *Server) handleAPIPost(w http.ResponseWriter, r *http.Request) {
	var b postBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	symbols := make([]string, 0, len(b.Symbols))
	for _, sym := range b.Symbols {
		if sym = strings.TrimSpace(sym); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	results, err := s.lookup(r.Context(), symbols)
	if err != nil {
		s.writeJSONError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotesResponse{Quotes: render.Views(results)})
}

func (s *Server) lookup(ctx context.Context, symbols []string) ([]coordinator.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	results, err := s.svc.GetQuotes(ctx, symbols)
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		if res.Err != nil && StatusFor(res.Err) >= http.StatusInternalServerError {
			s.log.Warn("quote lookup failed", "symbol", res.Symbol, "error", res.Err)
		}
	}
	return results, nil
}

// StatusFor maps a lookup error to the HTTP status returned to clients.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, quote.ErrTooManySymbols), errors.Is(err, quote.ErrNoSymbols):
		return http.StatusBadRequest
	case errors.Is(err, quote.ErrUpstream):
		var fe *quote.FetchError
		if errors.As(err, &fe) {
			switch fe.Status {
			case http.StatusNotFound:
				return http.StatusNotFound
			case http.StatusTooManyRequests:
				return http.StatusTooManyRequests
			}
		}
		return http.StatusBadGateway
	case errors.Is(err, quote.ErrDecode):
		return http.StatusBadGateway
	case errors.Is(err, quote.ErrNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers in the client's format: a text line for terminals,
// JSON otherwise.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if !render.IsPlaintextAgent(r.UserAgent()) {
		s.writeJSONError(w, r, err)
		return
	}
	status := s.logFailure(r, err)
	writeText(w, status, render.ErrorLine(err)+"\n")
}

func (s *Server) writeJSONError(w http.ResponseWriter, r *http.Request, err error) {
	status := s.logFailure(r, err)
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) logFailure(r *http.Request, err error) int {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("quote lookup failed", "path", r.URL.Path, "status", status, "error", err)
	}
	return status
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// SplitCSV splits a comma-separated symbol list, trimming blanks and dropping
// empty elements.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
