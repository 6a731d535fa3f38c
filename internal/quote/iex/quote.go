package iex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quoteserver/internal/quote"
)

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 2 << 10

// apiQuote is the subset of /stock/{symbol}/quote the service reads.
//
//	{
//	  "symbol": "AAPL",
//	  "companyName": "Apple Inc",
//	  "change": 1.5,
//	  "changePercent": 0.0149,
//	  "delayedPrice": 101.5,
//	  "latestPrice": 101.52,
//	  "close": 100,
//	  "previousClose": 100,
//	  ...
//	}
type apiQuote struct {
	Symbol        string   `json:"symbol"`
	CompanyName   string   `json:"companyName"`
	Change        *float64 `json:"change"`
	ChangePercent *float64 `json:"changePercent"`
	DelayedPrice  *float64 `json:"delayedPrice"`
	LatestPrice   *float64 `json:"latestPrice"`
	Close         *float64 `json:"close"`
	PreviousClose *float64 `json:"previousClose"`
}

// Fetch retrieves the current quote for symbol with a single GET request.
func (c *Client) Fetch(ctx context.Context, symbol string) (quote.Quote, error) {
	u := fmt.Sprintf("%s/stock/%s/quote?%s", c.baseURL, url.PathEscape(symbol), c.query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return quote.Quote{}, quote.NetworkError(symbol, fmt.Errorf("creating request: %w", err))
	}
	req.Header = c.header.Clone()
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return quote.Quote{}, quote.NetworkError(symbol, fmt.Errorf("performing request: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		var detail error
		if msg := strings.TrimSpace(string(b)); msg != "" {
			detail = errors.New(msg)
		}
		return quote.Quote{}, quote.UpstreamError(symbol, res.StatusCode, detail)
	}

	var body apiQuote
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return quote.Quote{}, quote.DecodeError(symbol, fmt.Errorf("decoding quote response: %w", err))
	}
	q, err := body.toQuote()
	if err != nil {
		return quote.Quote{}, quote.DecodeError(symbol, err)
	}
	return q, nil
}

func (a apiQuote) toQuote() (quote.Quote, error) {
	price := a.DelayedPrice
	if price == nil {
		price = a.LatestPrice
	}
	closePrice := a.Close
	if closePrice == nil {
		closePrice = a.PreviousClose
	}
	required := []struct {
		name string
		v    *float64
	}{
		{"change", a.Change},
		{"changePercent", a.ChangePercent},
		{"delayedPrice", price},
		{"close", closePrice},
	}
	for _, r := range required {
		if r.v == nil {
			return quote.Quote{}, fmt.Errorf("missing %s", r.name)
		}
	}

	q := quote.Quote{
		Symbol:        a.Symbol,
		Change:        *a.Change,
		ChangePercent: *a.ChangePercent,
		DelayedPrice:  *price,
		Close:         *closePrice,
		CompanyName:   a.CompanyName,
		FetchedAt:     time.Now().UTC(),
	}
	if err := q.Validate(); err != nil {
		return quote.Quote{}, err
	}
	return q, nil
}
