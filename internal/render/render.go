package render

import (
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"quoteserver/internal/quote"
	"quoteserver/internal/quote/coordinator"
)

// plaintextAgents get text lines instead of JSON. Matched as a
// case-insensitive substring of the User-Agent header.
var plaintextAgents = []string{
	"curl",
	"httpie",
	"lwp-request",
	"wget",
	"python-requests",
	"openbsd ftp",
	"powershell",
	"fetch",
	"aiohttp",
}

func IsPlaintextAgent(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, a := range plaintextAgents {
		if strings.Contains(ua, a) {
			return true
		}
	}
	return false
}

var (
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed)
)

func init() {
	// Lines go to HTTP clients, not our terminal; the tty check does not apply.
	green.EnableColor()
	red.EnableColor()
}

const pricePlaces = 2

// Line renders q as "SYMBOL $PRICE +CHANGE (+PCT%)". The change part is left
// out when the quote is flat. With colored set, up is green and down is red.
func Line(q quote.Quote, colored bool) string {
	var b strings.Builder
	b.WriteString(q.Symbol)
	b.WriteString(" $")
	b.WriteString(decimal.NewFromFloat(q.DelayedPrice).StringFixed(pricePlaces))

	dir := q.Direction()
	if dir == quote.Flat {
		return b.String()
	}
	change := decimal.NewFromFloat(q.Change).Abs().StringFixed(pricePlaces)
	pct := q.Percent().Abs().StringFixed(quote.PercentPlaces)
	sign := "+"
	paint := green
	if dir == quote.Down {
		sign = "-"
		paint = red
	}
	part := sign + change + " (" + sign + pct + "%)"
	if colored {
		part = paint.Sprint(part)
	}
	b.WriteByte(' ')
	b.WriteString(part)
	return b.String()
}

// ErrorLine renders a failed lookup for text output.
func ErrorLine(err error) string {
	return "error: " + err.Error()
}

// Lines renders one line per result, joined by sep. An empty sep is a
// newline. The output always ends with a newline.
func Lines(results []coordinator.Result, sep string, colored bool) string {
	if sep == "" {
		sep = "\n"
	}
	parts := make([]string, len(results))
	for i, r := range results {
		if r.Err != nil {
			parts[i] = ErrorLine(r.Err)
			continue
		}
		parts[i] = Line(r.Quote, colored)
	}
	return strings.Join(parts, sep) + "\n"
}

// QuoteView is the JSON shape of a quote. Percent and Direction are derived
// the same way as the text line.
type QuoteView struct {
	Symbol        string    `json:"symbol"`
	CompanyName   string    `json:"companyName,omitempty"`
	Price         float64   `json:"delayedPrice"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"changePercent"`
	Close         float64   `json:"close"`
	Percent       string    `json:"percent"`
	Direction     string    `json:"direction"`
	FetchedAt     time.Time `json:"fetchedAt"`
}

func View(q quote.Quote) QuoteView {
	return QuoteView{
		Symbol:        q.Symbol,
		CompanyName:   q.CompanyName,
		Price:         q.DelayedPrice,
		Change:        q.Change,
		ChangePercent: q.ChangePercent,
		Close:         q.Close,
		Percent:       q.Percent().StringFixed(quote.PercentPlaces),
		Direction:     q.Direction().String(),
		FetchedAt:     q.FetchedAt,
	}
}

// ResultView is one position of a batch response: a quote or an error.
type ResultView struct {
	Symbol string     `json:"symbol"`
	Quote  *QuoteView `json:"quote,omitempty"`
	Error  string     `json:"error,omitempty"`
}

func Views(results []coordinator.Result) []ResultView {
	out := make([]ResultView, len(results))
	for i, r := range results {
		out[i].Symbol = r.Symbol
		if r.Err != nil {
			out[i].Error = r.Err.Error()
			continue
		}
		v := View(r.Quote)
		out[i].Quote = &v
	}
	return out
}
