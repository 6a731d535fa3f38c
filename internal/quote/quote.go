package quote

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is an immutable snapshot of a symbol's market state at fetch time.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	DelayedPrice  float64   `json:"delayed_price"`
	Close         float64   `json:"close"`
	CompanyName   string    `json:"company_name,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Validate reports whether q can be handed to callers and cached.
func (q Quote) Validate() error {
	if q.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	fields := []struct {
		name string
		v    float64
	}{
		{"change", q.Change},
		{"changePercent", q.ChangePercent},
		{"delayedPrice", q.DelayedPrice},
		{"close", q.Close},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%s is not finite: %v", f.name, f.v)
		}
	}
	if q.DelayedPrice < 0 {
		return fmt.Errorf("delayedPrice is negative: %v", q.DelayedPrice)
	}
	return nil
}

// Direction classifies a quote's move since the prior close.
type Direction int

const (
	Flat Direction = iota
	Up
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "flat"
	}
}

// PercentPlaces is the number of decimals a change percent is displayed with.
const PercentPlaces = 2

// Direction is flat when the percent change rounds to zero at PercentPlaces,
// so the classification always agrees with the digits a client sees.
func (q Quote) Direction() Direction {
	pct := q.Percent()
	switch {
	case pct.IsZero():
		return Flat
	case pct.IsPositive():
		return Up
	default:
		return Down
	}
}

// Percent returns ChangePercent scaled to percent and rounded for display.
func (q Quote) Percent() decimal.Decimal {
	return decimal.NewFromFloat(q.ChangePercent).Shift(2).Round(PercentPlaces)
}
