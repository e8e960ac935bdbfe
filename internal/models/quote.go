package models

import (
	"fmt"
	"time"
)

// Quote is a normalized market data point from any provider.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
	// Stale marks a quote served from cache past the requested max age.
	// Staleness is set by the quote service and never silently cleared.
	Stale bool `json:"stale,omitempty"`
}

// NewQuote constructs a validated quote. A non-positive price yields no
// quote; providers returning one are treated as having failed.
func NewQuote(symbol string, price float64, source string, fetchedAt time.Time) (*Quote, error) {
	if symbol == "" {
		return nil, fmt.Errorf("quote: empty symbol")
	}
	if price <= 0 {
		return nil, fmt.Errorf("quote: non-positive price %.6f for %s from %s", price, symbol, source)
	}
	return &Quote{Symbol: symbol, Price: price, Source: source, FetchedAt: fetchedAt}, nil
}

// Age returns how old the quote is relative to now.
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}

// IsStale reports whether the quote exceeds maxAge relative to now.
func (q *Quote) IsStale(now time.Time, maxAge time.Duration) bool {
	return q.Age(now) > maxAge
}

// Mid returns the bid/ask midpoint when both sides are present,
// otherwise the last price.
func (q *Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid {
		return (q.Bid + q.Ask) / 2
	}
	return q.Price
}
