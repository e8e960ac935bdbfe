package models

import (
	"math"
	"time"
)

// QtyEpsilon is the tolerance for treating a position quantity as zero.
// Used to handle floating point residue from partial closes.
const QtyEpsilon = 1e-9

// Position is a holding in a single instrument. Qty may be negative for
// a short. A position with zero qty is never stored: readers receive a
// zero-value record and must not distinguish it from "no position".
type Position struct {
	Symbol      string    `json:"symbol"`
	Qty         float64   `json:"qty"`
	AvgPrice    float64   `json:"avg_price"`
	LastTradeAt time.Time `json:"last_trade_at"`
}

// IsZero reports whether the position represents no holding.
func (p Position) IsZero() bool {
	return math.Abs(p.Qty) <= QtyEpsilon
}

// MarketValue returns the position value at the given price.
func (p Position) MarketValue(price float64) float64 {
	return p.Qty * price
}

// BrokerState is the durable account state owned by the trade loop
// under a single-writer discipline and snapshotted after every
// mutation.
type BrokerState struct {
	Cash      float64             `json:"cash"`
	Positions map[string]Position `json:"positions"`
	// EquityCached is cash plus position value at last known prices.
	// It is refreshed whenever a fresh quote for a held symbol is
	// observed and is never derived from avg_price for drawdown
	// purposes.
	EquityCached float64            `json:"equity_cached"`
	LastPrices   map[string]float64 `json:"last_prices"`

	// Daily accounting for the risk gate.
	DayOpenEquity float64 `json:"day_open_equity"`
	DayDate       string  `json:"day_date"` // YYYY-MM-DD
	TradesToday   int     `json:"trades_today"`
	PeakEquity    float64 `json:"peak_equity"`

	TestTradeExecuted bool `json:"test_trade_executed"`
}

// NewBrokerState returns a fresh account with the given starting cash.
func NewBrokerState(cash float64) *BrokerState {
	return &BrokerState{
		Cash:         cash,
		Positions:    map[string]Position{},
		EquityCached: cash,
		LastPrices:   map[string]float64{},
		PeakEquity:   cash,
	}
}

// Normalize repairs nil maps after JSON decoding and drops zero-qty
// entries so the "no entry == no position" invariant holds on reload.
func (s *BrokerState) Normalize() {
	if s.Positions == nil {
		s.Positions = map[string]Position{}
	}
	if s.LastPrices == nil {
		s.LastPrices = map[string]float64{}
	}
	for sym, pos := range s.Positions {
		if pos.IsZero() {
			delete(s.Positions, sym)
		}
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s *BrokerState) Clone() BrokerState {
	out := *s
	out.Positions = make(map[string]Position, len(s.Positions))
	for sym, pos := range s.Positions {
		out.Positions[sym] = pos
	}
	out.LastPrices = make(map[string]float64, len(s.LastPrices))
	for sym, price := range s.LastPrices {
		out.LastPrices[sym] = price
	}
	return out
}

// Position returns the holding for symbol, or a zero-qty record when
// absent. Value receiver so snapshot copies can be queried directly.
func (s BrokerState) Position(symbol string) Position {
	if pos, ok := s.Positions[symbol]; ok {
		return pos
	}
	return Position{Symbol: symbol}
}

// ObservePrice records a fresh price for a symbol and refreshes the
// cached equity and peak.
func (s *BrokerState) ObservePrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	s.LastPrices[symbol] = price
	s.RecomputeEquity()
}

// RecomputeEquity recalculates EquityCached from cash and last known
// prices. A position with no observed price yet is valued at its
// average price as a bootstrap only.
func (s *BrokerState) RecomputeEquity() {
	equity := s.Cash
	for sym, pos := range s.Positions {
		price, ok := s.LastPrices[sym]
		if !ok || price <= 0 {
			price = pos.AvgPrice
		}
		equity += pos.MarketValue(price)
	}
	s.EquityCached = equity
	if equity > s.PeakEquity {
		s.PeakEquity = equity
	}
}

// RollDay resets daily counters when the calendar day changes.
func (s *BrokerState) RollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if s.DayDate == day {
		return
	}
	s.DayDate = day
	s.DayOpenEquity = s.EquityCached
	s.TradesToday = 0
}

// DailyLossFraction returns today's loss as a fraction of day-open
// equity. Positive values are losses; gains return <= 0.
func (s *BrokerState) DailyLossFraction() float64 {
	if s.DayOpenEquity <= 0 {
		return 0
	}
	return (s.DayOpenEquity - s.EquityCached) / s.DayOpenEquity
}

// Drawdown returns the current drawdown from peak equity as a fraction.
func (s *BrokerState) Drawdown() float64 {
	if s.PeakEquity <= 0 {
		return 0
	}
	dd := (s.PeakEquity - s.EquityCached) / s.PeakEquity
	if dd < 0 {
		return 0
	}
	return dd
}
