// Package models defines the core domain types shared across the trading core:
// symbols, quotes, positions, broker state, and allocation maps.
package models

import (
	"regexp"
	"strings"
	"time"
)

// SymbolClass classifies an instrument by its trading calendar.
type SymbolClass string

const (
	// ClassCrypto is a 24/7 instrument, identified by the -USD suffix.
	ClassCrypto SymbolClass = "crypto"
	// ClassEquity is a market-hours instrument (everything else).
	ClassEquity SymbolClass = "equity"
)

// symbolPattern accepts ticker-style keys: "SPY", "BRK.B", "BTC-USD".
// Strategy identifiers like "turtle_trading" contain underscores or
// lowercase letters and must not match.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,10}(\.[A-Z])?(-USD)?$`)

// Classify returns the trading-calendar class for a symbol.
// Classification affects cooldown length, minimum trade size, and
// data-source routing only.
func Classify(symbol string) SymbolClass {
	if strings.HasSuffix(symbol, "-USD") {
		return ClassCrypto
	}
	return ClassEquity
}

// IsSymbol reports whether s looks like an instrument symbol rather
// than a strategy identifier.
func IsSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// Cooldown returns the minimum interval between trades on a symbol of
// the given class.
func (c SymbolClass) Cooldown() time.Duration {
	if c == ClassCrypto {
		return 5 * time.Minute
	}
	return 15 * time.Minute
}

// MinAllocation returns the minimum trade size, as a fraction of
// portfolio value, substituted when an allocation falls below 1%.
func (c SymbolClass) MinAllocation() float64 {
	if c == ClassCrypto {
		return 0.01
	}
	return 0.005
}

// QtyTick returns the order quantity grid: whole shares for equities,
// no grid for fractional 24/7 instruments.
func (c SymbolClass) QtyTick() float64 {
	if c == ClassCrypto {
		return 0
	}
	return 1
}

// BuyThreshold returns the fraction of target value below which the
// current position must sit before a BUY is sized.
func (c SymbolClass) BuyThreshold() float64 {
	if c == ClassCrypto {
		return 0.98
	}
	return 0.95
}
