// Package risk implements the pre-trade gate. Every order passes
// through Check before submission; a denial is an orderly policy
// outcome, never an error.
package risk

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/eddiefleurent/michael_scarn/internal/models"
)

// Limits are the gate thresholds. Zero values fall back to defaults in
// NewGate.
type Limits struct {
	MaxDailyLossFraction float64 // of day-open equity
	MaxDailyTrades       int
	MaxDrawdownFraction  float64 // of peak equity; 0 disables
}

// DefaultLimits mirror the shipped configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxDailyLossFraction: 0.05,
		MaxDailyTrades:       50,
	}
}

// Decision is the outcome of a gate check. Reason is set only on
// denial and names the binding limit.
type Decision struct {
	Allowed bool
	Reason  string
}

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Gate evaluates risk limits against the account state. The halt file
// is probed on every check so an operator touch takes effect at the
// next order, not the next restart.
type Gate struct {
	limits   Limits
	haltPath string

	// lastTrade survives full position closes, which delete the
	// position record and its LastTradeAt with it.
	mu        sync.Mutex
	lastTrade map[string]time.Time
}

// NewGate builds a gate with the given limits. haltPath may be empty
// to disable the file check.
func NewGate(limits Limits, haltPath string) *Gate {
	if limits.MaxDailyLossFraction <= 0 {
		limits.MaxDailyLossFraction = DefaultLimits().MaxDailyLossFraction
	}
	if limits.MaxDailyTrades <= 0 {
		limits.MaxDailyTrades = DefaultLimits().MaxDailyTrades
	}
	return &Gate{
		limits:    limits,
		haltPath:  haltPath,
		lastTrade: make(map[string]time.Time),
	}
}

// RecordTrade notes a fill so the cooldown holds even after the
// position record is gone.
func (g *Gate) RecordTrade(symbol string, at time.Time) {
	g.mu.Lock()
	g.lastTrade[symbol] = at
	g.mu.Unlock()
}

// Check decides whether the order may be submitted given the current
// account state. Checks run cheapest first; the first binding limit
// wins.
func (g *Gate) Check(order models.OrderRequest, state *models.BrokerState, now time.Time) Decision {
	if g.haltPath != "" {
		if _, err := os.Stat(g.haltPath); err == nil {
			return deny("halt file present at %s", g.haltPath)
		}
	}

	if state.TradesToday >= g.limits.MaxDailyTrades {
		return deny("daily trade cap reached (%d)", g.limits.MaxDailyTrades)
	}

	if loss := state.DailyLossFraction(); loss > g.limits.MaxDailyLossFraction {
		return deny("daily loss %.2f%% exceeds limit %.2f%%",
			loss*100, g.limits.MaxDailyLossFraction*100)
	}

	if g.limits.MaxDrawdownFraction > 0 {
		if dd := state.Drawdown(); dd > g.limits.MaxDrawdownFraction {
			return deny("drawdown %.2f%% exceeds ceiling %.2f%%",
				dd*100, g.limits.MaxDrawdownFraction*100)
		}
	}

	last := state.Position(order.Symbol).LastTradeAt
	g.mu.Lock()
	if recorded := g.lastTrade[order.Symbol]; recorded.After(last) {
		last = recorded
	}
	g.mu.Unlock()
	if !last.IsZero() {
		cooldown := models.Classify(order.Symbol).Cooldown()
		if elapsed := now.Sub(last); elapsed < cooldown {
			return deny("cooldown for %s: %s of %s elapsed",
				order.Symbol, elapsed.Round(time.Second), cooldown)
		}
	}

	return Decision{Allowed: true}
}
