// Package strategy turns price history into trade votes. One evaluator
// serves the whole universe; per-symbol state is a rolling price
// window.
package strategy

import (
	"sync"

	"github.com/eddiefleurent/michael_scarn/internal/models"
)

// Vote is the strategy output for one symbol on one tick.
type Vote string

const (
	VoteBuy  Vote = "BUY"
	VoteSell Vote = "SELL"
	VoteHold Vote = "HOLD"
)

// Signal carries the vote with its inputs for logging and the trade
// event reason field.
type Signal struct {
	Vote   Vote
	RSI    float64
	Reason string
}

// Config tunes the evaluator.
type Config struct {
	RSIPeriod  int     // lookback period, default 14
	Overbought float64 // RSI above this votes SELL, default 70
	Oversold   float64 // RSI below this votes BUY, default 30
	// BootstrapBuy forces a BUY for a positionless 24/7 instrument
	// whose RSI sits below the overbought threshold. Without it a
	// fresh account holding nothing can only ever see SELL or HOLD
	// votes and never starts trading.
	BootstrapBuy bool
}

// DefaultConfig returns the standard Wilder RSI settings with the
// bootstrap rule enabled.
func DefaultConfig() Config {
	return Config{RSIPeriod: 14, Overbought: 70, Oversold: 30, BootstrapBuy: true}
}

// Evaluator computes Wilder-smoothed RSI over observed prices and
// votes per symbol.
type Evaluator struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]*rsiWindow
}

// NewEvaluator builds an evaluator, filling zero config fields with
// defaults.
func NewEvaluator(cfg Config) *Evaluator {
	def := DefaultConfig()
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = def.RSIPeriod
	}
	if cfg.Overbought <= 0 {
		cfg.Overbought = def.Overbought
	}
	if cfg.Oversold <= 0 {
		cfg.Oversold = def.Oversold
	}
	return &Evaluator{cfg: cfg, windows: make(map[string]*rsiWindow)}
}

// Observe feeds one price sample for symbol. Call once per tick with
// the quote used for that tick.
func (e *Evaluator) Observe(symbol string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[symbol]
	if !ok {
		w = newRSIWindow(e.cfg.RSIPeriod)
		e.windows[symbol] = w
	}
	w.push(price)
}

// Evaluate votes for symbol given whether a position is currently
// held. Insufficient history holds, except that the bootstrap rule may
// fire without a full RSI window.
func (e *Evaluator) Evaluate(symbol string, hasPosition bool) Signal {
	e.mu.Lock()
	w := e.windows[symbol]
	e.mu.Unlock()

	rsi, ready := 0.0, false
	if w != nil {
		rsi, ready = w.value()
	}

	if !ready {
		if e.bootstrapEligible(symbol, hasPosition) {
			return Signal{Vote: VoteBuy, RSI: rsi, Reason: "bootstrap: no position, no history"}
		}
		return Signal{Vote: VoteHold, RSI: rsi, Reason: "insufficient history"}
	}

	switch {
	case rsi <= e.cfg.Oversold:
		return Signal{Vote: VoteBuy, RSI: rsi, Reason: "rsi oversold"}
	case rsi >= e.cfg.Overbought:
		return Signal{Vote: VoteSell, RSI: rsi, Reason: "rsi overbought"}
	}

	if e.bootstrapEligible(symbol, hasPosition) && rsi < e.cfg.Overbought {
		return Signal{Vote: VoteBuy, RSI: rsi, Reason: "bootstrap: positionless 24/7 instrument"}
	}

	return Signal{Vote: VoteHold, RSI: rsi, Reason: "rsi neutral"}
}

func (e *Evaluator) bootstrapEligible(symbol string, hasPosition bool) bool {
	return e.cfg.BootstrapBuy &&
		!hasPosition &&
		models.Classify(symbol) == models.ClassCrypto
}

// rsiWindow holds Wilder-smoothed average gain and loss for one
// symbol.
type rsiWindow struct {
	period       int
	lastPriceSet bool
	lastPrice    float64
	samples      int
	avgGain      float64
	avgLoss      float64
}

func newRSIWindow(period int) *rsiWindow {
	return &rsiWindow{period: period}
}

func (w *rsiWindow) push(price float64) {
	if !w.lastPriceSet {
		w.lastPrice = price
		w.lastPriceSet = true
		return
	}

	change := price - w.lastPrice
	w.lastPrice = price
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	w.samples++
	if w.samples <= w.period {
		// Seed phase: simple average over the first period changes.
		w.avgGain += (gain - w.avgGain) / float64(w.samples)
		w.avgLoss += (loss - w.avgLoss) / float64(w.samples)
		return
	}

	// Wilder smoothing.
	n := float64(w.period)
	w.avgGain = (w.avgGain*(n-1) + gain) / n
	w.avgLoss = (w.avgLoss*(n-1) + loss) / n
}

// value returns the RSI and whether enough samples have accrued.
func (w *rsiWindow) value() (float64, bool) {
	if w.samples < w.period {
		return 0, false
	}
	if w.avgLoss == 0 {
		return 100, true
	}
	rs := w.avgGain / w.avgLoss
	return 100 - 100/(1+rs), true
}
