package main

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/michael_scarn/internal/breaker"
	"github.com/eddiefleurent/michael_scarn/internal/broker"
	"github.com/eddiefleurent/michael_scarn/internal/config"
	"github.com/eddiefleurent/michael_scarn/internal/metrics"
	"github.com/eddiefleurent/michael_scarn/internal/models"
	"github.com/eddiefleurent/michael_scarn/internal/quotes"
	"github.com/eddiefleurent/michael_scarn/internal/risk"
	"github.com/eddiefleurent/michael_scarn/internal/storage"
	"github.com/eddiefleurent/michael_scarn/internal/strategy"
	"github.com/eddiefleurent/michael_scarn/internal/util"
)

// allocationFloor is the fraction below which an allocation is replaced
// by the class minimum trade size.
const allocationFloor = 0.01

// Per-symbol retry pacing after upstream faults.
const (
	symbolBackoffInitial = 30 * time.Second
	symbolBackoffMax     = 5 * time.Minute
)

// tickOutcome classifies what happened to one symbol in one tick.
// Policy denials are normal control flow; only faults are errors.
type tickOutcome int

const (
	outcomeTraded tickOutcome = iota
	outcomeHold
	outcomePolicyDenied
	outcomeUpstreamFailed
	outcomeFatal
)

type symbolResult struct {
	outcome tickOutcome
	reason  string
	err     error
}

// Trader wires the trade loop dependencies and owns the per-symbol
// serialization locks.
type Trader struct {
	cfg       *config.Config
	logger    *logrus.Logger
	store     *storage.Store
	paper     *broker.PaperBroker
	broker    broker.Broker
	quotes    *quotes.Service
	breakers  *breaker.Registry
	gate      *risk.Gate
	evaluator *strategy.Evaluator
	allocs    *storage.AllocationLoader
	now       func() time.Time

	mu       sync.Mutex
	symLocks map[string]*sync.Mutex
	retryAt  map[string]time.Time
	backoff  map[string]time.Duration
}

func newTrader(
	cfg *config.Config,
	logger *logrus.Logger,
	store *storage.Store,
	paper *broker.PaperBroker,
	b broker.Broker,
	quoteSvc *quotes.Service,
	breakers *breaker.Registry,
	gate *risk.Gate,
	evaluator *strategy.Evaluator,
	allocs *storage.AllocationLoader,
) *Trader {
	return &Trader{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		paper:     paper,
		broker:    b,
		quotes:    quoteSvc,
		breakers:  breakers,
		gate:      gate,
		evaluator: evaluator,
		allocs:    allocs,
		now:       time.Now,
		symLocks:  make(map[string]*sync.Mutex),
		retryAt:   make(map[string]time.Time),
		backoff:   make(map[string]time.Duration),
	}
}

// reconcile adopts the stored positions at startup, logging each one
// against the broker view so a mismatch is visible in the first lines
// of the log.
func (t *Trader) reconcile() {
	snap := t.store.Snapshot()
	for sym, pos := range snap.Positions {
		live := t.broker.GetPosition(sym)
		entry := t.logger.WithFields(logrus.Fields{
			"symbol":     sym,
			"stored_qty": pos.Qty,
			"broker_qty": live.Qty,
		})
		if !pos.IsZero() && live.Qty != pos.Qty {
			entry.Warn("position mismatch at startup, adopting broker view")
		} else {
			entry.Info("adopted stored position")
		}
	}
	metrics.EquityGauge.Set(snap.EquityCached)
}

// runCycle executes one tick over the allocated universe.
func (t *Trader) runCycle(ctx context.Context) {
	now := t.now()
	if err := t.store.Update(func(s *models.BrokerState) { s.RollDay(now) }); err != nil {
		t.logger.WithError(err).Error("persisting day roll")
	}

	if pause := storage.ReadGuardianPause(t.cfg.Paths.GuardianPause()); pause.Paused {
		t.logger.WithField("reason", pause.Reason).Info("guardian pause active, skipping tick")
		metrics.TradeSkips.WithLabelValues("guardian_pause").Inc()
		return
	}

	allocs, err := t.allocs.Load()
	if err != nil {
		t.logger.WithError(err).Warn("no usable allocations, skipping tick")
		return
	}

	brain, err := storage.ReadBrainState(t.cfg.Paths.BrainState())
	if err != nil {
		t.logger.WithError(err).Warn("brain state unreadable, using defaults")
	}

	// The configured universe drives the sweep; the allocation map only
	// supplies fractions. A universe symbol missing from the map gets a
	// zero fraction, which sizing lifts to the class minimum, so a
	// dropped allocation never silently disables a symbol.
	for _, symbol := range t.cfg.Universe {
		if ctx.Err() != nil {
			return
		}
		res := t.processSymbol(ctx, symbol, allocs[symbol], brain.RiskScaler)
		t.logResult(symbol, res)
	}

	metrics.EquityGauge.Set(t.broker.GetEquity())
	t.publishQuoteStats()
}

// publishQuoteStats snapshots the quote service counters to the
// runtime dir so the supervisor process can serve them without
// reaching across process boundaries.
func (t *Trader) publishQuoteStats() {
	if err := storage.WriteJSONAtomic(t.cfg.Paths.QuoteStats(), t.quotes.Stats()); err != nil {
		t.logger.WithError(err).Warn("writing quote service stats")
	}
}

func (t *Trader) logResult(symbol string, res symbolResult) {
	entry := t.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"reason": res.reason,
	})
	switch res.outcome {
	case outcomeTraded:
		// execute already logged the fill with full detail.
	case outcomeHold:
		entry.Debug("holding")
	case outcomePolicyDenied:
		entry.Info("trade denied by policy")
	case outcomeUpstreamFailed:
		entry.Warn("symbol skipped, upstream unavailable")
	case outcomeFatal:
		entry.WithError(res.err).Error("trade failed")
	}
}

// processSymbol runs the per-symbol pipeline: quote, signal, sizing,
// gate, execute.
func (t *Trader) processSymbol(ctx context.Context, symbol string, fraction, riskScaler float64) symbolResult {
	now := t.now()

	t.mu.Lock()
	retry := t.retryAt[symbol]
	t.mu.Unlock()
	if now.Before(retry) {
		return symbolResult{outcome: outcomeUpstreamFailed, reason: "in retry backoff"}
	}

	quote := t.fetchQuote(ctx, symbol)
	if quote == nil {
		t.deferSymbol(symbol)
		metrics.TradeFaults.WithLabelValues("no_quote").Inc()
		return symbolResult{outcome: outcomeUpstreamFailed, reason: "no quote available"}
	}
	t.clearBackoff(symbol)
	t.paper.ObserveQuote(quote)
	t.evaluator.Observe(symbol, quote.Price)

	state := t.store.Snapshot()
	pos := state.Position(symbol)
	class := models.Classify(symbol)

	sig := t.evaluator.Evaluate(symbol, !pos.IsZero())
	if sig.Vote == strategy.VoteHold {
		return symbolResult{outcome: outcomeHold, reason: sig.Reason}
	}

	// Sizing. The risk scaler is applied exactly once, here.
	if fraction < allocationFloor {
		fraction = class.MinAllocation()
	}
	target := state.EquityCached * fraction * riskScaler
	current := pos.Qty * quote.Price

	var req models.OrderRequest
	switch sig.Vote {
	case strategy.VoteBuy:
		if current >= target*class.BuyThreshold() {
			return symbolResult{outcome: outcomeHold, reason: "already at target allocation"}
		}
		qty := (target - current) / quote.Price
		if qty < t.cfg.Trade.MinQty {
			qty = t.cfg.Trade.MinQty
		}
		if affordable := state.Cash / quote.Price; qty > affordable {
			qty = affordable
		}
		qty = util.FloorToTick(qty, class.QtyTick())
		if qty <= t.cfg.Trade.DustThreshold {
			return symbolResult{outcome: outcomePolicyDenied, reason: "insufficient cash for minimum buy"}
		}
		req = models.OrderRequest{Symbol: symbol, Side: models.SideBuy, Qty: qty}

	case strategy.VoteSell:
		if pos.Qty <= t.cfg.Trade.DustThreshold {
			return symbolResult{outcome: outcomeHold, reason: "sell signal with nothing to sell"}
		}
		req = models.OrderRequest{Symbol: symbol, Side: models.SideSell, Qty: pos.Qty}
	}

	if d := t.gate.Check(req, &state, now); !d.Allowed {
		metrics.TradeSkips.WithLabelValues("risk_gate").Inc()
		return symbolResult{outcome: outcomePolicyDenied, reason: d.Reason}
	}

	return t.execute(ctx, req, quote, sig.Reason)
}

// execute is the atomic block: under the symbol lock, re-check quote
// freshness, bracket the submission with the trade execution breaker,
// persist and emit.
func (t *Trader) execute(ctx context.Context, req models.OrderRequest, quote *models.Quote, reason string) symbolResult {
	lock := t.symbolLock(req.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if maxAge := t.cfg.Quotes.MaxAge.Std(); quote.Age(t.now()) > maxAge && !quote.Stale {
		return symbolResult{outcome: outcomeUpstreamFailed, reason: "quote expired before submission"}
	}

	done, err := t.breakers.Allow(breaker.TradeExecution)
	if err != nil {
		metrics.TradeSkips.WithLabelValues("breaker_open").Inc()
		return symbolResult{outcome: outcomePolicyDenied, reason: "trade execution breaker open"}
	}

	receipt, err := t.broker.SubmitOrder(ctx, req)
	if err != nil {
		if broker.IsPolicyError(err) {
			// Orderly refusal: the venue worked, the order was not viable.
			done(true)
			metrics.TradeSkips.WithLabelValues("broker_refusal").Inc()
			return symbolResult{outcome: outcomePolicyDenied, reason: err.Error()}
		}
		done(false)
		t.deferSymbol(req.Symbol)
		metrics.TradeFaults.WithLabelValues("order_submit").Inc()
		return symbolResult{outcome: outcomeFatal, reason: "order submission failed", err: err}
	}
	done(true)

	t.gate.RecordTrade(req.Symbol, receipt.FilledAt)
	metrics.TradesTotal.WithLabelValues(string(req.Side)).Inc()

	event := models.NewTradeEvent(receipt, reason)
	t.logger.WithFields(logrus.Fields{
		"event_id":    event.ID,
		"symbol":      event.Symbol,
		"side":        event.Side,
		"qty":         event.Qty,
		"price":       event.Price,
		"fill_source": receipt.FillSource,
		"realized":    receipt.RealizedPnL,
		"reason":      event.Reason,
	}).Info("trade executed")

	return symbolResult{outcome: outcomeTraded, reason: reason}
}

// maybeProbeTrade runs the one-time startup self-test trade in TEST
// mode: a minimal BUY through the full quote, gate and broker path.
func (t *Trader) maybeProbeTrade(ctx context.Context) {
	if !t.cfg.IsTestMode() || !t.cfg.Trade.ProbeTrade {
		return
	}
	if t.store.Snapshot().TestTradeExecuted {
		return
	}
	if len(t.cfg.Universe) == 0 {
		t.logger.Warn("probe trade requested but universe is empty")
		return
	}

	symbol := t.cfg.Universe[0]
	quote := t.fetchQuote(ctx, symbol)
	if quote == nil {
		t.logger.WithField("symbol", symbol).Warn("probe trade skipped, no quote")
		return
	}
	t.paper.ObserveQuote(quote)
	t.evaluator.Observe(symbol, quote.Price)

	// Size from the real allocation when one exists so the probe IS the
	// first allocation-sized buy; the fill's cooldown then guards an
	// already-correct position instead of blocking the real entry.
	class := models.Classify(symbol)
	fraction := class.MinAllocation()
	if allocs, err := t.allocs.Load(); err == nil && allocs[symbol] >= allocationFloor {
		fraction = allocs[symbol]
	}
	brain, err := storage.ReadBrainState(t.cfg.Paths.BrainState())
	if err != nil {
		t.logger.WithError(err).Warn("brain state unreadable, using defaults")
	}

	qty := t.store.Snapshot().EquityCached * fraction * brain.RiskScaler / quote.Price
	if qty < t.cfg.Trade.MinQty {
		qty = t.cfg.Trade.MinQty
	}
	qty = util.FloorToTick(qty, class.QtyTick())
	if qty <= t.cfg.Trade.DustThreshold {
		t.logger.WithField("symbol", symbol).Warn("probe trade skipped, size below dust")
		return
	}

	req := models.OrderRequest{Symbol: symbol, Side: models.SideBuy, Qty: qty}
	res := t.execute(ctx, req, quote, "startup self-test")
	if res.outcome != outcomeTraded {
		t.logger.WithError(res.err).WithField("reason", res.reason).
			Warn("probe trade did not execute")
		return
	}

	if err := t.store.Update(func(s *models.BrokerState) { s.TestTradeExecuted = true }); err != nil {
		t.logger.WithError(err).Error("persisting probe trade flag")
	}
	t.logger.WithField("symbol", symbol).Info("startup self-test trade executed")
}

// fetchQuote brackets the quote service call with the quote breaker.
func (t *Trader) fetchQuote(ctx context.Context, symbol string) *models.Quote {
	done, err := t.breakers.Allow(breaker.QuoteFetch)
	if err != nil {
		t.logger.WithField("symbol", symbol).Debug("quote breaker open")
		return nil
	}
	q := t.quotes.GetQuote(ctx, symbol, t.cfg.Quotes.MaxAge.Std(), true)
	done(q != nil)
	return q
}

func (t *Trader) symbolLock(symbol string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.symLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		t.symLocks[symbol] = lock
	}
	return lock
}

// deferSymbol pushes the symbol's next attempt out with doubling
// backoff.
func (t *Trader) deferSymbol(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wait, ok := t.backoff[symbol]
	if !ok {
		wait = symbolBackoffInitial
	} else {
		wait *= 2
		if wait > symbolBackoffMax {
			wait = symbolBackoffMax
		}
	}
	t.backoff[symbol] = wait
	t.retryAt[symbol] = t.now().Add(wait)
}

func (t *Trader) clearBackoff(symbol string) {
	t.mu.Lock()
	delete(t.backoff, symbol)
	delete(t.retryAt, symbol)
	t.mu.Unlock()
}
