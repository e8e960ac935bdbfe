// The trader binary runs the autonomous trade loop: quote fetch,
// signal evaluation, risk gating and paper execution on a fixed tick.
//
// Exit codes: 0 clean shutdown, 1 configuration or startup failure,
// 2 corrupt durable state requiring operator intervention.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/michael_scarn/internal/breaker"
	"github.com/eddiefleurent/michael_scarn/internal/broker"
	"github.com/eddiefleurent/michael_scarn/internal/config"
	"github.com/eddiefleurent/michael_scarn/internal/quotes"
	"github.com/eddiefleurent/michael_scarn/internal/risk"
	"github.com/eddiefleurent/michael_scarn/internal/storage"
	"github.com/eddiefleurent/michael_scarn/internal/strategy"
)

const (
	exitOK           = 0
	exitStartupError = 1
	exitCorruptState = 2
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()
	os.Exit(run(*configPath))
}

func run(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitStartupError
	}

	logger := newLogger(cfg.Environment.LogLevel)

	mode, err := storage.ReadTradingMode(cfg.Paths.TradingMode(), strings.ToUpper(cfg.Environment.Mode))
	if err != nil {
		logger.WithError(err).Error("reading trading mode")
		if errors.Is(err, storage.ErrCorruptState) {
			return exitCorruptState
		}
		return exitStartupError
	}
	if mode.Mode == "LIVE" {
		logger.Error("live trading requires a real venue adapter; refusing to start")
		return exitStartupError
	}
	logger.WithField("mode", mode.Mode).Info("trading mode resolved")

	store, err := storage.NewStore(cfg.Paths.BrokerState(), cfg.Broker.StartingCash)
	if err != nil {
		logger.WithError(err).Error("loading broker state")
		if errors.Is(err, storage.ErrCorruptState) {
			return exitCorruptState
		}
		return exitStartupError
	}

	trader, err := buildTrader(cfg, logger, store)
	if err != nil {
		logger.WithError(err).Error("assembling trade loop")
		return exitStartupError
	}

	// A present but unusable allocation file at startup is corruption,
	// not a transient gap; refuse to run on it. Absent files are fine,
	// the allocator may not have produced output yet.
	if _, err := trader.allocs.Load(); err != nil {
		if _, statErr := os.Stat(cfg.Paths.AllocationsPrimary()); statErr == nil {
			logger.WithError(err).Error("allocation files present but unusable")
			return exitCorruptState
		}
		logger.Warn("no allocations yet, ticking idle until the allocator writes")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	trader.reconcile()
	trader.maybeProbeTrade(ctx)

	interval := cfg.TickInterval()
	logger.WithFields(logrus.Fields{
		"interval": interval,
		"universe": cfg.Universe,
	}).Info("trade loop starting")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	trader.runCycle(ctx)
	for {
		select {
		case sig := <-sigCh:
			// The current cycle already finished or will see the
			// cancelled context between symbols.
			logger.WithField("signal", sig.String()).Info("shutting down")
			cancel()
			if err := store.Save(); err != nil {
				logger.WithError(err).Error("final state save")
			}
			return exitOK
		case <-ticker.C:
			trader.runCycle(ctx)
		}
	}
}

func buildTrader(cfg *config.Config, logger *logrus.Logger, store *storage.Store) (*Trader, error) {
	paper := broker.NewPaperBroker(store, logger)
	paper.SetAllowLeverage(cfg.Broker.AllowLeverage)

	// The paper venue only echoes prices it was fed, so it joins the
	// provider tier solely when the config names it, and then behind
	// the BrokerProvider age guard.
	providers, err := quotes.BuildProviders(cfg.Quotes, paper)
	if err != nil {
		return nil, err
	}

	quoteSvc := quotes.NewService(providers, logger, quotes.Options{
		Fanout:         cfg.Quotes.Fanout,
		InitialBackoff: cfg.Quotes.InitialBackoff.Std(),
		MaxBackoff:     cfg.Quotes.MaxBackoff.Std(),
	})

	breakers := breaker.NewRegistry(logger)
	breakers.Register(breaker.TradeExecution, breaker.TradeExecutionConfig())
	breakers.Register(breaker.QuoteFetch, breaker.QuoteFetchConfig())

	var venue broker.Broker = broker.NewCircuitBreakerBroker(paper, logger)

	gate := risk.NewGate(risk.Limits{
		MaxDailyLossFraction: cfg.Risk.MaxDailyLossPct,
		MaxDailyTrades:       cfg.Risk.MaxDailyTrades,
		MaxDrawdownFraction:  cfg.Risk.MaxDrawdownPct,
	}, cfg.Paths.HaltFile())

	evaluator := strategy.NewEvaluator(strategy.Config{
		RSIPeriod:    cfg.Strategy.RSIPeriod,
		Overbought:   cfg.Strategy.Overbought,
		Oversold:     cfg.Strategy.Oversold,
		BootstrapBuy: cfg.Strategy.BootstrapEnabled(),
	})

	allocs := storage.NewAllocationLoader(
		cfg.Paths.AllocationsPrimary(),
		cfg.Paths.AllocationsFallback(),
		logger,
	)

	return newTrader(cfg, logger, store, paper, venue, quoteSvc, breakers, gate, evaluator, allocs), nil
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
