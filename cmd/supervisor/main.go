// The supervisor binary launches and watches the agent roster,
// serves the observability endpoints, and, when enabled, runs the
// cloud-failover orchestrator.
//
// Exit codes: 0 clean shutdown, 1 configuration or required-agent
// failure, 2 corrupt durable state requiring operator intervention.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/michael_scarn/internal/config"
	"github.com/eddiefleurent/michael_scarn/internal/failover"
	"github.com/eddiefleurent/michael_scarn/internal/quotes"
	"github.com/eddiefleurent/michael_scarn/internal/server"
	"github.com/eddiefleurent/michael_scarn/internal/storage"
	"github.com/eddiefleurent/michael_scarn/internal/supervisor"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	specs := supervisor.SpecsFromConfig(cfg.Supervisor.Agents)
	if len(specs) == 0 {
		logger.Info("agent roster is empty, nothing to supervise")
		return exitOK
	}
	sup := supervisor.New(specs, cfg.Paths, supervisor.Options{
		InitialBackoff:  cfg.Supervisor.InitialBackoff.Std(),
		MaxBackoff:      cfg.Supervisor.MaxBackoff.Std(),
		StabilityWindow: cfg.Supervisor.StabilityWindow.Std(),
		GracePeriod:     cfg.Supervisor.GracePeriod.Std(),
	}, logger)

	orch, code := buildOrchestrator(ctx, cfg, sup, logger)
	if code != exitOK {
		return code
	}

	// The trade loop publishes its quote-service counters to a runtime
	// file every cycle; /metrics/quote-service reads them back here.
	quoteStats := quotes.NewFileStats(cfg.Paths.QuoteStats(), logger)

	var failoverSrc server.FailoverSource
	if orch != nil {
		failoverSrc = orch
	}
	srv := server.NewServer(server.Config{
		ListenAddr: cfg.ObservabilityAddr(),
		AuthToken:  cfg.Supervisor.AuthToken,
	}, sup, quoteStats, failoverSrc, logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("observability server failed")
		}
	}()

	if orch != nil {
		// The orchestrator owns the agent lifecycle: the roster starts
		// only when the shared ledger names this environment active.
		if err := orch.Activate(ctx); err != nil {
			logger.WithError(err).Error("activating failover orchestrator")
			shutdownServer(srv, logger)
			return exitStartupError
		}
		if err := orch.Start(ctx); err != nil {
			logger.WithError(err).Error("starting failover orchestrator")
			sup.Stop()
			shutdownServer(srv, logger)
			return exitStartupError
		}
	} else if err := sup.Start(ctx); err != nil {
		logger.WithError(err).Error("starting agents")
		shutdownServer(srv, logger)
		return exitStartupError
	}
	logger.WithField("agents", len(specs)).Info("supervisor running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("shutting down")

	if orch != nil {
		orch.Stop()
	}
	sup.Stop()
	shutdownServer(srv, logger)
	return exitOK
}

// buildOrchestrator wires the failover orchestrator when enabled. A
// corrupt usage ledger is fatal; guessing how many paid hours were
// burned is not acceptable.
func buildOrchestrator(ctx context.Context, cfg *config.Config, sup *supervisor.Supervisor, logger *logrus.Logger) (*failover.Orchestrator, int) {
	if !cfg.Failover.Enabled {
		return nil, exitOK
	}

	store, err := failover.NewS3Store(ctx, cfg.Failover.Bucket, cfg.Failover.Prefix, cfg.Failover.Region)
	if err != nil {
		logger.WithError(err).Error("connecting to the failover object store")
		return nil, exitStartupError
	}

	env := failover.EnvPrimary
	if cfg.Failover.Environment == "failover" {
		env = failover.EnvFailover
	}
	orch, err := failover.New(store, sup, logger, failover.Options{
		Environment:      env,
		WarnThreshold:    cfg.Failover.WarnThreshold,
		SwitchThreshold:  cfg.Failover.SwitchThreshold,
		LedgerPath:       cfg.Paths.UsageLedger(),
		StateDir:         cfg.Paths.StateDir,
		PrimaryHealthURL: cfg.Failover.PrimaryHealthURL,
		PingSchedule:     cfg.Failover.PingSchedule,
		ResetSchedule:    cfg.Failover.ResetSchedule,
	})
	if err != nil {
		logger.WithError(err).Error("loading failover ledger")
		if errors.Is(err, storage.ErrCorruptState) {
			return nil, exitCorruptState
		}
		return nil, exitStartupError
	}
	return orch, exitOK
}

func shutdownServer(srv *server.Server, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
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
