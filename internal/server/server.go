// Package server exposes the observability surface: health, agent
// roster, quote service counters and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/michael_scarn/internal/failover"
	"github.com/eddiefleurent/michael_scarn/internal/quotes"
	"github.com/eddiefleurent/michael_scarn/internal/supervisor"
)

// AgentSource supplies the roster snapshot for /agents.
type AgentSource interface {
	Agents() []supervisor.Status
}

// QuoteStatsSource supplies counters for /metrics/quote-service.
type QuoteStatsSource interface {
	Stats() quotes.Stats
}

// FailoverSource supplies the orchestrator view for /health. Optional.
type FailoverSource interface {
	State() failover.State
	Ledger() failover.UsageLedger
}

// Config configures the server.
type Config struct {
	ListenAddr string
	AuthToken  string // empty disables auth
}

// Server is the chi-based observability endpoint.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	agents    AgentSource
	quotes    QuoteStatsSource
	failover  FailoverSource
	logger    *logrus.Logger
	addr      string
	authToken string
	startedAt time.Time
}

// NewServer wires the routes. agents and quoteStats may not be nil;
// failoverSrc may be nil when the orchestrator is disabled.
func NewServer(cfg Config, agents AgentSource, quoteStats QuoteStatsSource, failoverSrc FailoverSource, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		agents:    agents,
		quotes:    quoteStats,
		failover:  failoverSrc,
		logger:    logger,
		addr:      cfg.ListenAddr,
		authToken: cfg.AuthToken,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/agents", s.handleAgents)
	s.router.Get("/metrics/quote-service", s.handleQuoteStats)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.WithField("addr", s.addr).Info("observability server listening")
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encoding response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	statuses := s.agents.Agents()
	running := 0
	for _, st := range statuses {
		if st.Running {
			running++
		}
	}
	health := map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().Unix(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"agents_running": running,
		"agents_total":   len(statuses),
	}
	if s.failover != nil {
		ledger := s.failover.Ledger()
		health["failover_state"] = s.failover.State()
		health["active_environment"] = ledger.ActiveEnv
		health["primary_hours_used"] = ledger.PrimaryHoursUsed
	}
	s.writeJSON(w, health)
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.agents.Agents())
}

func (s *Server) handleQuoteStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.quotes.Stats())
}
