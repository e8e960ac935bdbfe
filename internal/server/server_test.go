package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/michael_scarn/internal/failover"
	"github.com/eddiefleurent/michael_scarn/internal/quotes"
	"github.com/eddiefleurent/michael_scarn/internal/supervisor"
)

type stubAgents struct{ statuses []supervisor.Status }

func (s *stubAgents) Agents() []supervisor.Status { return s.statuses }

type stubQuotes struct{ stats quotes.Stats }

func (s *stubQuotes) Stats() quotes.Stats { return s.stats }

type stubFailover struct {
	state  failover.State
	ledger failover.UsageLedger
}

func (s *stubFailover) State() failover.State        { return s.state }
func (s *stubFailover) Ledger() failover.UsageLedger { return s.ledger }

func newTestServer(cfg Config, fo FailoverSource) *Server {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	agents := &stubAgents{statuses: []supervisor.Status{
		{Name: "trader", PID: 4242, Running: true, Restarts: 1},
	}}
	qs := &stubQuotes{stats: quotes.Stats{
		CacheHitsFresh:      10,
		CacheHitsStale:      2,
		FetchSuccesses:      8,
		FetchFailures:       3,
		StaleCacheUsageRate: 2.0 / 12.0,
	}}
	return NewServer(cfg, agents, qs, fo, logger)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(Config{ListenAddr: ":0"}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.InDelta(t, 1, body["agents_running"].(float64), 1e-9)
	assert.InDelta(t, 1, body["agents_total"].(float64), 1e-9)
	assert.NotContains(t, body, "failover_state")
}

func TestHealthIncludesFailoverWhenWired(t *testing.T) {
	fo := &stubFailover{
		state:  failover.StatePrimaryWarn,
		ledger: failover.UsageLedger{PrimaryHoursUsed: 420, ActiveEnv: failover.EnvPrimary},
	}
	srv := newTestServer(Config{ListenAddr: ":0"}, fo)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(failover.StatePrimaryWarn), body["failover_state"])
	assert.Equal(t, failover.EnvPrimary, body["active_environment"])
	assert.InDelta(t, 420, body["primary_hours_used"].(float64), 1e-9)
}

func TestAgentsEndpoint(t *testing.T) {
	srv := newTestServer(Config{ListenAddr: ":0"}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []supervisor.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "trader", statuses[0].Name)
	assert.True(t, statuses[0].Running)
}

func TestQuoteServiceStatsEndpoint(t *testing.T) {
	srv := newTestServer(Config{ListenAddr: ":0"}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/quote-service", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var stats quotes.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(10), stats.CacheHitsFresh)
	assert.InDelta(t, 2.0/12.0, stats.StaleCacheUsageRate, 1e-9)
}

func TestPrometheusExposition(t *testing.T) {
	srv := newTestServer(Config{ListenAddr: ":0"}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAuthTokenGuardsEverythingButHealth(t *testing.T) {
	srv := newTestServer(Config{ListenAddr: ":0", AuthToken: "secret"}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	req.Header.Set("X-Auth-Token", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
