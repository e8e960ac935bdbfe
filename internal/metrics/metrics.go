// Package metrics defines the Prometheus instrumentation for the
// trading core. Metrics are registered via promauto at init and served
// by the observability server at /metrics in text exposition format.
//
// The trade loop splits outcomes into separate series so operators can
// tell a quiet market from a broken system:
//   - scarn_trades_total{side}          – executed orders
//   - scarn_trade_skips_total{reason}   – policy rejections (normal control flow)
//   - scarn_trade_faults_total{kind}    – actual failures
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ---- Quote service ----

// QuoteCacheHits counts cache hits split by freshness (fresh|stale).
var QuoteCacheHits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scarn",
		Subsystem: "quotes",
		Name:      "cache_hits_total",
		Help:      "Quote cache hits by freshness",
	},
	[]string{"freshness"},
)

// QuoteFetches counts provider fetch attempts by provider and result.
var QuoteFetches = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scarn",
		Subsystem: "quotes",
		Name:      "fetches_total",
		Help:      "Provider fetch attempts by result (success|failure)",
	},
	[]string{"provider", "result"},
)

// QuoteMaxCacheAge tracks the oldest cache entry age served, in seconds.
var QuoteMaxCacheAge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "scarn",
		Subsystem: "quotes",
		Name:      "max_cache_age_seconds",
		Help:      "Largest cache entry age observed when serving a quote",
	},
)

// ---- Trade loop ----

// TradesTotal counts executed orders by side.
var TradesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scarn",
		Subsystem: "trading",
		Name:      "trades_total",
		Help:      "Executed orders by side",
	},
	[]string{"side"},
)

// TradeSkips counts policy rejections; these are not failures.
var TradeSkips = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scarn",
		Subsystem: "trading",
		Name:      "trade_skips_total",
		Help:      "Trades skipped by policy (risk gate, cooldown, breaker, pause)",
	},
	[]string{"reason"},
)

// TradeFaults counts trades that failed due to a fault.
var TradeFaults = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scarn",
		Subsystem: "trading",
		Name:      "trade_faults_total",
		Help:      "Trades failed due to upstream or internal faults",
	},
	[]string{"kind"},
)

// EquityGauge reports the cached account equity.
var EquityGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "scarn",
		Subsystem: "trading",
		Name:      "equity",
		Help:      "Cached account equity",
	},
)

// BreakerState reports circuit breaker state per breaker
// (0=closed, 1=half-open, 2=open).
var BreakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "scarn",
		Subsystem: "trading",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	},
	[]string{"breaker"},
)

// ---- Supervisor ----

// AgentRestarts counts agent relaunches after nonzero exits.
var AgentRestarts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scarn",
		Subsystem: "supervisor",
		Name:      "agent_restarts_total",
		Help:      "Agent restarts by agent name",
	},
	[]string{"agent"},
)

// AgentsRunning reports the number of live managed agents.
var AgentsRunning = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "scarn",
		Subsystem: "supervisor",
		Name:      "agents_running",
		Help:      "Number of currently running agents",
	},
)

// PrimaryHoursUsed reports the failover ledger hour meter.
var PrimaryHoursUsed = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "scarn",
		Subsystem: "failover",
		Name:      "primary_hours_used",
		Help:      "Primary environment compute hours used this period",
	},
)
