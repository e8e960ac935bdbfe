// Package breaker provides a named registry of circuit breakers for
// fault containment. The registry is owned by the trade loop process
// and is the only object allowed to hold breakers; breaker state is
// intentionally not persisted, so a fresh process starts CLOSED.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/michael_scarn/internal/metrics"
)

// Well-known breaker names instantiated by the trade loop.
const (
	TradeExecution = "TradeExecution"
	QuoteFetch     = "QuoteFetch"
)

// ErrOpen is returned by Allow when the named breaker rejects the call.
var ErrOpen = errors.New("circuit breaker open")

// Config sets the thresholds for one breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold uint32
	// RecoveryTimeout is how long the breaker stays open before the
	// next Allow call moves it to half-open.
	RecoveryTimeout time.Duration
	// ProbeSuccesses is the number of consecutive half-open probe
	// successes required to close the breaker again. Any probe failure
	// reopens it.
	ProbeSuccesses uint32
}

// TradeExecutionConfig is the default configuration for the trade
// execution breaker.
func TradeExecutionConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 600 * time.Second, ProbeSuccesses: 2}
}

// QuoteFetchConfig is the more permissive configuration for the quote
// fetching breaker.
func QuoteFetchConfig() Config {
	return Config{FailureThreshold: 10, RecoveryTimeout: 120 * time.Second, ProbeSuccesses: 2}
}

// Registry holds named breakers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	logger   *logrus.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		logger:   logger,
	}
}

// Register creates a breaker under the given name. Registering the same
// name twice replaces the previous breaker with a fresh closed one.
func (r *Registry) Register(name string, cfg Config) {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.ProbeSuccesses,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			// One log line per transition, with the previous state.
			r.logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Info("circuit breaker state changed")
			metrics.BreakerState.WithLabelValues(name).Set(stateGauge(to))
		},
	}

	r.mu.Lock()
	r.breakers[name] = gobreaker.NewTwoStepCircuitBreaker(settings)
	r.mu.Unlock()
	metrics.BreakerState.WithLabelValues(name).Set(stateGauge(gobreaker.StateClosed))
}

// Allow asks the named breaker whether a call may proceed. On success
// it returns a done callback that the caller must invoke with the
// outcome of the bracketed operation. When the breaker is open, Allow
// returns ErrOpen.
func (r *Registry) Allow(name string) (func(success bool), error) {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("breaker %q not registered", name)
	}

	done, err := cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrOpen, name)
		}
		return nil, err
	}
	return done, nil
}

// State returns the current state of the named breaker.
func (r *Registry) State(name string) (gobreaker.State, error) {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed, fmt.Errorf("breaker %q not registered", name)
	}
	return cb.State(), nil
}

// Names returns the registered breaker names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
