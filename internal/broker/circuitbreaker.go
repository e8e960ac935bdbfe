package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/michael_scarn/internal/models"
)

// CircuitBreakerBroker wraps a Broker so that a run of upstream faults
// stops hammering the venue. Policy refusals (insufficient funds,
// market closed, unknown symbol) pass through without counting as
// failures; only genuine upstream faults trip the breaker.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures the decorator.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // max requests when half-open
	Timeout      time.Duration // open duration before probing
	MinRequests  uint32        // min requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// NewCircuitBreakerBroker wraps broker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings wraps broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *logrus.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPolicyError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("broker circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// exec is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, errors.Join(ErrUpstreamUnavailable, err)
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// FetchQuote wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) FetchQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.Quote, error) {
		return b.FetchQuote(ctx, symbol)
	})
}

// SubmitOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.OrderReceipt, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.OrderReceipt, error) {
		return b.SubmitOrder(ctx, req)
	})
}

// GetPosition reads account state; local reads bypass the breaker.
func (c *CircuitBreakerBroker) GetPosition(symbol string) models.Position {
	return c.broker.GetPosition(symbol)
}

// GetCash reads account state; local reads bypass the breaker.
func (c *CircuitBreakerBroker) GetCash() float64 {
	return c.broker.GetCash()
}

// GetEquity reads account state; local reads bypass the breaker.
func (c *CircuitBreakerBroker) GetEquity() float64 {
	return c.broker.GetEquity()
}
