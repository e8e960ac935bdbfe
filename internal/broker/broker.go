package broker

import (
	"context"
	"errors"

	"github.com/eddiefleurent/michael_scarn/internal/models"
)

// Broker defines the interface for interacting with a brokerage.
//
// Implementations normalize upstream failures to the sentinel errors
// below; callers branch with errors.Is and never see vendor-specific
// error shapes.
type Broker interface {
	// Market data
	FetchQuote(ctx context.Context, symbol string) (*models.Quote, error)

	// Order placement. The receipt reflects the actual fill, which may
	// differ from the requested limit.
	SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.OrderReceipt, error)

	// Account state. GetPosition returns a zero-qty record when the
	// symbol is not held.
	GetPosition(symbol string) models.Position
	GetCash() float64
	GetEquity() float64
}

// Quote-side failures.
var (
	ErrUnknownSymbol       = errors.New("unknown symbol")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrRateLimited         = errors.New("rate limited")
)

// Order-side failures.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMarketClosed      = errors.New("market closed")
	ErrUpstreamRejected  = errors.New("order rejected upstream")
)

// IsPolicyError reports whether err is an orderly refusal rather than
// an upstream fault. Policy errors do not feed circuit breakers.
func IsPolicyError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrMarketClosed) ||
		errors.Is(err, ErrUnknownSymbol)
}
