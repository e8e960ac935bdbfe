// Package quotes provides multi-source market quote retrieval with
// freshness policy, cache fallback, and per-source backoff.
//
// Each provider is a small HTTP client implementing the Provider
// capability contract; providers are constructed into a priority list
// at startup and never looked up dynamically.
package quotes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/eddiefleurent/michael_scarn/internal/models"
)

// defaultTimeout bounds every outbound provider call.
const defaultTimeout = 8 * time.Second

// ErrNoQuote is returned by providers that answered but had no usable
// price for the symbol.
var ErrNoQuote = errors.New("no quote available")

// APIError represents a provider HTTP error with status code and
// response body.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// Provider fetches a quote for one symbol from one upstream source.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (*models.Quote, error)
}

// newHTTPClient builds the bounded-timeout client shared by the
// provider implementations.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// decodeError drains an HTTP error response into an APIError.
func decodeError(provider string, resp *http.Response, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return &APIError{Provider: provider, Status: resp.StatusCode, Body: snippet}
}
