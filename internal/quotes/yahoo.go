package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/eddiefleurent/michael_scarn/internal/models"
)

const yahooBaseURL = "https://query1.finance.yahoo.com"

// YahooProvider fetches quotes from the unauthenticated Yahoo Finance
// chart endpoint. Last in the priority list; no API key required.
type YahooProvider struct {
	client  *http.Client
	baseURL string
}

// NewYahooProvider creates a Yahoo Finance client.
func NewYahooProvider(baseURL string, timeout time.Duration) *YahooProvider {
	if baseURL == "" {
		baseURL = yahooBaseURL
	}
	return &YahooProvider{
		client:  newHTTPClient(timeout),
		baseURL: baseURL,
	}
}

// Name implements Provider.
func (p *YahooProvider) Name() string { return "yahoo" }

// Fetch implements Provider.
func (p *YahooProvider) Fetch(ctx context.Context, symbol string) (*models.Quote, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1m&range=1d",
		p.baseURL, url.PathEscape(symbol))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("yahoo: building request: %w", err)
	}
	// Yahoo rejects requests without a browser-ish UA.
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; michael_scarn/1.0)")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yahoo: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("yahoo: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(p.Name(), resp, body)
	}

	var payload struct {
		Chart struct {
			Result []struct {
				Meta struct {
					RegularMarketPrice float64 `json:"regularMarketPrice"`
				} `json:"meta"`
			} `json:"result"`
			Error *struct {
				Description string `json:"description"`
			} `json:"error"`
		} `json:"chart"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("yahoo: parsing response: %w", err)
	}
	if payload.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo: %s: %w", payload.Chart.Error.Description, ErrNoQuote)
	}
	if len(payload.Chart.Result) == 0 {
		return nil, fmt.Errorf("yahoo: empty result: %w", ErrNoQuote)
	}

	return models.NewQuote(symbol, payload.Chart.Result[0].Meta.RegularMarketPrice, p.Name(), time.Now())
}
