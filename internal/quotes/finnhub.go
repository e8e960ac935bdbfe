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

const finnhubBaseURL = "https://finnhub.io/api/v1"

// FinnhubProvider fetches quotes from the Finnhub REST API.
type FinnhubProvider struct {
	client  *http.Client
	apiKey  string
	baseURL string
}

// NewFinnhubProvider creates a Finnhub client. baseURL overrides the
// production endpoint for tests; empty uses the default.
func NewFinnhubProvider(apiKey, baseURL string, timeout time.Duration) *FinnhubProvider {
	if baseURL == "" {
		baseURL = finnhubBaseURL
	}
	return &FinnhubProvider{
		client:  newHTTPClient(timeout),
		apiKey:  apiKey,
		baseURL: baseURL,
	}
}

// Name implements Provider.
func (p *FinnhubProvider) Name() string { return "finnhub" }

// finnhubQuote mirrors the /quote response shape.
type finnhubQuote struct {
	Current   float64 `json:"c"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Open      float64 `json:"o"`
	PrevClose float64 `json:"pc"`
	Timestamp int64   `json:"t"`
}

// Fetch implements Provider.
func (p *FinnhubProvider) Fetch(ctx context.Context, symbol string) (*models.Quote, error) {
	endpoint := fmt.Sprintf("%s/quote?symbol=%s&token=%s",
		p.baseURL, url.QueryEscape(symbol), url.QueryEscape(p.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("finnhub: building request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("finnhub: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("finnhub: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(p.Name(), resp, body)
	}

	var fq finnhubQuote
	if err := json.Unmarshal(body, &fq); err != nil {
		return nil, fmt.Errorf("finnhub: parsing response: %w", err)
	}

	// Finnhub answers 200 with zeroed fields for unknown symbols.
	return models.NewQuote(symbol, fq.Current, p.Name(), time.Now())
}
