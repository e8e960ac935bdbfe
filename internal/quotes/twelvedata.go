package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/michael_scarn/internal/models"
)

const twelveDataBaseURL = "https://api.twelvedata.com"

// TwelveDataProvider fetches quotes from the Twelve Data REST API.
type TwelveDataProvider struct {
	client  *http.Client
	apiKey  string
	baseURL string
}

// NewTwelveDataProvider creates a Twelve Data client.
func NewTwelveDataProvider(apiKey, baseURL string, timeout time.Duration) *TwelveDataProvider {
	if baseURL == "" {
		baseURL = twelveDataBaseURL
	}
	return &TwelveDataProvider{
		client:  newHTTPClient(timeout),
		apiKey:  apiKey,
		baseURL: baseURL,
	}
}

// Name implements Provider.
func (p *TwelveDataProvider) Name() string { return "twelvedata" }

// twelveDataSymbol converts "BTC-USD" to the "BTC/USD" pair notation
// Twelve Data expects; equities pass through unchanged.
func twelveDataSymbol(symbol string) string {
	if models.Classify(symbol) == models.ClassCrypto {
		return strings.Replace(symbol, "-", "/", 1)
	}
	return symbol
}

// Fetch implements Provider.
func (p *TwelveDataProvider) Fetch(ctx context.Context, symbol string) (*models.Quote, error) {
	endpoint := fmt.Sprintf("%s/price?symbol=%s&apikey=%s",
		p.baseURL, url.QueryEscape(twelveDataSymbol(symbol)), url.QueryEscape(p.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("twelvedata: building request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twelvedata: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("twelvedata: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(p.Name(), resp, body)
	}

	// Errors come back as 200 with {"code":..., "message":...}.
	var payload struct {
		Price   string `json:"price"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("twelvedata: parsing response: %w", err)
	}
	if payload.Code != 0 {
		return nil, fmt.Errorf("twelvedata: %s (code %d): %w", payload.Message, payload.Code, ErrNoQuote)
	}

	price, err := strconv.ParseFloat(payload.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("twelvedata: bad price %q: %w", payload.Price, err)
	}

	return models.NewQuote(symbol, price, p.Name(), time.Now())
}
