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

const alphaVantageBaseURL = "https://www.alphavantage.co"

// AlphaVantageProvider fetches quotes from the Alpha Vantage REST API.
// Equities use GLOBAL_QUOTE; crypto pairs use CURRENCY_EXCHANGE_RATE.
type AlphaVantageProvider struct {
	client  *http.Client
	apiKey  string
	baseURL string
}

// NewAlphaVantageProvider creates an Alpha Vantage client.
func NewAlphaVantageProvider(apiKey, baseURL string, timeout time.Duration) *AlphaVantageProvider {
	if baseURL == "" {
		baseURL = alphaVantageBaseURL
	}
	return &AlphaVantageProvider{
		client:  newHTTPClient(timeout),
		apiKey:  apiKey,
		baseURL: baseURL,
	}
}

// Name implements Provider.
func (p *AlphaVantageProvider) Name() string { return "alphavantage" }

// Fetch implements Provider.
func (p *AlphaVantageProvider) Fetch(ctx context.Context, symbol string) (*models.Quote, error) {
	var endpoint string
	if models.Classify(symbol) == models.ClassCrypto {
		base := strings.TrimSuffix(symbol, "-USD")
		endpoint = fmt.Sprintf("%s/query?function=CURRENCY_EXCHANGE_RATE&from_currency=%s&to_currency=USD&apikey=%s",
			p.baseURL, url.QueryEscape(base), url.QueryEscape(p.apiKey))
	} else {
		endpoint = fmt.Sprintf("%s/query?function=GLOBAL_QUOTE&symbol=%s&apikey=%s",
			p.baseURL, url.QueryEscape(symbol), url.QueryEscape(p.apiKey))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("alphavantage: building request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alphavantage: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("alphavantage: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(p.Name(), resp, body)
	}

	// Rate limiting comes back as 200 with a "Note" field.
	var probe struct {
		Note        string `json:"Note"`
		Information string `json:"Information"`
	}
	if err := json.Unmarshal(body, &probe); err == nil {
		if probe.Note != "" || probe.Information != "" {
			return nil, fmt.Errorf("alphavantage: throttled: %w", ErrNoQuote)
		}
	}

	price, err := p.parsePrice(symbol, body)
	if err != nil {
		return nil, err
	}

	return models.NewQuote(symbol, price, p.Name(), time.Now())
}

func (p *AlphaVantageProvider) parsePrice(symbol string, body []byte) (float64, error) {
	if models.Classify(symbol) == models.ClassCrypto {
		var payload struct {
			Rate struct {
				ExchangeRate string `json:"5. Exchange Rate"`
			} `json:"Realtime Currency Exchange Rate"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return 0, fmt.Errorf("alphavantage: parsing exchange rate: %w", err)
		}
		return parseQuotePrice(payload.Rate.ExchangeRate)
	}

	var payload struct {
		GlobalQuote struct {
			Price string `json:"05. price"`
		} `json:"Global Quote"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("alphavantage: parsing global quote: %w", err)
	}
	return parseQuotePrice(payload.GlobalQuote.Price)
}

func parseQuotePrice(raw string) (float64, error) {
	if raw == "" {
		return 0, ErrNoQuote
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("alphavantage: bad price %q: %w", raw, err)
	}
	return price, nil
}
