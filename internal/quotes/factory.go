package quotes

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/michael_scarn/internal/config"
	"github.com/eddiefleurent/michael_scarn/internal/models"
)

// QuoteFetcher is the slice of the broker contract the quote service
// needs when the broker heads the provider list.
type QuoteFetcher interface {
	FetchQuote(ctx context.Context, symbol string) (*models.Quote, error)
}

// BrokerProvider adapts a broker to the Provider contract so a venue
// with its own market data can serve as a quote source. The venue's
// quote keeps its original timestamp and is refused once it exceeds
// maxAge, so a venue that merely replays what it last saw cannot
// freeze the feed.
type BrokerProvider struct {
	name    string
	fetcher QuoteFetcher
	maxAge  time.Duration
	now     func() time.Time
}

// NewBrokerProvider wraps fetcher as a provider under the given name.
// A non-positive maxAge disables the age check.
func NewBrokerProvider(name string, fetcher QuoteFetcher, maxAge time.Duration) *BrokerProvider {
	return &BrokerProvider{name: name, fetcher: fetcher, maxAge: maxAge, now: time.Now}
}

// Name implements Provider.
func (p *BrokerProvider) Name() string { return p.name }

// Fetch implements Provider.
func (p *BrokerProvider) Fetch(ctx context.Context, symbol string) (*models.Quote, error) {
	q, err := p.fetcher.FetchQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if age := q.Age(p.now()); p.maxAge > 0 && age > p.maxAge {
		return nil, fmt.Errorf("%s: venue quote for %s is %.0fs old: %w",
			p.name, symbol, age.Seconds(), ErrNoQuote)
	}
	return q, nil
}

// BuildProviders constructs the provider list from config in priority
// order. The name "broker" binds the given venue fetcher; unknown
// provider names are an error so a typo in the config cannot silently
// drop a tier.
func BuildProviders(cfg config.QuotesConfig, venue QuoteFetcher) ([]Provider, error) {
	byName := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		byName[pc.Name] = pc
	}

	out := make([]Provider, 0, len(cfg.Priority))
	for _, name := range cfg.Priority {
		if name == "broker" {
			if venue == nil {
				return nil, fmt.Errorf("quote priority names the broker but no venue is wired")
			}
			out = append(out, NewBrokerProvider(name, venue, cfg.MaxAge.Std()))
			continue
		}
		pc, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("quote provider %q not configured", name)
		}
		timeout := pc.Timeout.Std()
		switch name {
		case "finnhub":
			out = append(out, NewFinnhubProvider(pc.APIKey, pc.BaseURL, timeout))
		case "twelvedata":
			out = append(out, NewTwelveDataProvider(pc.APIKey, pc.BaseURL, timeout))
		case "alphavantage":
			out = append(out, NewAlphaVantageProvider(pc.APIKey, pc.BaseURL, timeout))
		case "yahoo":
			out = append(out, NewYahooProvider(pc.BaseURL, timeout))
		default:
			return nil, fmt.Errorf("unknown quote provider %q", name)
		}
	}
	return out, nil
}
