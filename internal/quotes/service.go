package quotes

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/michael_scarn/internal/metrics"
	"github.com/eddiefleurent/michael_scarn/internal/models"
)

// Stats is the observable counter surface of the quote service, read
// by the supervisor and the observability endpoints.
type Stats struct {
	CacheHitsFresh      uint64  `json:"cache_hits_fresh"`
	CacheHitsStale      uint64  `json:"cache_hits_stale"`
	FetchSuccesses      uint64  `json:"fetch_successes"`
	FetchFailures       uint64  `json:"fetch_failures"`
	MaxCacheAgeSeen     float64 `json:"max_cache_age_seen_seconds"`
	StaleCacheUsageRate float64 `json:"stale_cache_usage_rate"`
}

// Options configures a Service.
type Options struct {
	// Fanout bounds the concurrent provider attempts per fetch wave.
	Fanout         int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Service retrieves the freshest acceptable quote across a priority
// list of providers, with fresh-cache short-circuit, bounded concurrent
// fan-out, per-source backoff, and optional stale-cache fallback.
type Service struct {
	providers []Provider
	fanout    int
	backoff   *backoffTracker
	logger    *logrus.Logger
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]*models.Quote
	stats Stats
}

// NewService builds a quote service over providers in priority order.
func NewService(providers []Provider, logger *logrus.Logger, opts Options) *Service {
	fanout := opts.Fanout
	if fanout <= 0 {
		fanout = 2
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		providers: providers,
		fanout:    fanout,
		backoff:   newBackoffTracker(opts.InitialBackoff, opts.MaxBackoff),
		logger:    logger,
		now:       now,
		cache:     make(map[string]*models.Quote),
	}
}

// GetQuote returns the freshest acceptable quote for symbol or nil.
//
// maxAge 0 always bypasses the fresh-cache check and forces a fetch.
// With useStaleCache, a cached quote of any age is returned (marked
// stale) when every provider fails; that path bumps a metric but is
// not a failure.
func (s *Service) GetQuote(ctx context.Context, symbol string, maxAge time.Duration, useStaleCache bool) *models.Quote {
	now := s.now()

	// Fresh-cache hit: no network I/O.
	if maxAge > 0 {
		if cached := s.cachedQuote(symbol); cached != nil && !cached.IsStale(now, maxAge) {
			s.recordCacheHit(cached, now, false)
			out := *cached
			return &out
		}
	}

	if quote := s.fetchTiered(ctx, symbol); quote != nil {
		s.storeCache(quote)
		out := *quote
		return &out
	}

	if useStaleCache {
		if cached := s.cachedQuote(symbol); cached != nil {
			s.recordCacheHit(cached, now, true)
			s.logger.WithFields(logrus.Fields{
				"symbol":      symbol,
				"age_seconds": cached.Age(now).Seconds(),
				"source":      cached.Source,
			}).Warn("all providers failed, serving stale cached quote")
			out := *cached
			out.Stale = true
			return &out
		}
	}

	return nil
}

// fetchTiered walks the priority list in waves of at most fanout
// concurrent attempts. The first positive-price quote wins and cancels
// the rest of its wave. Each provider is attempted at most once.
func (s *Service) fetchTiered(ctx context.Context, symbol string) *models.Quote {
	now := s.now()

	eligible := make([]Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if s.backoff.InBackoff(p.Name(), now) {
			s.logger.WithFields(logrus.Fields{
				"provider": p.Name(),
				"symbol":   symbol,
			}).Debug("provider under backoff, skipping")
			continue
		}
		eligible = append(eligible, p)
	}

	for start := 0; start < len(eligible); start += s.fanout {
		end := start + s.fanout
		if end > len(eligible) {
			end = len(eligible)
		}
		if quote := s.fetchWave(ctx, symbol, eligible[start:end]); quote != nil {
			return quote
		}
	}
	return nil
}

// fetchWave races one group of providers; first success wins.
func (s *Service) fetchWave(ctx context.Context, symbol string, wave []Provider) *models.Quote {
	waveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan *models.Quote, len(wave))
	g, waveCtx := errgroup.WithContext(waveCtx)

	for _, p := range wave {
		g.Go(func() error {
			quote, err := p.Fetch(waveCtx, symbol)
			if err != nil {
				// A canceled loser is not a provider failure.
				if waveCtx.Err() != nil {
					return nil
				}
				wait := s.backoff.RecordFailure(p.Name(), s.now())
				s.bumpFetchFailure(p.Name())
				s.logger.WithFields(logrus.Fields{
					"provider": p.Name(),
					"symbol":   symbol,
					"backoff":  wait.String(),
				}).Debug("provider fetch failed")
				return nil
			}
			s.backoff.RecordSuccess(p.Name())
			s.bumpFetchSuccess(p.Name())
			select {
			case results <- quote:
				cancel() // first success wins; losers are canceled
			default:
			}
			return nil
		})
	}

	_ = g.Wait()
	close(results)
	return <-results
}

func (s *Service) cachedQuote(symbol string) *models.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache[symbol]
}

// storeCache caches the quote keyed by symbol. The provider's own
// fetch timestamp is kept so an echoed older quote cannot masquerade
// as fresh, and an entry never replaces a newer one.
func (s *Service) storeCache(q *models.Quote) {
	entry := *q
	entry.Stale = false
	s.mu.Lock()
	if cur, ok := s.cache[q.Symbol]; !ok || !entry.FetchedAt.Before(cur.FetchedAt) {
		s.cache[q.Symbol] = &entry
	}
	s.mu.Unlock()
}

func (s *Service) recordCacheHit(q *models.Quote, now time.Time, stale bool) {
	age := q.Age(now).Seconds()
	s.mu.Lock()
	if stale {
		s.stats.CacheHitsStale++
	} else {
		s.stats.CacheHitsFresh++
	}
	if age > s.stats.MaxCacheAgeSeen {
		s.stats.MaxCacheAgeSeen = age
		metrics.QuoteMaxCacheAge.Set(age)
	}
	s.mu.Unlock()

	if stale {
		metrics.QuoteCacheHits.WithLabelValues("stale").Inc()
	} else {
		metrics.QuoteCacheHits.WithLabelValues("fresh").Inc()
	}
}

func (s *Service) bumpFetchSuccess(provider string) {
	s.mu.Lock()
	s.stats.FetchSuccesses++
	s.mu.Unlock()
	metrics.QuoteFetches.WithLabelValues(provider, "success").Inc()
}

func (s *Service) bumpFetchFailure(provider string) {
	s.mu.Lock()
	s.stats.FetchFailures++
	s.mu.Unlock()
	metrics.QuoteFetches.WithLabelValues(provider, "failure").Inc()
}

// Stats returns a snapshot of the service counters with the derived
// stale usage rate.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	if total := out.CacheHitsFresh + out.CacheHitsStale; total > 0 {
		out.StaleCacheUsageRate = float64(out.CacheHitsStale) / float64(total)
	}
	return out
}
