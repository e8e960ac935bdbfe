package quotes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/michael_scarn/internal/models"
)

// stubProvider is a scriptable provider for service tests.
type stubProvider struct {
	mu    sync.Mutex
	name  string
	price float64
	err   error
	calls int
	now   *time.Time
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Fetch(_ context.Context, symbol string) (*models.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	ts := time.Now()
	if p.now != nil {
		ts = *p.now
	}
	return models.NewQuote(symbol, p.price, p.name, ts)
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestService(providers []Provider, now *time.Time) *Service {
	for _, p := range providers {
		if sp, ok := p.(*stubProvider); ok {
			sp.now = now
		}
	}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewService(providers, logger, Options{
		Fanout:         1,
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Hour,
		Now:            func() time.Time { return *now },
	})
}

func TestFreshCacheHitSkipsNetwork(t *testing.T) {
	now := time.Now()
	primary := &stubProvider{name: "primary", price: 100}
	svc := newTestService([]Provider{primary}, &now)

	q := svc.GetQuote(context.Background(), "SPY", time.Minute, false)
	require.NotNil(t, q)
	assert.Equal(t, 1, primary.callCount())

	// Second call within max age is served from cache.
	now = now.Add(10 * time.Second)
	q = svc.GetQuote(context.Background(), "SPY", time.Minute, false)
	require.NotNil(t, q)
	assert.Equal(t, 1, primary.callCount())
	assert.False(t, q.Stale)

	stats := svc.Stats()
	assert.Equal(t, uint64(1), stats.CacheHitsFresh)
}

func TestMaxAgeZeroForcesFetch(t *testing.T) {
	now := time.Now()
	primary := &stubProvider{name: "primary", price: 100}
	svc := newTestService([]Provider{primary}, &now)

	svc.GetQuote(context.Background(), "SPY", time.Minute, false)
	svc.GetQuote(context.Background(), "SPY", 0, false)
	assert.Equal(t, 2, primary.callCount())
}

func TestTieredFailoverToSecondary(t *testing.T) {
	now := time.Now()
	primary := &stubProvider{name: "primary", err: errors.New("http 500")}
	secondary := &stubProvider{name: "finnhub", price: 512}
	svc := newTestService([]Provider{primary, secondary}, &now)

	q := svc.GetQuote(context.Background(), "SPY", 0, false)
	require.NotNil(t, q)
	assert.Equal(t, "finnhub", q.Source)
	assert.Equal(t, 512.0, q.Price)

	stats := svc.Stats()
	assert.Equal(t, uint64(0), stats.CacheHitsStale)
	assert.Equal(t, uint64(1), stats.FetchFailures)
	assert.Equal(t, uint64(1), stats.FetchSuccesses)
}

func TestBackoffSkipsSickProvider(t *testing.T) {
	now := time.Now()
	primary := &stubProvider{name: "primary", err: errors.New("http 500")}
	secondary := &stubProvider{name: "finnhub", price: 512}
	svc := newTestService([]Provider{primary, secondary}, &now)

	svc.GetQuote(context.Background(), "SPY", 0, false)
	require.Equal(t, 1, primary.callCount())

	// Within the backoff window the primary is not attempted at all.
	now = now.Add(10 * time.Second)
	svc.GetQuote(context.Background(), "SPY", 0, false)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 2, secondary.callCount())

	// After the window elapses the primary is tried again; success
	// resets its counter.
	now = now.Add(2 * time.Minute)
	primary.mu.Lock()
	primary.err = nil
	primary.price = 513
	primary.mu.Unlock()
	q := svc.GetQuote(context.Background(), "SPY", 0, false)
	require.NotNil(t, q)
	assert.Equal(t, "primary", q.Source)
	assert.Equal(t, 0, svc.backoff.Failures("primary"))
}

func TestStaleCacheFallback(t *testing.T) {
	now := time.Now()
	primary := &stubProvider{name: "primary", price: 100}
	svc := newTestService([]Provider{primary}, &now)

	q := svc.GetQuote(context.Background(), "BTC-USD", time.Minute, true)
	require.NotNil(t, q)

	// Provider goes dark; the aged cache entry is served marked stale.
	primary.mu.Lock()
	primary.err = errors.New("down")
	primary.mu.Unlock()
	now = now.Add(time.Hour)

	q = svc.GetQuote(context.Background(), "BTC-USD", time.Minute, true)
	require.NotNil(t, q)
	assert.True(t, q.Stale)
	assert.Equal(t, 100.0, q.Price)

	stats := svc.Stats()
	assert.Equal(t, uint64(1), stats.CacheHitsStale)
	assert.InDelta(t, 1.0, stats.StaleCacheUsageRate, 1e-9)
	assert.GreaterOrEqual(t, stats.MaxCacheAgeSeen, 3600.0)
}

func TestNoQuoteNoCacheReturnsNil(t *testing.T) {
	now := time.Now()
	primary := &stubProvider{name: "primary", err: errors.New("down")}
	svc := newTestService([]Provider{primary}, &now)

	q := svc.GetQuote(context.Background(), "SPY", time.Minute, true)
	assert.Nil(t, q)
}

func TestStaleNeverUpgradedToFresh(t *testing.T) {
	now := time.Now()
	primary := &stubProvider{name: "primary", price: 100}
	svc := newTestService([]Provider{primary}, &now)

	svc.GetQuote(context.Background(), "SPY", time.Minute, true)
	primary.mu.Lock()
	primary.err = errors.New("down")
	primary.mu.Unlock()
	now = now.Add(time.Hour)

	stale := svc.GetQuote(context.Background(), "SPY", time.Minute, true)
	require.NotNil(t, stale)
	require.True(t, stale.Stale)

	// The cached entry itself must not have been marked stale: once
	// the provider heals, a fetched quote is fresh again.
	primary.mu.Lock()
	primary.err = nil
	primary.mu.Unlock()
	now = now.Add(2 * time.Minute) // clear provider backoff
	fresh := svc.GetQuote(context.Background(), "SPY", time.Minute, true)
	require.NotNil(t, fresh)
	assert.False(t, fresh.Stale)
}

func TestCacheMonotonicity(t *testing.T) {
	now := time.Now()
	primary := &stubProvider{name: "primary", price: 100}
	svc := newTestService([]Provider{primary}, &now)

	var last time.Time
	for i := 0; i < 5; i++ {
		svc.GetQuote(context.Background(), "SPY", 0, false)
		entry := svc.cachedQuote("SPY")
		require.NotNil(t, entry)
		assert.False(t, entry.FetchedAt.Before(last), "cache entry backdated")
		last = entry.FetchedAt
		now = now.Add(time.Second)
	}
}

// replayProvider serves the same timestamped quote forever, the way a
// venue echoing its last observation would.
type replayProvider struct {
	mu    sync.Mutex
	name  string
	quote models.Quote
	calls int
}

func (p *replayProvider) Name() string { return p.name }

func (p *replayProvider) Fetch(_ context.Context, _ string) (*models.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	out := p.quote
	return &out, nil
}

func TestEchoedQuoteCannotMasqueradeAsFresh(t *testing.T) {
	now := time.Now()
	q, err := models.NewQuote("BTC-USD", 107000, "paper", now.Add(-2*time.Minute))
	require.NoError(t, err)
	echo := &replayProvider{name: "broker", quote: *q}
	svc := newTestService([]Provider{echo}, &now)

	got := svc.GetQuote(context.Background(), "BTC-USD", time.Minute, false)
	require.NotNil(t, got)

	// The cache keeps the provider's own timestamp, so the replayed
	// quote never reads as fresh and every call goes back upstream.
	entry := svc.cachedQuote("BTC-USD")
	require.NotNil(t, entry)
	assert.Equal(t, q.FetchedAt, entry.FetchedAt)

	svc.GetQuote(context.Background(), "BTC-USD", time.Minute, false)
	echo.mu.Lock()
	calls := echo.calls
	echo.mu.Unlock()
	assert.Equal(t, 2, calls, "aged replay must not satisfy the fresh-cache check")
}

func TestFanoutFirstSuccessWins(t *testing.T) {
	now := time.Now()
	slow := &stubProvider{name: "slow", err: errors.New("down")}
	fast := &stubProvider{name: "fast", price: 42}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	svc := NewService([]Provider{slow, fast}, logger, Options{
		Fanout: 2,
		Now:    func() time.Time { return now },
	})

	q := svc.GetQuote(context.Background(), "SPY", 0, false)
	require.NotNil(t, q)
	assert.Equal(t, "fast", q.Source)
	// Both providers in the wave were attempted at most once.
	assert.LessOrEqual(t, slow.callCount(), 1)
	assert.Equal(t, 1, fast.callCount())
}
