package quotes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStatsReadsPublishedCounters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quote_stats.json")
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	fs := NewFileStats(path, logger)

	// Nothing published yet reads as zero counters.
	assert.Equal(t, Stats{}, fs.Stats())

	require.NoError(t, os.WriteFile(path, []byte(
		`{"cache_hits_fresh":3,"fetch_successes":7,"stale_cache_usage_rate":0.25}`), 0o644))
	stats := fs.Stats()
	assert.Equal(t, uint64(3), stats.CacheHitsFresh)
	assert.Equal(t, uint64(7), stats.FetchSuccesses)
	assert.InDelta(t, 0.25, stats.StaleCacheUsageRate, 1e-9)

	// A torn write must not take the endpoint down.
	require.NoError(t, os.WriteFile(path, []byte(`{"cache_hits`), 0o644))
	assert.Equal(t, Stats{}, fs.Stats())
}
