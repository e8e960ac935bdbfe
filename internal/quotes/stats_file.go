package quotes

import (
	"encoding/json"
	"os"

	"github.com/sirupsen/logrus"
)

// FileStats serves quote-service counters published by another
// process. The trade loop writes its Stats snapshot to a runtime file
// every cycle; the supervisor reads that file back for
// /metrics/quote-service instead of holding a quote service of its
// own. A missing file reads as zero counters, which is the true state
// before the first cycle completes.
type FileStats struct {
	path   string
	logger *logrus.Logger
}

// NewFileStats returns a reader over the stats file at path.
func NewFileStats(path string, logger *logrus.Logger) *FileStats {
	return &FileStats{path: path, logger: logger}
}

// Stats reads the latest published counters.
func (f *FileStats) Stats() Stats {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			f.logger.WithError(err).Warn("reading quote stats file")
		}
		return Stats{}
	}
	var s Stats
	if err := json.Unmarshal(raw, &s); err != nil {
		f.logger.WithError(err).Warn("decoding quote stats file")
		return Stats{}
	}
	return s
}
