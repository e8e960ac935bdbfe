package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/michael_scarn/internal/models"
)

// ErrNoAllocations is returned when neither the primary nor the
// fallback allocations file yields a usable map and no last good map is
// held.
var ErrNoAllocations = errors.New("no usable allocations")

// AllocationLoader reads the allocation map each tick, preferring the
// primary override file and falling back to the symbols-only file when
// the primary is keyed by strategy names instead of symbols. The last
// good map is retained so a transiently corrupt file never stops
// trading mid-run.
type AllocationLoader struct {
	primary  string
	fallback string
	logger   *logrus.Logger

	mu       sync.Mutex
	lastGood models.AllocationMap
}

// NewAllocationLoader builds a loader over the two allocation files.
func NewAllocationLoader(primary, fallback string, logger *logrus.Logger) *AllocationLoader {
	return &AllocationLoader{primary: primary, fallback: fallback, logger: logger}
}

// Load returns the current allocation map.
//
// The primary file is rejected wholesale if any key fails symbol
// validation or the fractions do not validate; the fallback file is
// then tried. If both fail, the last good map is returned, and only
// when none exists does Load return ErrNoAllocations. Startup callers
// treat that as fatal.
func (l *AllocationLoader) Load() (models.AllocationMap, error) {
	if m, err := l.readFile(l.primary); err == nil {
		return l.keep(m), nil
	} else if !os.IsNotExist(err) {
		l.logger.WithFields(logrus.Fields{
			"path":  l.primary,
			"error": err.Error(),
		}).Warn("primary allocations rejected, trying fallback")
	}

	if m, err := l.readFile(l.fallback); err == nil {
		return l.keep(m), nil
	} else if !os.IsNotExist(err) {
		l.logger.WithFields(logrus.Fields{
			"path":  l.fallback,
			"error": err.Error(),
		}).Warn("fallback allocations rejected")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastGood != nil {
		return l.lastGood.Clone(), nil
	}
	return nil, ErrNoAllocations
}

func (l *AllocationLoader) readFile(path string) (models.AllocationMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m models.AllocationMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding allocations: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (l *AllocationLoader) keep(m models.AllocationMap) models.AllocationMap {
	l.mu.Lock()
	l.lastGood = m.Clone()
	l.mu.Unlock()
	return m
}
