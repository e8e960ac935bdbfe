package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddiefleurent/michael_scarn/internal/models"
)

// Store persists the broker state snapshot as a single JSON file.
// Writes are atomic: marshal to a temp file in the same directory,
// then rename over the target.
type Store struct {
	mu   sync.RWMutex
	path string
	data *models.BrokerState
}

// NewStore opens (or initializes) the broker state at path.
//
// A missing file yields a fresh state seeded with startingCash. A file
// that exists but does not decode returns ErrCorruptState; the caller
// decides whether that is fatal.
func NewStore(path string, startingCash float64) (*Store, error) {
	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.data = models.NewBrokerState(startingCash)
		s.data.RollDay(time.Now())
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading broker state: %w", err)
	}

	var state models.BrokerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	state.Normalize()
	// Seed the day counters at load so trades made before the first
	// cycle (the startup self-test) survive the cycle's day roll.
	state.RollDay(time.Now())
	s.data = &state
	return s, nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() models.BrokerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Clone()
}

// Update applies fn to the state under the write lock and persists the
// result. The state passed to fn is the live copy; fn must not retain
// references past its return.
func (s *Store) Update(fn func(*models.BrokerState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data)
	s.data.Normalize()
	return s.saveLocked()
}

// Save persists the current state.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	return WriteJSONAtomic(s.path, s.data)
}

// WriteJSONAtomic marshals v and atomically replaces path with it,
// creating parent directories as needed.
func WriteJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}
