package quotes

import (
	"sync"
	"time"
)

// backoffTracker keeps an independent exponential backoff window per
// provider. A provider in backoff is skipped by the tiered fetch; a
// success resets its counter.
type backoffTracker struct {
	mu      sync.Mutex
	initial time.Duration
	max     time.Duration
	entries map[string]*backoffEntry
}

type backoffEntry struct {
	failures int
	until    time.Time
	wait     time.Duration
}

func newBackoffTracker(initial, max time.Duration) *backoffTracker {
	if initial <= 0 {
		initial = 2 * time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	return &backoffTracker{
		initial: initial,
		max:     max,
		entries: make(map[string]*backoffEntry),
	}
}

// InBackoff reports whether the provider should be skipped at now.
func (b *backoffTracker) InBackoff(name string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[name]
	return ok && now.Before(entry.until)
}

// RecordFailure extends the provider's backoff window, doubling the
// wait up to the cap.
func (b *backoffTracker) RecordFailure(name string, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[name]
	if !ok {
		entry = &backoffEntry{wait: b.initial}
		b.entries[name] = entry
	} else {
		entry.wait *= 2
		if entry.wait > b.max {
			entry.wait = b.max
		}
	}
	entry.failures++
	entry.until = now.Add(entry.wait)
	return entry.wait
}

// RecordSuccess clears the provider's backoff state.
func (b *backoffTracker) RecordSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, name)
}

// Failures returns the consecutive failure count for a provider.
func (b *backoffTracker) Failures(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[name]; ok {
		return entry.failures
	}
	return 0
}
