// Package failover tracks primary-environment usage against a monthly
// budget and migrates the workload to a failover environment through a
// shared object store when the budget runs out.
package failover

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/eddiefleurent/michael_scarn/internal/storage"
)

// Environment names recorded in the ledger.
const (
	EnvPrimary  = "PRIMARY"
	EnvFailover = "FAILOVER"
)

// UsageLedger is the durable hour meter. It is persisted on every
// state transition and periodically while hours accrue, so a restart
// never forgets spent budget.
type UsageLedger struct {
	PrimaryHoursUsed float64   `json:"primary_hours_used_this_period"`
	PeriodStart      time.Time `json:"period_start"`
	ActiveEnv        string    `json:"active_environment"`
	LastSwitchAt     time.Time `json:"last_switch_at,omitempty"`
}

// LoadLedger reads the ledger file, starting a fresh period when the
// file is absent. A corrupt ledger is an error: guessing spent hours
// could double-run the primary.
func LoadLedger(path string, now time.Time) (*UsageLedger, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &UsageLedger{
			PeriodStart: now.UTC(),
			ActiveEnv:   EnvPrimary,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading usage ledger: %w", err)
	}

	var l UsageLedger
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrCorruptState, path, err)
	}
	if l.ActiveEnv == "" {
		l.ActiveEnv = EnvPrimary
	}
	return &l, nil
}

// Save persists the ledger atomically.
func (l *UsageLedger) Save(path string) error {
	return storage.WriteJSONAtomic(path, l)
}

// Reset zeroes the meter for a new period and returns control to the
// primary environment.
func (l *UsageLedger) Reset(now time.Time) {
	l.PrimaryHoursUsed = 0
	l.PeriodStart = now.UTC()
	l.ActiveEnv = EnvPrimary
}
