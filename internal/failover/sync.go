package failover

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ledgerObject is the object key of the shared usage ledger, watched
// by the standby environment for handoffs.
const ledgerObject = "usage_ledger.json"

// stateFiles are the snapshot files copied through the object store on
// cutover. Lock, pid and log files are environment-local and excluded.
var stateFiles = []string{
	"broker_state.json",
	"trading_mode.json",
	ledgerObject,
	"guardian_pause.json",
}

// SyncStateToStore uploads the state directory snapshot. Missing files
// are skipped; the receiving environment initializes what it never
// got.
func SyncStateToStore(ctx context.Context, store ObjectStore, stateDir string) error {
	for _, name := range stateFiles {
		raw, err := os.ReadFile(filepath.Join(stateDir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		if err := store.Put(ctx, name, raw); err != nil {
			return fmt.Errorf("syncing %s: %w", name, err)
		}
	}
	return nil
}

// RestoreStateFromStore downloads the snapshot into the state
// directory. Objects missing from the store are skipped.
func RestoreStateFromStore(ctx context.Context, store ObjectStore, stateDir string) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	for _, name := range stateFiles {
		raw, err := store.Get(ctx, name)
		if err != nil {
			continue
		}
		tmp := filepath.Join(stateDir, name+".tmp")
		if err := os.WriteFile(tmp, raw, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		if err := os.Rename(tmp, filepath.Join(stateDir, name)); err != nil {
			return fmt.Errorf("restoring %s: %w", name, err)
		}
	}
	return nil
}
