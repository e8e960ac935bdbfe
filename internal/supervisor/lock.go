package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// readLockPID returns the PID recorded in the lock file, or 0 when the
// file is absent or unreadable.
func readLockPID(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// pidAlive reports whether a process with the given PID exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// checkLock inspects an agent lock file. It returns the holder PID
// when the lock is held by a live process; a stale lock is removed.
func checkLock(path string) (heldBy int, err error) {
	pid := readLockPID(path)
	if pid == 0 {
		return 0, nil
	}
	if pidAlive(pid) {
		return pid, nil
	}
	// Stale lock from a dead process: reclaim.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("reclaiming stale lock %s: %w", path, err)
	}
	return 0, nil
}

// writeLock records the agent PID in the lock file.
func writeLock(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// releaseLock removes the lock file; missing is fine.
func releaseLock(path string) {
	_ = os.Remove(path)
}
