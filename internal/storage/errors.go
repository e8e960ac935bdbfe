package storage

import "errors"

// ErrCorruptState is returned when a state file exists but cannot be
// decoded. Callers treat this as fatal at startup (exit 2) and must
// never silently reinitialize over it.
var ErrCorruptState = errors.New("corrupt state file")
