package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// BrainState is the external allocator's advisory signal. The file is
// read each tick; an absent file means full risk appetite with neutral
// confidence.
type BrainState struct {
	RiskScaler float64   `json:"risk_scaler"`
	Confidence float64   `json:"confidence"`
	Updated    time.Time `json:"updated"`
}

// DefaultBrainState is used when the brain-state file is absent.
func DefaultBrainState() BrainState {
	return BrainState{RiskScaler: 1.0, Confidence: 0.5}
}

// ReadBrainState loads the brain-state file. Absent file returns the
// defaults with no error; a present but unreadable file also falls back
// to defaults, reported through the error so the caller can log it.
// Out-of-range scalers are clamped to [0,1].
func ReadBrainState(path string) (BrainState, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultBrainState(), nil
	}
	if err != nil {
		return DefaultBrainState(), fmt.Errorf("reading brain state: %w", err)
	}

	var bs BrainState
	if err := json.Unmarshal(raw, &bs); err != nil {
		return DefaultBrainState(), fmt.Errorf("decoding brain state: %w", err)
	}
	if bs.RiskScaler < 0 {
		bs.RiskScaler = 0
	}
	if bs.RiskScaler > 1 {
		bs.RiskScaler = 1
	}
	return bs, nil
}

// GuardianPause mirrors state/guardian_pause.json. Presence of the file
// with paused=true halts new order submission; everything else keeps
// running.
type GuardianPause struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
}

// ReadGuardianPause reports whether the guardian has paused trading.
// A missing or undecodable file means not paused.
func ReadGuardianPause(path string) GuardianPause {
	raw, err := os.ReadFile(path)
	if err != nil {
		return GuardianPause{}
	}
	var gp GuardianPause
	if err := json.Unmarshal(raw, &gp); err != nil {
		return GuardianPause{}
	}
	return gp
}

// TradingMode is the persisted operating mode, read once at startup.
type TradingMode struct {
	Mode      string    `json:"mode"` // PAPER, LIVE or TEST
	Timestamp time.Time `json:"timestamp"`
}

// ReadTradingMode loads state/trading_mode.json. Absent file returns
// the given default mode; a present but invalid file is an error since
// guessing the mode of a live account is not acceptable.
func ReadTradingMode(path, defaultMode string) (TradingMode, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return TradingMode{Mode: defaultMode, Timestamp: time.Now().UTC()}, nil
	}
	if err != nil {
		return TradingMode{}, fmt.Errorf("reading trading mode: %w", err)
	}

	var tm TradingMode
	if err := json.Unmarshal(raw, &tm); err != nil {
		return TradingMode{}, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	switch tm.Mode {
	case "PAPER", "LIVE", "TEST":
		return tm, nil
	default:
		return TradingMode{}, fmt.Errorf("%w: unknown trading mode %q", ErrCorruptState, tm.Mode)
	}
}

// WriteTradingMode persists the mode atomically.
func WriteTradingMode(path, mode string) error {
	return WriteJSONAtomic(path, TradingMode{Mode: mode, Timestamp: time.Now().UTC()})
}
