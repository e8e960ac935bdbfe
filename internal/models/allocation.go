package models

import (
	"fmt"
	"sort"
)

// AllocationEpsilon is the slack allowed on the sum of allocation
// fractions before a map is rejected as corrupt.
const AllocationEpsilon = 0.01

// AllocationMap maps symbols to target portfolio fractions in [0,1].
// It is written by an external allocator; the trade loop holds a
// read-only most-recent-value view.
type AllocationMap map[string]float64

// Validate checks the map against the loader contract: every key must
// look like a symbol, every fraction must sit in [0,1], and the sum
// must not exceed 1 plus epsilon.
func (m AllocationMap) Validate() error {
	sum := 0.0
	for key, frac := range m {
		if !IsSymbol(key) {
			return fmt.Errorf("allocation key %q does not match the symbol pattern (strategy weights, not symbol allocations)", key)
		}
		if frac < 0 || frac > 1 {
			return fmt.Errorf("allocation for %s out of range: %.4f", key, frac)
		}
		sum += frac
	}
	if sum > 1+AllocationEpsilon {
		return fmt.Errorf("allocation fractions sum to %.4f, above 1+epsilon", sum)
	}
	return nil
}

// Clone returns an independent copy of the map.
func (m AllocationMap) Clone() AllocationMap {
	out := make(AllocationMap, len(m))
	for sym, frac := range m {
		out[sym] = frac
	}
	return out
}

// Symbols returns the allocated symbols in deterministic order.
func (m AllocationMap) Symbols() []string {
	out := make([]string, 0, len(m))
	for sym := range m {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
