// Package util provides common utility functions for price and
// quantity calculations.
package util

import "math"

// tickEpsilon absorbs float residue when a value sits on a tick
// boundary, so 1.30/0.05 floors to 1.30 and not 1.25.
const tickEpsilon = 1e-9

// RoundToTick rounds x to the nearest tick increment. Ties round away
// from zero. A non-positive tick returns x unchanged.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to a tick multiple. Used when sizing buys
// so the rounded quantity never costs more than the target.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	q := x / tick
	if r := math.Round(q); math.Abs(q-r) < tickEpsilon {
		q = r
	}
	return math.Floor(q) * tick
}
