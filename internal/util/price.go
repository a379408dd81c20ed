// Package util provides common utility functions for price calculations.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// SPX combo orders price on a $0.05 grid.
func RoundToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the tick increment.
// Profit target prices land on a $0.10 grid, always rounded down.
func FloorToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 {
		return x
	}
	return math.Floor(x/tick) * tick
}

// CeilToTick rounds x up to the tick increment.
func CeilToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 {
		return x
	}
	return math.Ceil(x/tick) * tick
}
