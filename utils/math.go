package utils

import (
	"math"
)

// RoundToPlaces rounds `val` half away from zero to the given number of decimal places.
func RoundToPlaces(val float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(val*pow) / pow
}

// ClampF64 restricts `val` to the closed range [lo, hi].
func ClampF64(val, lo, hi float64) float64 {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
