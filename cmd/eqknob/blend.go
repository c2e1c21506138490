package main

import (
	"errors"
	"fmt"
	"math"
)

// ErrBlendLength is returned when the two presets differ in length.
var ErrBlendLength = errors.New("blend: preset lengths differ")

// Blend linearly interpolates two gain vectors: p=0 gives a, p=1 gives b.
// Results are rounded half away from zero.
func Blend(a, b []int, p float64) ([]int, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w (%d vs %d)", ErrBlendLength, len(a), len(b))
	}
	out := make([]int, len(a))
	for i := range a {
		out[i] = int(math.Round(float64(a[i])*(1-p) + float64(b[i])*p))
	}
	return out, nil
}

// ClipReading remaps a raw knob reading so the outer 10% at either end of
// travel saturate to 0 and 1.
func ClipReading(r float64) float64 {
	return clampFloat((r-clipOffset)/clipSpan, 0, 1)
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
