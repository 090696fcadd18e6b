// Package hrv computes heart-rate-variability features over RR interval sequences.
package hrv

import (
	"errors"
	"math"
	"sort"
)

var (
	// ErrNoValidIntervals is returned when cleaning rejects every interval.
	ErrNoValidIntervals = errors.New("no valid RR intervals")
	// ErrTooShort is returned when a sequence is too short for a feature family.
	ErrTooShort = errors.New("RR sequence too short")
)

// CleanParams configures the RR cleaning pipeline.
type CleanParams struct {
	LowRR        float64 // ms
	HighRR       float64 // ms
	EctopicRatio float64 // largest accepted relative change between successive intervals
	MedianTaps   int
}

// DefaultCleanParams keeps 300-1800ms intervals, rejects 20% jumps and smooths over 5 taps.
func DefaultCleanParams() CleanParams {
	return CleanParams{
		LowRR:        300,
		HighRR:       1800,
		EctopicRatio: 0.2,
		MedianTaps:   5,
	}
}

// Clean runs the default pipeline.
func Clean(rr []float64) ([]float64, error) {
	return DefaultCleanParams().Clean(rr)
}

// Clean removes physiologically implausible and ectopic intervals, fills the
// gaps by linear interpolation and smooths with a median filter. The result
// has the same length as rr.
func (p CleanParams) Clean(rr []float64) ([]float64, error) {
	if len(rr) == 0 {
		return nil, ErrNoValidIntervals
	}
	x := make([]float64, len(rr))
	for i, v := range rr {
		if v < p.LowRR || v > p.HighRR {
			x[i] = math.NaN()
			continue
		}
		x[i] = v
	}
	if err := fillMissing(x); err != nil {
		return nil, err
	}

	x = removeEctopic(x, p.EctopicRatio)
	if err := fillMissing(x); err != nil {
		return nil, err
	}

	return medianFilter(x, p.MedianTaps), nil
}

// removeEctopic marks an interval missing when it differs from its
// predecessor by more than ratio of the predecessor. The interval following
// a rejected one is accepted unchecked.
func removeEctopic(x []float64, ratio float64) []float64 {
	out := make([]float64, len(x))
	out[0] = x[0]
	previousRejected := false
	for i := 0; i < len(x)-1; i++ {
		if previousRejected {
			out[i+1] = x[i+1]
			previousRejected = false
			continue
		}
		if math.Abs(x[i]-x[i+1]) <= ratio*x[i] {
			out[i+1] = x[i+1]
		} else {
			out[i+1] = math.NaN()
			previousRejected = true
		}
	}
	return out
}

// fillMissing replaces NaN entries in place by linear interpolation between
// the surrounding valid values. Leading and trailing gaps take the nearest
// valid value.
func fillMissing(x []float64) error {
	prev := -1
	for i, v := range x {
		if math.IsNaN(v) {
			continue
		}
		switch {
		case prev == -1:
			for k := 0; k < i; k++ {
				x[k] = v
			}
		case i-prev > 1:
			step := (v - x[prev]) / float64(i-prev)
			for k := prev + 1; k < i; k++ {
				x[k] = x[prev] + step*float64(k-prev)
			}
		}
		prev = i
	}
	if prev == -1 {
		return ErrNoValidIntervals
	}
	for k := prev + 1; k < len(x); k++ {
		x[k] = x[prev]
	}
	return nil
}

// medianFilter applies a centred median of up to taps points. Near the
// edges the window shrinks symmetrically instead of padding with zeros.
func medianFilter(x []float64, taps int) []float64 {
	half := taps / 2
	out := make([]float64, len(x))
	buf := make([]float64, 0, taps)
	for i := range x {
		h := min(half, i, len(x)-1-i)
		buf = append(buf[:0], x[i-h:i+h+1]...)
		out[i] = median(buf)
	}
	return out
}

// median sorts x in place.
func median(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	sort.Float64s(x)
	mid := len(x) / 2
	if len(x)%2 == 1 {
		return x[mid]
	}
	return (x[mid-1] + x[mid]) / 2
}
