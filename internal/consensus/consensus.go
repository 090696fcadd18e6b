// Package consensus cross-validates beat series from independent QRS detectors.
package consensus

import (
	"math"
	"time"

	"github.com/rewired-gh/hrvcorpus/internal/models"
)

// Params holds the matching tolerances.
type Params struct {
	// Tolerance is the largest offset at which two beats count as the same beat.
	Tolerance time.Duration
	// MaxBeatGap is the longest plausible single beat (33 bpm at 1800ms).
	// Longer stretches without a beat in either series are reported as missing.
	MaxBeatGap time.Duration
}

// DefaultParams returns a 50ms tolerance and a 1800ms longest beat.
func DefaultParams() Params {
	return Params{
		Tolerance:  50 * time.Millisecond,
		MaxBeatGap: 1800 * time.Millisecond,
	}
}

// Correlate scores s1 against s2 using DefaultParams.
func Correlate(s1, s2 models.BeatSeries, samplingRate float64) models.PairScore {
	return DefaultParams().Correlate(s1, s2, samplingRate)
}

// Correlate matches the beats of two sorted series expressed in frames of
// 1/samplingRate seconds; pass 1 for series already in seconds. A
// non-positive rate is taken as 1. Either series empty means a failed
// detector and yields the zero score.
func (p Params) Correlate(s1, s2 models.BeatSeries, samplingRate float64) models.PairScore {
	if len(s1) == 0 || len(s2) == 0 {
		return models.PairScore{}
	}
	if samplingRate <= 0 {
		samplingRate = 1
	}
	frame := 1 / samplingRate
	tolerance := p.Tolerance.Seconds() / frame
	maxGap := p.MaxBeatGap.Seconds() / frame

	var (
		i, j     int
		matches  int
		missing  float64
		previous = math.Min(s1[0], s2[0])
	)
	for i < len(s1) && j < len(s2) {
		current := math.Min(s1[i], s2[j])
		if current-previous > maxGap {
			missing += current - previous
		}

		if math.Abs(s2[j]-s1[i]) < tolerance {
			matches++
			i++
			j++
		} else if current == s1[i] {
			i++
		} else {
			j++
		}
		previous = current
	}

	dice := 2 * float64(matches) / float64(len(s1)+len(s2))
	return models.PairScore{
		Correlation:          math.RoundToEven(dice*100) / 100,
		MatchingBeats:        matches,
		MissingBeatsDuration: missing * frame,
	}
}
