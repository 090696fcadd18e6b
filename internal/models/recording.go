// Package models defines the core domain entities: recordings, beat series, annotations and feature values.
package models

import (
	"errors"
	"time"
)

// Recording describes one waveform recording entering the corpus.
type Recording struct {
	ID            string    `json:"id"`
	RefFile       string    `json:"ref_file"`
	SamplingFreq  float64   `json:"sampling_freq"`
	StartDatetime time.Time `json:"start_datetime"`
	ExamDuration  float64   `json:"exam_duration"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks recording field constraints.
func (r *Recording) Validate() error {
	if r.ID == "" {
		return errors.New("recording ID must not be empty")
	}
	if r.RefFile == "" {
		return errors.New("reference file must not be empty")
	}
	if r.SamplingFreq <= 0 {
		return errors.New("sampling frequency must be positive")
	}
	if r.ExamDuration < 0 {
		return errors.New("exam duration must not be negative")
	}
	return nil
}

// DetectorOutput holds one detector's beats for a recording.
type DetectorOutput struct {
	QRS         BeatSeries `json:"qrs"`
	RRIntervals RRSeries   `json:"rr_intervals"`
	HR          []float64  `json:"hr"`
}

// NewDetectorOutput derives RR intervals and heart rate from beat times.
func NewDetectorOutput(beats BeatSeries) DetectorOutput {
	rr := beats.RR()
	return DetectorOutput{
		QRS:         beats,
		RRIntervals: rr,
		HR:          rr.HR(),
	}
}

// PairScore is the agreement between two detectors' beat series.
type PairScore struct {
	Correlation          float64 `json:"correlation"`
	MatchingBeats        int     `json:"matching_beats"`
	MissingBeatsDuration float64 `json:"missing_beats_duration"`
}

// IdentityScore is the diagonal entry of a consensus matrix.
var IdentityScore = PairScore{Correlation: 1, MatchingBeats: 1, MissingBeatsDuration: 1}
