package models

import (
	"encoding/json"
	"math"

	"github.com/rewired-gh/hrvcorpus/internal/interval"
)

// BeatSeries is an ordered sequence of beat times in seconds.
type BeatSeries []float64

// RR returns consecutive beat differences in milliseconds.
func (b BeatSeries) RR() RRSeries {
	if len(b) < 2 {
		return RRSeries{}
	}
	rr := make(RRSeries, len(b)-1)
	for i := range rr {
		rr[i] = (b[i+1] - b[i]) * 1000
	}
	return rr
}

// Monotonic reports whether beat times never decrease.
func (b BeatSeries) Monotonic() bool {
	for i := 1; i < len(b); i++ {
		if b[i] < b[i-1] {
			return false
		}
	}
	return true
}

// RRSeries is an ordered sequence of inter-beat intervals in milliseconds.
type RRSeries []float64

// HR converts each interval to an integral beats-per-minute value.
func (rr RRSeries) HR() []float64 {
	hr := make([]float64, len(rr))
	for i, v := range rr {
		if v <= 0 {
			hr[i] = 0
			continue
		}
		hr[i] = math.Trunc(60 * 1000 / v)
	}
	return hr
}

// Timestamps returns the cumulative sum of the intervals, in milliseconds.
func (rr RRSeries) Timestamps() []float64 {
	ts := make([]float64, len(rr))
	var acc float64
	for i, v := range rr {
		acc += v
		ts[i] = acc
	}
	return ts
}

// AnnotationSet holds the background and seizure ranges of one recording.
type AnnotationSet struct {
	Background []interval.Interval
	Seizure    []interval.Interval
}

type annotationJSON struct {
	Background [][2]float64 `json:"background"`
	Seizure    [][2]float64 `json:"seizure"`
}

func toPairs(ivs []interval.Interval) [][2]float64 {
	out := make([][2]float64, len(ivs))
	for i, iv := range ivs {
		out[i] = [2]float64{iv.Start, iv.End}
	}
	return out
}

func fromPairs(pairs [][2]float64) []interval.Interval {
	out := make([]interval.Interval, len(pairs))
	for i, p := range pairs {
		out[i] = interval.Interval{Start: p[0], End: p[1]}
	}
	return out
}

// MarshalJSON writes the {"background": [[s,e],...], "seizure": [...]} form.
func (a AnnotationSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(annotationJSON{
		Background: toPairs(a.Background),
		Seizure:    toPairs(a.Seizure),
	})
}

// UnmarshalJSON reads the {"background": [[s,e],...], "seizure": [...]} form.
func (a *AnnotationSet) UnmarshalJSON(data []byte) error {
	var raw annotationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Background = fromPairs(raw.Background)
	a.Seizure = fromPairs(raw.Seizure)
	return nil
}

// Value is a feature slot that is either computed or explicitly unset.
type Value struct {
	V   float64
	Set bool
}

// Unset is the empty feature slot.
var Unset = Value{}

// Of wraps v, treating non-finite numbers as unset.
func Of(v float64) Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Unset
	}
	return Value{V: v, Set: true}
}

// Float returns the value, or NaN when unset.
func (v Value) Float() float64 {
	if !v.Set {
		return math.NaN()
	}
	return v.V
}

// MarshalJSON encodes unset slots as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Set {
		return []byte("null"), nil
	}
	return json.Marshal(v.V)
}

// UnmarshalJSON decodes null as unset.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Unset
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Of(f)
	return nil
}
