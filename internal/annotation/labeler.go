// Package annotation turns clinical background/seizure annotations into per-window labels.
package annotation

import (
	"time"

	"github.com/rewired-gh/hrvcorpus/internal/interval"
	"github.com/rewired-gh/hrvcorpus/internal/models"
)

// DefaultMinCoverage is the annotated fraction below which a window has no label.
const DefaultMinCoverage = 0.9

// Labeler assigns a seizure fraction to fixed-size windows.
type Labeler struct {
	ann         models.AnnotationSet
	window      float64
	minCoverage float64
}

// NewLabeler creates a labeler for windows of the given size.
func NewLabeler(ann models.AnnotationSet, window time.Duration, minCoverage float64) *Labeler {
	return &Labeler{
		ann:         ann,
		window:      window.Seconds(),
		minCoverage: minCoverage,
	}
}

// Span returns the time range in seconds of window index.
func (l *Labeler) Span(index int) interval.Interval {
	start := float64(index) * l.window
	return interval.Interval{Start: start, End: start + l.window}
}

// Overlap returns the seconds of window index annotated as background and as seizure.
func (l *Labeler) Overlap(index int) (background, seizure float64) {
	span := []interval.Interval{l.Span(index)}
	background = interval.Duration(interval.Intersect(span, l.ann.Background))
	seizure = interval.Duration(interval.Intersect(span, l.ann.Seizure))
	return background, seizure
}

// Label returns the seizure fraction of window index, or an unset value
// when less than the minimum coverage of the window is annotated.
func (l *Labeler) Label(index int) models.Value {
	background, seizure := l.Overlap(index)
	if (background+seizure)/l.window < l.minCoverage {
		return models.Unset
	}
	return models.Of(seizure / l.window)
}
