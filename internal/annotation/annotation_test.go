package annotation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/hrvcorpus/internal/interval"
	"github.com/rewired-gh/hrvcorpus/internal/models"
)

func TestLabeler_CoverageThreshold(t *testing.T) {
	seizureOnly := models.AnnotationSet{
		Seizure: []interval.Interval{{Start: 5, End: 10}},
	}
	l := NewLabeler(seizureOnly, 10*time.Second, DefaultMinCoverage)
	assert.False(t, l.Label(0).Set, "half-annotated window must stay unlabeled")

	full := models.AnnotationSet{
		Background: []interval.Interval{{Start: 0, End: 5}},
		Seizure:    []interval.Interval{{Start: 5, End: 10}},
	}
	l = NewLabeler(full, 10*time.Second, DefaultMinCoverage)
	label := l.Label(0)
	require.True(t, label.Set)
	assert.InDelta(t, 0.5, label.V, 1e-12)
}

func TestLabeler_Windows(t *testing.T) {
	ann := models.AnnotationSet{
		Background: []interval.Interval{{Start: 0, End: 23}, {Start: 41, End: 100}},
		Seizure:    []interval.Interval{{Start: 23, End: 41}},
	}
	l := NewLabeler(ann, 10*time.Second, DefaultMinCoverage)

	tests := []struct {
		index int
		want  float64
	}{
		{0, 0},
		{1, 0},
		{2, 0.7},
		{3, 1},
		{4, 0.1},
		{5, 0},
	}
	for _, tt := range tests {
		got := l.Label(tt.index)
		require.True(t, got.Set, "window %d", tt.index)
		assert.InDelta(t, tt.want, got.V, 1e-9, "window %d", tt.index)
	}

	assert.False(t, l.Label(10).Set, "window past the annotations has no coverage")

	bg, sz := l.Overlap(2)
	assert.InDelta(t, 3, bg, 1e-9)
	assert.InDelta(t, 7, sz, 1e-9)
	assert.Equal(t, interval.Interval{Start: 20, End: 30}, l.Span(2))
}

func TestLabeler_NinetyPercentBoundary(t *testing.T) {
	ann := models.AnnotationSet{
		Background: []interval.Interval{{Start: 1, End: 10}},
	}
	l := NewLabeler(ann, 10*time.Second, DefaultMinCoverage)
	got := l.Label(0)
	require.True(t, got.Set, "exactly 90%% coverage is labeled")
	assert.Zero(t, got.V)
}

func TestParseTSE(t *testing.T) {
	input := `version = tse_v1.0.0

0.0000 36.8868 bckg 1.0000
36.8868 183.3055 seiz 1.0000
183.3055 1371.0000 bckg 1.0000
`
	ann, err := ParseTSE(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{
		{Start: 0, End: 36.8868},
		{Start: 183.3055, End: 1371},
	}, ann.Background)
	assert.Equal(t, []interval.Interval{{Start: 36.8868, End: 183.3055}}, ann.Seizure)
}

func TestParseTSE_Errors(t *testing.T) {
	_, err := ParseTSE(strings.NewReader("abc 10 seiz 1.0\n"))
	assert.Error(t, err)

	_, err = ParseTSE(strings.NewReader("10 5 bckg 1.0\n"))
	assert.Error(t, err, "end before start")

	ann, err := ParseTSE(strings.NewReader("0 10 artf 1.0\n"))
	require.NoError(t, err)
	assert.Empty(t, ann.Background)
	assert.Empty(t, ann.Seizure)
}

func TestNormalizeAndValidate(t *testing.T) {
	ann := models.AnnotationSet{
		Seizure: []interval.Interval{{Start: 30, End: 40}, {Start: 10, End: 20}, {Start: 15, End: 25}},
	}
	norm := Normalize(ann)
	assert.Equal(t, []interval.Interval{{Start: 10, End: 25}, {Start: 30, End: 40}}, norm.Seizure)
	assert.Nil(t, norm.Background)
	assert.NoError(t, Validate(norm))

	bad := models.AnnotationSet{Background: []interval.Interval{{Start: 5, End: 1}}}
	assert.Error(t, Validate(bad))
}
