package consensus

import (
	"github.com/rewired-gh/hrvcorpus/internal/models"
)

// Pair is one off-diagonal matrix entry.
type Pair struct {
	A, B  string
	Score models.PairScore
}

// Matrix is the symmetric pairwise agreement between detectors of one recording.
type Matrix struct {
	names  []string
	index  map[string]int
	scores [][]models.PairScore
}

// BuildMatrix scores every pair of named series, which must be in seconds.
// Names missing from series are scored as failed detectors.
func (p Params) BuildMatrix(names []string, series map[string]models.BeatSeries) *Matrix {
	n := len(names)
	m := &Matrix{
		names:  append([]string(nil), names...),
		index:  make(map[string]int, n),
		scores: make([][]models.PairScore, n),
	}
	for i, name := range names {
		m.index[name] = i
		m.scores[i] = make([]models.PairScore, n)
		m.scores[i][i] = models.IdentityScore
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := p.Correlate(series[names[i]], series[names[j]], 1)
			m.scores[i][j] = s
			m.scores[j][i] = s
		}
	}
	return m
}

// Names returns the detector order of the matrix.
func (m *Matrix) Names() []string {
	return append([]string(nil), m.names...)
}

// Score returns the entry for a and b.
func (m *Matrix) Score(a, b string) (models.PairScore, bool) {
	i, ok := m.index[a]
	if !ok {
		return models.PairScore{}, false
	}
	j, ok := m.index[b]
	if !ok {
		return models.PairScore{}, false
	}
	return m.scores[i][j], true
}

// Pairs lists the C(n,2) off-diagonal entries in detector order.
func (m *Matrix) Pairs() []Pair {
	var pairs []Pair
	for i := range m.names {
		for j := i + 1; j < len(m.names); j++ {
			pairs = append(pairs, Pair{A: m.names[i], B: m.names[j], Score: m.scores[i][j]})
		}
	}
	return pairs
}

// Best returns the most correlated pair, or false with fewer than two detectors.
func (m *Matrix) Best() (Pair, bool) {
	pairs := m.Pairs()
	if len(pairs) == 0 {
		return Pair{}, false
	}
	best := pairs[0]
	for _, p := range pairs[1:] {
		if p.Score.Correlation > best.Score.Correlation {
			best = p
		}
	}
	return best, true
}

// Table is the three parallel detector-keyed rows of the detection artifact.
type Table struct {
	Corrcoefs            map[string][]float64 `json:"corrcoefs"`
	MatchingFrames       map[string][]float64 `json:"matching_frames"`
	MissingBeatsDuration map[string][]float64 `json:"missing_beats_duration"`
}

// Table renders the matrix as rows keyed by detector name.
func (m *Matrix) Table() Table {
	t := Table{
		Corrcoefs:            make(map[string][]float64, len(m.names)),
		MatchingFrames:       make(map[string][]float64, len(m.names)),
		MissingBeatsDuration: make(map[string][]float64, len(m.names)),
	}
	for i, name := range m.names {
		corr := make([]float64, len(m.names))
		match := make([]float64, len(m.names))
		missing := make([]float64, len(m.names))
		for j, s := range m.scores[i] {
			corr[j] = s.Correlation
			match[j] = float64(s.MatchingBeats)
			missing[j] = s.MissingBeatsDuration
		}
		t.Corrcoefs[name] = corr
		t.MatchingFrames[name] = match
		t.MissingBeatsDuration[name] = missing
	}
	return t
}
