package corpus

import "math"

// runningStat is a Welford accumulator of mean and variance.
type runningStat struct {
	count int
	mean  float64
	m2    float64
}

func (s *runningStat) add(x float64) {
	s.count++
	delta := x - s.mean
	s.mean += delta / float64(s.count)
	delta2 := x - s.mean
	s.m2 += delta * delta2
}

func (s *runningStat) std() float64 {
	if s.count < 2 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(s.count-1))
}
