package detect

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// smooth is a centered moving average of width w samples; the window shrinks at the edges.
func smooth(x []float64, w int) []float64 {
	if w < 1 {
		w = 1
	}
	h := w / 2
	prefix := make([]float64, len(x)+1)
	for i, v := range x {
		prefix[i+1] = prefix[i] + v
	}

	out := make([]float64, len(x))
	for i := range x {
		lo := max(0, i-h)
		hi := min(len(x), i+h+1)
		out[i] = (prefix[hi] - prefix[lo]) / float64(hi-lo)
	}
	return out
}

// highpass removes baseline wander by subtracting a 0.6 s moving average.
func highpass(x []float64, fs float64) []float64 {
	base := smooth(x, int(0.6*fs))
	out := make([]float64, len(x))
	for i := range x {
		out[i] = x[i] - base[i]
	}
	return out
}

// diff is the first difference, with out[0] = 0.
func diff(x []float64) []float64 {
	out := make([]float64, len(x))
	for i := 1; i < len(x); i++ {
		out[i] = x[i] - x[i-1]
	}
	return out
}

func mapped(x []float64, fn func(float64) float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = fn(v)
	}
	return out
}

func square(v float64) float64 { return v * v }

// convolve computes the same-length convolution of x with a symmetric kernel.
func convolve(x, kernel []float64) []float64 {
	h := len(kernel) / 2
	out := make([]float64, len(x))
	for i := range x {
		var s float64
		for j, k := range kernel {
			m := i + j - h
			if m >= 0 && m < len(x) {
				s += x[m] * k
			}
		}
		out[i] = s
	}
	return out
}

func quantile(x []float64, p float64) float64 {
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

func localMaxima(env []float64) []int {
	var out []int
	for i := 1; i < len(env)-1; i++ {
		if env[i] >= env[i-1] && env[i] > env[i+1] {
			out = append(out, i)
		}
	}
	return out
}

// fixedPeaks keeps local maxima above th, replacing a kept peak with a larger
// one found inside the refractory period.
func fixedPeaks(env []float64, th float64, refractory int) []int {
	var out []int
	for _, i := range localMaxima(env) {
		if env[i] <= th {
			continue
		}
		if n := len(out); n > 0 && i-out[n-1] < refractory {
			if env[i] > env[out[n-1]] {
				out[n-1] = i
			}
			continue
		}
		out = append(out, i)
	}
	return out
}

// refine moves every candidate to the largest absolute sample within radius.
func refine(x []float64, idx []int, radius int) []int {
	out := make([]int, 0, len(idx))
	for _, i := range idx {
		lo := max(0, i-radius)
		hi := min(len(x), i+radius+1)
		best := lo
		for k := lo; k < hi; k++ {
			if math.Abs(x[k]) > math.Abs(x[best]) {
				best = k
			}
		}
		if n := len(out); n > 0 && out[n-1] >= best {
			continue
		}
		out = append(out, best)
	}
	return out
}
