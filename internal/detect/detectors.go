package detect

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// minSeconds is the shortest signal a detector will look at.
const minSeconds = 2.0

func tooShort(signal []float64, fs float64) bool {
	return float64(len(signal)) < minSeconds*fs
}

// Hamilton is the Hamilton-Tompkins detector: a smoothed absolute derivative
// with a threshold adapting to the last eight QRS and noise peaks.
type Hamilton struct{}

func (Hamilton) Name() string { return "hamilton" }

func (Hamilton) Detect(signal []float64, fs float64) ([]int, error) {
	if err := checkRate(fs); err != nil {
		return nil, err
	}
	if tooShort(signal, fs) {
		return nil, nil
	}

	y := smooth(highpass(signal, fs), int(0.02*fs))
	env := smooth(mapped(diff(y), math.Abs), int(0.08*fs))
	peaks := adaptivePeaks(env, fs, int(0.2*fs), 0.3125)
	return refine(y, peaks, int(0.1*fs)), nil
}

// adaptivePeaks classifies every local maximum as QRS or noise and places the
// threshold at noise + ratio*(qrs - noise) over the running means.
func adaptivePeaks(env []float64, fs float64, refractory int, ratio float64) []int {
	learn := env[:int(minSeconds*fs)]
	qrs := []float64{floats.Max(learn)}
	noise := []float64{stat.Mean(learn, nil)}
	th := noise[0] + ratio*(qrs[0]-noise[0])

	push := func(buf []float64, v float64) []float64 {
		buf = append(buf, v)
		if len(buf) > 8 {
			buf = buf[1:]
		}
		return buf
	}

	var out []int
	for _, i := range localMaxima(env) {
		if n := len(out); n > 0 && i-out[n-1] < refractory {
			continue
		}
		if env[i] > th {
			out = append(out, i)
			qrs = push(qrs, env[i])
		} else {
			noise = push(noise, env[i])
		}
		mq, mn := stat.Mean(qrs, nil), stat.Mean(noise, nil)
		th = mn + ratio*(mq-mn)
	}
	return out
}

// GQRS integrates the squared derivative over 150 ms and keeps peaks above a
// fixed fraction of the 98th percentile of the integrated energy.
type GQRS struct{}

func (GQRS) Name() string { return "gqrs" }

func (GQRS) Detect(signal []float64, fs float64) ([]int, error) {
	if err := checkRate(fs); err != nil {
		return nil, err
	}
	if tooShort(signal, fs) {
		return nil, nil
	}

	y := highpass(signal, fs)
	env := smooth(mapped(diff(y), square), int(0.15*fs))
	peaks := fixedPeaks(env, 0.3*quantile(env, 0.98), int(0.25*fs))
	return refine(y, peaks, int(0.1*fs)), nil
}

// XQRS matches the signal against a Ricker wavelet and learns its threshold
// from the per-second maxima of the first eight seconds.
type XQRS struct{}

func (XQRS) Name() string { return "xqrs" }

func (XQRS) Detect(signal []float64, fs float64) ([]int, error) {
	if err := checkRate(fs); err != nil {
		return nil, err
	}
	if tooShort(signal, fs) {
		return nil, nil
	}

	y := highpass(signal, fs)
	env := mapped(convolve(y, ricker(fs, 0.012)), func(v float64) float64 { return math.Max(v, 0) })

	second := int(fs)
	learn := env[:min(len(env), int(8*fs))]
	var maxima []float64
	for s := 0; s+second <= len(learn); s += second {
		maxima = append(maxima, floats.Max(learn[s:s+second]))
	}
	th := 0.4 * quantile(maxima, 0.5)

	peaks := fixedPeaks(env, th, int(0.2*fs))
	return refine(y, peaks, int(0.05*fs)), nil
}

// ricker samples a Mexican hat wavelet of width sigma seconds over ±4 sigma.
func ricker(fs, sigma float64) []float64 {
	h := int(4 * sigma * fs)
	out := make([]float64, 0, 2*h+1)
	for k := -h; k <= h; k++ {
		t := float64(k) / fs
		z := t / sigma
		out = append(out, (1-z*z)*math.Exp(-t*t/(2*sigma*sigma)))
	}
	return out
}

// SWT decomposes the signal with an undecimated Haar transform and detects
// beats on the energy of the detail band closest to 10 Hz.
type SWT struct{}

func (SWT) Name() string { return "swt" }

func (SWT) Detect(signal []float64, fs float64) ([]int, error) {
	if err := checkRate(fs); err != nil {
		return nil, err
	}
	if tooShort(signal, fs) {
		return nil, nil
	}

	level := max(1, int(math.Round(math.Log2(fs/20))))
	detail := haarDetail(signal, level)
	env := smooth(mapped(detail, square), int(0.1*fs))
	peaks := fixedPeaks(env, 0.25*quantile(env, 0.99), int(0.25*fs))
	return refine(highpass(signal, fs), peaks, int(0.1*fs)), nil
}

// haarDetail runs the à trous Haar filter bank down to level and returns that
// level's detail coefficients.
func haarDetail(x []float64, level int) []float64 {
	approx := append([]float64(nil), x...)
	var detail []float64
	for j := 1; j <= level; j++ {
		step := 1 << (j - 1)
		next := make([]float64, len(approx))
		detail = make([]float64, len(approx))
		for n := range approx {
			prev := approx[0]
			if n >= step {
				prev = approx[n-step]
			}
			next[n] = (approx[n] + prev) / 2
			detail[n] = (approx[n] - prev) / 2
		}
		approx = next
	}
	return detail
}
