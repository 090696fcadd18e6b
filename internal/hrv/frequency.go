package hrv

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"
)

// Frequency-domain feature names.
const (
	LF         = "lf"
	HF         = "hf"
	VLF        = "vlf"
	LFHFRatio  = "lf_hf_ratio"
	LFnu       = "lfnu"
	HFnu       = "hfnu"
	TotalPower = "total_power"
)

// Band is a half-open frequency range in Hz.
type Band struct {
	Low, High float64
}

// SpectralParams configures Welch power spectral density estimation.
type SpectralParams struct {
	SamplingFreq float64 // resampling rate of the NN series, Hz
	Segment      int
	NFFT         int
	VLF, LF, HF  Band
}

// DefaultSpectralParams resamples at 4 Hz and runs 256 point Welch segments padded to 4096.
func DefaultSpectralParams() SpectralParams {
	return SpectralParams{
		SamplingFreq: 4,
		Segment:      256,
		NFFT:         4096,
		VLF:          Band{0.0033, 0.04},
		LF:           Band{0.04, 0.15},
		HF:           Band{0.15, 0.40},
	}
}

// FrequencyDomain runs the default spectral analysis.
func FrequencyDomain(nn []float64) (map[string]float64, error) {
	return DefaultSpectralParams().FrequencyDomain(nn)
}

// FrequencyDomain resamples the NN series onto a regular grid and integrates
// its Welch spectrum over the VLF, LF and HF bands.
func (p SpectralParams) FrequencyDomain(nn []float64) (map[string]float64, error) {
	x, err := p.resample(nn)
	if err != nil {
		return nil, err
	}
	mean := stat.Mean(x, nil)
	for i := range x {
		x[i] -= mean
	}

	freqs, psd := p.welch(x)
	vlf := bandPower(freqs, psd, p.VLF)
	lf := bandPower(freqs, psd, p.LF)
	hf := bandPower(freqs, psd, p.HF)

	return map[string]float64{
		LF:         lf,
		HF:         hf,
		VLF:        vlf,
		LFHFRatio:  lf / hf,
		LFnu:       lf / (lf + hf) * 100,
		HFnu:       hf / (lf + hf) * 100,
		TotalPower: vlf + lf + hf,
	}, nil
}

// resample linearly interpolates the NN values, placed at their cumulative
// times relative to the first beat, at SamplingFreq.
func (p SpectralParams) resample(nn []float64) ([]float64, error) {
	if len(nn) < 3 {
		return nil, ErrTooShort
	}
	ts := make([]float64, len(nn))
	var acc float64
	for i, v := range nn {
		acc += v
		ts[i] = (acc - nn[0]) / 1000
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(ts, nn); err != nil {
		return nil, fmt.Errorf("failed to fit NN series: %w", err)
	}

	step := 1 / p.SamplingFreq
	n := int(math.Ceil(ts[len(ts)-1] / step))
	if n < 2 {
		return nil, ErrTooShort
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = pl.Predict(float64(i) * step)
	}
	return out, nil
}

// welch returns the one-sided power spectral density of x using Hann
// windowed segments with 50% overlap, each zero padded to NFFT points.
func (p SpectralParams) welch(x []float64) (freqs, psd []float64) {
	seg := min(p.Segment, len(x))
	nfft := max(p.NFFT, seg)
	step := seg - seg/2

	window := make([]float64, seg)
	var scale float64
	for k := range window {
		window[k] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(k)/float64(seg))
		scale += window[k] * window[k]
	}
	scale *= p.SamplingFreq

	fft := fourier.NewFFT(nfft)
	bins := nfft/2 + 1
	psd = make([]float64, bins)
	buf := make([]float64, nfft)
	var coeffs []complex128
	segments := 0
	for start := 0; start+seg <= len(x); start += step {
		chunk := x[start : start+seg]
		mean := stat.Mean(chunk, nil)
		for k := range buf {
			buf[k] = 0
		}
		for k, v := range chunk {
			buf[k] = (v - mean) * window[k]
		}
		coeffs = fft.Coefficients(coeffs, buf)
		for k, c := range coeffs {
			power := (real(c)*real(c) + imag(c)*imag(c)) / scale
			if k != 0 && !(nfft%2 == 0 && k == bins-1) {
				power *= 2
			}
			psd[k] += power
		}
		segments++
	}
	for k := range psd {
		psd[k] /= float64(segments)
	}

	freqs = make([]float64, bins)
	for k := range freqs {
		freqs[k] = float64(k) * p.SamplingFreq / float64(nfft)
	}
	return freqs, psd
}

// bandPower integrates psd over b with the trapezoidal rule.
func bandPower(freqs, psd []float64, b Band) float64 {
	var total float64
	prev := -1
	for k, f := range freqs {
		if f < b.Low || f >= b.High {
			continue
		}
		if prev >= 0 {
			total += (f - freqs[prev]) * (psd[k] + psd[prev]) / 2
		}
		prev = k
	}
	return total
}
