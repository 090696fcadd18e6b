package signal

import (
	"math"
	"math/rand/v2"
)

// rPhase is where the R wave peaks inside one cardiac cycle.
const rPhase = 0.32

// ECGSim generates a non-clinical ECG-like waveform at fs Hz: a slow baseline,
// gaussian P/QRS/T waves and uniform noise. The heart rate oscillates around
// HR by Depth bpm at ModFreq Hz so the beat series carries some variability.
type ECGSim struct {
	fs      float64
	hr      float64
	depth   float64
	modFreq float64
	noise   float64

	rng   *rand.Rand
	phase float64
	t     float64
	beats []float64
}

// SimOption tunes an ECGSim.
type SimOption func(*ECGSim)

// WithModulation sets the heart rate oscillation depth (bpm) and frequency (Hz).
func WithModulation(depth, freq float64) SimOption {
	return func(s *ECGSim) {
		s.depth = depth
		s.modFreq = freq
	}
}

// WithSeed makes the noise sequence reproducible for a given seed.
func WithSeed(seed uint64) SimOption {
	return func(s *ECGSim) {
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// NewECGSim fs is typically 250-512, hrBPM 60-120, noise 0.0-0.05.
func NewECGSim(fs, hrBPM, noise float64, opts ...SimOption) *ECGSim {
	s := &ECGSim{
		fs:      fs,
		hr:      hrBPM,
		depth:   8,
		modFreq: 0.1,
		noise:   noise,
	}
	WithSeed(1)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next returns the next sample and advances time by one sample period.
func (s *ECGSim) Next() float64 {
	bpm := s.hr + s.depth*math.Sin(2*math.Pi*s.modFreq*s.t)
	prev := s.phase
	s.phase += bpm / 60.0 / s.fs
	if s.phase >= 1.0 {
		s.phase -= 1.0
	}
	if prev < rPhase && s.phase >= rPhase {
		s.beats = append(s.beats, s.t)
	}

	p := s.phase
	baseline := 0.05 * math.Sin(2*math.Pi*0.33*s.t)
	v := baseline +
		0.08*gauss(p, 0.18, 0.03) -
		0.12*gauss(p, 0.30, 0.01) +
		1.00*gauss(p, rPhase, 0.008) -
		0.25*gauss(p, 0.35, 0.012) +
		0.25*gauss(p, 0.60, 0.06)
	v += s.noise * (2*s.rng.Float64() - 1)

	s.t += 1 / s.fs
	return v
}

// Generate returns the next n samples.
func (s *ECGSim) Generate(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = s.Next()
	}
	return out
}

// Beats returns the times (seconds) of every R peak generated so far.
func (s *ECGSim) Beats() []float64 {
	return append([]float64(nil), s.beats...)
}

func gauss(x, mu, sigma float64) float64 {
	z := (x - mu) / sigma
	return math.Exp(-0.5 * z * z)
}
