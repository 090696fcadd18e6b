package hrv

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Non-linear feature names.
const (
	CSI         = "csi"
	CVI         = "cvi"
	ModifiedCSI = "Modified_csi"
	SampEn      = "sampen"
	SD1         = "sd1"
	SD2         = "sd2"
	RatioSD2SD1 = "ratio_sd2_sd1"
)

func poincareAxes(nn []float64) (sd1, sd2 float64, err error) {
	if len(nn) < 3 {
		return 0, 0, ErrTooShort
	}
	diffVar := stat.Variance(successiveDiffs(nn), nil)
	sd1 = math.Sqrt(0.5 * diffVar)
	sd2 = math.Sqrt(2*stat.Variance(nn, nil) - 0.5*diffVar)
	return sd1, sd2, nil
}

// Poincare returns the short- and long-term axes of the Poincaré plot.
func Poincare(nn []float64) (map[string]float64, error) {
	sd1, sd2, err := poincareAxes(nn)
	if err != nil {
		return nil, err
	}
	return map[string]float64{
		SD1:         sd1,
		SD2:         sd2,
		RatioSD2SD1: sd2 / sd1,
	}, nil
}

// CSICVI returns the cardiac sympathetic and vagal indices.
func CSICVI(nn []float64) (map[string]float64, error) {
	sd1, sd2, err := poincareAxes(nn)
	if err != nil {
		return nil, err
	}
	t := 4 * sd1
	l := 4 * sd2
	return map[string]float64{
		CSI:         l / t,
		CVI:         math.Log10(l * t),
		ModifiedCSI: l * l / t,
	}, nil
}

// SampleEntropy computes sample entropy with embedding dimension 2 and a
// tolerance of 0.2 times the population standard deviation. The result is
// not finite when no template pair matches.
func SampleEntropy(nn []float64) (map[string]float64, error) {
	const dim = 2
	if len(nn) < dim+2 {
		return nil, ErrTooShort
	}
	tolerance := 0.2 * math.Sqrt(stat.PopVariance(nn, nil))

	templates := len(nn) - dim
	var shorter, longer float64
	for i := 0; i < templates-1; i++ {
		for j := i + 1; j < templates; j++ {
			d := chebyshev(nn[i:i+dim], nn[j:j+dim])
			if d > tolerance {
				continue
			}
			shorter++
			if math.Max(d, math.Abs(nn[i+dim]-nn[j+dim])) <= tolerance {
				longer++
			}
		}
	}
	return map[string]float64{SampEn: -math.Log(longer / shorter)}, nil
}

func chebyshev(a, b []float64) float64 {
	var d float64
	for i := range a {
		d = math.Max(d, math.Abs(a[i]-b[i]))
	}
	return d
}
