package hrv

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Time-domain feature names.
const (
	MeanNNI   = "mean_nni"
	SDNN      = "sdnn"
	SDSD      = "sdsd"
	NNI50     = "nni_50"
	PNNI50    = "pnni_50"
	NNI20     = "nni_20"
	PNNI20    = "pnni_20"
	RMSSD     = "rmssd"
	MedianNNI = "median_nni"
	RangeNNI  = "range_nni"
	CVSD      = "cvsd"
	CVNNI     = "cvnni"
	MeanHR    = "mean_hr"
	MaxHR     = "max_hr"
	MinHR     = "min_hr"
	StdHR     = "std_hr"
)

// TimeDomain computes statistics of the NN intervals (ms) and of the derived
// heart rate. Features undefined for very short inputs come back as NaN.
func TimeDomain(nn []float64) (map[string]float64, error) {
	if len(nn) == 0 {
		return nil, ErrTooShort
	}
	diff := successiveDiffs(nn)

	var nni50, nni20 float64
	var sumSq float64
	for _, d := range diff {
		ad := math.Abs(d)
		if ad > 50 {
			nni50++
		}
		if ad > 20 {
			nni20++
		}
		sumSq += d * d
	}

	rmssd := math.NaN()
	sdsd := math.NaN()
	if len(diff) > 0 {
		rmssd = math.Sqrt(sumSq / float64(len(diff)))
		sdsd = math.Sqrt(stat.PopVariance(diff, nil))
	}

	mean := stat.Mean(nn, nil)
	sdnn := stat.StdDev(nn, nil)

	hr := make([]float64, len(nn))
	for i, v := range nn {
		hr[i] = 60000 / v
	}

	sorted := append([]float64(nil), nn...)
	n := float64(len(nn))
	return map[string]float64{
		MeanNNI:   mean,
		SDNN:      sdnn,
		SDSD:      sdsd,
		NNI50:     nni50,
		PNNI50:    100 * nni50 / n,
		NNI20:     nni20,
		PNNI20:    100 * nni20 / n,
		RMSSD:     rmssd,
		MedianNNI: median(sorted),
		RangeNNI:  floats.Max(nn) - floats.Min(nn),
		CVSD:      rmssd / mean,
		CVNNI:     sdnn / mean,
		MeanHR:    stat.Mean(hr, nil),
		MaxHR:     floats.Max(hr),
		MinHR:     floats.Min(hr),
		StdHR:     stat.StdDev(hr, nil),
	}, nil
}

func successiveDiffs(x []float64) []float64 {
	if len(x) < 2 {
		return nil
	}
	d := make([]float64, len(x)-1)
	for i := range d {
		d[i] = x[i+1] - x[i]
	}
	return d
}
