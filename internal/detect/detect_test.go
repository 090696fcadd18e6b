package detect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/hrvcorpus/internal/consensus"
	"github.com/rewired-gh/hrvcorpus/internal/models"
	"github.com/rewired-gh/hrvcorpus/internal/signal"
)

const testFS = 256.0

func simulate(t *testing.T, seconds float64) ([]float64, models.BeatSeries) {
	t.Helper()
	sim := signal.NewECGSim(testFS, 72, 0.02, signal.WithSeed(1))
	samples := sim.Generate(int(seconds * testFS))
	return samples, sim.Beats()
}

func TestDetectors_FindSimulatedBeats(t *testing.T) {
	samples, truth := simulate(t, 60)

	for _, spec := range DefaultSpecs() {
		t.Run(spec.Name, func(t *testing.T) {
			det, err := Lookup(spec.Name)
			require.NoError(t, err)

			idx, err := det.Detect(samples, testFS*spec.multiplier())
			require.NoError(t, err)

			beats := toSeconds(idx, testFS)
			score := consensus.Correlate(beats, truth, 1)
			assert.GreaterOrEqual(t, score.Correlation, 0.95, "detector %s found %d of %d beats", spec.Name, len(beats), len(truth))
		})
	}
}

func TestDetectors_ShortSignal(t *testing.T) {
	samples, _ := simulate(t, 1)
	for _, name := range Names() {
		det, err := Lookup(name)
		require.NoError(t, err)
		idx, err := det.Detect(samples, testFS)
		require.NoError(t, err, name)
		assert.Empty(t, idx, name)
	}
}

func TestDetectors_InvalidRate(t *testing.T) {
	for _, name := range Names() {
		det, _ := Lookup(name)
		_, err := det.Detect([]float64{0, 1, 0}, 0)
		assert.Error(t, err, name)
	}
}

func TestNamesAndLookup(t *testing.T) {
	assert.Equal(t, []string{"gqrs", "xqrs", "swt", "hamilton"}, Names())

	_, err := Lookup("pantompkins")
	assert.ErrorIs(t, err, ErrUnknownDetector)
}

func TestSpecsFor(t *testing.T) {
	specs := SpecsFor([]string{"gqrs", "xqrs"}, map[string]float64{"xqrs": 3})
	require.Len(t, specs, 2)
	assert.Equal(t, 2.0, specs[0].RateMultiplier)
	assert.Equal(t, 3.0, specs[1].RateMultiplier)

	assert.Equal(t, 1.0, Spec{Name: "x"}.multiplier())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(DefaultSpecs()))
	assert.Error(t, Validate(nil))
	assert.Error(t, Validate([]Spec{{Name: "gqrs"}, {Name: "gqrs"}}))
	assert.ErrorIs(t, Validate([]Spec{{Name: "nope"}}), ErrUnknownDetector)
}

type stubDetector struct {
	name string
	fn   func(signal []float64, fs float64) ([]int, error)
}

func (s stubDetector) Name() string { return s.name }

func (s stubDetector) Detect(signal []float64, fs float64) ([]int, error) {
	return s.fn(signal, fs)
}

func TestRun_FaultIsolation(t *testing.T) {
	samples, _ := simulate(t, 20)

	var seenRate float64
	specs := []Spec{
		{Name: "hamilton"},
		{Name: "broken", Detector: stubDetector{name: "broken", fn: func([]float64, float64) ([]int, error) {
			return nil, errors.New("boom")
		}}},
		{Name: "panicky", Detector: stubDetector{name: "panicky", fn: func([]float64, float64) ([]int, error) {
			panic("index out of range")
		}}},
		{Name: "fixed", RateMultiplier: 2, Detector: stubDetector{name: "fixed", fn: func(_ []float64, fs float64) ([]int, error) {
			seenRate = fs
			return []int{512, 256, 256, 768}, nil
		}}},
	}

	results, err := Run(context.Background(), samples, testFS, specs)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, "hamilton", results[0].Name)
	assert.NoError(t, results[0].Err)
	assert.NotEmpty(t, results[0].Output.QRS)

	for _, r := range results[1:3] {
		assert.Error(t, r.Err, r.Name)
		assert.Empty(t, r.Output.QRS, r.Name)
		assert.Empty(t, r.Output.RRIntervals, r.Name)
	}

	fixed := results[3]
	assert.Equal(t, 2*testFS, seenRate)
	// indices convert with the true rate, not the calibrated one
	assert.Equal(t, models.BeatSeries{1, 2, 3}, fixed.Output.QRS)
	assert.Equal(t, models.RRSeries{1000, 1000}, fixed.Output.RRIntervals)
	assert.Equal(t, []float64{60, 60}, fixed.Output.HR)
}

func TestRun_Errors(t *testing.T) {
	_, err := Run(context.Background(), []float64{0}, 0, DefaultSpecs())
	assert.Error(t, err)

	_, err = Run(context.Background(), []float64{0}, testFS, []Spec{{Name: "nope"}})
	assert.ErrorIs(t, err, ErrUnknownDetector)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, []float64{0}, testFS, DefaultSpecs())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHaarDetail(t *testing.T) {
	// a constant signal has no detail at any level
	d := haarDetail([]float64{3, 3, 3, 3, 3, 3, 3, 3}, 3)
	for _, v := range d {
		assert.Zero(t, v)
	}

	d = haarDetail([]float64{0, 2, 0, 2}, 1)
	assert.Equal(t, []float64{0, 1, -1, 1}, d)
}

func TestSmooth(t *testing.T) {
	got := smooth([]float64{0, 3, 6, 9}, 3)
	assert.InDeltaSlice(t, []float64{1.5, 3, 6, 7.5}, got, 1e-12)
}
