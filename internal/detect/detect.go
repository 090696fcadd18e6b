// Package detect locates heartbeats in an ECG channel with several
// independent QRS detectors.
package detect

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/hrvcorpus/internal/logger"
	"github.com/rewired-gh/hrvcorpus/internal/models"
)

// ErrUnknownDetector is returned for names missing from the registry.
var ErrUnknownDetector = errors.New("unknown detector")

// Detector returns the sample indices of the R peaks it finds in signal.
type Detector interface {
	Name() string
	Detect(signal []float64, fs float64) ([]int, error)
}

var registry = []Detector{GQRS{}, XQRS{}, SWT{}, Hamilton{}}

// defaultRateMultipliers are calibration constants: gqrs and swt are tuned for
// a signal sampled twice as fast as the one they receive.
var defaultRateMultipliers = map[string]float64{
	"gqrs": 2,
	"swt":  2,
}

// Names lists the registered detectors in their canonical order.
func Names() []string {
	out := make([]string, len(registry))
	for i, d := range registry {
		out[i] = d.Name()
	}
	return out
}

// Lookup returns the registered detector called name.
func Lookup(name string) (Detector, error) {
	for _, d := range registry {
		if d.Name() == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownDetector, name, strings.Join(Names(), ", "))
}

// Spec selects a detector and the multiplier applied to the sampling rate it is given.
type Spec struct {
	Name           string
	RateMultiplier float64
	// Detector overrides the registry lookup when set.
	Detector Detector
}

// DefaultSpecs returns a spec for every registered detector with its default multiplier.
func DefaultSpecs() []Spec {
	return SpecsFor(Names(), nil)
}

// SpecsFor builds specs for names, taking multipliers from overrides and then from the defaults.
func SpecsFor(names []string, overrides map[string]float64) []Spec {
	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		mult, ok := overrides[name]
		if !ok {
			mult = defaultRateMultipliers[name]
		}
		specs = append(specs, Spec{Name: name, RateMultiplier: mult})
	}
	return specs
}

func (s Spec) resolve() (Detector, error) {
	if s.Detector != nil {
		return s.Detector, nil
	}
	return Lookup(s.Name)
}

func (s Spec) multiplier() float64 {
	if s.RateMultiplier <= 0 {
		return 1
	}
	return s.RateMultiplier
}

// Result is one detector's outcome. A failed detector carries Err and an empty output.
type Result struct {
	Name    string
	Output  models.DetectorOutput
	Err     error
	Elapsed time.Duration
}

// Validate checks that every spec names a known detector exactly once.
func Validate(specs []Spec) error {
	if len(specs) == 0 {
		return errors.New("no detectors selected")
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if seen[s.Name] {
			return fmt.Errorf("detector %q selected twice", s.Name)
		}
		seen[s.Name] = true
		if _, err := s.resolve(); err != nil {
			return err
		}
	}
	return nil
}

// Run executes every detector on signal concurrently. A detector that errors
// or panics yields an empty beat series; Run itself only fails on invalid
// specs or a cancelled context. Results keep the order of specs.
func Run(ctx context.Context, signal []float64, fs float64, specs []Spec) ([]Result, error) {
	if err := checkRate(fs); err != nil {
		return nil, err
	}
	if err := Validate(specs); err != nil {
		return nil, err
	}

	results := make([]Result, len(specs))
	g, ctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = runOne(spec, signal, fs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func runOne(spec Spec, signal []float64, fs float64) (res Result) {
	res.Name = spec.Name
	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
	}()

	det, _ := spec.resolve()
	idx, err := safeDetect(det, signal, fs*spec.multiplier())
	if err != nil {
		logger.Warn("Detector %s failed: %v", spec.Name, err)
		res.Err = err
		res.Output = models.NewDetectorOutput(models.BeatSeries{})
		return res
	}

	res.Output = models.NewDetectorOutput(toSeconds(idx, fs))
	logger.Debug("Detector %s found %d beats", spec.Name, len(res.Output.QRS))
	return res
}

func safeDetect(det Detector, signal []float64, fs float64) (idx []int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.Debug("Detector %s stack: %s", det.Name(), debug.Stack())
		}
	}()
	return det.Detect(signal, fs)
}

// toSeconds converts sample indices to a sorted, duplicate-free beat series.
func toSeconds(idx []int, fs float64) models.BeatSeries {
	sorted := append([]int(nil), idx...)
	sort.Ints(sorted)
	beats := make(models.BeatSeries, 0, len(sorted))
	for i, v := range sorted {
		if v < 0 || (i > 0 && v == sorted[i-1]) {
			continue
		}
		beats = append(beats, float64(v)/fs)
	}
	return beats
}

func checkRate(fs float64) error {
	if fs <= 0 {
		return fmt.Errorf("invalid sampling frequency %v", fs)
	}
	return nil
}
