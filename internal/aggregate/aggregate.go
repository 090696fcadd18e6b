// Package aggregate slides short, medium and long windows over an RR series
// and assembles one labeled HRV feature row per short window.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/hrvcorpus/internal/annotation"
	"github.com/rewired-gh/hrvcorpus/internal/hrv"
	"github.com/rewired-gh/hrvcorpus/internal/logger"
	"github.com/rewired-gh/hrvcorpus/internal/models"
)

var (
	// ErrNoRR is returned for an empty RR series.
	ErrNoRR = errors.New("RR series is empty")
	// ErrEmptyWindow marks a window containing no RR interval.
	ErrEmptyWindow = errors.New("no RR intervals in window")
	// ErrStageTimeout marks a stage that exceeded the per-window time budget.
	ErrStageTimeout = errors.New("window time budget exceeded")
)

// FeatureFunc computes named features over a cleaned NN sequence.
type FeatureFunc func(nn []float64) (map[string]float64, error)

// CleanFunc turns raw RR intervals into an NN sequence of the same length.
type CleanFunc func(rr []float64) ([]float64, error)

// Library bundles the feature computations used by each stage.
type Library struct {
	Clean           CleanFunc
	TimeDomain      FeatureFunc
	Nonlinear       FeatureFunc
	FrequencyDomain FeatureFunc
}

// DefaultLibrary wires the hrv package.
func DefaultLibrary() Library {
	return Library{
		Clean:           hrv.Clean,
		TimeDomain:      hrv.TimeDomain,
		Nonlinear:       Combine(hrv.CSICVI, hrv.SampleEntropy, hrv.Poincare),
		FrequencyDomain: hrv.FrequencyDomain,
	}
}

// Combine merges the output of several feature functions, failing on the first error.
func Combine(fns ...FeatureFunc) FeatureFunc {
	return func(nn []float64) (map[string]float64, error) {
		out := make(map[string]float64)
		for _, fn := range fns {
			values, err := fn(nn)
			if err != nil {
				return nil, err
			}
			for k, v := range values {
				out[k] = v
			}
		}
		return out, nil
	}
}

// Config sets the window sizes and how windows are scheduled.
type Config struct {
	ShortWindow  time.Duration
	MediumWindow time.Duration
	LongWindow   time.Duration
	MinCoverage  float64
	// Workers bounds the number of windows processed concurrently; 0 uses GOMAXPROCS.
	Workers int
	// WindowTimeout bounds the wall-clock time of one window; 0 disables it.
	WindowTimeout time.Duration
}

// DefaultConfig returns 10s, 60s and 150s windows computed sequentially.
func DefaultConfig() Config {
	return Config{
		ShortWindow:   10 * time.Second,
		MediumWindow:  60 * time.Second,
		LongWindow:    150 * time.Second,
		MinCoverage:   annotation.DefaultMinCoverage,
		Workers:       1,
		WindowTimeout: 30 * time.Second,
	}
}

// Validate checks window sizes: positive and multiples of the short window.
func (c Config) Validate() error {
	if c.ShortWindow <= 0 {
		return fmt.Errorf("short window must be positive")
	}
	if c.MediumWindow < c.ShortWindow || c.MediumWindow%c.ShortWindow != 0 {
		return fmt.Errorf("medium window must be a multiple of the short window")
	}
	if c.LongWindow < c.ShortWindow || c.LongWindow%c.ShortWindow != 0 {
		return fmt.Errorf("long window must be a multiple of the short window")
	}
	if c.MinCoverage < 0 || c.MinCoverage > 1 {
		return fmt.Errorf("min coverage must be between 0 and 1")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	return nil
}

// Aggregator produces feature tables. It holds no per-run state and is safe
// for concurrent use.
type Aggregator struct {
	cfg    Config
	schema *Schema
	lib    Library
}

// New validates cfg and builds an aggregator. A nil schema means DefaultSchema.
func New(cfg Config, schema *Schema, lib Library) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid aggregator config: %w", err)
	}
	if schema == nil {
		schema = DefaultSchema()
	}
	return &Aggregator{cfg: cfg, schema: schema, lib: lib}, nil
}

// Schema returns the column layout of every table the aggregator produces.
func (a *Aggregator) Schema() *Schema {
	return a.schema
}

// series is the read-only input shared by all windows of one run.
type series struct {
	rr models.RRSeries
	ts []float64 // cumulative ms
}

// between returns the RR values whose timestamp lies in [start, end).
func (s series) between(start, end float64) []float64 {
	lo := sort.SearchFloat64s(s.ts, start)
	hi := sort.SearchFloat64s(s.ts, end)
	return s.rr[lo:hi]
}

// Aggregate returns one row per short window covering the recording. The row
// count is floor(duration/short)+1 where duration is the last RR timestamp
// plus the last RR interval. Stage failures are confined to their row; only
// an empty input or a cancelled context fails the whole run.
func (a *Aggregator) Aggregate(ctx context.Context, rr models.RRSeries, ann models.AnnotationSet) (*Table, error) {
	if len(rr) == 0 {
		return nil, ErrNoRR
	}
	in := series{rr: rr, ts: rr.Timestamps()}
	duration := in.ts[len(in.ts)-1] + rr[len(rr)-1]
	n := int(duration/ms(a.cfg.ShortWindow)) + 1

	labeler := annotation.NewLabeler(ann, a.cfg.ShortWindow, a.cfg.MinCoverage)
	rows := make([]Row, n)

	workers := a.cfg.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			row, err := a.window(gctx, i, in, labeler)
			if err != nil {
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	table := &Table{Schema: a.schema, Rows: rows}
	if failed := table.Failures(); len(failed) > 0 {
		logger.Debug("Aggregated %d windows with %d stage failures", n, len(failed))
	}
	return table, nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// window computes every stage of short window i.
func (a *Aggregator) window(ctx context.Context, i int, in series, labeler *annotation.Labeler) (Row, error) {
	row := newRow(a.schema, i)
	short := ms(a.cfg.ShortWindow)
	start := float64(i) * short
	a.set(&row, IntervalIndex, float64(i))
	a.set(&row, IntervalStartTime, start)

	wctx := ctx
	if a.cfg.WindowTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, a.cfg.WindowTimeout)
		defer cancel()
	}

	a.runStage(wctx, &row, StageLabel, func() (map[string]float64, error) {
		label := labeler.Label(i)
		if !label.Set {
			return nil, nil
		}
		return map[string]float64{Label: label.V}, nil
	})

	a.runStage(wctx, &row, StageShort, func() (map[string]float64, error) {
		return a.features(in.between(start, start+short), a.lib.TimeDomain)
	})

	medium := ms(a.cfg.MediumWindow)
	if start > medium {
		from := start - medium
		a.runStage(wctx, &row, StageMedium, func() (map[string]float64, error) {
			return a.features(in.between(from, from+medium), a.lib.Nonlinear)
		})
	} else {
		row.Stages = append(row.Stages, StageResult{Stage: StageMedium, Skipped: true})
	}

	long := ms(a.cfg.LongWindow)
	if start > long {
		from := start - long
		a.runStage(wctx, &row, StageLong, func() (map[string]float64, error) {
			return a.features(in.between(from, from+long), a.lib.FrequencyDomain)
		})
	} else {
		row.Stages = append(row.Stages, StageResult{Stage: StageLong, Skipped: true})
	}

	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	return row, nil
}

func (a *Aggregator) features(rr []float64, fn FeatureFunc) (map[string]float64, error) {
	if len(rr) == 0 {
		return nil, ErrEmptyWindow
	}
	nn, err := a.lib.Clean(rr)
	if err != nil {
		return nil, fmt.Errorf("cleaning failed: %w", err)
	}
	return fn(nn)
}

// runStage records the outcome of one stage. On success the stage's values
// are written to the slots it owns; names outside the schema or owned by
// another stage are dropped. On failure none of the stage's slots are set.
func (a *Aggregator) runStage(ctx context.Context, row *Row, stage Stage, fn func() (map[string]float64, error)) {
	result := StageResult{Stage: stage}
	values, err := guard(ctx, fn)
	if err != nil {
		result.Err = err
		if errors.Is(err, ErrEmptyWindow) {
			logger.Debug("Interval %d - no data for %s features", row.Index, stage)
		} else {
			logger.Warn("Interval %d - computation issue on %s features: %v", row.Index, stage, err)
		}
		row.Stages = append(row.Stages, result)
		return
	}

	for name, v := range values {
		owner, ok := a.schema.StageOf(name)
		if !ok || owner != stage {
			continue
		}
		a.set(row, name, v)
	}
	row.Stages = append(row.Stages, result)
}

func (a *Aggregator) set(row *Row, name string, v float64) {
	if i, ok := a.schema.Index(name); ok {
		row.Values[i] = models.Of(v)
	}
}

// guard runs fn, converting panics into errors and giving up once ctx is done.
// A stage abandoned on timeout keeps running in the background until it
// returns; its result is discarded.
func guard(ctx context.Context, fn func() (map[string]float64, error)) (map[string]float64, error) {
	type outcome struct {
		values map[string]float64
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		values, err := fn()
		done <- outcome{values: values, err: err}
	}()

	select {
	case o := <-done:
		return o.values, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrStageTimeout
		}
		return nil, ctx.Err()
	}
}
