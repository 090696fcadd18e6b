// Package corpus turns waveform recordings into labeled feature rows: it runs
// the detectors, scores their agreement, aggregates windowed features and
// persists everything.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/rewired-gh/hrvcorpus/internal/aggregate"
	"github.com/rewired-gh/hrvcorpus/internal/artifact"
	"github.com/rewired-gh/hrvcorpus/internal/consensus"
	"github.com/rewired-gh/hrvcorpus/internal/detect"
	"github.com/rewired-gh/hrvcorpus/internal/logger"
	"github.com/rewired-gh/hrvcorpus/internal/models"
	"github.com/rewired-gh/hrvcorpus/internal/signal"
	"github.com/rewired-gh/hrvcorpus/internal/storage"
	"github.com/rewired-gh/hrvcorpus/internal/telegram"
)

// Config selects detectors, the feature detector and where artifacts go.
type Config struct {
	Specs     []detect.Spec
	Consensus consensus.Params
	// Detector is the detector whose RR series feeds feature aggregation.
	Detector string
	// MinCorrelation flags recordings whose best detector pair agrees less.
	MinCorrelation float64
	OutputDir      string
	Compress       bool
}

// DefaultConfig runs every detector and takes features from gqrs.
func DefaultConfig() Config {
	return Config{
		Specs:          detect.DefaultSpecs(),
		Consensus:      consensus.DefaultParams(),
		Detector:       "gqrs",
		MinCorrelation: 0.8,
	}
}

// Notifier receives build outcomes. *telegram.Client implements it.
type Notifier interface {
	SendReport(r telegram.Report) error
	SendFailure(refFile string, err error) error
	SendBatchSummary(reports []telegram.Report, failed int) error
}

// Input is one recording to process.
type Input struct {
	RefFile       string
	Waveform      *signal.Waveform
	StartDatetime time.Time
	Annotations   models.AnnotationSet
}

// Result is everything derived from one recording.
type Result struct {
	Recording     *models.Recording
	Detection     *artifact.Detection
	Matrix        *consensus.Matrix
	Table         *aggregate.Table
	Report        telegram.Report
	DetectionPath string
	FeaturesPath  string
}

// Builder processes recordings one after the other and keeps batch totals.
type Builder struct {
	store    *storage.Storage
	agg      *aggregate.Aggregator
	codec    *artifact.Codec
	notifier Notifier
	config   Config

	mu          sync.Mutex
	reports     []telegram.Report
	failed      int
	correlation runningStat
}

// New creates a builder. codec may be nil to skip artifact files and
// notifier may be nil to stay silent.
func New(s *storage.Storage, agg *aggregate.Aggregator, codec *artifact.Codec, notifier Notifier, config Config) (*Builder, error) {
	if err := detect.Validate(config.Specs); err != nil {
		return nil, fmt.Errorf("invalid detectors: %w", err)
	}
	found := false
	for _, spec := range config.Specs {
		if spec.Name == config.Detector {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("feature detector %q is not among the selected detectors", config.Detector)
	}
	return &Builder{
		store:    s,
		agg:      agg,
		codec:    codec,
		notifier: notifier,
		config:   config,
	}, nil
}

// NewRecording describes a waveform entering the corpus under a fresh ID.
func NewRecording(refFile string, wf *signal.Waveform, startDatetime time.Time) (*models.Recording, error) {
	rec := &models.Recording{
		ID:            uuid.New().String(),
		RefFile:       filepath.Base(refFile),
		SamplingFreq:  wf.SamplingFreq,
		StartDatetime: startDatetime,
		ExamDuration:  wf.Duration(),
		CreatedAt:     time.Now(),
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recording: %w", err)
	}
	return rec, nil
}

func specNames(specs []detect.Spec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// Detect runs every configured detector over ecg and scores their agreement.
func (c Config) Detect(ctx context.Context, rec *models.Recording, ecg []float64) (*artifact.Detection, *consensus.Matrix, []detect.Result, error) {
	results, err := detect.Run(ctx, ecg, rec.SamplingFreq, c.Specs)
	if err != nil {
		return nil, nil, nil, err
	}

	names := specNames(c.Specs)
	outputs := make(map[string]models.DetectorOutput, len(results))
	series := make(map[string]models.BeatSeries, len(results))
	for _, r := range results {
		outputs[r.Name] = r.Output
		series[r.Name] = r.Output.QRS
	}
	matrix := c.Consensus.BuildMatrix(names, series)

	det := &artifact.Detection{
		Infos:   artifact.InfosFor(rec, names),
		Outputs: outputs,
		Score:   matrix.Table(),
	}
	return det, matrix, results, nil
}

// Process runs the whole pipeline on one recording. Only input errors, a
// cancelled context and storage failures are returned; detector and window
// failures are recorded and reported.
func (b *Builder) Process(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()

	label, ecg, err := in.Waveform.ECG()
	if err != nil {
		return nil, err
	}
	logger.Debug("Using channel %q of %s", label, in.RefFile)

	rec, err := NewRecording(in.RefFile, in.Waveform, in.StartDatetime)
	if err != nil {
		return nil, err
	}

	det, matrix, results, err := b.config.Detect(ctx, rec, ecg)
	if err != nil {
		return nil, err
	}

	quality := storage.Quality{}
	if best, ok := matrix.Best(); ok {
		quality.BestPair = best.A + "/" + best.B
		quality.Correlation = best.Score.Correlation
	}
	quality.Flagged = quality.Correlation < b.config.MinCorrelation
	if quality.Flagged {
		logger.Warn("Low detector agreement on %s: best pair %q at %.2f", in.RefFile, quality.BestPair, quality.Correlation)
	}

	rr, err := det.RR(b.config.Detector)
	if err != nil {
		return nil, err
	}
	table, err := b.agg.Aggregate(ctx, rr, in.Annotations)
	switch {
	case errors.Is(err, aggregate.ErrNoRR):
		logger.Warn("Detector %s found no RR intervals in %s, skipping features", b.config.Detector, in.RefFile)
		quality.Flagged = true
		table = nil
	case err != nil:
		return nil, fmt.Errorf("failed to aggregate features: %w", err)
	}

	res := &Result{
		Recording: rec,
		Detection: det,
		Matrix:    matrix,
		Table:     table,
	}
	if err := b.writeArtifacts(res); err != nil {
		removeArtifacts(res)
		return nil, err
	}
	if err := b.persist(rec, results, matrix, quality, table); err != nil {
		removeArtifacts(res)
		return nil, err
	}

	res.Report = telegram.Report{
		RefFile:         rec.RefFile,
		Detector:        b.config.Detector,
		BestPair:        quality.BestPair,
		BestCorrelation: quality.Correlation,
		Flagged:         quality.Flagged,
		Elapsed:         time.Since(start),
	}
	for _, r := range results {
		if r.Err != nil || len(r.Output.QRS) == 0 {
			res.Report.FailedDetectors = append(res.Report.FailedDetectors, r.Name)
		}
	}
	if table != nil {
		res.Report.Rows = len(table.Rows)
		res.Report.Labeled = table.Labeled()
		res.Report.StageFailures = len(table.Failures())
	}

	b.mu.Lock()
	b.reports = append(b.reports, res.Report)
	b.correlation.add(quality.Correlation)
	b.mu.Unlock()

	logger.Info("Processed %s: %d rows (%d labeled), best pair %s at %.2f in %v",
		in.RefFile, res.Report.Rows, res.Report.Labeled, quality.BestPair, quality.Correlation, res.Report.Elapsed)

	if b.notifier != nil {
		if err := b.notifier.SendReport(res.Report); err != nil {
			logger.Warn("Failed to send report for %s: %v", in.RefFile, err)
		}
	}
	return res, nil
}

// persist stores everything derived from rec in one transaction.
func (b *Builder) persist(rec *models.Recording, results []detect.Result, matrix *consensus.Matrix, quality storage.Quality, table *aggregate.Table) error {
	runs := make([]storage.DetectorRun, len(results))
	for i, r := range results {
		runs[i] = storage.DetectorRun{
			ID:        uuid.New().String(),
			Detector:  r.Name,
			Beats:     len(r.Output.QRS),
			MeanHR:    meanOf(r.Output.HR),
			Elapsed:   r.Elapsed,
			CreatedAt: rec.CreatedAt,
		}
		if r.Err != nil {
			runs[i].Error = r.Err.Error()
		}
	}
	err := b.store.SaveBuild(storage.Build{
		Recording: rec,
		Runs:      runs,
		Pairs:     matrix.Pairs(),
		Quality:   quality,
		Table:     table,
	})
	if err != nil {
		return fmt.Errorf("failed to store recording: %w", err)
	}
	return nil
}

func (b *Builder) writeArtifacts(res *Result) error {
	if b.codec == nil || b.config.OutputDir == "" {
		return nil
	}
	ref := filepath.Base(res.Recording.RefFile)
	base := strings.TrimSuffix(ref, filepath.Ext(ref))

	res.DetectionPath = artifact.Name(b.config.OutputDir, base, "_ecg", b.config.Compress)
	if err := b.codec.WriteJSON(res.DetectionPath, res.Detection); err != nil {
		return err
	}
	if res.Table == nil {
		return nil
	}
	res.FeaturesPath = artifact.Name(b.config.OutputDir, base, "_features", b.config.Compress)
	return b.codec.WriteJSON(res.FeaturesPath, res.Table)
}

// removeArtifacts deletes the files written for a recording that could not
// be stored.
func removeArtifacts(res *Result) {
	for _, path := range []string{res.DetectionPath, res.FeaturesPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Failed to remove %s: %v", path, err)
		}
	}
}

// Fail records a recording that could not be processed.
func (b *Builder) Fail(refFile string, err error) {
	b.mu.Lock()
	b.failed++
	b.mu.Unlock()

	logger.Error("Recording %s failed: %v", refFile, err)
	if b.notifier != nil {
		if sendErr := b.notifier.SendFailure(refFile, err); sendErr != nil {
			logger.Warn("Failed to send failure notification: %v", sendErr)
		}
	}
}

// Finish reports the batch totals.
func (b *Builder) Finish() {
	b.mu.Lock()
	reports := append([]telegram.Report(nil), b.reports...)
	failed := b.failed
	b.mu.Unlock()

	logger.Info("Batch finished: %s", b.Status())
	if b.notifier != nil {
		if err := b.notifier.SendBatchSummary(reports, failed); err != nil {
			logger.Warn("Failed to send batch summary: %v", err)
		}
	}
}

// Status describes batch progress in one line.
func (b *Builder) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var flagged, rows int
	for _, r := range b.reports {
		rows += r.Rows
		if r.Flagged {
			flagged++
		}
	}
	return fmt.Sprintf("%d processed, %d flagged, %d failed, %d rows, agreement %.2f ± %.2f",
		len(b.reports), flagged, b.failed, rows, b.correlation.mean, b.correlation.std())
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}
