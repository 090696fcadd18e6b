package corpus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/hrvcorpus/internal/aggregate"
	"github.com/rewired-gh/hrvcorpus/internal/artifact"
	"github.com/rewired-gh/hrvcorpus/internal/detect"
	"github.com/rewired-gh/hrvcorpus/internal/interval"
	"github.com/rewired-gh/hrvcorpus/internal/models"
	"github.com/rewired-gh/hrvcorpus/internal/signal"
	"github.com/rewired-gh/hrvcorpus/internal/storage"
	"github.com/rewired-gh/hrvcorpus/internal/telegram"
)

const testFS = 256.0

type recordingNotifier struct {
	reports  []telegram.Report
	failures []string
	batches  int
	failed   int
}

func (n *recordingNotifier) SendReport(r telegram.Report) error {
	n.reports = append(n.reports, r)
	return nil
}

func (n *recordingNotifier) SendFailure(refFile string, _ error) error {
	n.failures = append(n.failures, refFile)
	return nil
}

func (n *recordingNotifier) SendBatchSummary(_ []telegram.Report, failed int) error {
	n.batches++
	n.failed = failed
	return nil
}

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(100, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestCodec(t *testing.T) *artifact.Codec {
	t.Helper()
	c, err := artifact.NewCodec(1)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func newTestAggregator(t *testing.T) *aggregate.Aggregator {
	t.Helper()
	agg, err := aggregate.New(aggregate.DefaultConfig(), nil, aggregate.DefaultLibrary())
	require.NoError(t, err)
	return agg
}

func simulatedWaveform(seconds float64) *signal.Waveform {
	n := int(seconds * testFS)
	ecg := signal.NewECGSim(testFS, 72, 0.02, signal.WithSeed(3)).Generate(n)
	return &signal.Waveform{
		Labels:       []string{"EEG FP1-REF", "EEG EKG1-REF"},
		Channels:     [][]float64{make([]float64, n), ecg},
		SamplingFreq: testFS,
	}
}

func annotations() models.AnnotationSet {
	return models.AnnotationSet{
		Background: []interval.Interval{{Start: 0, End: 100}},
		Seizure:    []interval.Interval{{Start: 100, End: 180}},
	}
}

func TestBuilder_Process(t *testing.T) {
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Compress = true

	b, err := New(store, newTestAggregator(t), newTestCodec(t), notifier, cfg)
	require.NoError(t, err)

	res, err := b.Process(context.Background(), Input{
		RefFile:       "sub/rec_01.csv",
		Waveform:      simulatedWaveform(180),
		StartDatetime: time.Date(2003, 5, 14, 10, 30, 0, 0, time.UTC),
		Annotations:   annotations(),
	})
	require.NoError(t, err)

	// detection
	assert.Len(t, res.Detection.Outputs, 4)
	q, err := store.GetQuality(res.Recording.ID)
	require.NoError(t, err)
	assert.False(t, q.Flagged)
	assert.GreaterOrEqual(t, q.Correlation, 0.9)
	assert.NotEmpty(t, q.BestPair)

	runs, err := store.GetDetectorRuns(res.Recording.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 4)
	pairs, err := store.GetPairs(res.Recording.ID)
	require.NoError(t, err)
	assert.Len(t, pairs, 6)

	// features
	require.NotNil(t, res.Table)
	assert.GreaterOrEqual(t, len(res.Table.Rows), 17)
	assert.Equal(t, models.Of(0), res.Table.Get(0, aggregate.Label))
	assert.Equal(t, models.Of(1), res.Table.Get(12, aggregate.Label))

	fs, err := store.GetFeatures(res.Recording.ID)
	require.NoError(t, err)
	assert.Len(t, fs.Rows, len(res.Table.Rows))

	_, labeled, err := store.ExportLabeled(cfg.MinCorrelation)
	require.NoError(t, err)
	assert.Equal(t, res.Table.Labeled(), len(labeled))

	// artifacts
	assert.Equal(t, "rec_01_ecg.json.zst", baseName(res.DetectionPath))
	assert.Equal(t, "rec_01_features.json.zst", baseName(res.FeaturesPath))
	var det artifact.Detection
	require.NoError(t, newTestCodec(t).ReadJSON(res.DetectionPath, &det))
	assert.Equal(t, detect.Names(), det.Detectors())
	assert.Equal(t, "2003/05/14 10:30:00", det.Infos.StartDatetime)
	var feats artifact.Features
	require.NoError(t, newTestCodec(t).ReadJSON(res.FeaturesPath, &feats))
	assert.Equal(t, aggregate.DefaultSchema().Keys(), feats.Keys)

	// notification
	require.Len(t, notifier.reports, 1)
	assert.Equal(t, res.Report, notifier.reports[0])
	assert.Empty(t, notifier.reports[0].FailedDetectors)

	b.Finish()
	assert.Equal(t, 1, notifier.batches)
	assert.Contains(t, b.Status(), "1 processed, 0 flagged, 0 failed")
}

func TestBuilder_ArtifactFailureStoresNothing(t *testing.T) {
	store := newTestStore(t)
	notifier := &recordingNotifier{}

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	cfg := DefaultConfig()
	cfg.OutputDir = filepath.Join(blocker, "out")

	b, err := New(store, newTestAggregator(t), newTestCodec(t), notifier, cfg)
	require.NoError(t, err)

	_, err = b.Process(context.Background(), Input{
		RefFile:     "rec_02.csv",
		Waveform:    simulatedWaveform(70),
		Annotations: annotations(),
	})
	require.Error(t, err)
	b.Fail("rec_02.csv", err)

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, storage.Stats{}, stats)
	_, rows, err := store.ExportLabeled(0)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Empty(t, notifier.reports)
	assert.Contains(t, b.Status(), "0 processed, 0 flagged, 1 failed")
}

func TestBuilder_StorageFailureRemovesArtifacts(t *testing.T) {
	store, err := storage.New(100, ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	b, err := New(store, newTestAggregator(t), newTestCodec(t), nil, cfg)
	require.NoError(t, err)

	_, err = b.Process(context.Background(), Input{
		RefFile:     "rec_03.csv",
		Waveform:    simulatedWaveform(70),
		Annotations: annotations(),
	})
	require.Error(t, err)

	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "artifacts of an unstored recording must be removed")
}

type fixedDetector struct {
	name   string
	offset int
}

func (d fixedDetector) Name() string { return d.name }

func (d fixedDetector) Detect(signal []float64, fs float64) ([]int, error) {
	var idx []int
	for i := d.offset; i < len(signal); i += int(fs) {
		idx = append(idx, i)
	}
	return idx, nil
}

func TestBuilder_LowAgreementIsFlagged(t *testing.T) {
	store := newTestStore(t)
	cfg := DefaultConfig()
	cfg.Specs = []detect.Spec{
		{Name: "a", Detector: fixedDetector{name: "a"}},
		{Name: "b", Detector: fixedDetector{name: "b", offset: 51}},
	}
	cfg.Detector = "a"

	b, err := New(store, newTestAggregator(t), nil, nil, cfg)
	require.NoError(t, err)

	res, err := b.Process(context.Background(), Input{
		RefFile:     "rec.csv",
		Waveform:    simulatedWaveform(40),
		Annotations: models.AnnotationSet{Background: []interval.Interval{{Start: 0, End: 40}}},
	})
	require.NoError(t, err)

	assert.True(t, res.Report.Flagged)
	assert.Equal(t, "a/b", res.Report.BestPair)
	assert.Zero(t, res.Report.BestCorrelation)
	assert.Empty(t, res.DetectionPath, "no codec means no artifacts")

	// rows are stored but kept out of the export
	st, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Flagged)
	assert.Positive(t, st.Rows)
	_, labeled, err := store.ExportLabeled(0)
	require.NoError(t, err)
	assert.Empty(t, labeled)
}

type silentDetector struct{}

func (silentDetector) Name() string { return "silent" }

func (silentDetector) Detect([]float64, float64) ([]int, error) {
	return nil, errors.New("no signal")
}

func TestBuilder_NoBeats(t *testing.T) {
	store := newTestStore(t)
	cfg := DefaultConfig()
	cfg.Specs = []detect.Spec{{Name: "silent", Detector: silentDetector{}}}
	cfg.Detector = "silent"

	b, err := New(store, newTestAggregator(t), nil, nil, cfg)
	require.NoError(t, err)

	res, err := b.Process(context.Background(), Input{RefFile: "rec.csv", Waveform: simulatedWaveform(10)})
	require.NoError(t, err)
	assert.Nil(t, res.Table)
	assert.True(t, res.Report.Flagged)
	assert.Equal(t, []string{"silent"}, res.Report.FailedDetectors)

	runs, err := store.GetDetectorRuns(res.Recording.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "no signal", runs[0].Error)
}

func TestBuilder_InputErrors(t *testing.T) {
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	b, err := New(store, newTestAggregator(t), nil, notifier, DefaultConfig())
	require.NoError(t, err)

	wf := simulatedWaveform(10)
	wf.Labels = []string{"EEG FP1-REF", "EEG FP2-REF"}
	_, err = b.Process(context.Background(), Input{RefFile: "noecg.csv", Waveform: wf})
	require.ErrorIs(t, err, signal.ErrChannelCount)
	b.Fail("noecg.csv", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Process(ctx, Input{RefFile: "rec.csv", Waveform: simulatedWaveform(10)})
	assert.ErrorIs(t, err, context.Canceled)

	st, err := store.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Recordings)

	assert.Equal(t, []string{"noecg.csv"}, notifier.failures)
	b.Finish()
	assert.Equal(t, 1, notifier.failed)
}

func TestNew_Validation(t *testing.T) {
	store := newTestStore(t)
	agg := newTestAggregator(t)

	cfg := DefaultConfig()
	cfg.Detector = "pantompkins"
	_, err := New(store, agg, nil, nil, cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Specs = []detect.Spec{{Name: "nope"}}
	_, err = New(store, agg, nil, nil, cfg)
	assert.ErrorIs(t, err, detect.ErrUnknownDetector)
}

func TestRunningStat(t *testing.T) {
	var s runningStat
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.add(x)
	}
	assert.InDelta(t, 5, s.mean, 1e-12)
	assert.InDelta(t, 2.138089935, s.std(), 1e-9)

	var one runningStat
	one.add(3)
	assert.Zero(t, one.std())
}

func baseName(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return info.Name()
}
