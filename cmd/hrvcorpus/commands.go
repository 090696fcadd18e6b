package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rewired-gh/hrvcorpus/internal/aggregate"
	"github.com/rewired-gh/hrvcorpus/internal/annotation"
	"github.com/rewired-gh/hrvcorpus/internal/artifact"
	"github.com/rewired-gh/hrvcorpus/internal/config"
	"github.com/rewired-gh/hrvcorpus/internal/corpus"
	"github.com/rewired-gh/hrvcorpus/internal/interval"
	"github.com/rewired-gh/hrvcorpus/internal/logger"
	"github.com/rewired-gh/hrvcorpus/internal/models"
	"github.com/rewired-gh/hrvcorpus/internal/signal"
	"github.com/rewired-gh/hrvcorpus/internal/storage"
	"github.com/rewired-gh/hrvcorpus/internal/telegram"
)

const tseExt = ".tse_bi"

func newCodec(cfg *config.Config) (*artifact.Codec, error) {
	codec, err := artifact.NewCodec(cfg.Output.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize codec: %w", err)
	}
	return codec, nil
}

func required(fs *flag.FlagSet, values map[string]string) error {
	for name, v := range values {
		if v == "" {
			fs.Usage()
			return fmt.Errorf("-%s is required", name)
		}
	}
	return nil
}

func readWaveform(path string, fs float64) (*signal.Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open waveform: %w", err)
	}
	defer f.Close()

	wf, err := signal.ReadCSV(f, fs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return wf, nil
}

// loadAnnotations reads a .tse_bi term file or an annotation artifact.
func loadAnnotations(codec *artifact.Codec, path string) (models.AnnotationSet, error) {
	var ann models.AnnotationSet
	if strings.HasSuffix(path, tseExt) {
		f, err := os.Open(path)
		if err != nil {
			return ann, fmt.Errorf("failed to open annotations: %w", err)
		}
		defer f.Close()
		if ann, err = annotation.ParseTSE(f); err != nil {
			return ann, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		ann = annotation.Normalize(ann)
	} else if err := codec.ReadJSON(path, &ann); err != nil {
		return ann, err
	}
	if err := annotation.Validate(ann); err != nil {
		return ann, fmt.Errorf("invalid annotations in %s: %w", path, err)
	}
	return ann, nil
}

// findAnnotations looks next to a waveform for rec.tse_bi, then
// rec_annotations.json and its compressed form.
func findAnnotations(waveformPath string) (string, bool) {
	base := strings.TrimSuffix(waveformPath, filepath.Ext(waveformPath))
	for _, candidate := range []string{
		base + tseExt,
		base + "_annotations" + artifact.ExtJSON,
		base + "_annotations" + artifact.ExtZstd,
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

func parseStart(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(artifact.DatetimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start datetime %q (want %s): %w", value, artifact.DatetimeLayout, err)
	}
	return t, nil
}

func runAnnotations(_ context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("annotations", flag.ExitOnError)
	in := fs.String("i", "", "Input .tse_bi file")
	out := fs.String("o", "", "Output annotation file (.json or .json.zst)")
	fs.Parse(args)

	if err := required(fs, map[string]string{"i": *in, "o": *out}); err != nil {
		return err
	}
	if err := artifact.CheckPath(*out); err != nil {
		return err
	}

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	defer codec.Close()

	ann, err := loadAnnotations(codec, *in)
	if err != nil {
		return err
	}
	if err := codec.WriteJSON(*out, ann); err != nil {
		return err
	}
	logger.Info("Wrote %d background and %d seizure intervals to %s",
		len(ann.Background), len(ann.Seizure), *out)
	return nil
}

func runDetect(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	in := fs.String("i", "", "Input waveform CSV")
	out := fs.String("o", "", "Output detection file (.json or .json.zst)")
	rate := fs.Float64("fs", cfg.Corpus.SamplingFreq, "Sampling frequency in Hz")
	start := fs.String("start", "", "Recording start ("+artifact.DatetimeLayout+")")
	fs.Parse(args)

	if err := required(fs, map[string]string{"i": *in, "o": *out}); err != nil {
		return err
	}
	if err := artifact.CheckPath(*out); err != nil {
		return err
	}
	startTime, err := parseStart(*start)
	if err != nil {
		return err
	}

	wf, err := readWaveform(*in, *rate)
	if err != nil {
		return err
	}
	label, ecg, err := wf.ECG()
	if err != nil {
		return err
	}
	logger.Debug("Using channel %s (%d samples, %.1fs)", label, len(ecg), wf.Duration())

	rec, err := corpus.NewRecording(*in, wf, startTime)
	if err != nil {
		return err
	}

	cc := corpus.DefaultConfig()
	cc.Specs = cfg.DetectorSpecs()
	cc.Consensus = cfg.ConsensusParams()
	det, matrix, _, err := cc.Detect(ctx, rec, ecg)
	if err != nil {
		return err
	}

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	defer codec.Close()
	if err := codec.WriteJSON(*out, det); err != nil {
		return err
	}

	if best, ok := matrix.Best(); ok {
		logger.Info("Wrote %s (best pair %s/%s at %.2f)", *out, best.A, best.B, best.Score.Correlation)
	} else {
		logger.Info("Wrote %s", *out)
	}
	return nil
}

func runFeatures(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("features", flag.ExitOnError)
	in := fs.String("i", "", "Input detection file")
	annPath := fs.String("a", "", "Annotation file (.tse_bi, .json or .json.zst)")
	out := fs.String("o", "", "Output features file (.json or .json.zst)")
	detector := fs.String("q", cfg.Features.Detector, "Detector whose RR intervals are used")
	fs.Parse(args)

	if err := required(fs, map[string]string{"i": *in, "a": *annPath, "o": *out}); err != nil {
		return err
	}
	if err := artifact.CheckPath(*out); err != nil {
		return err
	}

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	defer codec.Close()

	var det artifact.Detection
	if err := codec.ReadJSON(*in, &det); err != nil {
		return err
	}
	rr, err := det.RR(*detector)
	if err != nil {
		return err
	}
	ann, err := loadAnnotations(codec, *annPath)
	if err != nil {
		return err
	}

	agg, err := aggregate.New(cfg.AggregateConfig(), aggregate.DefaultSchema(), cfg.FeatureLibrary())
	if err != nil {
		return err
	}
	table, err := agg.Aggregate(ctx, rr, ann)
	if err != nil {
		return err
	}
	if err := codec.WriteJSON(*out, table); err != nil {
		return err
	}
	logger.Info("Wrote %d rows (%d labeled, %d stage failures) to %s",
		len(table.Rows), table.Labeled(), len(table.Failures()), *out)
	return nil
}

func runBuild(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	rate := fs.Float64("fs", cfg.Corpus.SamplingFreq, "Sampling frequency in Hz of every input")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: build [-fs hz] waveform.csv...\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no waveform files given")
	}

	store, err := storage.New(cfg.Storage.MaxRecordings, cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	defer codec.Close()

	agg, err := aggregate.New(cfg.AggregateConfig(), aggregate.DefaultSchema(), cfg.FeatureLibrary())
	if err != nil {
		return err
	}

	var notifier corpus.Notifier
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelay)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		notifier = telegramClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	b, err := corpus.New(store, agg, codec, notifier, corpus.Config{
		Specs:          cfg.DetectorSpecs(),
		Consensus:      cfg.ConsensusParams(),
		Detector:       cfg.Features.Detector,
		MinCorrelation: cfg.Corpus.MinCorrelation,
		OutputDir:      cfg.Output.Dir,
		Compress:       cfg.Output.Compress,
	})
	if err != nil {
		return err
	}

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx, b.Status)
	}

	logger.Info("Building corpus from %d recordings (detectors: %v, features from %s)",
		fs.NArg(), cfg.Detection.Detectors, cfg.Features.Detector)

	for _, path := range fs.Args() {
		if ctx.Err() != nil {
			break
		}
		if err := buildOne(ctx, b, codec, path, *rate); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			b.Fail(filepath.Base(path), err)
		}
	}

	if err := store.RotateRecordings(); err != nil {
		logger.Warn("Failed to rotate recordings: %v", err)
	}
	b.Finish()

	if stats, err := store.Stats(); err == nil {
		logger.Info("Corpus holds %d recordings (%d flagged), %d rows (%d labeled)",
			stats.Recordings, stats.Flagged, stats.Rows, stats.Labeled)
	}
	return ctx.Err()
}

func buildOne(ctx context.Context, b *corpus.Builder, codec *artifact.Codec, path string, fs float64) error {
	wf, err := readWaveform(path, fs)
	if err != nil {
		return err
	}

	var ann models.AnnotationSet
	if annPath, ok := findAnnotations(path); ok {
		if ann, err = loadAnnotations(codec, annPath); err != nil {
			return err
		}
	} else {
		logger.Warn("No annotations found for %s, rows will be unlabeled", path)
	}

	_, err = b.Process(ctx, corpus.Input{
		RefFile:     path,
		Waveform:    wf,
		Annotations: ann,
	})
	return err
}

func runSimulate(_ context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	out := fs.String("o", "", "Output waveform CSV")
	rate := fs.Float64("fs", cfg.Corpus.SamplingFreq, "Sampling frequency in Hz")
	duration := fs.Duration("d", 5*time.Minute, "Recording length")
	hr := fs.Float64("hr", 70, "Mean heart rate in bpm")
	noise := fs.Float64("noise", 0.02, "Gaussian noise amplitude")
	seed := fs.Uint64("seed", 1, "Random seed")
	seizureStart := fs.Duration("seizure-start", 2*time.Minute, "Seizure onset")
	seizureLen := fs.Duration("seizure-len", 40*time.Second, "Seizure length, 0 for none")
	fs.Parse(args)

	if err := required(fs, map[string]string{"o": *out}); err != nil {
		return err
	}
	if *rate <= 0 || *duration <= 0 {
		return errors.New("sampling frequency and duration must be positive")
	}

	sim := signal.NewECGSim(*rate, *hr, *noise, signal.WithSeed(*seed))
	n := int(duration.Seconds() * *rate)
	wf := &signal.Waveform{
		Labels:       []string{"EEG FP1-REF", "EKG1-REF"},
		Channels:     [][]float64{make([]float64, n), sim.Generate(n)},
		SamplingFreq: *rate,
	}

	f, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", *out, err)
	}
	if err := signal.WriteCSV(f, wf); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", *out, err)
	}

	ann := simulatedAnnotations(duration.Seconds(), seizureStart.Seconds(), seizureLen.Seconds())
	annPath := strings.TrimSuffix(*out, filepath.Ext(*out)) + "_annotations" + artifact.ExtJSON
	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	defer codec.Close()
	if err := codec.WriteJSON(annPath, ann); err != nil {
		return err
	}

	logger.Info("Wrote %d samples (%d beats) to %s and annotations to %s", n, len(sim.Beats()), *out, annPath)
	return nil
}

// simulatedAnnotations marks [start, start+length) as seizure and the rest
// of [0, total] as background.
func simulatedAnnotations(total, start, length float64) models.AnnotationSet {
	end := min(start+length, total)
	if length <= 0 || start >= total {
		return models.AnnotationSet{Background: []interval.Interval{{Start: 0, End: total}}}
	}
	var ann models.AnnotationSet
	if start > 0 {
		ann.Background = append(ann.Background, interval.Interval{Start: 0, End: start})
	}
	ann.Seizure = []interval.Interval{{Start: start, End: end}}
	if end < total {
		ann.Background = append(ann.Background, interval.Interval{Start: end, End: total})
	}
	return ann
}

func runExport(_ context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("o", "", "Output file (.json or .json.zst)")
	minCorr := fs.Float64("min-corr", cfg.Corpus.MinCorrelation, "Minimum best-pair detector agreement")
	fs.Parse(args)

	if err := required(fs, map[string]string{"o": *out}); err != nil {
		return err
	}
	if err := artifact.CheckPath(*out); err != nil {
		return err
	}

	store, err := storage.New(cfg.Storage.MaxRecordings, cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	keys, rows, err := store.ExportLabeled(*minCorr)
	if err != nil {
		return err
	}
	features := artifact.Features{Keys: keys, Rows: make([][]models.Value, len(rows))}
	for i, r := range rows {
		features.Rows[i] = r.Values
	}

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	defer codec.Close()
	if err := codec.WriteJSON(*out, features); err != nil {
		return err
	}
	logger.Info("Exported %d labeled rows to %s", len(rows), *out)
	return nil
}
