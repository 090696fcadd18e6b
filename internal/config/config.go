package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/hrvcorpus/internal/aggregate"
	"github.com/rewired-gh/hrvcorpus/internal/consensus"
	"github.com/rewired-gh/hrvcorpus/internal/detect"
	"github.com/rewired-gh/hrvcorpus/internal/hrv"
)

// Config represents the complete application configuration
type Config struct {
	Detection DetectionConfig `mapstructure:"detection"`
	Features  FeaturesConfig  `mapstructure:"features"`
	Corpus    CorpusConfig    `mapstructure:"corpus"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Output    OutputConfig    `mapstructure:"output"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DetectionConfig selects QRS detectors and the consensus tolerances
type DetectionConfig struct {
	Detectors       []string           `mapstructure:"detectors"`
	RateMultipliers map[string]float64 `mapstructure:"rate_multipliers"`
	Tolerance       time.Duration      `mapstructure:"tolerance"`
	MaxBeatGap      time.Duration      `mapstructure:"max_beat_gap"`
}

// FeaturesConfig holds windowing and RR cleaning configuration
type FeaturesConfig struct {
	ShortWindow   time.Duration `mapstructure:"short_window"`
	MediumWindow  time.Duration `mapstructure:"medium_window"`
	LongWindow    time.Duration `mapstructure:"long_window"`
	MinCoverage   float64       `mapstructure:"min_coverage"`
	Detector      string        `mapstructure:"detector"`
	Workers       int           `mapstructure:"workers"`
	WindowTimeout time.Duration `mapstructure:"window_timeout"`
	RRMin         float64       `mapstructure:"rr_min"` // ms
	RRMax         float64       `mapstructure:"rr_max"` // ms
	EctopicRatio  float64       `mapstructure:"ectopic_ratio"`
}

// CorpusConfig holds corpus build behavior
type CorpusConfig struct {
	SamplingFreq   float64 `mapstructure:"sampling_freq"`
	MinCorrelation float64 `mapstructure:"min_correlation"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath        string `mapstructure:"db_path"`
	MaxRecordings int    `mapstructure:"max_recordings"`
}

// OutputConfig holds artifact output configuration
type OutputConfig struct {
	Dir              string `mapstructure:"dir"`
	Compress         bool   `mapstructure:"compress"`
	CompressionLevel int    `mapstructure:"compression_level"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken   string        `mapstructure:"bot_token"`
	ChatID     string        `mapstructure:"chat_id"`
	Enabled    bool          `mapstructure:"enabled"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// HRVCORPUS_FEATURES_WORKERS overrides features.workers
	v.SetEnvPrefix("HRVCORPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Detection defaults
	v.SetDefault("detection.detectors", detect.Names())
	v.SetDefault("detection.rate_multipliers", map[string]float64{"gqrs": 2, "swt": 2})
	v.SetDefault("detection.tolerance", "50ms")
	v.SetDefault("detection.max_beat_gap", "1800ms")

	// Features defaults
	v.SetDefault("features.short_window", "10s")
	v.SetDefault("features.medium_window", "60s")
	v.SetDefault("features.long_window", "150s")
	v.SetDefault("features.min_coverage", 0.9)
	v.SetDefault("features.detector", "gqrs")
	v.SetDefault("features.workers", 0) // 0 = GOMAXPROCS
	v.SetDefault("features.window_timeout", "30s")
	v.SetDefault("features.rr_min", 300.0)
	v.SetDefault("features.rr_max", 1800.0)
	v.SetDefault("features.ectopic_ratio", 0.2)

	// Corpus defaults
	v.SetDefault("corpus.sampling_freq", 256.0)
	v.SetDefault("corpus.min_correlation", 0.8)

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/corpus.db")
	v.SetDefault("storage.max_recordings", 10000)

	// Output defaults
	v.SetDefault("output.dir", "./output")
	v.SetDefault("output.compress", false)
	v.SetDefault("output.compression_level", 2)

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Detection config
	if err := detect.Validate(c.DetectorSpecs()); err != nil {
		return fmt.Errorf("detection.detectors: %w", err)
	}
	for name, mult := range c.Detection.RateMultipliers {
		if mult <= 0 {
			return fmt.Errorf("detection.rate_multipliers.%s must be positive", name)
		}
	}
	if c.Detection.Tolerance <= 0 {
		return fmt.Errorf("detection.tolerance must be positive")
	}
	if c.Detection.MaxBeatGap <= c.Detection.Tolerance {
		return fmt.Errorf("detection.max_beat_gap must exceed detection.tolerance")
	}

	// Validate Features config
	if err := c.AggregateConfig().Validate(); err != nil {
		return fmt.Errorf("features: %w", err)
	}
	if !slices.Contains(c.Detection.Detectors, c.Features.Detector) {
		return fmt.Errorf("features.detector %q must be one of detection.detectors", c.Features.Detector)
	}
	if c.Features.RRMin <= 0 || c.Features.RRMin >= c.Features.RRMax {
		return fmt.Errorf("features.rr_min must be positive and below features.rr_max")
	}
	if c.Features.EctopicRatio <= 0 || c.Features.EctopicRatio >= 1 {
		return fmt.Errorf("features.ectopic_ratio must be between 0 and 1")
	}
	if c.Features.WindowTimeout < 0 {
		return fmt.Errorf("features.window_timeout must not be negative")
	}

	// Validate Corpus config
	if c.Corpus.SamplingFreq <= 0 {
		return fmt.Errorf("corpus.sampling_freq must be positive")
	}
	if c.Corpus.MinCorrelation < 0 || c.Corpus.MinCorrelation > 1 {
		return fmt.Errorf("corpus.min_correlation must be between 0.0 and 1.0")
	}

	// Validate Storage config
	if c.Storage.MaxRecordings < 1 {
		return fmt.Errorf("storage.max_recordings must be at least 1")
	}

	// Validate Output config
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}
	if c.Output.CompressionLevel < 1 || c.Output.CompressionLevel > 4 {
		return fmt.Errorf("output.compression_level must be between 1 and 4")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// DetectorSpecs returns the configured detectors with their rate multipliers
func (c *Config) DetectorSpecs() []detect.Spec {
	return detect.SpecsFor(c.Detection.Detectors, c.Detection.RateMultipliers)
}

// ConsensusParams returns the beat matching tolerances
func (c *Config) ConsensusParams() consensus.Params {
	return consensus.Params{
		Tolerance:  c.Detection.Tolerance,
		MaxBeatGap: c.Detection.MaxBeatGap,
	}
}

// AggregateConfig returns the windowing configuration
func (c *Config) AggregateConfig() aggregate.Config {
	return aggregate.Config{
		ShortWindow:   c.Features.ShortWindow,
		MediumWindow:  c.Features.MediumWindow,
		LongWindow:    c.Features.LongWindow,
		MinCoverage:   c.Features.MinCoverage,
		Workers:       c.Features.Workers,
		WindowTimeout: c.Features.WindowTimeout,
	}
}

// FeatureLibrary returns the feature computations with the configured RR cleaning
func (c *Config) FeatureLibrary() aggregate.Library {
	clean := hrv.DefaultCleanParams()
	clean.LowRR = c.Features.RRMin
	clean.HighRR = c.Features.RRMax
	clean.EctopicRatio = c.Features.EctopicRatio

	lib := aggregate.DefaultLibrary()
	lib.Clean = clean.Clean
	return lib
}
