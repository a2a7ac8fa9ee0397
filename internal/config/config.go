// Package config loads pipeline parameters from YAML files and NQ_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Default pipeline parameters.
const (
	DefaultMinNucleusSize = 100
	DefaultHistogramBins  = 256
	DefaultOverlayAlpha   = 0.3
	DefaultQCMinNuclei    = 5
	DefaultQCMaxNuclei    = 5000
	DefaultAreaBins       = 50
	DefaultInputPattern   = "*.tif"
)

// Segmentation holds the parameters that affect labels and measurements.
type Segmentation struct {
	MinNucleusSize int `yaml:"min_nucleus_size" env:"NQ_MIN_NUCLEUS_SIZE"`
	HistogramBins  int `yaml:"histogram_bins" env:"NQ_HISTOGRAM_BINS"`
}

// Render holds visualisation parameters.
type Render struct {
	OverlayAlpha float64 `yaml:"overlay_alpha" env:"NQ_OVERLAY_ALPHA"`
	AreaBins     int     `yaml:"area_bins" env:"NQ_AREA_BINS"`
}

// QC holds the per-image nucleus count bounds.
type QC struct {
	MinNuclei int `yaml:"min_nuclei" env:"NQ_QC_MIN_NUCLEI"`
	MaxNuclei int `yaml:"max_nuclei" env:"NQ_QC_MAX_NUCLEI"`
}

// Sinks configures optional result destinations.
type Sinks struct {
	SQLitePath    string `yaml:"sqlite_path" env:"NQ_DB"`
	ClickHouseDSN string `yaml:"clickhouse_dsn" env:"NQ_CLICKHOUSE_DSN"`
	ClickHouseDir string `yaml:"clickhouse_spool_dir" env:"NQ_CLICKHOUSE_SPOOL_DIR"`
	MetricsFile   string `yaml:"metrics_file" env:"NQ_METRICS_FILE"`
	TracePath     string `yaml:"trace_path" env:"NQ_TRACE"`
}

// Config is the complete set of tunables for a run.
type Config struct {
	InputPatterns []string     `yaml:"input_patterns" env:"NQ_INPUT_PATTERNS" envSeparator:","`
	CacheDir      string       `yaml:"cache_dir" env:"NQ_CACHE_DIR"`
	Workers       int          `yaml:"workers" env:"NQ_WORKERS"`
	FailFast      bool         `yaml:"fail_fast" env:"NQ_FAIL_FAST"`
	LogLevel      string       `yaml:"log_level" env:"NQ_LOG_LEVEL"`
	Segmentation  Segmentation `yaml:"segmentation"`
	Render        Render       `yaml:"render"`
	QC            QC           `yaml:"qc"`
	Sinks         Sinks        `yaml:"sinks"`
}

// Default returns a Config populated with the pipeline defaults.
func Default() Config {
	return Config{
		InputPatterns: []string{DefaultInputPattern},
		Workers:       1,
		LogLevel:      "info",
		Segmentation: Segmentation{
			MinNucleusSize: DefaultMinNucleusSize,
			HistogramBins:  DefaultHistogramBins,
		},
		Render: Render{
			OverlayAlpha: DefaultOverlayAlpha,
			AreaBins:     DefaultAreaBins,
		},
		QC: QC{
			MinNuclei: DefaultQCMinNuclei,
			MaxNuclei: DefaultQCMaxNuclei,
		},
	}
}

// Load builds a Config from defaults, then the YAML file at path (if non-empty),
// then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays NQ_* environment variables onto cfg.
// Unset variables leave the existing values untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// mergeFile decodes the YAML at path over cfg. Unknown keys and trailing
// documents are rejected.
func mergeFile(cfg *Config, path string) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if len(c.InputPatterns) == 0 {
		errs = append(errs, errors.New("input_patterns must not be empty"))
	}
	for i, p := range c.InputPatterns {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("input_patterns[%d] is empty", i))
			continue
		}
		if _, err := filepath.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("input_patterns[%d] %q: %w", i, p, err))
		}
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1 (got %d)", c.Workers))
	}
	if c.Segmentation.MinNucleusSize < 0 {
		errs = append(errs, fmt.Errorf("segmentation.min_nucleus_size must be >= 0 (got %d)", c.Segmentation.MinNucleusSize))
	}
	if c.Segmentation.HistogramBins < 2 {
		errs = append(errs, fmt.Errorf("segmentation.histogram_bins must be >= 2 (got %d)", c.Segmentation.HistogramBins))
	}
	if c.Render.OverlayAlpha < 0 || c.Render.OverlayAlpha > 1 {
		errs = append(errs, fmt.Errorf("render.overlay_alpha must be within [0,1] (got %g)", c.Render.OverlayAlpha))
	}
	if c.Render.AreaBins < 1 {
		errs = append(errs, fmt.Errorf("render.area_bins must be >= 1 (got %d)", c.Render.AreaBins))
	}
	if c.QC.MinNuclei < 0 {
		errs = append(errs, fmt.Errorf("qc.min_nuclei must be >= 0 (got %d)", c.QC.MinNuclei))
	}
	if c.QC.MaxNuclei < c.QC.MinNuclei {
		errs = append(errs, fmt.Errorf("qc.max_nuclei (%d) must be >= qc.min_nuclei (%d)", c.QC.MaxNuclei, c.QC.MinNuclei))
	}
	return errors.Join(errs...)
}
