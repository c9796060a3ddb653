package detector

import (
	"flag"
	"fmt"
	"time"

	"github.com/gridwatch/gridwatch/pkg/util"
)

// Engine names, also used as the detector tag on anomaly records.
const (
	EngineZScore          = "zscore"
	EngineMedianDeviation = "median-deviation"
	EngineExternal        = "external"
)

const (
	// DefaultZScoreWindow is the per-metric ring size for the z-score engine.
	DefaultZScoreWindow = 200
	// DefaultMedianDeviationWindow is the vector ring size for the
	// median-deviation engine.
	DefaultMedianDeviationWindow = 512

	DefaultZScoreThreshold     = 3.0
	DefaultThresholdPercentile = 95.0
	DefaultExternalBatchSize   = 64
	DefaultExternalTimeout     = 5 * time.Second
)

// Config for the detector registry.
type Config struct {
	Engine              string         `yaml:"engine"`
	WindowSize          int            `yaml:"window_size"`
	ZScoreThreshold     float64        `yaml:"zscore_threshold"`
	ThresholdPercentile float64        `yaml:"threshold_percentile"`
	External            ExternalConfig `yaml:"external"`
}

// ExternalConfig wires the opaque ML scorer RPC.
type ExternalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	BatchSize int           `yaml:"batch_size"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Engine, util.PrefixConfig(prefix, "engine"), EngineMedianDeviation, "Anomaly engine: zscore, median-deviation or external.")
	f.IntVar(&cfg.WindowSize, util.PrefixConfig(prefix, "window-size"), 0, "Sliding window size per device. Zero selects the engine default.")
	f.Float64Var(&cfg.ZScoreThreshold, util.PrefixConfig(prefix, "zscore-threshold"), DefaultZScoreThreshold, "Z-score above which a point is anomalous.")
	f.Float64Var(&cfg.ThresholdPercentile, util.PrefixConfig(prefix, "threshold-percentile"), DefaultThresholdPercentile, "Window percentile used as the median-deviation threshold.")
	f.BoolVar(&cfg.External.Enabled, util.PrefixConfig(prefix, "external.enabled"), false, "Enable the external ML scorer.")
	f.StringVar(&cfg.External.URL, util.PrefixConfig(prefix, "external.url"), "", "Base URL of the external ML scorer.")
	f.DurationVar(&cfg.External.Timeout, util.PrefixConfig(prefix, "external.timeout"), DefaultExternalTimeout, "Hard timeout for external scorer requests.")
	f.IntVar(&cfg.External.BatchSize, util.PrefixConfig(prefix, "external.batch-size"), DefaultExternalBatchSize, "Points buffered per device before an external scoring request is dispatched.")
}

// Validate checks the engine selection.
func (cfg *Config) Validate() error {
	switch cfg.Engine {
	case EngineZScore, EngineMedianDeviation:
	case EngineExternal:
		if cfg.External.URL == "" {
			return fmt.Errorf("external engine selected but no scorer url configured")
		}
	default:
		return fmt.Errorf("unknown anomaly engine %q", cfg.Engine)
	}
	return nil
}

// windowSize resolves the configured window size for the selected engine.
func (cfg *Config) windowSize() int {
	if cfg.WindowSize > 0 {
		return cfg.WindowSize
	}
	if cfg.Engine == EngineZScore {
		return DefaultZScoreWindow
	}
	return DefaultMedianDeviationWindow
}
