package api

import (
	"flag"

	"github.com/grafana/dskit/flagext"

	"github.com/gridwatch/gridwatch/pkg/util"
)

// Config for the HTTP edge.
type Config struct {
	// IngestAPIKey guards POST /api/ingest. Empty leaves ingest open.
	IngestAPIKey flagext.Secret `yaml:"ingest_api_key"`

	// RatePerMinute and RateBurst shape the per-client token bucket on the
	// ingest path.
	RatePerMinute float64 `yaml:"rate_per_minute"`
	RateBurst     int     `yaml:"rate_burst"`

	// MaxPageSize caps the limit query parameter on list endpoints.
	MaxPageSize int `yaml:"max_page_size"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Var(&cfg.IngestAPIKey, util.PrefixConfig(prefix, "ingest-api-key"), "Shared secret for the ingest endpoint. Empty disables the check.")
	f.Float64Var(&cfg.RatePerMinute, util.PrefixConfig(prefix, "rate-per-minute"), 20, "Ingest requests allowed per client per minute.")
	f.IntVar(&cfg.RateBurst, util.PrefixConfig(prefix, "rate-burst"), 20, "Ingest request burst allowed per client.")
	f.IntVar(&cfg.MaxPageSize, util.PrefixConfig(prefix, "max-page-size"), 1000, "Maximum page size on list endpoints.")
}
