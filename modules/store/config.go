package store

import (
	"flag"
	"time"

	"github.com/grafana/dskit/backoff"

	"github.com/gridwatch/gridwatch/pkg/util"
)

// Config for the persistence gateway.
type Config struct {
	// URL is a postgres connection string (DATABASE_URL).
	URL          string        `yaml:"url"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`

	Backoff backoff.Config `yaml:"backoff"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URL, util.PrefixConfig(prefix, "url"), "postgres://localhost:5432/gridwatch?sslmode=disable", "Postgres connection string.")
	f.IntVar(&cfg.MaxOpenConns, util.PrefixConfig(prefix, "max-open-conns"), 0, "Maximum open connections. Zero sizes the pool to the CPU count.")
	f.IntVar(&cfg.MaxIdleConns, util.PrefixConfig(prefix, "max-idle-conns"), 4, "Maximum idle connections.")
	f.DurationVar(&cfg.ConnLifetime, util.PrefixConfig(prefix, "conn-lifetime"), time.Hour, "Maximum connection lifetime.")

	cfg.Backoff = backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		MaxRetries: 5,
	}
}
