package pipeline

import (
	"flag"
	"time"

	"github.com/gridwatch/gridwatch/pkg/util"
)

// Config for the ingestion pipeline.
type Config struct {
	// AllowAutoProvision creates devices on first contact. When false,
	// points for unknown devices are rejected.
	AllowAutoProvision bool `yaml:"allow_auto_provision"`

	// MQTTBatchSize and MQTTFlushInterval control per-device buffering of
	// single-point messages; the first trigger to fire flushes.
	MQTTBatchSize     int           `yaml:"mqtt_batch_size"`
	MQTTFlushInterval time.Duration `yaml:"mqtt_flush_interval"`

	// QueueSize bounds each device worker's inbound queue.
	QueueSize int `yaml:"queue_size"`

	// IdleTimeout reaps device workers with no traffic. SweepPeriod is how
	// often the reaper runs.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	SweepPeriod time.Duration `yaml:"sweep_period"`

	// ShutdownGrace bounds buffer flushing at shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.AllowAutoProvision, util.PrefixConfig(prefix, "allow-auto-provision"), true, "Create devices on first contact.")
	f.IntVar(&cfg.MQTTBatchSize, util.PrefixConfig(prefix, "mqtt-batch-size"), 64, "Points buffered per device before a flush.")
	f.DurationVar(&cfg.MQTTFlushInterval, util.PrefixConfig(prefix, "mqtt-flush-interval"), 500*time.Millisecond, "Maximum time a buffered point waits before a flush.")
	f.IntVar(&cfg.QueueSize, util.PrefixConfig(prefix, "queue-size"), 1024, "Per-device worker queue bound.")
	f.DurationVar(&cfg.IdleTimeout, util.PrefixConfig(prefix, "idle-timeout"), 5*time.Minute, "Reap device workers idle for longer than this.")
	f.DurationVar(&cfg.SweepPeriod, util.PrefixConfig(prefix, "sweep-period"), 30*time.Second, "How often idle device workers are swept.")
	f.DurationVar(&cfg.ShutdownGrace, util.PrefixConfig(prefix, "shutdown-grace"), 10*time.Second, "Grace period for flushing device buffers at shutdown.")
}
