package streamer

import (
	"flag"
	"time"

	"github.com/gridwatch/gridwatch/pkg/util"
)

// Config for the websocket gateway.
type Config struct {
	// QueueSize bounds each session's event queue on the bus.
	QueueSize int `yaml:"queue_size"`

	WriteTimeout time.Duration `yaml:"write_timeout"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	PingPeriod   time.Duration `yaml:"ping_period"`

	// ReadLimit bounds inbound command frames.
	ReadLimit int64 `yaml:"read_limit"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.QueueSize, util.PrefixConfig(prefix, "queue-size"), 256, "Events buffered per stream session.")
	f.DurationVar(&cfg.WriteTimeout, util.PrefixConfig(prefix, "write-timeout"), 10*time.Second, "Write deadline per frame.")
	f.DurationVar(&cfg.PongTimeout, util.PrefixConfig(prefix, "pong-timeout"), 60*time.Second, "Close sessions with no pong for this long.")
	f.DurationVar(&cfg.PingPeriod, util.PrefixConfig(prefix, "ping-period"), 25*time.Second, "Keepalive ping interval.")
	f.Int64Var(&cfg.ReadLimit, util.PrefixConfig(prefix, "read-limit"), 1024, "Maximum inbound command frame size in bytes.")
}
