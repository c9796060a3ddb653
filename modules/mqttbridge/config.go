package mqttbridge

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"

	"github.com/gridwatch/gridwatch/pkg/util"
)

// Config for the MQTT edge.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// BrokerURL is the broker address, e.g. tcp://localhost:1883.
	BrokerURL string         `yaml:"broker_url"`
	ClientID  string         `yaml:"client_id"`
	Username  string         `yaml:"username"`
	Password  flagext.Secret `yaml:"password"`

	// TopicPrefix forms the subscription <prefix>/+/metrics; the wildcard
	// segment is the device id.
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, util.PrefixConfig(prefix, "enabled"), false, "Enable the MQTT bridge.")
	f.StringVar(&cfg.BrokerURL, util.PrefixConfig(prefix, "broker-url"), "tcp://localhost:1883", "MQTT broker address.")
	f.StringVar(&cfg.ClientID, util.PrefixConfig(prefix, "client-id"), "gridwatch", "MQTT client id.")
	f.StringVar(&cfg.Username, util.PrefixConfig(prefix, "username"), "", "MQTT username.")
	f.Var(&cfg.Password, util.PrefixConfig(prefix, "password"), "MQTT password.")
	f.StringVar(&cfg.TopicPrefix, util.PrefixConfig(prefix, "topic-prefix"), "sensors", "Topic prefix devices publish under.")
	f.IntVar(&cfg.QoS, util.PrefixConfig(prefix, "qos"), 0, "Subscription QoS level.")
	f.DurationVar(&cfg.ConnectTimeout, util.PrefixConfig(prefix, "connect-timeout"), 10*time.Second, "Broker connect timeout.")
	f.DurationVar(&cfg.ReconnectInterval, util.PrefixConfig(prefix, "reconnect-interval"), 5*time.Second, "Delay between reconnect attempts.")
}
