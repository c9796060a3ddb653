package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"gopkg.in/yaml.v3"

	"github.com/gridwatch/gridwatch/cmd/gridwatch/app"
	"github.com/gridwatch/gridwatch/modules/detector"
	"github.com/gridwatch/gridwatch/pkg/util/log"
)

func main() {
	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	log.InitLogger(config.Server.LogFormat, config.Server.LogLevel)

	for _, warning := range config.CheckConfig() {
		level.Warn(log.Logger).Log("msg", warning)
	}

	t, err := app.New(*config)
	if err != nil {
		level.Error(log.Logger).Log("msg", "error initialising gridwatch", "err", err)
		os.Exit(1)
	}

	level.Info(log.Logger).Log("msg", "starting gridwatch", "target", config.Target)

	if err := t.Run(); err != nil {
		level.Error(log.Logger).Log("msg", "error running gridwatch", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*app.Config, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
	)

	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]
	config := &app.Config{}

	// first get the config file
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")

	// Try to find -config.file and -config.expand-env. Parsing stops on the
	// first unknown flag, so try remaining parameters until none are left.
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	// load config defaults and register flags
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	// overlay with config file if provided
	if configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}

		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buff))
			if err != nil {
				return nil, fmt.Errorf("failed to expand env vars from configFile %s: %w", configFile, err)
			}
			buff = []byte(s)
		}

		dec := yaml.NewDecoder(bytes.NewReader(buff))
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	// overlay with the environment
	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	// overlay with cli
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load")
	flagext.IgnoredFlag(flag.CommandLine, configExpandEnvOption, "Whether to expand environment variables in config file")
	flag.Parse()

	return config, nil
}

// applyEnvOverrides maps the well-known deployment environment variables
// onto the config tree. CLI flags still win over these.
func applyEnvOverrides(config *app.Config) error {
	overrides := []struct {
		name  string
		apply func(string) error
	}{
		{"DATABASE_URL", func(v string) error {
			config.Store.URL = v
			return nil
		}},
		{"INGEST_API_KEY", func(v string) error {
			config.API.IngestAPIKey = flagext.SecretWithValue(v)
			return nil
		}},
		{"ANOMALY_ENGINE", func(v string) error {
			config.Detector.Engine = v
			return nil
		}},
		{"ANOMALY_WINDOW_SIZE", func(v string) error {
			n, err := strconv.Atoi(v)
			config.Detector.WindowSize = n
			return err
		}},
		{"ANOMALY_THRESHOLD_PERCENTILE", func(v string) error {
			p, err := strconv.ParseFloat(v, 64)
			config.Detector.ThresholdPercentile = p
			return err
		}},
		{"ZSCORE_THRESHOLD", func(v string) error {
			z, err := strconv.ParseFloat(v, 64)
			config.Detector.ZScoreThreshold = z
			return err
		}},
		{"ALLOW_AUTO_DEVICE", func(v string) error {
			b, err := strconv.ParseBool(v)
			config.Pipeline.AllowAutoProvision = b
			return err
		}},
		{"MQTT_ENABLE", func(v string) error {
			b, err := strconv.ParseBool(v)
			config.MQTT.Enabled = b
			return err
		}},
		{"MQTT_BROKER_URL", func(v string) error {
			config.MQTT.BrokerURL = v
			return nil
		}},
		{"MQTT_BATCH_SIZE", func(v string) error {
			n, err := strconv.Atoi(v)
			config.Pipeline.MQTTBatchSize = n
			return err
		}},
		{"EXTERNAL_ML_ENABLE", func(v string) error {
			b, err := strconv.ParseBool(v)
			config.Detector.External.Enabled = b
			if b {
				config.Detector.Engine = detector.EngineExternal
			}
			return err
		}},
		{"EXTERNAL_ML_URL", func(v string) error {
			config.Detector.External.URL = v
			return nil
		}},
		{"EXTERNAL_ML_TIMEOUT_MS", func(v string) error {
			ms, err := strconv.Atoi(v)
			config.Detector.External.Timeout = time.Duration(ms) * time.Millisecond
			return err
		}},
	}

	for _, o := range overrides {
		v, ok := os.LookupEnv(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", o.name, v, err)
		}
	}
	return nil
}
