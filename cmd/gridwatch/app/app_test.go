package app

import (
	"flag"
	"testing"

	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))

	assert.Equal(t, All, cfg.Target)
	assert.Equal(t, 3000, cfg.Server.HTTPListenPort)
	assert.Equal(t, "median-deviation", cfg.Detector.Engine)
	assert.True(t, cfg.Pipeline.AllowAutoProvision)
	assert.False(t, cfg.MQTT.Enabled)
}

func TestCheckConfigWarnsOnOpenIngest(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))

	warnings := cfg.CheckConfig()
	assert.NotEmpty(t, warnings)

	cfg.API.IngestAPIKey = flagext.SecretWithValue("sekrit")
	cfg.Pipeline.AllowAutoProvision = false
	assert.Empty(t, cfg.CheckConfig())
}

func TestCheckConfigWarnsOnMQTTWithoutBroker(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	cfg.API.IngestAPIKey = flagext.SecretWithValue("sekrit")
	cfg.Pipeline.AllowAutoProvision = false

	cfg.MQTT.Enabled = true
	cfg.MQTT.BrokerURL = ""
	assert.Len(t, cfg.CheckConfig(), 1)
}

func TestModuleManagerWiring(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))

	a, err := New(cfg)
	require.NoError(t, err)

	require.Contains(t, a.deps, All)
	assert.ElementsMatch(t, []string{API, MQTTBridge, Streamer}, a.deps[All])
	assert.True(t, a.ModuleManager.IsUserVisibleModule(All))
	assert.True(t, a.ModuleManager.IsUserVisibleModule(Pipeline))
	assert.False(t, a.ModuleManager.IsUserVisibleModule(Server))
}
