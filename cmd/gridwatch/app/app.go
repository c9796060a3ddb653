package app

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"gopkg.in/yaml.v3"

	"github.com/gridwatch/gridwatch/modules/api"
	"github.com/gridwatch/gridwatch/modules/detector"
	"github.com/gridwatch/gridwatch/modules/mqttbridge"
	"github.com/gridwatch/gridwatch/modules/pipeline"
	"github.com/gridwatch/gridwatch/modules/store"
	"github.com/gridwatch/gridwatch/modules/streamer"
	"github.com/gridwatch/gridwatch/pkg/eventbus"
	"github.com/gridwatch/gridwatch/pkg/util/log"
)

const metricsNamespace = "gridwatch"

// Config is the root config for App.
type Config struct {
	Target string `yaml:"target,omitempty"`

	Server   server.Config     `yaml:"server,omitempty"`
	Store    store.Config      `yaml:"store,omitempty"`
	Detector detector.Config   `yaml:"detector,omitempty"`
	Pipeline pipeline.Config   `yaml:"pipeline,omitempty"`
	API      api.Config        `yaml:"api,omitempty"`
	MQTT     mqttbridge.Config `yaml:"mqtt,omitempty"`
	Streamer streamer.Config   `yaml:"streamer,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = All
	f.StringVar(&c.Target, "target", All, "target module")

	// server settings
	flagext.DefaultValues(&c.Server)
	c.Server.LogLevel.RegisterFlags(f)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 3000, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9095, "gRPC server listen port.")

	c.Store.RegisterFlagsAndApplyDefaults("store", f)
	c.Detector.RegisterFlagsAndApplyDefaults("detector", f)
	c.Pipeline.RegisterFlagsAndApplyDefaults("pipeline", f)
	c.API.RegisterFlagsAndApplyDefaults("api", f)
	c.MQTT.RegisterFlagsAndApplyDefaults("mqtt", f)
	c.Streamer.RegisterFlagsAndApplyDefaults("streamer", f)
}

// CheckConfig returns warnings for suspect configurations.
func (c *Config) CheckConfig() []string {
	var warnings []string
	if c.API.IngestAPIKey.String() == "" {
		warnings = append(warnings, "ingest endpoint is open: no api key configured")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		warnings = append(warnings, "mqtt bridge enabled without a broker url")
	}
	if c.Pipeline.AllowAutoProvision && c.API.IngestAPIKey.String() == "" {
		warnings = append(warnings, "auto-provisioning with open ingest lets any client create devices")
	}
	return warnings
}

// App is the root datastructure.
type App struct {
	cfg Config

	Server   *server.Server
	store    store.Store
	bus      *eventbus.Bus
	registry *detector.Registry
	pipeline *pipeline.Pipeline
	api      *api.API
	bridge   *mqttbridge.Bridge
	streamer *streamer.Streamer

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
	deps          map[string][]string
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg: cfg,
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager: %w", err)
	}
	return app, nil
}

// Run starts, and blocks until a signal is received.
func (t *App) Run() error {
	if !t.ModuleManager.IsUserVisibleModule(t.cfg.Target) {
		level.Warn(log.Logger).Log("msg", "selected target is an internal module, is this intended?", "target", t.cfg.Target)
	}

	serviceMap, err := t.ModuleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services: %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}

	// before starting servers, register /ready and /config handlers
	t.Server.HTTP.Path("/config").Handler(t.configHandler())
	t.Server.HTTP.Path("/ready").Handler(t.readyHandler(sm))

	healthy := func() { level.Info(log.Logger).Log("msg", "gridwatch started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "gridwatch stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		for m, s := range serviceMap {
			if s == service {
				level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}
		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// stop the manager on SIGINT/SIGTERM, which stops all the services
	handler := signals.NewHandler(log.Logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			for st, ls := range sm.ServicesByState() {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "ready", http.StatusOK)
	}
}
