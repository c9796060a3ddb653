package app

import (
	"fmt"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"

	"github.com/gridwatch/gridwatch/modules/api"
	"github.com/gridwatch/gridwatch/modules/detector"
	"github.com/gridwatch/gridwatch/modules/mqttbridge"
	"github.com/gridwatch/gridwatch/modules/pipeline"
	"github.com/gridwatch/gridwatch/modules/store"
	"github.com/gridwatch/gridwatch/modules/streamer"
	"github.com/gridwatch/gridwatch/pkg/eventbus"
	"github.com/gridwatch/gridwatch/pkg/util/log"
)

// The various modules that make up gridwatch.
const (
	Server     string = "server"
	Store      string = "store"
	EventBus   string = "event-bus"
	Detector   string = "detector"
	Pipeline   string = "pipeline"
	API        string = "api"
	MQTTBridge string = "mqtt-bridge"
	Streamer   string = "streamer"
	All        string = "all"
)

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true

	DisableSignalHandling(&t.cfg.Server)

	serv, err := server.New(t.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// the server should not wait for itself
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	t.Server = serv
	return NewServerService(serv, servicesToWaitFor), nil
}

func (t *App) initStore() (services.Service, error) {
	st, err := store.New(t.cfg.Store, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	t.store = st
	return st, nil
}

func (t *App) initEventBus() (services.Service, error) {
	t.bus = eventbus.New()
	return nil, nil
}

func (t *App) initDetector() (services.Service, error) {
	registry, err := detector.New(t.cfg.Detector, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector registry: %w", err)
	}
	t.registry = registry
	return nil, nil
}

func (t *App) initPipeline() (services.Service, error) {
	p, err := pipeline.New(t.cfg.Pipeline, t.store, t.registry, t.bus, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	t.pipeline = p
	return t.pipeline, nil
}

func (t *App) initAPI() (services.Service, error) {
	a, err := api.New(t.cfg.API, t.pipeline, t.store, t.registry, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create api: %w", err)
	}
	t.api = a
	t.api.RegisterRoutes(t.Server.HTTP)
	return t.api, nil
}

func (t *App) initMQTTBridge() (services.Service, error) {
	if !t.cfg.MQTT.Enabled {
		return services.NewIdleService(nil, nil), nil
	}

	b, err := mqttbridge.New(t.cfg.MQTT, t.pipeline, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create mqtt bridge: %w", err)
	}
	t.bridge = b
	return t.bridge, nil
}

func (t *App) initStreamer() (services.Service, error) {
	s, err := streamer.New(t.cfg.Streamer, t.bus, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamer: %w", err)
	}
	t.streamer = s
	t.streamer.RegisterRoutes(t.Server.HTTP)
	return t.streamer, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(EventBus, t.initEventBus, modules.UserInvisibleModule)
	mm.RegisterModule(Detector, t.initDetector, modules.UserInvisibleModule)
	mm.RegisterModule(Pipeline, t.initPipeline)
	mm.RegisterModule(API, t.initAPI)
	mm.RegisterModule(MQTTBridge, t.initMQTTBridge)
	mm.RegisterModule(Streamer, t.initStreamer)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		Store:      {Server},
		Pipeline:   {Server, Store, EventBus, Detector},
		API:        {Server, Pipeline, Store, Detector},
		MQTTBridge: {Server, Pipeline},
		Streamer:   {Server, EventBus},
		All:        {API, MQTTBridge, Streamer},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.ModuleManager = mm
	t.deps = deps

	return nil
}
