package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gridwatch/gridwatch/modules/detector"
	"github.com/gridwatch/gridwatch/modules/store"
	"github.com/gridwatch/gridwatch/pkg/eventbus"
	"github.com/gridwatch/gridwatch/pkg/model"
)

var (
	// ErrUnknownDevice is returned when auto-provisioning is disabled and
	// the device has never been seen.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrInvalidPoint is returned for points with NaN or Inf measurements.
	ErrInvalidPoint = errors.New("invalid point")
	// ErrShuttingDown is returned once the pipeline stops accepting points.
	ErrShuttingDown = errors.New("pipeline is shutting down")

	errInstanceStopped = errors.New("device worker stopped")
	errQueueFull       = errors.New("device queue full")
)

var (
	metricPointsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "pipeline_points_accepted_total",
		Help:      "The total number of points accepted, by transport.",
	}, []string{"transport"})
	metricPointsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "pipeline_points_dropped_total",
		Help:      "The total number of points dropped, by reason.",
	}, []string{"reason"})
	metricBatchesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "pipeline_batches_failed_total",
		Help:      "The total number of point batches dropped after a persistence failure.",
	})
	metricActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridwatch",
		Name:      "pipeline_device_workers",
		Help:      "The current number of live per-device workers.",
	})
)

// BatchResult summarises one accepted HTTP batch.
type BatchResult struct {
	Inserted  int
	Anomalies int
}

// Pipeline is the central state machine: it owns per-device workers which
// serialise persistence, scoring and publication so each device observes
// points in arrival order.
type Pipeline struct {
	services.Service

	cfg      Config
	logger   log.Logger
	store    store.Store
	registry *detector.Registry
	bus      *eventbus.Bus

	instancesMtx sync.RWMutex
	instances    map[string]*instance
	readonly     bool

	// devices known to exist in the store, to avoid a lookup per batch
	knownMtx     sync.RWMutex
	knownDevices map[string]struct{}

	workers sync.WaitGroup
}

// New creates the pipeline.
func New(cfg Config, st store.Store, registry *detector.Registry, bus *eventbus.Bus, logger log.Logger) (*Pipeline, error) {
	if st == nil || registry == nil || bus == nil {
		return nil, fmt.Errorf("pipeline requires a store, a detector registry and an event bus")
	}

	p := &Pipeline{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		registry:     registry,
		bus:          bus,
		instances:    map[string]*instance{},
		knownDevices: map[string]struct{}{},
	}
	p.Service = services.NewBasicService(nil, p.running, p.stopping)
	return p, nil
}

func (p *Pipeline) running(ctx context.Context) error {
	sweep := time.NewTicker(p.cfg.SweepPeriod)
	defer sweep.Stop()

	for {
		select {
		case <-sweep.C:
			p.sweepIdleInstances()
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pipeline) stopping(_ error) error {
	p.instancesMtx.Lock()
	p.readonly = true
	instances := make([]*instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	p.instancesMtx.Unlock()

	for _, inst := range instances {
		inst.stop()
	}

	// flush pending buffers within the grace period, then give up
	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		level.Warn(p.logger).Log("msg", "shutdown grace period expired with device workers still flushing")
	}
	return nil
}

// PushBatch ingests an ordered HTTP batch for one device. It blocks until
// persistence commits and returns how many points were inserted and how
// many anomalies the batch produced.
func (p *Pipeline) PushBatch(ctx context.Context, deviceID string, points []model.Point) (BatchResult, error) {
	if len(points) == 0 {
		return BatchResult{}, nil
	}
	if err := p.resolveDevice(ctx, deviceID); err != nil {
		return BatchResult{}, err
	}

	normalised, err := normalise(deviceID, points)
	if err != nil {
		metricPointsDropped.WithLabelValues("invalid").Inc()
		return BatchResult{}, err
	}

	op := &batchOp{
		points: normalised,
		result: make(chan batchResult, 1),
	}
	if err := p.dispatch(op, true); err != nil {
		return BatchResult{}, err
	}

	select {
	case res := <-op.result:
		if res.err != nil {
			return BatchResult{}, res.err
		}
		metricPointsAccepted.WithLabelValues("http").Add(float64(len(normalised)))
		return BatchResult{Inserted: res.inserted, Anomalies: res.anomalies}, nil
	case <-ctx.Done():
		return BatchResult{}, ctx.Err()
	}
}

// PushPoint ingests a single MQTT point. It never blocks on persistence:
// the point is buffered on the device worker and flushed on the size or
// time trigger, whichever fires first.
func (p *Pipeline) PushPoint(ctx context.Context, deviceID string, point model.Point) error {
	if err := p.resolveDevice(ctx, deviceID); err != nil {
		return err
	}

	normalised, err := normalise(deviceID, []model.Point{point})
	if err != nil {
		metricPointsDropped.WithLabelValues("invalid").Inc()
		return err
	}

	if err := p.dispatch(&pointOp{point: normalised[0]}, false); err != nil {
		if errors.Is(err, errQueueFull) {
			// shed, already counted as dropped
			return nil
		}
		return err
	}
	metricPointsAccepted.WithLabelValues("mqtt").Inc()
	return nil
}

// UpdateDeviceLocation upserts the device's coordinates and publishes a
// device:update event with the stored row.
func (p *Pipeline) UpdateDeviceLocation(ctx context.Context, deviceID string, lat, lng float64) error {
	d, err := p.store.UpdateDeviceLocation(ctx, deviceID, lat, lng)
	if err != nil {
		return err
	}
	p.markKnown(deviceID)
	p.publishDeviceUpdate(d)
	return nil
}

func (p *Pipeline) publishDeviceUpdate(d model.Device) {
	p.bus.Publish(eventbus.DeviceTopic(d.ID), model.Event{
		Kind:     model.EventDeviceUpdate,
		DeviceID: d.ID,
		Payload:  model.DeviceEvent{DeviceID: d.ID, Device: d},
	})
}

// resolveDevice ensures the device exists, creating it when
// auto-provisioning allows.
func (p *Pipeline) resolveDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return ErrInvalidPoint
	}
	if p.isKnown(deviceID) {
		return nil
	}

	_, err := p.store.GetDevice(ctx, deviceID)
	switch {
	case err == nil:
		p.markKnown(deviceID)
		return nil
	case errors.Is(err, store.ErrNotFound) && p.cfg.AllowAutoProvision:
		if err := p.store.UpsertDevice(ctx, model.Device{ID: deviceID, Name: deviceID}); err != nil {
			return err
		}
		p.markKnown(deviceID)
		if d, err := p.store.GetDevice(ctx, deviceID); err == nil {
			p.publishDeviceUpdate(d)
		}
		return nil
	case errors.Is(err, store.ErrNotFound):
		metricPointsDropped.WithLabelValues("unknown_device").Inc()
		return ErrUnknownDevice
	default:
		return err
	}
}

func (p *Pipeline) isKnown(deviceID string) bool {
	p.knownMtx.RLock()
	defer p.knownMtx.RUnlock()
	_, ok := p.knownDevices[deviceID]
	return ok
}

func (p *Pipeline) markKnown(deviceID string) {
	p.knownMtx.Lock()
	defer p.knownMtx.Unlock()
	p.knownDevices[deviceID] = struct{}{}
}

// dispatch hands an op to the device's worker, creating it if needed. A
// worker reaped between lookup and enqueue is retried once.
func (p *Pipeline) dispatch(o op, block bool) error {
	deviceID := o.device()
	for attempt := 0; attempt < 2; attempt++ {
		inst, err := p.getOrCreateInstance(deviceID)
		if err != nil {
			return err
		}
		err = inst.enqueue(o, block)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errInstanceStopped) {
			return err
		}
		if p.isReadonly() {
			return ErrShuttingDown
		}
	}
	return ErrShuttingDown
}

func (p *Pipeline) isReadonly() bool {
	p.instancesMtx.RLock()
	defer p.instancesMtx.RUnlock()
	return p.readonly
}

func (p *Pipeline) getOrCreateInstance(deviceID string) (*instance, error) {
	p.instancesMtx.RLock()
	inst, ok := p.instances[deviceID]
	p.instancesMtx.RUnlock()
	if ok {
		return inst, nil
	}

	p.instancesMtx.Lock()
	defer p.instancesMtx.Unlock()
	if p.readonly {
		return nil, ErrShuttingDown
	}
	inst, ok = p.instances[deviceID]
	if !ok {
		inst = newInstance(deviceID, p.cfg.QueueSize)
		p.instances[deviceID] = inst
		p.workers.Add(1)
		metricActiveWorkers.Inc()
		// the worker warms the detector window itself so the store query
		// runs outside instancesMtx and cannot stall other devices
		go p.runInstance(inst)
	}
	return inst, nil
}

// warmWindow rebuilds the device's detector window from the store, oldest
// point first, and returns the highest persisted sequence number so arrival
// order keeps counting across worker restarts. Failures only cost detection
// accuracy on the first points.
func (p *Pipeline) warmWindow(deviceID string) int64 {
	n := p.registry.WindowSize()
	points, _, err := p.store.QueryPoints(context.Background(), store.PointQuery{
		DeviceID: deviceID,
		Limit:    n,
	})
	if err != nil {
		level.Warn(p.logger).Log("msg", "failed to warm detector window", "device", deviceID, "err", err)
		return 0
	}
	if len(points) == 0 {
		return 0
	}
	// query returns ts desc
	for l, r := 0, len(points)-1; l < r; l, r = l+1, r-1 {
		points[l], points[r] = points[r], points[l]
	}
	p.registry.Warm(deviceID, points)

	var maxSeq int64
	for idx := range points {
		if points[idx].Seq > maxSeq {
			maxSeq = points[idx].Seq
		}
	}
	return maxSeq
}

func (p *Pipeline) sweepIdleInstances() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.instancesMtx.Lock()
	var reaped []*instance
	for id, inst := range p.instances {
		if inst.lastActive().Before(cutoff) {
			delete(p.instances, id)
			reaped = append(reaped, inst)
		}
	}
	p.instancesMtx.Unlock()

	for _, inst := range reaped {
		inst.stop()
		<-inst.done
		// drop the window state; it is rebuilt from the store on the next
		// contact
		p.registry.Forget(inst.deviceID)
		level.Debug(p.logger).Log("msg", "reaped idle device worker", "device", inst.deviceID)
	}
}
