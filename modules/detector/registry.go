package detector

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gridwatch/gridwatch/pkg/model"
)

var metricAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gridwatch",
	Name:      "detector_anomalies_total",
	Help:      "The total number of anomalous points, by the detector that flagged them.",
}, []string{"detector"})

// Result is one scored point. Detector names the engine that actually
// produced the score, which differs from the configured engine when the
// external scorer fell back.
type Result struct {
	Point     model.Point
	Score     float64
	IsAnomaly bool
	Detector  string
}

// deviceDetector owns the sliding-window state for a single device. It is
// only ever driven by that device's pipeline worker, so implementations do
// not lock.
type deviceDetector interface {
	scoreBatch(ctx context.Context, points []model.Point) []Result
	flush(ctx context.Context) []Result
	warm(points []model.Point)
}

// Registry owns per-device detectors. Calls for distinct devices are
// independent; calls for the same device are serialised by the pipeline's
// per-device worker.
type Registry struct {
	cfg    Config
	logger log.Logger
	scorer *scorerClient

	mtx     sync.RWMutex
	devices map[string]deviceDetector
}

// New creates a Registry for the configured engine.
func New(cfg Config, logger log.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}

	r := &Registry{
		cfg:     cfg,
		logger:  logger,
		devices: map[string]deviceDetector{},
	}
	if cfg.Engine == EngineExternal {
		r.scorer = newScorerClient(cfg.External, logger)
	}
	return r, nil
}

// Engine returns the configured engine name.
func (r *Registry) Engine() string {
	return r.cfg.Engine
}

// ScoreBatch scores orderedPoints for deviceID. The returned results may
// also cover points buffered by earlier calls (external engine), and may be
// empty when the engine is still accumulating a batch. Each accepted point
// appears in exactly one result across all calls.
func (r *Registry) ScoreBatch(ctx context.Context, deviceID string, orderedPoints []model.Point) []Result {
	results := r.getOrCreateDetector(deviceID).scoreBatch(ctx, orderedPoints)
	countAnomalies(results)
	return results
}

// Flush forces out any buffered, unscored points for deviceID. Called on
// device reap and at shutdown.
func (r *Registry) Flush(ctx context.Context, deviceID string) []Result {
	r.mtx.RLock()
	d, ok := r.devices[deviceID]
	r.mtx.RUnlock()
	if !ok {
		return nil
	}
	results := d.flush(ctx)
	countAnomalies(results)
	return results
}

// Warm seeds a device's window from historical points, oldest first,
// without producing results. Used to rebuild windows after a restart or an
// idle reap.
func (r *Registry) Warm(deviceID string, points []model.Point) {
	if len(points) == 0 {
		return
	}
	r.getOrCreateDetector(deviceID).warm(points)
}

// WindowSize is the per-device window length for the configured engine.
func (r *Registry) WindowSize() int {
	return r.cfg.windowSize()
}

// Forget drops the per-device window state. The next point recreates it.
func (r *Registry) Forget(deviceID string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.devices, deviceID)
}

// Healthy reports whether the engine can score. Local engines are always
// healthy; the external engine checks the scorer's health endpoint.
func (r *Registry) Healthy(ctx context.Context) error {
	if r.scorer == nil {
		return nil
	}
	return r.scorer.healthy(ctx)
}

func (r *Registry) getOrCreateDetector(deviceID string) deviceDetector {
	r.mtx.RLock()
	d, ok := r.devices[deviceID]
	r.mtx.RUnlock()
	if ok {
		return d
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	d, ok = r.devices[deviceID]
	if !ok {
		d = r.newDetector(deviceID)
		r.devices[deviceID] = d
	}
	return d
}

func (r *Registry) newDetector(deviceID string) deviceDetector {
	switch r.cfg.Engine {
	case EngineZScore:
		return newZScoreDetector(r.cfg.windowSize(), r.cfg.ZScoreThreshold)
	case EngineExternal:
		return newExternalDetector(deviceID, r.scorer, r.cfg, r.logger)
	default:
		return newMedianDeviationDetector(r.cfg.windowSize(), r.cfg.ThresholdPercentile)
	}
}

func countAnomalies(results []Result) {
	for i := range results {
		if results[i].IsAnomaly {
			metricAnomalies.WithLabelValues(results[i].Detector).Inc()
		}
	}
}
