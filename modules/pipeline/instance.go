package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/gridwatch/gridwatch/modules/detector"
	"github.com/gridwatch/gridwatch/pkg/eventbus"
	"github.com/gridwatch/gridwatch/pkg/model"
	util_log "github.com/gridwatch/gridwatch/pkg/util/log"
)

type op interface {
	device() string
}

// batchOp is one HTTP batch; the submitter blocks on result.
type batchOp struct {
	points []model.Point
	result chan batchResult
}

func (o *batchOp) device() string { return o.points[0].DeviceID }

type batchResult struct {
	inserted  int
	anomalies int
	err       error
}

// pointOp is one MQTT point, buffered until a flush trigger fires.
type pointOp struct {
	point model.Point
}

func (o *pointOp) device() string { return o.point.DeviceID }

// instance is the per-device serialisation point. Exactly one worker
// goroutine consumes its queue, so detector state and publish order need no
// further locking.
type instance struct {
	deviceID string
	ch       chan op

	mtx     sync.RWMutex
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}

	buffer []model.Point
	seq    int64
	active atomic.Int64
}

func newInstance(deviceID string, queueSize int) *instance {
	i := &instance{
		deviceID: deviceID,
		ch:       make(chan op, queueSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	i.touch()
	return i
}

func (i *instance) touch() {
	i.active.Store(time.Now().UnixNano())
}

func (i *instance) lastActive() time.Time {
	return time.Unix(0, i.active.Load())
}

// enqueue hands an op to the worker. Blocking mode (HTTP) waits for queue
// room; non-blocking mode (MQTT) drops when the queue is full.
func (i *instance) enqueue(o op, block bool) error {
	i.mtx.RLock()
	defer i.mtx.RUnlock()
	if i.stopped {
		return errInstanceStopped
	}

	if block {
		select {
		case i.ch <- o:
			return nil
		case <-i.stopCh:
			return errInstanceStopped
		}
	}

	select {
	case i.ch <- o:
		return nil
	default:
		metricPointsDropped.WithLabelValues("queue_full").Inc()
		return errQueueFull
	}
}

// stop marks the instance stopped. Ops already queued are still processed;
// new enqueues fail.
func (i *instance) stop() {
	i.mtx.Lock()
	if i.stopped {
		i.mtx.Unlock()
		return
	}
	i.stopped = true
	i.mtx.Unlock()
	close(i.stopCh)
}

// runInstance is the device worker loop: Idle, Accepting, then for each
// unit of work Persisting, Scoring and Publishing, strictly in that order.
// The detector window is rebuilt before the first op is consumed; ops
// enqueued in the meantime just wait in the channel, and other devices are
// not held up by a slow warm query.
func (p *Pipeline) runInstance(i *instance) {
	defer func() {
		metricActiveWorkers.Dec()
		p.workers.Done()
		close(i.done)
	}()

	i.seq = p.warmWindow(i.deviceID)

	flush := time.NewTicker(p.cfg.MQTTFlushInterval)
	defer flush.Stop()

	ctx := context.Background()
	for {
		select {
		case o := <-i.ch:
			i.touch()
			p.handleOp(ctx, i, o)
		case <-flush.C:
			p.flushBuffer(ctx, i)
		case <-i.stopCh:
			p.drain(i)
			return
		}
	}
}

// drain processes everything still queued, flushes the point buffer and
// forces out any batches the detector is holding. During shutdown pending
// external scorer requests are not attempted and their points are re-scored
// by the fallback; an idle reap still has a live scorer and uses it.
func (p *Pipeline) drain(i *instance) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownGrace)
	defer cancel()

	for {
		select {
		case o := <-i.ch:
			p.handleOp(ctx, i, o)
		default:
			p.flushBuffer(ctx, i)

			flushCtx := ctx
			if p.isReadonly() {
				cancelled, stop := context.WithCancel(ctx)
				stop()
				flushCtx = cancelled
			}
			p.handleResults(ctx, i.deviceID, p.registry.Flush(flushCtx, i.deviceID))
			return
		}
	}
}

func (p *Pipeline) handleOp(ctx context.Context, i *instance, o op) {
	switch o := o.(type) {
	case *batchOp:
		// buffered points arrived first; they must reach the store and the
		// detectors before this batch does
		p.flushBuffer(ctx, i)
		o.result <- p.processBatch(ctx, i, o.points)
	case *pointOp:
		i.buffer = append(i.buffer, o.point)
		if len(i.buffer) >= p.cfg.MQTTBatchSize {
			p.flushBuffer(ctx, i)
		}
	}
}

// processBatch handles one HTTP batch as a unit: one transactional insert,
// one scoring call.
func (p *Pipeline) processBatch(ctx context.Context, i *instance, points []model.Point) batchResult {
	for idx := range points {
		i.seq++
		points[idx].Seq = i.seq
	}

	ids, err := p.store.InsertPoints(ctx, points)
	if err != nil {
		metricBatchesFailed.Inc()
		return batchResult{err: err}
	}
	for idx := range points {
		points[idx].ID = ids[idx]
	}

	p.publishMetrics(points)
	results := p.registry.ScoreBatch(ctx, i.deviceID, points)
	anomalies := p.handleResults(ctx, i.deviceID, results)

	return batchResult{inserted: len(points), anomalies: anomalies}
}

// flushBuffer persists and scores the buffered MQTT points. A persistence
// failure drops the batch; the source is best-effort fan-out.
func (p *Pipeline) flushBuffer(ctx context.Context, i *instance) {
	if len(i.buffer) == 0 {
		return
	}
	batch := i.buffer
	i.buffer = nil

	for idx := range batch {
		i.seq++
		batch[idx].Seq = i.seq
	}

	ids, err := p.store.InsertPoints(ctx, batch)
	if err != nil {
		metricBatchesFailed.Inc()
		metricPointsDropped.WithLabelValues("store_failure").Add(float64(len(batch)))
		level.Warn(util_log.WithDevice(i.deviceID, p.logger)).Log("msg", "dropping point batch after persistence failure", "points", len(batch), "err", err)
		return
	}
	for idx := range batch {
		batch[idx].ID = ids[idx]
	}

	p.publishMetrics(batch)
	p.handleResults(ctx, i.deviceID, p.registry.ScoreBatch(ctx, i.deviceID, batch))
}

func (p *Pipeline) publishMetrics(points []model.Point) {
	for idx := range points {
		pt := points[idx]
		p.bus.Publish(eventbus.DeviceTopic(pt.DeviceID), model.Event{
			Kind:     model.EventMetricNew,
			DeviceID: pt.DeviceID,
			Payload:  model.MetricEvent{DeviceID: pt.DeviceID, Metric: pt},
		})
	}
}

// handleResults persists anomaly records and, only once the insert has
// returned, publishes anomaly:new events carrying the persisted ids.
func (p *Pipeline) handleResults(ctx context.Context, deviceID string, results []detector.Result) int {
	var anomalies []model.Anomaly
	for _, res := range results {
		if !res.IsAnomaly {
			continue
		}
		anomalies = append(anomalies, model.Anomaly{
			ID:       uuid.NewString(),
			DeviceID: deviceID,
			PointID:  res.Point.ID,
			Ts:       res.Point.Timestamp,
			Score:    res.Score,
			Detector: res.Detector,
			Flagged:  true,
		})
	}
	if len(anomalies) == 0 {
		return 0
	}

	if err := p.store.InsertAnomalies(ctx, anomalies); err != nil {
		level.Error(util_log.WithDevice(deviceID, p.logger)).Log("msg", "failed to persist anomalies, events suppressed", "count", len(anomalies), "err", err)
		return 0
	}

	for _, a := range anomalies {
		p.bus.Publish(eventbus.DeviceTopic(deviceID), model.Event{
			Kind:     model.EventAnomalyNew,
			DeviceID: deviceID,
			Payload:  model.AnomalyEvent{DeviceID: deviceID, Anomaly: a},
		})
	}
	return len(anomalies)
}

// normalise fills missing timestamps with accept time and rejects
// non-finite measurements.
func normalise(deviceID string, points []model.Point) ([]model.Point, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	out := make([]model.Point, len(points))
	for idx := range points {
		pt := points[idx]
		pt.DeviceID = deviceID
		if !pt.Valid() {
			return nil, ErrInvalidPoint
		}
		if pt.Timestamp.IsZero() {
			pt.Timestamp = now
		} else {
			pt.Timestamp = pt.Timestamp.UTC().Truncate(time.Millisecond)
		}
		out[idx] = pt
	}
	return out, nil
}
