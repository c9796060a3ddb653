package detector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/gridwatch/gridwatch/pkg/model"
)

var (
	metricExternalRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "detector_external_requests_total",
		Help:      "The total number of requests dispatched to the external scorer.",
	})
	metricExternalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "detector_external_failures_total",
		Help:      "The total number of failed external scorer requests.",
	})
	metricExternalFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "detector_external_fallbacks_total",
		Help:      "The total number of batches scored by the fallback engine.",
	})
)

type scoredPoint struct {
	Index     int     `json:"index"`
	Score     float64 `json:"score"`
	IsAnomaly bool    `json:"isAnomaly"`
}

type scoreBatchRequest struct {
	DeviceID string       `json:"deviceId"`
	Points   []scorePoint `json:"points"`
}

type scorePoint struct {
	Ts           string  `json:"ts"`
	TemperatureC float64 `json:"temperature_c"`
	VibrationG   float64 `json:"vibration_g"`
	HumidityPct  float64 `json:"humidity_pct"`
	VoltageV     float64 `json:"voltage_v"`
}

type scoreBatchResponse struct {
	Scores []scoredPoint `json:"scores"`
}

// scorerClient talks to the external ML scorer. A circuit breaker keeps a
// dead scorer from adding its full timeout to every batch.
type scorerClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

func newScorerClient(cfg ExternalConfig, logger log.Logger) *scorerClient {
	return &scorerClient{
		baseURL: cfg.URL,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "external-scorer",
			Interval: time.Minute,
			Timeout:  30 * time.Second,
		}),
		logger: logger,
	}
}

func (c *scorerClient) scoreBatch(ctx context.Context, deviceID string, points []model.Point) ([]scoredPoint, error) {
	req := scoreBatchRequest{DeviceID: deviceID, Points: make([]scorePoint, 0, len(points))}
	for i := range points {
		req.Points = append(req.Points, scorePoint{
			Ts:           points[i].Timestamp.UTC().Format(time.RFC3339Nano),
			TemperatureC: points[i].TemperatureC,
			VibrationG:   points[i].VibrationG,
			HumidityPct:  points[i].HumidityPct,
			VoltageV:     points[i].VoltageV,
		})
	}

	body, err := jsoniter.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	metricExternalRequests.Inc()
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, body)
	})
	if err != nil {
		metricExternalFailures.Inc()
		return nil, err
	}

	return res.([]scoredPoint), nil
}

func (c *scorerClient) do(ctx context.Context, body []byte) ([]scoredPoint, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score-batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpRes, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, httpRes.Body)
		_ = httpRes.Body.Close()
	}()

	if httpRes.StatusCode < 200 || httpRes.StatusCode >= 300 {
		return nil, fmt.Errorf("external scorer returned %d", httpRes.StatusCode)
	}

	var resp scoreBatchResponse
	if err := jsoniter.NewDecoder(httpRes.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}
	return resp.Scores, nil
}

// healthy checks the scorer's /health endpoint.
func (c *scorerClient) healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("external scorer health returned %d", res.StatusCode)
	}
	var health struct {
		OK bool `json:"ok"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&health); err != nil {
		return err
	}
	if !health.OK {
		return fmt.Errorf("external scorer reports not ok")
	}
	return nil
}

// externalDetector buffers points per device and dispatches them to the
// external scorer once the batch threshold is reached. Any failure falls
// back to a local z-score pass for that batch; results then carry the
// z-score tag so audits reflect the detector actually used. The fallback is
// transient, subsequent batches retry the scorer.
type externalDetector struct {
	deviceID  string
	scorer    *scorerClient
	fallback  *zscoreDetector
	batchSize int
	logger    log.Logger

	buf []model.Point
}

func newExternalDetector(deviceID string, scorer *scorerClient, cfg Config, logger log.Logger) *externalDetector {
	return &externalDetector{
		deviceID:  deviceID,
		scorer:    scorer,
		fallback:  newZScoreDetector(DefaultZScoreWindow, cfg.ZScoreThreshold),
		batchSize: cfg.External.BatchSize,
		logger:    logger,
	}
}

func (d *externalDetector) scoreBatch(ctx context.Context, points []model.Point) []Result {
	d.buf = append(d.buf, points...)
	if len(d.buf) < d.batchSize {
		return nil
	}
	return d.dispatch(ctx)
}

// flush scores whatever is buffered. On a cancelled context the scorer is
// not attempted at all and the batch goes straight to the fallback.
func (d *externalDetector) flush(ctx context.Context) []Result {
	if len(d.buf) == 0 {
		return nil
	}
	if ctx.Err() != nil {
		batch := d.buf
		d.buf = nil
		return d.fallbackScore(ctx, batch)
	}
	return d.dispatch(ctx)
}

func (d *externalDetector) dispatch(ctx context.Context) []Result {
	batch := d.buf
	d.buf = nil

	scores, err := d.scorer.scoreBatch(ctx, d.deviceID, batch)
	if err != nil {
		level.Warn(d.logger).Log("msg", "external scorer failed, falling back to zscore", "device", d.deviceID, "points", len(batch), "err", err)
		return d.fallbackScore(ctx, batch)
	}

	results := make([]Result, 0, len(batch))
	for i := range batch {
		results = append(results, Result{Point: batch[i], Detector: EngineExternal})
	}
	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(results) {
			continue
		}
		results[s.Index].Score = s.Score
		if results[s.Index].Score < 0 {
			results[s.Index].Score = 0
		}
		results[s.Index].IsAnomaly = s.IsAnomaly
	}
	return results
}

func (d *externalDetector) fallbackScore(ctx context.Context, batch []model.Point) []Result {
	metricExternalFallbacks.Inc()
	return d.fallback.scoreBatch(ctx, batch)
}

// warm seeds the fallback's windows only. The external scorer keeps its own
// per-device windows server-side.
func (d *externalDetector) warm(points []model.Point) {
	d.fallback.warm(points)
}
