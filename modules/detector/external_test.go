package detector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/gridwatch/gridwatch/pkg/model"
)

func externalConfig(url string, batchSize int) Config {
	return Config{
		Engine:              EngineExternal,
		ZScoreThreshold:     3.0,
		ThresholdPercentile: 95,
		External: ExternalConfig{
			Enabled:   true,
			URL:       url,
			Timeout:   time.Second,
			BatchSize: batchSize,
		},
	}
}

// scorerServer fakes the ML service: every point whose temperature exceeds
// 30 is anomalous.
func scorerServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		var req scoreBatchRequest
		require.NoError(t, jsoniter.NewDecoder(r.Body).Decode(&req))

		resp := scoreBatchResponse{}
		for i, p := range req.Points {
			resp.Scores = append(resp.Scores, scoredPoint{
				Index:     i,
				Score:     p.TemperatureC / 30.0,
				IsAnomaly: p.TemperatureC > 30.0,
			})
		}
		require.NoError(t, jsoniter.NewEncoder(w).Encode(resp))
	}))
}

func TestExternalBuffersUntilBatchSize(t *testing.T) {
	calls := atomic.NewInt64(0)
	srv := scorerServer(t, calls)
	defer srv.Close()

	d := newExternalDetector("dev1", newScorerClient(externalConfig(srv.URL, 4).External, log.NewNopLogger()), externalConfig(srv.URL, 4), log.NewNopLogger())

	for i := 0; i < 3; i++ {
		require.Empty(t, d.scoreBatch(context.Background(), []model.Point{nominalPoint(22.0)}))
	}
	assert.EqualValues(t, 0, calls.Load())

	// fourth point triggers the dispatch; results cover all buffered points
	results := d.scoreBatch(context.Background(), []model.Point{nominalPoint(40.0)})
	require.Len(t, results, 4)
	assert.EqualValues(t, 1, calls.Load())

	for i := 0; i < 3; i++ {
		assert.False(t, results[i].IsAnomaly)
		assert.Equal(t, EngineExternal, results[i].Detector)
	}
	assert.True(t, results[3].IsAnomaly)
	assert.Equal(t, EngineExternal, results[3].Detector)
}

func TestExternalTimeoutFallsBackToZScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	cfg := externalConfig(srv.URL, 4)
	cfg.External.Timeout = 100 * time.Millisecond
	d := newExternalDetector("dev1", newScorerClient(cfg.External, log.NewNopLogger()), cfg, log.NewNopLogger())

	points := []model.Point{
		nominalPoint(22.0), nominalPoint(22.0), nominalPoint(22.0), nominalPoint(40.0),
	}

	start := time.Now()
	results := d.scoreBatch(context.Background(), points)
	elapsed := time.Since(start)

	require.Len(t, results, 4)
	assert.Less(t, elapsed, time.Second)
	for _, res := range results {
		assert.Equal(t, EngineZScore, res.Detector)
	}
}

func TestExternalPersistentFailureMatchesZScore(t *testing.T) {
	// if the RPC fails on every call the observable anomalies equal what
	// the z-score fallback alone would have produced
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := externalConfig(srv.URL, 4)
	external := newExternalDetector("dev1", newScorerClient(cfg.External, log.NewNopLogger()), cfg, log.NewNopLogger())
	reference := newZScoreDetector(DefaultZScoreWindow, cfg.ZScoreThreshold)

	var externalFlags, referenceFlags []bool
	for i := 0; i < 64; i++ {
		temp := 22.0
		if i == 50 {
			temp = 45.0
		}
		p := nominalPoint(temp)

		for _, res := range external.scoreBatch(context.Background(), []model.Point{p}) {
			externalFlags = append(externalFlags, res.IsAnomaly)
		}
		for _, res := range reference.scoreBatch(context.Background(), []model.Point{p}) {
			referenceFlags = append(referenceFlags, res.IsAnomaly)
		}
	}
	for _, res := range external.flush(context.Background()) {
		externalFlags = append(externalFlags, res.IsAnomaly)
	}

	assert.Equal(t, referenceFlags, externalFlags)
}

func TestExternalFlushCancelledContextSkipsScorer(t *testing.T) {
	calls := atomic.NewInt64(0)
	srv := scorerServer(t, calls)
	defer srv.Close()

	cfg := externalConfig(srv.URL, 64)
	d := newExternalDetector("dev1", newScorerClient(cfg.External, log.NewNopLogger()), cfg, log.NewNopLogger())

	require.Empty(t, d.scoreBatch(context.Background(), []model.Point{nominalPoint(22.0), nominalPoint(22.0)}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := d.flush(ctx)
	require.Len(t, results, 2)
	assert.EqualValues(t, 0, calls.Load())
	for _, res := range results {
		assert.Equal(t, EngineZScore, res.Detector)
	}
}

func TestRegistryRejectsUnknownEngine(t *testing.T) {
	_, err := New(Config{Engine: "isolation-forest"}, log.NewNopLogger())
	require.Error(t, err)
}

func TestRegistryPerDeviceIsolation(t *testing.T) {
	reg, err := New(Config{Engine: EngineZScore, WindowSize: 100, ZScoreThreshold: 3.0}, log.NewNopLogger())
	require.NoError(t, err)

	// fill dev1's window with constants, then spike. dev2's window is
	// untouched, so the same spike value is its unremarkable first point.
	for i := 0; i < 50; i++ {
		reg.ScoreBatch(context.Background(), "dev1", []model.Point{nominalPoint(22.0)})
	}
	spike := reg.ScoreBatch(context.Background(), "dev1", []model.Point{nominalPoint(40.0)})
	require.Len(t, spike, 1)
	assert.True(t, spike[0].IsAnomaly)

	fresh := reg.ScoreBatch(context.Background(), "dev2", []model.Point{nominalPoint(40.0)})
	require.Len(t, fresh, 1)
	assert.False(t, fresh[0].IsAnomaly)
}

func TestRegistryHealthyExternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	reg, err := New(externalConfig(srv.URL, 4), log.NewNopLogger())
	require.NoError(t, err)
	assert.NoError(t, reg.Healthy(context.Background()))

	local, err := New(Config{Engine: EngineZScore}, log.NewNopLogger())
	require.NoError(t, err)
	assert.NoError(t, local.Healthy(context.Background()))
}
