package api

import (
	"bytes"
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gridwatch/gridwatch/modules/detector"
	"github.com/gridwatch/gridwatch/modules/pipeline"
	"github.com/gridwatch/gridwatch/modules/store"
	"github.com/gridwatch/gridwatch/pkg/eventbus"
	"github.com/gridwatch/gridwatch/pkg/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memStore struct {
	services.Service

	mtx       sync.Mutex
	devices   map[string]model.Device
	points    []model.Point
	anomalies []model.Anomaly

	lastAnomalyQuery store.AnomalyQuery
}

func newMemStore() *memStore {
	s := &memStore{devices: map[string]model.Device{}}
	s.Service = services.NewIdleService(nil, nil)
	return s
}

func (s *memStore) UpsertDevice(_ context.Context, d model.Device) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.devices[d.ID]; !ok {
		d.CreatedAt = time.Now()
		s.devices[d.ID] = d
	}
	return nil
}

func (s *memStore) UpdateDeviceLocation(_ context.Context, id string, lat, lng float64) (model.Device, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	d := s.devices[id]
	d.ID, d.Lat, d.Lng = id, &lat, &lng
	s.devices[id] = d
	return d, nil
}

func (s *memStore) CreateDevice(_ context.Context, name, location string) (model.Device, error) {
	d := model.Device{ID: uuid.NewString(), Name: name, Location: location, CreatedAt: time.Now()}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.devices[d.ID] = d
	return d, nil
}

func (s *memStore) GetDevice(_ context.Context, id string) (model.Device, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return model.Device{}, store.ErrNotFound
	}
	return d, nil
}

func (s *memStore) ListDevices(context.Context) ([]store.DeviceCounts, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []store.DeviceCounts
	for _, d := range s.devices {
		dc := store.DeviceCounts{Device: d}
		for i := range s.points {
			if s.points[i].DeviceID == d.ID {
				dc.Metrics++
			}
		}
		for i := range s.anomalies {
			if s.anomalies[i].DeviceID == d.ID {
				dc.Anomalies++
			}
		}
		out = append(out, dc)
	}
	return out, nil
}

func (s *memStore) InsertPoints(_ context.Context, points []model.Point) ([]string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ids := make([]string, len(points))
	for i := range points {
		ids[i] = uuid.NewString()
		p := points[i]
		p.ID = ids[i]
		s.points = append(s.points, p)
	}
	return ids, nil
}

func (s *memStore) InsertAnomalies(_ context.Context, anomalies []model.Anomaly) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.anomalies = append(s.anomalies, anomalies...)
	return nil
}

func (s *memStore) QueryPoints(_ context.Context, q store.PointQuery) ([]model.Point, int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var matched []model.Point
	for i := len(s.points) - 1; i >= 0; i-- {
		if q.DeviceID != "" && s.points[i].DeviceID != q.DeviceID {
			continue
		}
		matched = append(matched, s.points[i])
	}
	total := int64(len(matched))
	if q.Offset < len(matched) {
		matched = matched[q.Offset:]
	} else {
		matched = nil
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, total, nil
}

func (s *memStore) QueryAnomalies(_ context.Context, q store.AnomalyQuery) ([]model.Anomaly, int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.lastAnomalyQuery = q
	return append([]model.Anomaly(nil), s.anomalies...), int64(len(s.anomalies)), nil
}

func (s *memStore) Stats(context.Context) (store.Stats, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return store.Stats{
		Devices:   int64(len(s.devices)),
		Points:    int64(len(s.points)),
		Anomalies: int64(len(s.anomalies)),
	}, nil
}

func (s *memStore) Ping(context.Context) error { return nil }

type testAPI struct {
	api    *API
	store  *memStore
	router *mux.Router
}

func newTestAPI(t *testing.T, mutate func(*Config, *pipeline.Config, *detector.Config)) *testAPI {
	t.Helper()

	var (
		cfg   Config
		pcfg  pipeline.Config
		dcfg  detector.Config
		flags = flag.NewFlagSet("", flag.PanicOnError)
	)
	cfg.RegisterFlagsAndApplyDefaults("api", flags)
	pcfg.RegisterFlagsAndApplyDefaults("pipeline", flags)
	dcfg.RegisterFlagsAndApplyDefaults("detector", flags)
	dcfg.Engine = detector.EngineZScore
	if mutate != nil {
		mutate(&cfg, &pcfg, &dcfg)
	}

	st := newMemStore()
	reg, err := detector.New(dcfg, log.NewNopLogger())
	require.NoError(t, err)
	p, err := pipeline.New(pcfg, st, reg, eventbus.New(), log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), p))
	})

	a, err := New(cfg, p, st, reg, log.NewNopLogger())
	require.NoError(t, err)
	router := mux.NewRouter()
	a.RegisterRoutes(router)
	return &testAPI{api: a, store: st, router: router}
}

func (ta *testAPI) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ta.router.ServeHTTP(rec, req)
	return rec
}

func ingestBody(t *testing.T, deviceID string, temps ...float64) *bytes.Buffer {
	t.Helper()
	req := ingestRequest{DeviceID: deviceID}
	for _, temp := range temps {
		req.Metrics = append(req.Metrics, model.Point{
			TemperatureC: temp,
			VibrationG:   0.5,
			HumidityPct:  45.0,
			VoltageV:     12.0,
		})
	}
	body, err := jsoniter.Marshal(req)
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestIngestDetectsSpike(t *testing.T) {
	ta := newTestAPI(t, nil)

	temps := make([]float64, 0, 51)
	for i := 0; i < 50; i++ {
		temps = append(temps, 22.0)
	}
	temps = append(temps, 40.0)

	rec := ta.do(httptest.NewRequest(http.MethodPost, "/api/ingest", ingestBody(t, "dev-1", temps...)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var res ingestResponse
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, 51, res.MetricsInserted)
	assert.Equal(t, 1, res.AnomaliesDetected)
	assert.Equal(t, "dev-1", res.DeviceID)
}

func TestIngestSchemaViolations(t *testing.T) {
	ta := newTestAPI(t, nil)

	for _, body := range []string{
		`not json`,
		`{"metrics":[{"temperature_c":22}]}`,
		`{"deviceId":"dev-1","metrics":[]}`,
		`{"deviceId":"dev-1"}`,
	} {
		rec := ta.do(httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewBufferString(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", body)
	}
	assert.Empty(t, ta.store.points)
}

func TestIngestAuth(t *testing.T) {
	ta := newTestAPI(t, func(cfg *Config, _ *pipeline.Config, _ *detector.Config) {
		cfg.IngestAPIKey = flagext.SecretWithValue("sekrit")
	})

	rec := ta.do(httptest.NewRequest(http.MethodPost, "/api/ingest", ingestBody(t, "dev-1", 22.0)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/ingest", ingestBody(t, "dev-1", 22.0))
	req.Header.Set("X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, ta.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/ingest", ingestBody(t, "dev-1", 22.0))
	req.Header.Set("X-API-Key", "sekrit")
	assert.Equal(t, http.StatusCreated, ta.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/ingest", ingestBody(t, "dev-1", 22.0))
	req.Header.Set("Authorization", "Bearer sekrit")
	assert.Equal(t, http.StatusCreated, ta.do(req).Code)
}

func TestIngestRateLimit(t *testing.T) {
	ta := newTestAPI(t, func(cfg *Config, _ *pipeline.Config, _ *detector.Config) {
		cfg.RatePerMinute = 1
		cfg.RateBurst = 2
	})

	for i := 0; i < 2; i++ {
		rec := ta.do(httptest.NewRequest(http.MethodPost, "/api/ingest", ingestBody(t, "dev-1", 22.0)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ta.do(httptest.NewRequest(http.MethodPost, "/api/ingest", ingestBody(t, "dev-1", 22.0)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestIngestUnknownDevice(t *testing.T) {
	ta := newTestAPI(t, func(_ *Config, pcfg *pipeline.Config, _ *detector.Config) {
		pcfg.AllowAutoProvision = false
	})

	rec := ta.do(httptest.NewRequest(http.MethodPost, "/api/ingest", ingestBody(t, "ghost", 22.0)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, ta.store.points)
}

func TestDeviceEndpoints(t *testing.T) {
	ta := newTestAPI(t, nil)

	rec := ta.do(httptest.NewRequest(http.MethodPost, "/api/devices", bytes.NewBufferString(`{"name":"pump-7","location":"hall b"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created model.Device
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "pump-7", created.Name)

	rec = ta.do(httptest.NewRequest(http.MethodGet, "/api/devices/"+created.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(httptest.NewRequest(http.MethodGet, "/api/devices/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ta.do(httptest.NewRequest(http.MethodGet, "/api/devices", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Devices []wireDevice `json:"devices"`
		Count   int          `json:"count"`
	}
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	require.Len(t, list.Devices, 1)
	assert.Equal(t, "pump-7", list.Devices[0].Name)

	rec = ta.do(httptest.NewRequest(http.MethodPost, "/api/devices", bytes.NewBufferString(`{"location":"no name"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsPagination(t *testing.T) {
	ta := newTestAPI(t, nil)

	rec := ta.do(httptest.NewRequest(http.MethodPost, "/api/ingest", ingestBody(t, "dev-1", 22.0, 22.1, 22.2, 22.3, 22.4)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ta.do(httptest.NewRequest(http.MethodGet, "/api/metrics?deviceId=dev-1&limit=2&offset=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Metrics    []model.Point `json:"metrics"`
		Pagination pagination    `json:"pagination"`
	}
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &res))
	assert.Len(t, res.Metrics, 2)
	assert.Equal(t, int64(5), res.Pagination.Total)
	assert.Equal(t, 2, res.Pagination.Limit)
	assert.Equal(t, 2, res.Pagination.Offset)
	assert.True(t, res.Pagination.HasMore)

	rec = ta.do(httptest.NewRequest(http.MethodGet, "/api/metrics?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(httptest.NewRequest(http.MethodGet, "/api/metrics?from=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsLimitCap(t *testing.T) {
	ta := newTestAPI(t, func(cfg *Config, _ *pipeline.Config, _ *detector.Config) {
		cfg.MaxPageSize = 3
	})

	rec := ta.do(httptest.NewRequest(http.MethodGet, "/api/metrics?limit=500", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Pagination pagination `json:"pagination"`
	}
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 3, res.Pagination.Limit)
}

func TestAnomaliesFilterParsing(t *testing.T) {
	ta := newTestAPI(t, nil)

	rec := ta.do(httptest.NewRequest(http.MethodGet, "/api/anomalies?deviceId=dev-1&type=zscore&flagged=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	q := ta.store.lastAnomalyQuery
	assert.Equal(t, "dev-1", q.DeviceID)
	assert.Equal(t, "zscore", q.Detector)
	require.NotNil(t, q.Flagged)
	assert.True(t, *q.Flagged)

	rec = ta.do(httptest.NewRequest(http.MethodGet, "/api/anomalies?flagged=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	ta := newTestAPI(t, nil)

	rec := ta.do(httptest.NewRequest(http.MethodPost, "/api/ingest", ingestBody(t, "dev-1", 22.0)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ta.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Status   string `json:"status"`
		Database struct {
			Connected bool        `json:"connected"`
			Stats     store.Stats `json:"stats"`
		} `json:"database"`
		AnomalyEngine struct {
			Engine  string `json:"engine"`
			Healthy bool   `json:"healthy"`
		} `json:"anomalyEngine"`
	}
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "ok", res.Status)
	assert.True(t, res.Database.Connected)
	assert.Equal(t, int64(1), res.Database.Stats.Points)
	assert.Equal(t, detector.EngineZScore, res.AnomalyEngine.Engine)
	assert.True(t, res.AnomalyEngine.Healthy)
}
