package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gridwatch/gridwatch/modules/detector"
	"github.com/gridwatch/gridwatch/modules/pipeline"
	"github.com/gridwatch/gridwatch/modules/store"
	"github.com/gridwatch/gridwatch/pkg/model"
)

var metricRequestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gridwatch",
	Name:      "api_requests_rejected_total",
	Help:      "The total number of rejected API requests, by reason.",
}, []string{"reason"})

// API serves the REST surface: ingest plus device, metric, anomaly and
// health queries.
type API struct {
	services.Service

	cfg      Config
	logger   log.Logger
	pipeline *pipeline.Pipeline
	store    store.Store
	registry *detector.Registry

	limiters *clientLimiters
}

// New creates the API.
func New(cfg Config, p *pipeline.Pipeline, st store.Store, registry *detector.Registry, logger log.Logger) (*API, error) {
	a := &API{
		cfg:      cfg,
		logger:   logger,
		pipeline: p,
		store:    st,
		registry: registry,
		limiters: newClientLimiters(cfg.RatePerMinute, cfg.RateBurst),
	}
	a.Service = services.NewIdleService(a.starting, nil)
	return a, nil
}

func (a *API) starting(_ context.Context) error {
	if a.cfg.IngestAPIKey.String() == "" {
		level.Warn(a.logger).Log("msg", "ingest endpoint is open, no api key configured")
	}
	return nil
}

// RegisterRoutes attaches all handlers to the server mux.
func (a *API) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/ingest", a.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/api/devices", a.handleListDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/devices", a.handleCreateDevice).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{id}", a.handleGetDevice).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics", a.handleQueryMetrics).Methods(http.MethodGet)
	r.HandleFunc("/api/anomalies", a.handleQueryAnomalies).Methods(http.MethodGet)
	r.HandleFunc("/api/health", a.handleHealth).Methods(http.MethodGet)
}

type ingestRequest struct {
	DeviceID string        `json:"deviceId"`
	Metrics  []model.Point `json:"metrics"`
}

type ingestResponse struct {
	Success           bool   `json:"success"`
	MetricsInserted   int    `json:"metricsInserted"`
	AnomaliesDetected int    `json:"anomaliesDetected"`
	DeviceID          string `json:"deviceId"`
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		metricRequestsRejected.WithLabelValues("auth").Inc()
		writeError(w, http.StatusUnauthorized, "invalid or missing api key")
		return
	}
	if !a.limiters.allow(clientIdentity(r)) {
		metricRequestsRejected.WithLabelValues("rate_limit").Inc()
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req ingestRequest
	if err := jsoniter.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.DeviceID == "" || len(req.Metrics) == 0 {
		writeError(w, http.StatusBadRequest, "deviceId and at least one metric are required")
		return
	}

	res, err := a.pipeline.PushBatch(r.Context(), req.DeviceID, req.Metrics)
	if err != nil {
		a.writeIngestError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ingestResponse{
		Success:           true,
		MetricsInserted:   res.Inserted,
		AnomaliesDetected: res.Anomalies,
		DeviceID:          req.DeviceID,
	})
}

func (a *API) writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidPoint):
		writeError(w, http.StatusBadRequest, "metrics must be finite numbers")
	case errors.Is(err, pipeline.ErrUnknownDevice):
		metricRequestsRejected.WithLabelValues("unknown_device").Inc()
		writeError(w, http.StatusNotFound, "unknown device")
	case errors.Is(err, pipeline.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		level.Error(a.logger).Log("msg", "ingest failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to persist batch")
	}
}

type wireCounts struct {
	Metrics   int64 `json:"metrics"`
	Anomalies int64 `json:"anomalies"`
}

type wireDevice struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Location  string     `json:"location,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	Count     wireCounts `json:"_count"`
}

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.store.ListDevices(r.Context())
	if err != nil {
		level.Error(a.logger).Log("msg", "failed to list devices", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	out := make([]wireDevice, 0, len(devices))
	for _, dc := range devices {
		out = append(out, wireDevice{
			ID:        dc.Device.ID,
			Name:      dc.Device.Name,
			Location:  dc.Device.WireLocation(),
			CreatedAt: dc.Device.CreatedAt,
			Count:     wireCounts{Metrics: dc.Metrics, Anomalies: dc.Anomalies},
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": out,
		"count":   len(out),
	})
}

func (a *API) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := a.store.GetDevice(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	if err != nil {
		level.Error(a.logger).Log("msg", "failed to read device", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read device")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Location string `json:"location"`
	}
	if err := jsoniter.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	d, err := a.store.CreateDevice(r.Context(), req.Name, req.Location)
	if err != nil {
		level.Error(a.logger).Log("msg", "failed to create device", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create device")
		return
	}
	d.Location = d.WireLocation()
	writeJSON(w, http.StatusCreated, d)
}

type pagination struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"hasMore"`
}

func (a *API) handleQueryMetrics(w http.ResponseWriter, r *http.Request) {
	q := store.PointQuery{DeviceID: r.URL.Query().Get("deviceId")}
	var err error
	if q.From, q.To, q.Limit, q.Offset, err = a.parseWindow(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, total, err := a.store.QueryPoints(r.Context(), q)
	if err != nil {
		level.Error(a.logger).Log("msg", "failed to query metrics", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to query metrics")
		return
	}
	if points == nil {
		points = []model.Point{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":    points,
		"pagination": paginate(total, q.Limit, q.Offset),
	})
}

func (a *API) handleQueryAnomalies(w http.ResponseWriter, r *http.Request) {
	q := store.AnomalyQuery{
		DeviceID: r.URL.Query().Get("deviceId"),
		Detector: r.URL.Query().Get("type"),
	}
	if v := r.URL.Query().Get("flagged"); v != "" {
		flagged, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "flagged must be a boolean")
			return
		}
		q.Flagged = &flagged
	}
	var err error
	if q.From, q.To, q.Limit, q.Offset, err = a.parseWindow(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	anomalies, total, err := a.store.QueryAnomalies(r.Context(), q)
	if err != nil {
		level.Error(a.logger).Log("msg", "failed to query anomalies", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to query anomalies")
		return
	}
	if anomalies == nil {
		anomalies = []model.Anomaly{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies":  anomalies,
		"pagination": paginate(total, q.Limit, q.Offset),
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	type database struct {
		Connected bool        `json:"connected"`
		Stats     store.Stats `json:"stats"`
	}
	type engine struct {
		Engine  string `json:"engine"`
		Healthy bool   `json:"healthy"`
	}

	db := database{Connected: true}
	if err := a.store.Ping(r.Context()); err != nil {
		db.Connected = false
	} else if stats, err := a.store.Stats(r.Context()); err == nil {
		db.Stats = stats
	}

	eng := engine{Engine: a.registry.Engine(), Healthy: true}
	if err := a.registry.Healthy(r.Context()); err != nil {
		eng.Healthy = false
	}

	status := "ok"
	if !db.Connected || !eng.Healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"database":      db,
		"anomalyEngine": eng,
	})
}

func (a *API) parseWindow(r *http.Request) (from, to time.Time, limit, offset int, err error) {
	query := r.URL.Query()
	if v := query.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return time.Time{}, time.Time{}, 0, 0, errors.New("from must be RFC 3339")
		}
	}
	if v := query.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return time.Time{}, time.Time{}, 0, 0, errors.New("to must be RFC 3339")
		}
	}

	limit = a.cfg.MaxPageSize
	if v := query.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return time.Time{}, time.Time{}, 0, 0, errors.New("limit must be a positive integer")
		}
		if limit > a.cfg.MaxPageSize {
			limit = a.cfg.MaxPageSize
		}
	}
	if v := query.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return time.Time{}, time.Time{}, 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return from, to, limit, offset, nil
}

func paginate(total int64, limit, offset int) pagination {
	return pagination{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: int64(offset+limit) < total,
	}
}

// authorized checks the shared ingest secret. An unset secret leaves the
// endpoint open.
func (a *API) authorized(r *http.Request) bool {
	key := a.cfg.IngestAPIKey.String()
	if key == "" {
		return true
	}
	presented := r.Header.Get("X-API-Key")
	if presented == "" {
		presented = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1
}

// clientIdentity keys the rate limiter: the presented api key when there is
// one, else the remote address.
func clientIdentity(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); auth != r.Header.Get("Authorization") {
		return auth
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoniter.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
