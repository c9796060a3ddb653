package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gridwatch/gridwatch/pkg/model"
)

// ErrNotFound is returned for reads of devices that do not exist.
var ErrNotFound = errors.New("not found")

var (
	metricWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "store_writes_total",
		Help:      "The total number of successful write operations, by kind.",
	}, []string{"kind"})
	metricWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "store_write_failures_total",
		Help:      "The total number of write operations that failed after retries.",
	}, []string{"kind"})
	metricRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "store_retries_total",
		Help:      "The total number of write retries after transient failures.",
	})
)

// PointQuery filters point reads. Zero times mean unbounded.
type PointQuery struct {
	DeviceID string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// AnomalyQuery filters anomaly reads.
type AnomalyQuery struct {
	DeviceID string
	Detector string
	Flagged  *bool
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// DeviceCounts is a device plus its row counts, as exposed on the API.
type DeviceCounts struct {
	Device    model.Device
	Metrics   int64
	Anomalies int64
}

// Stats are row counts reported by the health endpoint.
type Stats struct {
	Devices   int64 `json:"devices"`
	Points    int64 `json:"metrics"`
	Anomalies int64 `json:"anomalies"`
}

// Store is the persistence gateway. Writes retry transient failures with
// bounded backoff; callers see an error only after the retry budget is
// exhausted.
type Store interface {
	services.Service

	UpsertDevice(ctx context.Context, d model.Device) error
	UpdateDeviceLocation(ctx context.Context, id string, lat, lng float64) (model.Device, error)
	CreateDevice(ctx context.Context, name, location string) (model.Device, error)
	GetDevice(ctx context.Context, id string) (model.Device, error)
	ListDevices(ctx context.Context) ([]DeviceCounts, error)

	InsertPoints(ctx context.Context, points []model.Point) ([]string, error)
	InsertAnomalies(ctx context.Context, anomalies []model.Anomaly) error

	QueryPoints(ctx context.Context, q PointQuery) ([]model.Point, int64, error)
	QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]model.Anomaly, int64, error)

	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}

type sqlStore struct {
	services.Service

	cfg    Config
	db     *sql.DB
	logger log.Logger
}

// New opens the postgres-backed store. The connection is only verified when
// the service starts.
func New(cfg Config, logger log.Logger) (Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = runtime.GOMAXPROCS(0)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	s := newWithDB(cfg, db, logger)
	s.Service = services.NewIdleService(s.starting, s.stopping)
	return s, nil
}

// newWithDB wires a store around an existing handle. Tests inject sqlmock
// through here.
func newWithDB(cfg Config, db *sql.DB, logger log.Logger) *sqlStore {
	s := &sqlStore{
		cfg:    cfg,
		db:     db,
		logger: logger,
	}
	s.Service = services.NewIdleService(nil, s.stopping)
	return s
}

func (s *sqlStore) starting(ctx context.Context) error {
	// loss of connectivity beyond the retry budget at startup is fatal
	bo := backoff.New(ctx, s.cfg.Backoff)
	for bo.Ongoing() {
		if err := s.db.PingContext(ctx); err == nil {
			break
		} else {
			level.Warn(s.logger).Log("msg", "database not reachable, retrying", "err", err)
		}
		bo.Wait()
	}
	if err := bo.Err(); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	level.Info(s.logger).Log("msg", "store started")
	return nil
}

func (s *sqlStore) stopping(_ error) error {
	return s.db.Close()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertDevice creates the device if absent. An existing row keeps its name
// and location.
func (s *sqlStore) UpsertDevice(ctx context.Context, d model.Device) error {
	name := d.Name
	if name == "" {
		name = d.ID
	}
	return s.retryWrite(ctx, "device", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO devices (id, name, location, lat, lng) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO NOTHING`,
			d.ID, name, nullString(d.Location), nullFloat(d.Lat), nullFloat(d.Lng))
		return err
	})
}

// UpdateDeviceLocation creates the device if absent and sets its numeric
// coordinates, returning the stored row.
func (s *sqlStore) UpdateDeviceLocation(ctx context.Context, id string, lat, lng float64) (model.Device, error) {
	err := s.retryWrite(ctx, "device", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO devices (id, name, lat, lng) VALUES ($1, $1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET lat = EXCLUDED.lat, lng = EXCLUDED.lng`,
			id, lat, lng)
		return err
	})
	if err != nil {
		return model.Device{}, err
	}
	return s.GetDevice(ctx, id)
}

func (s *sqlStore) CreateDevice(ctx context.Context, name, location string) (model.Device, error) {
	d := model.Device{
		ID:       uuid.NewString(),
		Name:     name,
		Location: location,
	}
	if lat, lng, ok := model.ParseLocation(location); ok {
		d.Lat, d.Lng = &lat, &lng
		d.Location = ""
	}
	err := s.retryWrite(ctx, "device", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`INSERT INTO devices (id, name, location, lat, lng) VALUES ($1, $2, $3, $4, $5)
			 RETURNING created_at`,
			d.ID, d.Name, nullString(d.Location), nullFloat(d.Lat), nullFloat(d.Lng)).Scan(&d.CreatedAt)
	})
	if err != nil {
		return model.Device{}, err
	}
	return d, nil
}

func (s *sqlStore) GetDevice(ctx context.Context, id string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, location, lat, lng, created_at FROM devices WHERE id = $1`, id)
	return scanDevice(row)
}

func (s *sqlStore) ListDevices(ctx context.Context) ([]DeviceCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.name, d.location, d.lat, d.lng, d.created_at,
		       (SELECT count(*) FROM points p WHERE p.device_id = d.id),
		       (SELECT count(*) FROM anomalies a WHERE a.device_id = d.id)
		FROM devices d
		ORDER BY d.created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []DeviceCounts
	for rows.Next() {
		var (
			dc       DeviceCounts
			location sql.NullString
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&dc.Device.ID, &dc.Device.Name, &location, &lat, &lng, &dc.Device.CreatedAt, &dc.Metrics, &dc.Anomalies); err != nil {
			return nil, err
		}
		applyLocation(&dc.Device, location, lat, lng)
		devices = append(devices, dc)
	}
	return devices, rows.Err()
}

// InsertPoints writes a batch in a single transaction, all-or-nothing, and
// returns the persisted ids in batch order.
func (s *sqlStore) InsertPoints(ctx context.Context, points []model.Point) ([]string, error) {
	ids := make([]string, len(points))
	for i := range points {
		ids[i] = uuid.NewString()
	}

	err := s.retryWrite(ctx, "points", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO points (id, device_id, ts, temperature_c, vibration_g, humidity_pct, voltage_v, seq)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range points {
			p := &points[i]
			if _, err := stmt.ExecContext(ctx, ids[i], p.DeviceID, p.Timestamp.UTC(), p.TemperatureC, p.VibrationG, p.HumidityPct, p.VoltageV, p.Seq); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// InsertAnomalies is best-effort: duplicate keys are skipped, a failure
// after retries is surfaced but the batch is not rolled back row by row.
func (s *sqlStore) InsertAnomalies(ctx context.Context, anomalies []model.Anomaly) error {
	return s.retryWrite(ctx, "anomalies", func(ctx context.Context) error {
		for i := range anomalies {
			a := &anomalies[i]
			_, err := s.db.ExecContext(ctx,
				`INSERT INTO anomalies (id, device_id, point_id, ts, score, detector, flagged)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (id) DO NOTHING`,
				a.ID, a.DeviceID, nullString(a.PointID), a.Ts.UTC(), a.Score, a.Detector, a.Flagged)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqlStore) QueryPoints(ctx context.Context, q PointQuery) ([]model.Point, int64, error) {
	where, args := buildWhere(map[string]interface{}{"device_id": q.DeviceID}, q.From, q.To)

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM points`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count points: %w", err)
	}

	query := `SELECT id, device_id, ts, temperature_c, vibration_g, humidity_pct, voltage_v, seq FROM points` +
		where + ` ORDER BY ts DESC` + limitOffset(len(args)+1)
	rows, err := s.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	var points []model.Point
	for rows.Next() {
		var (
			p   model.Point
			seq sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.Timestamp, &p.TemperatureC, &p.VibrationG, &p.HumidityPct, &p.VoltageV, &seq); err != nil {
			return nil, 0, err
		}
		p.Seq = seq.Int64
		points = append(points, p)
	}
	return points, total, rows.Err()
}

func (s *sqlStore) QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]model.Anomaly, int64, error) {
	eq := map[string]interface{}{"device_id": q.DeviceID, "detector": q.Detector}
	if q.Flagged != nil {
		eq["flagged"] = *q.Flagged
	}
	where, args := buildWhere(eq, q.From, q.To)

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM anomalies`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count anomalies: %w", err)
	}

	query := `SELECT id, device_id, point_id, ts, score, detector, flagged FROM anomalies` +
		where + ` ORDER BY ts DESC` + limitOffset(len(args)+1)
	rows, err := s.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	var anomalies []model.Anomaly
	for rows.Next() {
		var (
			a       model.Anomaly
			pointID sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.DeviceID, &pointID, &a.Ts, &a.Score, &a.Detector, &a.Flagged); err != nil {
			return nil, 0, err
		}
		a.PointID = pointID.String
		anomalies = append(anomalies, a)
	}
	return anomalies, total, rows.Err()
}

func (s *sqlStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT count(*) FROM devices),
		       (SELECT count(*) FROM points),
		       (SELECT count(*) FROM anomalies)`).Scan(&st.Devices, &st.Points, &st.Anomalies)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	return st, nil
}

// retryWrite runs fn with bounded exponential backoff on transient errors.
func (s *sqlStore) retryWrite(ctx context.Context, kind string, fn func(ctx context.Context) error) error {
	var lastErr error
	bo := backoff.New(ctx, s.cfg.Backoff)
	for bo.Ongoing() {
		lastErr = fn(ctx)
		if lastErr == nil {
			metricWrites.WithLabelValues(kind).Inc()
			return nil
		}
		if !isTransient(lastErr) {
			break
		}
		metricRetries.Inc()
		level.Warn(s.logger).Log("msg", "transient store failure, retrying", "kind", kind, "err", lastErr)
		bo.Wait()
	}

	metricWriteFailures.WithLabelValues(kind).Inc()
	if lastErr == nil {
		lastErr = bo.Err()
	}
	return fmt.Errorf("store write failed (%s): %w", kind, lastErr)
}

// isTransient reports whether a write is worth retrying. Integrity
// violations and context cancellations are not.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57": // connection, rollback, resources, operator intervention
			return true
		}
		return false
	}
	// unknown driver or network error, assume transient
	return true
}

func scanDevice(row *sql.Row) (model.Device, error) {
	var (
		d        model.Device
		location sql.NullString
		lat, lng sql.NullFloat64
	)
	err := row.Scan(&d.ID, &d.Name, &location, &lat, &lng, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, ErrNotFound
	}
	if err != nil {
		return model.Device{}, err
	}
	applyLocation(&d, location, lat, lng)
	return d, nil
}

func applyLocation(d *model.Device, location sql.NullString, lat, lng sql.NullFloat64) {
	d.Location = location.String
	if lat.Valid && lng.Valid {
		d.Lat, d.Lng = &lat.Float64, &lng.Float64
	}
	d.Location = d.WireLocation()
}

func buildWhere(eq map[string]interface{}, from, to time.Time) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	for _, col := range []string{"device_id", "detector", "flagged"} {
		v, ok := eq[col]
		if !ok {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		add(col+" = $%d", v)
	}
	if !from.IsZero() {
		add("ts >= $%d", from.UTC())
	}
	if !to.IsZero() {
		add("ts <= $%d", to.UTC())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func limitOffset(firstArg int) string {
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", firstArg, firstArg+1)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
