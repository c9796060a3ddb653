package store

// Anomalies keep a nullable point reference so retention can delete old
// points without destroying the anomaly history.
const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	location   TEXT,
	lat        DOUBLE PRECISION,
	lng        DOUBLE PRECISION,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS points (
	id            UUID PRIMARY KEY,
	device_id     TEXT NOT NULL REFERENCES devices (id),
	ts            TIMESTAMPTZ(3) NOT NULL,
	temperature_c DOUBLE PRECISION NOT NULL,
	vibration_g   DOUBLE PRECISION NOT NULL,
	humidity_pct  DOUBLE PRECISION NOT NULL,
	voltage_v     DOUBLE PRECISION NOT NULL,
	seq           BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS points_device_ts_idx ON points (device_id, ts DESC);

CREATE TABLE IF NOT EXISTS anomalies (
	id        UUID PRIMARY KEY,
	device_id TEXT NOT NULL REFERENCES devices (id),
	point_id  UUID REFERENCES points (id) ON DELETE SET NULL,
	ts        TIMESTAMPTZ(3) NOT NULL,
	score     DOUBLE PRECISION NOT NULL CHECK (score >= 0),
	detector  TEXT NOT NULL,
	flagged   BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS anomalies_device_ts_idx ON anomalies (device_id, ts DESC);
`
