package model

// Event kinds published on the bus and delivered to stream subscribers.
const (
	EventMetricNew    = "metric:new"
	EventAnomalyNew   = "anomaly:new"
	EventDeviceUpdate = "device:update"
)

// Event is one bus message. Payload must be JSON-serialisable.
type Event struct {
	Kind     string      `json:"event"`
	DeviceID string      `json:"deviceId"`
	Payload  interface{} `json:"data"`
}

// MetricEvent is the payload of a metric:new event.
type MetricEvent struct {
	DeviceID string `json:"deviceId"`
	Metric   Point  `json:"metric"`
}

// AnomalyEvent is the payload of an anomaly:new event. The anomaly carries
// its persisted ID; publication happens only after the insert returns.
type AnomalyEvent struct {
	DeviceID string  `json:"deviceId"`
	Anomaly  Anomaly `json:"anomaly"`
}

// DeviceEvent is the payload of a device:update event.
type DeviceEvent struct {
	DeviceID string `json:"deviceId"`
	Device   Device `json:"device"`
}
