package mqttbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gridwatch/gridwatch/pkg/model"
)

var (
	metricMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "mqtt_messages_total",
		Help:      "The total number of MQTT messages received.",
	})
	metricDecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "mqtt_decode_failures_total",
		Help:      "The total number of MQTT messages dropped as undecodable.",
	})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "mqtt_points_dropped_total",
		Help:      "The total number of decoded points the pipeline refused.",
	})
)

// ingester is the slice of the pipeline the bridge needs.
type ingester interface {
	PushPoint(ctx context.Context, deviceID string, point model.Point) error
	UpdateDeviceLocation(ctx context.Context, deviceID string, lat, lng float64) error
}

// Bridge subscribes to the device metrics topics and feeds single points
// into the pipeline. The broker is best-effort: an outage is logged and
// retried, never fatal.
type Bridge struct {
	services.Service

	cfg      Config
	logger   log.Logger
	pipeline ingester
	client   mqtt.Client
}

// New creates the bridge. The broker connection is made when the service
// starts.
func New(cfg Config, p ingester, logger log.Logger) (*Bridge, error) {
	b := &Bridge{
		cfg:      cfg,
		logger:   logger,
		pipeline: p,
	}
	b.Service = services.NewIdleService(b.starting, b.stopping)
	return b, nil
}

func (b *Bridge) starting(_ context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(b.cfg.ClientID).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(b.cfg.ReconnectInterval).
		SetConnectRetry(true).
		SetConnectRetryInterval(b.cfg.ReconnectInterval).
		SetResumeSubs(true).
		SetOrderMatters(true)

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password.String())
	}

	topic := b.topic()
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		level.Info(b.logger).Log("msg", "connected to mqtt broker", "broker", b.cfg.BrokerURL)
		if t := c.Subscribe(topic, byte(b.cfg.QoS), b.handleMessage); t.Wait() && t.Error() != nil {
			level.Error(b.logger).Log("msg", "mqtt subscribe failed", "topic", topic, "err", t.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		level.Warn(b.logger).Log("msg", "mqtt connection lost, reconnecting", "err", err)
	})

	b.client = mqtt.NewClient(opts)
	// connect retries in the background, a dead broker must not block startup
	b.client.Connect()
	return nil
}

func (b *Bridge) stopping(_ error) error {
	if b.client != nil {
		b.client.Disconnect(250)
	}
	return nil
}

func (b *Bridge) topic() string {
	return b.cfg.TopicPrefix + "/+/metrics"
}

func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	metricMessages.Inc()

	deviceID, err := deviceFromTopic(msg.Topic())
	if err != nil {
		metricDecodeFailures.Inc()
		level.Warn(b.logger).Log("msg", "dropping mqtt message", "topic", msg.Topic(), "err", err)
		return
	}

	point, loc, err := decodePoint(deviceID, msg.Payload())
	if err != nil {
		metricDecodeFailures.Inc()
		level.Warn(b.logger).Log("msg", "dropping undecodable mqtt payload", "device", deviceID, "err", err)
		return
	}

	ctx := context.Background()
	if loc != nil {
		if err := b.pipeline.UpdateDeviceLocation(ctx, deviceID, loc.lat, loc.lng); err != nil {
			level.Warn(b.logger).Log("msg", "failed to update device location", "device", deviceID, "err", err)
		}
	}

	if err := b.pipeline.PushPoint(ctx, deviceID, point); err != nil {
		metricDropped.Inc()
		level.Warn(b.logger).Log("msg", "pipeline refused mqtt point", "device", deviceID, "err", err)
	}
}

// deviceFromTopic extracts the device id from <prefix>/<deviceId>/metrics.
func deviceFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[1] == "" {
		return "", fmt.Errorf("unexpected topic shape %q", topic)
	}
	return parts[1], nil
}

type coordinates struct {
	lat, lng float64
}

type wirePayload struct {
	Ts           jsoniter.RawMessage `json:"ts"`
	TemperatureC float64             `json:"temperature_c"`
	VibrationG   float64             `json:"vibration_g"`
	HumidityPct  float64             `json:"humidity_pct"`
	VoltageV     float64             `json:"voltage_v"`
	Lat          *float64            `json:"lat"`
	Lng          *float64            `json:"lng"`
}

// decodePoint parses a single-point payload. Timestamps may be ISO-8601
// strings or epoch milliseconds, some device firmwares send the latter.
func decodePoint(deviceID string, payload []byte) (model.Point, *coordinates, error) {
	var wire wirePayload
	if err := jsoniter.Unmarshal(payload, &wire); err != nil {
		return model.Point{}, nil, fmt.Errorf("malformed payload: %w", err)
	}

	ts, err := parseTimestamp(wire.Ts)
	if err != nil {
		return model.Point{}, nil, err
	}

	point := model.Point{
		DeviceID:     deviceID,
		Timestamp:    ts,
		TemperatureC: wire.TemperatureC,
		VibrationG:   wire.VibrationG,
		HumidityPct:  wire.HumidityPct,
		VoltageV:     wire.VoltageV,
	}
	if !point.Valid() {
		return model.Point{}, nil, errors.New("non-finite measurement")
	}

	var loc *coordinates
	if wire.Lat != nil && wire.Lng != nil {
		loc = &coordinates{lat: *wire.Lat, lng: *wire.Lng}
	}
	return point, loc, nil
}

func parseTimestamp(raw jsoniter.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	var epochMillis int64
	if err := jsoniter.Unmarshal(raw, &epochMillis); err == nil {
		return time.UnixMilli(epochMillis).UTC(), nil
	}

	var iso string
	if err := jsoniter.Unmarshal(raw, &iso); err != nil {
		return time.Time{}, fmt.Errorf("unparseable ts %s", raw)
	}
	ts, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable ts %q", iso)
	}
	return ts.UTC(), nil
}
