package mqttbridge

import (
	"context"
	"flag"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwatch/gridwatch/pkg/model"
)

type recordedLocation struct {
	deviceID string
	lat, lng float64
}

type fakeIngester struct {
	points    []model.Point
	locations []recordedLocation
	pushErr   error
}

func (f *fakeIngester) PushPoint(_ context.Context, deviceID string, point model.Point) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	point.DeviceID = deviceID
	f.points = append(f.points, point)
	return nil
}

func (f *fakeIngester) UpdateDeviceLocation(_ context.Context, deviceID string, lat, lng float64) error {
	f.locations = append(f.locations, recordedLocation{deviceID: deviceID, lat: lat, lng: lng})
	return nil
}

type testMessage struct {
	topic   string
	payload []byte
}

func (m *testMessage) Duplicate() bool   { return false }
func (m *testMessage) Qos() byte         { return 0 }
func (m *testMessage) Retained() bool    { return false }
func (m *testMessage) Topic() string     { return m.topic }
func (m *testMessage) MessageID() uint16 { return 0 }
func (m *testMessage) Payload() []byte   { return m.payload }
func (m *testMessage) Ack()              {}

func newTestBridge(t *testing.T, ing ingester) *Bridge {
	t.Helper()
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("mqtt", flag.NewFlagSet("", flag.PanicOnError))
	b, err := New(cfg, ing, log.NewNopLogger())
	require.NoError(t, err)
	return b
}

func TestHandleMessageISOTimestamp(t *testing.T) {
	ing := &fakeIngester{}
	b := newTestBridge(t, ing)

	b.handleMessage(nil, &testMessage{
		topic:   "sensors/dev-1/metrics",
		payload: []byte(`{"ts":"2026-08-24T10:00:00Z","temperature_c":22.5,"vibration_g":0.5,"humidity_pct":45,"voltage_v":12}`),
	})

	require.Len(t, ing.points, 1)
	p := ing.points[0]
	assert.Equal(t, "dev-1", p.DeviceID)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), p.Timestamp)
	assert.Equal(t, 22.5, p.TemperatureC)
	assert.Empty(t, ing.locations)
}

func TestHandleMessageEpochMillis(t *testing.T) {
	ing := &fakeIngester{}
	b := newTestBridge(t, ing)

	b.handleMessage(nil, &testMessage{
		topic:   "sensors/dev-1/metrics",
		payload: []byte(`{"ts":1756029600000,"temperature_c":22.5,"vibration_g":0.5,"humidity_pct":45,"voltage_v":12}`),
	})

	require.Len(t, ing.points, 1)
	assert.Equal(t, time.UnixMilli(1756029600000).UTC(), ing.points[0].Timestamp)
}

func TestHandleMessageMissingTimestamp(t *testing.T) {
	ing := &fakeIngester{}
	b := newTestBridge(t, ing)

	b.handleMessage(nil, &testMessage{
		topic:   "sensors/dev-1/metrics",
		payload: []byte(`{"temperature_c":22.5,"vibration_g":0.5,"humidity_pct":45,"voltage_v":12}`),
	})

	require.Len(t, ing.points, 1)
	assert.True(t, ing.points[0].Timestamp.IsZero())
}

func TestHandleMessageLocationUpdate(t *testing.T) {
	ing := &fakeIngester{}
	b := newTestBridge(t, ing)

	b.handleMessage(nil, &testMessage{
		topic:   "sensors/dev-1/metrics",
		payload: []byte(`{"temperature_c":22.5,"vibration_g":0.5,"humidity_pct":45,"voltage_v":12,"lat":37.3,"lng":-121.9}`),
	})

	require.Len(t, ing.locations, 1)
	assert.Equal(t, recordedLocation{deviceID: "dev-1", lat: 37.3, lng: -121.9}, ing.locations[0])
	require.Len(t, ing.points, 1)
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	ing := &fakeIngester{}
	b := newTestBridge(t, ing)

	for _, msg := range []*testMessage{
		{topic: "sensors/dev-1/metrics", payload: []byte(`not json`)},
		{topic: "sensors/dev-1/metrics", payload: []byte(`{"ts":"yesterday","temperature_c":22}`)},
		{topic: "sensors/dev-1/metrics", payload: []byte(`{"ts":{"nested":true},"temperature_c":22}`)},
		{topic: "sensors//metrics", payload: []byte(`{"temperature_c":22}`)},
		{topic: "sensors/dev-1", payload: []byte(`{"temperature_c":22}`)},
		{topic: "sensors/dev-1/metrics/extra", payload: []byte(`{"temperature_c":22}`)},
	} {
		b.handleMessage(nil, msg)
	}

	assert.Empty(t, ing.points)
	assert.Empty(t, ing.locations)
}

func TestHandleMessagePipelineRefusal(t *testing.T) {
	ing := &fakeIngester{pushErr: context.Canceled}
	b := newTestBridge(t, ing)

	// a refused point is dropped without touching the handler's liveness
	b.handleMessage(nil, &testMessage{
		topic:   "sensors/dev-1/metrics",
		payload: []byte(`{"temperature_c":22.5,"vibration_g":0.5,"humidity_pct":45,"voltage_v":12}`),
	})
	assert.Empty(t, ing.points)
}

func TestDeviceFromTopic(t *testing.T) {
	id, err := deviceFromTopic("sensors/pump-7/metrics")
	require.NoError(t, err)
	assert.Equal(t, "pump-7", id)

	_, err = deviceFromTopic("sensors/metrics")
	assert.Error(t, err)
}

func TestDecodePointRejectsNonFinite(t *testing.T) {
	_, _, err := decodePoint("dev-1", []byte(`{"temperature_c":1e400,"vibration_g":0.5,"humidity_pct":45,"voltage_v":12}`))
	assert.Error(t, err)
}
