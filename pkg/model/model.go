package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MetricCount is the number of scalar measurements carried by every point.
const MetricCount = 4

// Device is a telemetry source. Devices are created on first contact when
// auto-provisioning is enabled and are never destroyed by the pipeline.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location,omitempty"`
	Lat       *float64  `json:"-"`
	Lng       *float64  `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Point is one multidimensional measurement from one device at one instant.
// Immutable after insert.
type Point struct {
	ID           string    `json:"id,omitempty"`
	DeviceID     string    `json:"deviceId"`
	Timestamp    time.Time `json:"ts"`
	TemperatureC float64   `json:"temperature_c"`
	VibrationG   float64   `json:"vibration_g"`
	HumidityPct  float64   `json:"humidity_pct"`
	VoltageV     float64   `json:"voltage_v"`

	// Seq is the per-device arrival order assigned by the pipeline.
	Seq int64 `json:"-"`
}

// Features returns the point's measurements as a fixed-order vector.
func (p *Point) Features() [MetricCount]float64 {
	return [MetricCount]float64{p.TemperatureC, p.VibrationG, p.HumidityPct, p.VoltageV}
}

// Valid reports whether every measurement is a finite number.
func (p *Point) Valid() bool {
	for _, v := range p.Features() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Anomaly references a point that a detector flagged. PointID may be empty
// if the referenced point was dropped before the anomaly committed.
type Anomaly struct {
	ID       string    `json:"id"`
	DeviceID string    `json:"deviceId"`
	PointID  string    `json:"pointId,omitempty"`
	Ts       time.Time `json:"ts"`
	Score    float64   `json:"score"`
	Detector string    `json:"type"`
	Flagged  bool      `json:"flagged"`
}

// FormatLocation renders the legacy wire format for a coordinate pair.
func FormatLocation(lat, lng float64) string {
	return fmt.Sprintf("lat:%s,lng:%s",
		strconv.FormatFloat(lat, 'f', -1, 64),
		strconv.FormatFloat(lng, 'f', -1, 64))
}

// ParseLocation decodes the legacy "lat:<n>,lng:<n>" format. ok is false for
// free-text locations.
func ParseLocation(s string) (lat, lng float64, ok bool) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	latStr, latOK := strings.CutPrefix(strings.TrimSpace(parts[0]), "lat:")
	lngStr, lngOK := strings.CutPrefix(strings.TrimSpace(parts[1]), "lng:")
	if !latOK || !lngOK {
		return 0, 0, false
	}
	lat, errLat := strconv.ParseFloat(latStr, 64)
	lng, errLng := strconv.ParseFloat(lngStr, 64)
	if errLat != nil || errLng != nil {
		return 0, 0, false
	}
	return lat, lng, true
}

// WireLocation returns the location string exposed on the API: the legacy
// coordinate format when numeric coordinates are stored, else free text.
func (d *Device) WireLocation() string {
	if d.Lat != nil && d.Lng != nil {
		return FormatLocation(*d.Lat, *d.Lng)
	}
	return d.Location
}
