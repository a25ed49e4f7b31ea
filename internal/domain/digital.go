package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// PointStatus is the rendered state of a discrete status/alarm point.
type PointStatus string

const (
	PointStatusOn    PointStatus = "ON"
	PointStatusOff   PointStatus = "OFF"
	PointStatusError PointStatus = "ERROR"
)

// DigitalPoint maps a status or alarm signal to a coil on a device.
type DigitalPoint struct {
	ID      int    `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type" yaml:"type"`
	Device  string `json:"device" yaml:"device"`
	Address uint16 `json:"address" yaml:"address"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Validate checks the structural fields of the point.
func (p DigitalPoint) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return NewConfigError("status_alarm.name", "is required (id %d)", p.ID)
	}
	if strings.TrimSpace(p.Device) == "" {
		return NewConfigError("status_alarm.device", "is required for point %q", p.Name)
	}
	return nil
}

// DigitalReading is the outcome of reading one digital point.
type DigitalReading struct {
	ID        int         `json:"id"`
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	Device    string      `json:"device"`
	Address   uint16      `json:"address"`
	Value     int         `json:"value"`
	Status    PointStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Enabled   bool        `json:"enabled"`
	Error     string      `json:"error,omitempty"`
}

// NewDigitalReading renders a successful coil read.
func NewDigitalReading(p DigitalPoint, on bool, ts time.Time) DigitalReading {
	r := DigitalReading{
		ID:        p.ID,
		Name:      p.Name,
		Type:      p.Type,
		Device:    p.Device,
		Address:   p.Address,
		Status:    PointStatusOff,
		Timestamp: ts,
		Enabled:   p.Enabled,
	}
	if on {
		r.Value = 1
		r.Status = PointStatusOn
	}
	return r
}

// NewDigitalErrorReading renders a failed coil read.
func NewDigitalErrorReading(p DigitalPoint, err error, ts time.Time) DigitalReading {
	r := NewDigitalReading(p, false, ts)
	r.Status = PointStatusError
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// ReadingsToJSON serializes a list of readings for transport.
func ReadingsToJSON(readings []DigitalReading) ([]byte, error) {
	if readings == nil {
		readings = []DigitalReading{}
	}
	return json.Marshal(readings)
}
