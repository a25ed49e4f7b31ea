// Package domain contains the core business entities of the CEMS gateway.
// These are transport-agnostic and represent devices, register mappings,
// acquired parameter sets and digital status points.
package domain

import (
	"net"
	"strconv"
	"strings"
)

// DeviceDescriptor identifies a Modbus TCP field device.
type DeviceDescriptor struct {
	// Name is the unique device name; mappings reference devices by name.
	Name string `json:"name" yaml:"name"`

	// Host is the IP address or hostname of the device
	Host string `json:"host" yaml:"host"`

	// Port is the TCP port number
	Port int `json:"port" yaml:"port"`

	// UnitID is the Modbus unit/slave id
	UnitID uint8 `json:"unit" yaml:"unit"`

	// Enabled indicates whether the device takes part in acquisition
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Address returns the host:port dial address.
func (d DeviceDescriptor) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// SameEndpoint reports whether two descriptors dial the same unit.
func (d DeviceDescriptor) SameEndpoint(other DeviceDescriptor) bool {
	return d.Host == other.Host && d.Port == other.Port && d.UnitID == other.UnitID
}

// Validate performs validation on the device definition.
func (d DeviceDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return NewConfigError("device.name", "is required")
	}
	if strings.TrimSpace(d.Host) == "" {
		return NewConfigError("device.host", "is required for device %q", d.Name)
	}
	if d.Port < 1 || d.Port > 65535 {
		return NewConfigError("device.port", "must be between 1 and 65535 for device %q, got %d", d.Name, d.Port)
	}
	if d.UnitID > 247 {
		return NewConfigError("device.unit", "must be between 0 and 247 for device %q, got %d", d.Name, d.UnitID)
	}
	return nil
}
