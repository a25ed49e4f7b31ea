package domain

import (
	"context"
	"time"
)

// Connection is an open session to one device.
type Connection interface {
	// Device returns the device name this connection serves.
	Device() string

	// ReadRegisters reads count holding registers starting at address.
	ReadRegisters(ctx context.Context, address, count uint16) ([]uint16, error)

	// ReadCoil reads a single coil.
	ReadCoil(ctx context.Context, address uint16) (bool, error)
}

// DeviceGateway holds one logical connection per device name.
type DeviceGateway interface {
	// Connect returns the device's connection, dialing if needed. Calling
	// Connect on a connected device is a no-op success.
	Connect(ctx context.Context, device DeviceDescriptor) (Connection, error)

	// Disconnect closes the device's connection if open.
	Disconnect(device string) error
}

// SampleWriter persists samples.
type SampleWriter interface {
	WriteSample(ctx context.Context, sample Sample) error
}

// SampleReader reads persisted samples.
type SampleReader interface {
	// ReadLatest returns ErrSampleNotFound when the stack has no samples.
	ReadLatest(ctx context.Context, stackID string) (Sample, error)
	ReadRange(ctx context.Context, stackID string, from, to time.Time, limit int) ([]Sample, error)
}

// SampleStore is the narrow persistence contract.
type SampleStore interface {
	SampleWriter
	SampleReader
	Close() error
}

// SamplePublisher pushes finished samples to live subscribers.
type SamplePublisher interface {
	Publish(ctx context.Context, sample Sample) error
}

// StatusPublisher pushes digital status readings to live subscribers.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, stackID string, readings []DigitalReading) error
}

// MappingSource supplies the device and mapping tables on demand.
type MappingSource interface {
	LoadMappings(ctx context.Context) (MappingTable, error)
}
