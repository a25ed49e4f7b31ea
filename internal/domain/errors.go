// Package domain contains core business entities.
package domain

import (
	"errors"
	"fmt"
)

// Connection errors.
var (
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrInvalidUnitID      = errors.New("invalid unit ID")
)

// Read/decode errors.
var (
	ErrReadFailed          = errors.New("read operation failed")
	ErrInvalidDataLength   = errors.New("invalid data length")
	ErrUnsupportedDataType = errors.New("unsupported data type")
	ErrInvalidWordOrder    = errors.New("invalid word order")
	ErrNonFiniteValue      = errors.New("non-finite register value")
)

// Modbus exception errors.
var (
	ErrModbusIllegalFunction = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress  = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue    = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure   = errors.New("modbus: slave device failure")
	ErrModbusBusy            = errors.New("modbus: slave device busy")
	ErrModbusGatewayFailed   = errors.New("modbus: gateway target device failed to respond")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
)

// Storage errors.
var (
	ErrSampleNotFound = errors.New("sample not found")
	ErrStoreClosed    = errors.New("store closed")
)

// Service errors.
var (
	ErrServiceStopped = errors.New("service has been stopped")
	ErrDeviceNotFound = errors.New("device not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrNoMappings     = errors.New("no mappings loaded")
)

// ConfigError describes a rejected device, mapping or digital point definition.
// It unwraps to ErrInvalidConfig.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidConfig, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalidConfig, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// NewConfigError builds a ConfigError for the given field.
func NewConfigError(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x06:
		return ErrModbusBusy
	case 0x0B:
		return ErrModbusGatewayFailed
	default:
		return ErrReadFailed
	}
}
