// Package modbus provides the Modbus TCP device gateway: a per-device client
// with serialized bus access, a connection table with per-device circuit
// breakers, and the register decoders used by acquisition.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
)

// Client represents a Modbus client connection to a single device.
type Client struct {
	config    ClientConfig
	handler   *modbus.TCPClientHandler
	client    modbus.Client
	logger    zerolog.Logger
	mu        sync.RWMutex
	opMu      sync.Mutex // goburrow clients are not safe for concurrent use
	connected atomic.Bool
	lastError error
	lastUsed  time.Time
	stats     *ClientStats
	device    string
}

// ClientConfig holds configuration for a Modbus client.
type ClientConfig struct {
	// Address is the host:port of the device
	Address string

	// UnitID is the Modbus unit/slave id
	UnitID byte

	// Timeout is the response timeout for a single request
	Timeout time.Duration

	// IdleTimeout closes the underlying socket after inactivity
	IdleTimeout time.Duration
}

// ClientStats tracks client performance metrics.
type ClientStats struct {
	ReadCount     atomic.Uint64
	CoilReadCount atomic.Uint64
	ErrorCount    atomic.Uint64
	ConnectCount  atomic.Uint64
	TotalReadTime atomic.Int64 // nanoseconds
}

// NewClient creates a client for the device. It does not dial.
func NewClient(device domain.DeviceDescriptor, config ClientConfig, logger zerolog.Logger) (*Client, error) {
	if config.Address == "" {
		config.Address = device.Address()
	}
	if device.UnitID > 247 {
		return nil, domain.ErrInvalidUnitID
	}
	if config.UnitID == 0 {
		config.UnitID = device.UnitID
	}
	if config.Timeout == 0 {
		config.Timeout = 3 * time.Second
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 60 * time.Second
	}

	return &Client{
		config:   config,
		logger:   logger.With().Str("device", device.Name).Str("address", config.Address).Logger(),
		stats:    &ClientStats{},
		device:   device.Name,
		lastUsed: time.Now(),
	}, nil
}

// Connect dials the device. Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	c.logger.Debug().Msg("Connecting to Modbus device")

	handler := modbus.NewTCPClientHandler(c.config.Address)
	handler.Timeout = c.config.Timeout
	handler.SlaveId = c.config.UnitID
	handler.IdleTimeout = c.config.IdleTimeout

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- handler.Connect()
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.lastError = err
			return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		}
	case <-ctx.Done():
		// The dial goroutine still owns the handler; close it once it returns.
		go func() {
			if err := <-connectDone; err == nil {
				_ = handler.Close()
			}
		}()
		c.lastError = ctx.Err()
		return fmt.Errorf("%w: %v", domain.ErrConnectionTimeout, ctx.Err())
	}

	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.connected.Store(true)
	c.lastError = nil
	c.lastUsed = time.Now()
	c.stats.ConnectCount.Add(1)

	c.logger.Info().Msg("Connected to Modbus device")
	return nil
}

// Disconnect closes the connection to the device. It waits for an in-flight
// request to finish.
func (c *Client) Disconnect() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked()
}

func (c *Client) disconnectLocked() error {
	if !c.connected.Load() {
		return nil
	}

	var err error
	if c.handler != nil {
		if err = c.handler.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Error closing Modbus connection")
		}
	}

	c.connected.Store(false)
	c.handler = nil
	c.client = nil

	c.logger.Debug().Msg("Disconnected from Modbus device")
	return err
}

// IsConnected returns true if the client is currently connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// ReadRegisters reads count holding registers starting at address.
func (c *Client) ReadRegisters(ctx context.Context, address, count uint16) ([]uint16, error) {
	if count == 0 {
		return nil, fmt.Errorf("%w: register count must be positive", domain.ErrInvalidDataLength)
	}

	startTime := time.Now()
	defer func() {
		c.stats.TotalReadTime.Add(time.Since(startTime).Nanoseconds())
	}()

	raw, err := c.do(ctx, func(client modbus.Client) ([]byte, error) {
		return client.ReadHoldingRegisters(address, count)
	})
	if err != nil {
		return nil, err
	}
	if len(raw) < int(count)*2 {
		c.stats.ErrorCount.Add(1)
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", domain.ErrInvalidDataLength, int(count)*2, len(raw))
	}

	c.stats.ReadCount.Add(1)
	return BytesToWords(raw[:int(count)*2]), nil
}

// ReadCoil reads a single coil.
func (c *Client) ReadCoil(ctx context.Context, address uint16) (bool, error) {
	raw, err := c.do(ctx, func(client modbus.Client) ([]byte, error) {
		return client.ReadCoils(address, 1)
	})
	if err != nil {
		return false, err
	}
	if len(raw) == 0 {
		c.stats.ErrorCount.Add(1)
		return false, fmt.Errorf("%w: empty coil response", domain.ErrInvalidDataLength)
	}

	c.stats.CoilReadCount.Add(1)
	return DecodeCoil(raw), nil
}

// do runs one bus request under the operation lock.
func (c *Client) do(ctx context.Context, op func(modbus.Client) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	client := c.client
	c.lastUsed = time.Now()
	c.mu.Unlock()

	if client == nil || !c.connected.Load() {
		return nil, domain.ErrConnectionClosed
	}

	raw, err := op(client)
	if err != nil {
		c.stats.ErrorCount.Add(1)
		if isConnectionError(err) {
			// Drop the socket so the next Connect dials afresh.
			c.mu.Lock()
			c.lastError = err
			_ = c.disconnectLocked()
			c.mu.Unlock()
			return nil, translateConnectionError(err)
		}
		return nil, translateModbusError(err)
	}
	return raw, nil
}

// isConnectionError checks if the error is a connection-related error.
func isConnectionError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// translateConnectionError classifies a transport failure during a request so
// the circuit breaker counts it as a failure.
func translateConnectionError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w: %v", domain.ErrReadFailed, domain.ErrConnectionTimeout, err)
	}
	return fmt.Errorf("%w: %w: %v", domain.ErrReadFailed, domain.ErrConnectionClosed, err)
}

// translateModbusError converts Modbus library errors to domain errors.
func translateModbusError(err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return fmt.Errorf("%w: %w", domain.ErrReadFailed, domain.ModbusExceptionToError(mbErr.ExceptionCode))
	}
	return fmt.Errorf("%w: %v", domain.ErrReadFailed, err)
}

// LastUsed returns when the client was last used.
func (c *Client) LastUsed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUsed
}

// LastError returns the most recent connection-level error.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// Device returns the device name this client serves.
func (c *Client) Device() string {
	return c.device
}
