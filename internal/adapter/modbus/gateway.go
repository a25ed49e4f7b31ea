package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
	"github.com/yutthachai69/cems2-2newupdate/internal/metrics"
)

// Gateway manages one Modbus client per device name.
type Gateway struct {
	config  GatewayConfig
	clients map[string]*pooledClient
	mu      sync.RWMutex
	logger  zerolog.Logger
	metrics *metrics.Registry
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// pooledClient wraps a Client with its device descriptor and circuit breaker.
// Breakers are per device so one unreachable analyzer cannot trip the others.
type pooledClient struct {
	client  *Client
	device  domain.DeviceDescriptor
	breaker *gobreaker.CircuitBreaker
	mu      sync.Mutex
}

// GatewayConfig holds configuration for the device gateway.
type GatewayConfig struct {
	// ConnectionTimeout bounds a single dial
	ConnectionTimeout time.Duration

	// ResponseTimeout bounds a single request
	ResponseTimeout time.Duration

	// IdleTimeout closes connections that have not been used
	IdleTimeout time.Duration

	// MaintenancePeriod is how often idle connections are reaped and
	// connection gauges refreshed
	MaintenancePeriod time.Duration

	// BreakerFailureThreshold is the number of consecutive failures that
	// opens a device's breaker
	BreakerFailureThreshold uint32

	// BreakerTimeout is how long an open breaker waits before probing
	BreakerTimeout time.Duration

	// BreakerMaxRequests is the number of probes allowed while half-open
	BreakerMaxRequests uint32
}

// DefaultGatewayConfig returns a GatewayConfig with sensible defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ConnectionTimeout:       3 * time.Second,
		ResponseTimeout:         3 * time.Second,
		IdleTimeout:             5 * time.Minute,
		MaintenancePeriod:       30 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerTimeout:          30 * time.Second,
		BreakerMaxRequests:      1,
	}
}

// NewGateway creates a gateway and starts its maintenance loop.
func NewGateway(config GatewayConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Gateway {
	defaults := DefaultGatewayConfig()
	if config.ConnectionTimeout == 0 {
		config.ConnectionTimeout = defaults.ConnectionTimeout
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = defaults.ResponseTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.MaintenancePeriod == 0 {
		config.MaintenancePeriod = defaults.MaintenancePeriod
	}
	if config.BreakerFailureThreshold == 0 {
		config.BreakerFailureThreshold = defaults.BreakerFailureThreshold
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = defaults.BreakerTimeout
	}
	if config.BreakerMaxRequests == 0 {
		config.BreakerMaxRequests = defaults.BreakerMaxRequests
	}

	g := &Gateway{
		config:  config,
		clients: make(map[string]*pooledClient),
		logger:  logger.With().Str("component", "modbus-gateway").Logger(),
		metrics: metricsReg,
		done:    make(chan struct{}),
	}

	g.wg.Add(1)
	go g.maintenanceLoop()

	return g
}

// createCircuitBreaker creates a per-device circuit breaker.
func (g *Gateway) createCircuitBreaker(device string) *gobreaker.CircuitBreaker {
	threshold := g.config.BreakerFailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        device,
		MaxRequests: g.config.BreakerMaxRequests,
		Timeout:     g.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Exception responses prove the device is reachable.
			return err == nil || !errors.Is(err, domain.ErrConnectionFailed) &&
				!errors.Is(err, domain.ErrConnectionTimeout) &&
				!errors.Is(err, domain.ErrConnectionClosed) &&
				!errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g.logger.Info().
				Str("device", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Modbus circuit breaker state changed")
			if g.metrics != nil {
				g.metrics.RecordBreakerState(name, to == gobreaker.StateOpen)
			}
		},
	})
}

// Connect returns the device's connection, dialing if it is not connected.
func (g *Gateway) Connect(ctx context.Context, device domain.DeviceDescriptor) (domain.Connection, error) {
	pc, err := g.getOrCreate(device)
	if err != nil {
		return nil, err
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.client.IsConnected() {
		return &deviceConn{pc: pc}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, g.config.ConnectionTimeout)
	defer cancel()

	start := time.Now()
	_, err = pc.breaker.Execute(func() (interface{}, error) {
		return nil, pc.client.Connect(connectCtx)
	})
	if g.metrics != nil {
		g.metrics.RecordConnection(device.Name, err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, translateBreakerError(err)
	}

	return &deviceConn{pc: pc}, nil
}

// getOrCreate returns the pooled client for the device, replacing it when
// the device's endpoint changed.
func (g *Gateway) getOrCreate(device domain.DeviceDescriptor) (*pooledClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, domain.ErrServiceStopped
	}

	if pc, exists := g.clients[device.Name]; exists {
		if pc.device.SameEndpoint(device) {
			return pc, nil
		}
		g.logger.Info().Str("device", device.Name).Msg("Device endpoint changed, replacing client")
		_ = pc.client.Disconnect()
		delete(g.clients, device.Name)
	}

	client, err := NewClient(device, ClientConfig{
		Timeout:     g.config.ResponseTimeout,
		IdleTimeout: g.config.IdleTimeout,
	}, g.logger)
	if err != nil {
		return nil, err
	}

	pc := &pooledClient{
		client:  client,
		device:  device,
		breaker: g.createCircuitBreaker(device.Name),
	}
	g.clients[device.Name] = pc

	g.logger.Debug().
		Str("device", device.Name).
		Int("clients", len(g.clients)).
		Msg("Created Modbus client with per-device circuit breaker")

	return pc, nil
}

// Disconnect closes the device's connection but keeps its breaker state.
func (g *Gateway) Disconnect(device string) error {
	g.mu.RLock()
	pc, exists := g.clients[device]
	g.mu.RUnlock()

	if !exists {
		return nil
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.client.Disconnect()
}

// Remove closes and forgets the device's client.
func (g *Gateway) Remove(device string) error {
	g.mu.Lock()
	pc, exists := g.clients[device]
	delete(g.clients, device)
	g.mu.Unlock()

	if !exists {
		return domain.ErrDeviceNotFound
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	g.logger.Info().Str("device", device).Msg("Removed client from gateway")
	return pc.client.Disconnect()
}

// SyncDevices drops clients whose device disappeared, was disabled or moved
// to another endpoint. It is wired to registry reloads.
func (g *Gateway) SyncDevices(devices []domain.DeviceDescriptor) {
	wanted := make(map[string]domain.DeviceDescriptor, len(devices))
	for _, d := range devices {
		if d.Enabled {
			wanted[d.Name] = d
		}
	}

	g.mu.RLock()
	stale := make([]string, 0)
	for name, pc := range g.clients {
		d, ok := wanted[name]
		if !ok || !d.SameEndpoint(pc.device) {
			stale = append(stale, name)
		}
	}
	g.mu.RUnlock()

	for _, name := range stale {
		_ = g.Remove(name)
	}
}

// TestConnection dials the device with a throwaway client and reads one
// register. The gateway's own connection table is not touched.
func (g *Gateway) TestConnection(ctx context.Context, device domain.DeviceDescriptor) error {
	client, err := NewClient(device, ClientConfig{
		Timeout:     g.config.ResponseTimeout,
		IdleTimeout: g.config.IdleTimeout,
	}, g.logger)
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, g.config.ConnectionTimeout)
	defer cancel()

	if err := client.Connect(connectCtx); err != nil {
		return err
	}
	defer client.Disconnect()

	if _, err := client.ReadRegisters(ctx, 0, 1); err != nil {
		return err
	}
	return nil
}

// Close closes all connections and stops the maintenance loop.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.done)
	g.mu.Unlock()

	g.wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()

	var lastErr error
	for name, pc := range g.clients {
		pc.mu.Lock()
		if err := pc.client.Disconnect(); err != nil {
			lastErr = err
			g.logger.Warn().Err(err).Str("device", name).Msg("Error closing client")
		}
		pc.mu.Unlock()
	}

	g.clients = make(map[string]*pooledClient)
	g.logger.Info().Msg("Modbus gateway closed")

	return lastErr
}

// maintenanceLoop reaps idle connections and refreshes connection gauges.
func (g *Gateway) maintenanceLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.MaintenancePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.reapIdleConnections()
			g.publishActiveConnectionMetrics()
		}
	}
}

// reapIdleConnections closes connections that have been idle too long.
func (g *Gateway) reapIdleConnections() {
	g.mu.RLock()
	clients := make([]*pooledClient, 0, len(g.clients))
	for _, pc := range g.clients {
		clients = append(clients, pc)
	}
	g.mu.RUnlock()

	now := time.Now()
	for _, pc := range clients {
		pc.mu.Lock()
		if pc.client.IsConnected() && now.Sub(pc.client.LastUsed()) > g.config.IdleTimeout {
			g.logger.Debug().Str("device", pc.device.Name).Msg("Closing idle connection")
			_ = pc.client.Disconnect()
		}
		pc.mu.Unlock()
	}
}

func (g *Gateway) publishActiveConnectionMetrics() {
	if g.metrics == nil {
		return
	}
	g.metrics.UpdateActiveConnections(g.Stats().ActiveConnections)
}

// translateBreakerError maps gobreaker rejections to domain errors.
func translateBreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", domain.ErrCircuitBreakerOpen, err)
	}
	return err
}

// deviceConn routes reads through the device's breaker.
type deviceConn struct {
	pc *pooledClient
}

func (c *deviceConn) Device() string {
	return c.pc.device.Name
}

func (c *deviceConn) ReadRegisters(ctx context.Context, address, count uint16) ([]uint16, error) {
	result, err := c.pc.breaker.Execute(func() (interface{}, error) {
		return c.pc.client.ReadRegisters(ctx, address, count)
	})
	if err != nil {
		return nil, translateBreakerError(err)
	}
	return result.([]uint16), nil
}

func (c *deviceConn) ReadCoil(ctx context.Context, address uint16) (bool, error) {
	result, err := c.pc.breaker.Execute(func() (interface{}, error) {
		return c.pc.client.ReadCoil(ctx, address)
	})
	if err != nil {
		return false, translateBreakerError(err)
	}
	return result.(bool), nil
}

var _ domain.DeviceGateway = (*Gateway)(nil)
