package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
	"github.com/yutthachai69/cems2-2newupdate/internal/metrics"
	"github.com/yutthachai69/cems2-2newupdate/internal/registry"
	"github.com/yutthachai69/cems2-2newupdate/internal/retry"
)

// DigitalConfig holds configuration for the digital status cache.
type DigitalConfig struct {
	// TTL is how long a refresh stays valid
	TTL time.Duration

	// Retry governs each coil read
	Retry retry.Policy
}

// digitalEntry is one committed refresh.
type digitalEntry struct {
	readings    []domain.DigitalReading
	fingerprint string
	capturedAt  time.Time
}

// DigitalCache serves digital status readings, refreshing them when the TTL
// has elapsed or the mapping fingerprint changed.
type DigitalCache struct {
	config   DigitalConfig
	registry *registry.Registry
	gateway  domain.DeviceGateway
	logger   zerolog.Logger
	metrics  *metrics.Registry

	mu    sync.Mutex
	entry *digitalEntry
}

// NewDigitalCache creates a new digital status cache.
func NewDigitalCache(
	config DigitalConfig,
	reg *registry.Registry,
	gateway domain.DeviceGateway,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *DigitalCache {
	if config.TTL <= 0 {
		config.TTL = time.Second
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.DefaultPolicy()
	}
	return &DigitalCache{
		config:   config,
		registry: reg,
		gateway:  gateway,
		logger:   logger.With().Str("component", "digital-cache").Logger(),
		metrics:  metricsReg,
	}
}

// Read returns the current readings, refreshing them if stale. If ctx is
// cancelled during a refresh nothing is committed and the previous readings
// are returned together with the context error.
func (c *DigitalCache) Read(ctx context.Context) ([]domain.DigitalReading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.registry.Current()
	fingerprint := state.Fingerprint()

	if e := c.entry; e != nil && e.fingerprint == fingerprint && time.Since(e.capturedAt) < c.config.TTL {
		if c.metrics != nil {
			c.metrics.RecordDigitalRead(true, 0)
		}
		return copyReadings(e.readings), nil
	}

	readings, failed := c.refresh(ctx, state)
	if err := ctx.Err(); err != nil {
		c.logger.Debug().Err(err).Msg("Digital refresh abandoned")
		if c.entry != nil {
			return copyReadings(c.entry.readings), err
		}
		return nil, err
	}

	c.entry = &digitalEntry{
		readings:    readings,
		fingerprint: fingerprint,
		capturedAt:  time.Now(),
	}
	if c.metrics != nil {
		c.metrics.RecordDigitalRead(false, failed)
	}
	return copyReadings(readings), nil
}

// Invalidate drops the cached readings so the next Read refreshes.
func (c *DigitalCache) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()
}

// refresh reads every enabled point. Each device is reconnected once so a
// half-open socket cannot serve a stale coil value.
func (c *DigitalCache) refresh(ctx context.Context, state *registry.State) ([]domain.DigitalReading, int) {
	points := state.EnabledDigitalPoints()
	readings := make([]domain.DigitalReading, 0, len(points))
	reconnected := make(map[string]bool)
	failed := 0

	for _, p := range points {
		if ctx.Err() != nil {
			break
		}

		device, _ := state.Device(p.Device)
		if !reconnected[device.Name] {
			if err := c.gateway.Disconnect(device.Name); err != nil {
				c.logger.Debug().Err(err).Str("device", device.Name).Msg("Disconnect before refresh failed")
			}
			reconnected[device.Name] = true
		}

		on, err := retry.DoValue(ctx, c.config.Retry, func(ctx context.Context) (bool, error) {
			conn, err := c.gateway.Connect(ctx, device)
			if err != nil {
				return false, err
			}
			return conn.ReadCoil(ctx, p.Address)
		})

		now := time.Now()
		if err != nil {
			failed++
			c.logger.Warn().
				Err(err).
				Str("device", device.Name).
				Str("point", p.Name).
				Uint16("address", p.Address).
				Msg("Digital point read failed")
			readings = append(readings, domain.NewDigitalErrorReading(p, err, now))
			continue
		}
		readings = append(readings, domain.NewDigitalReading(p, on, now))
	}

	return readings, failed
}

func copyReadings(in []domain.DigitalReading) []domain.DigitalReading {
	if in == nil {
		return nil
	}
	return append([]domain.DigitalReading(nil), in...)
}
