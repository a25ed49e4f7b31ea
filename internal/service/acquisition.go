// Package service provides the acquisition pipeline that reads devices,
// corrects the values, resolves the latest sample and publishes it.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/yutthachai69/cems2-2newupdate/internal/adapter/modbus"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
	"github.com/yutthachai69/cems2-2newupdate/internal/metrics"
	"github.com/yutthachai69/cems2-2newupdate/internal/registry"
)

// AcquisitionConfig holds configuration for the acquisition orchestrator.
type AcquisitionConfig struct {
	// Parallel reads devices concurrently
	Parallel bool

	// MaxConcurrency bounds concurrent device reads when Parallel is set
	MaxConcurrency int

	// DeviceTimeout bounds one device's connect and read pass
	DeviceTimeout time.Duration
}

// Acquirer reads every enabled device once per cycle and merges the results.
type Acquirer struct {
	config   AcquisitionConfig
	registry *registry.Registry
	gateway  domain.DeviceGateway
	logger   zerolog.Logger
	metrics  *metrics.Registry

	// deviceLocks holds one single-slot channel per device name so that
	// overlapping cycles never read a device concurrently.
	deviceLocks sync.Map
}

// NewAcquirer creates a new acquisition orchestrator.
func NewAcquirer(
	config AcquisitionConfig,
	reg *registry.Registry,
	gateway domain.DeviceGateway,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Acquirer {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.DeviceTimeout <= 0 {
		config.DeviceTimeout = 5 * time.Second
	}
	return &Acquirer{
		config:   config,
		registry: reg,
		gateway:  gateway,
		logger:   logger.With().Str("component", "acquisition").Logger(),
		metrics:  metricsReg,
	}
}

// AcquireAll performs one acquisition cycle. Devices that cannot be reached
// are skipped; parameters that cannot be read are omitted.
func (a *Acquirer) AcquireAll(ctx context.Context) domain.ParameterSet {
	start := time.Now()
	state := a.registry.Current()
	devices := state.EnabledDevices()

	contributions := make([]domain.ParameterSet, len(devices))

	if a.config.Parallel && len(devices) > 1 {
		sem := make(chan struct{}, a.config.MaxConcurrency)
		var wg sync.WaitGroup
		for i, device := range devices {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return a.merge(contributions, start)
			}
			wg.Add(1)
			go func(i int, device domain.DeviceDescriptor) {
				defer wg.Done()
				defer func() { <-sem }()
				contributions[i] = a.acquireDevice(ctx, state, device)
			}(i, device)
		}
		wg.Wait()
	} else {
		for i, device := range devices {
			if ctx.Err() != nil {
				break
			}
			contributions[i] = a.acquireDevice(ctx, state, device)
		}
	}

	return a.merge(contributions, start)
}

// merge applies contributions in registry device order.
func (a *Acquirer) merge(contributions []domain.ParameterSet, start time.Time) domain.ParameterSet {
	result := make(domain.ParameterSet)
	for _, c := range contributions {
		result.MergeAll(c)
	}

	duration := time.Since(start)
	if a.metrics != nil {
		a.metrics.RecordCycle(duration.Seconds(), len(result))
	}
	a.logger.Debug().
		Int("parameters", len(result)).
		Dur("duration", duration).
		Msg("Acquisition cycle completed")
	return result
}

func (a *Acquirer) lockDevice(ctx context.Context, name string) (func(), bool) {
	v, _ := a.deviceLocks.LoadOrStore(name, make(chan struct{}, 1))
	lock := v.(chan struct{})
	select {
	case lock <- struct{}{}:
		return func() { <-lock }, true
	case <-ctx.Done():
		return nil, false
	}
}

// acquireDevice reads every mapping of one device.
func (a *Acquirer) acquireDevice(ctx context.Context, state *registry.State, device domain.DeviceDescriptor) domain.ParameterSet {
	mappings := state.MappingsFor(device.Name)
	if len(mappings) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.DeviceTimeout)
	defer cancel()

	unlock, ok := a.lockDevice(ctx, device.Name)
	if !ok {
		return nil
	}
	defer unlock()

	logger := a.logger.With().Str("device", device.Name).Logger()
	out := make(domain.ParameterSet, len(mappings))

	conn, err := a.gateway.Connect(ctx, device)
	if err != nil {
		a.recordError(device.Name, "connect")
		if errors.Is(err, domain.ErrCircuitBreakerOpen) {
			logger.Debug().Err(err).Msg("Device skipped: circuit breaker open")
		} else {
			logger.Warn().Err(err).Msg("Device unreachable, skipping")
		}
		return nil
	}

	for _, m := range mappings {
		if ctx.Err() != nil {
			logger.Warn().Err(ctx.Err()).Msg("Device pass abandoned")
			break
		}

		if !m.DataType.IsSupported() {
			a.recordError(device.Name, "unsupported_type")
			logger.Warn().
				Str("parameter", m.Name).
				Str("data_type", string(m.DataType)).
				Msg("Unsupported data type, substituting 0")
			out.Merge(m.Name, 0)
			continue
		}

		words, err := conn.ReadRegisters(ctx, m.Address, m.RegisterCount())
		if err != nil {
			a.recordError(device.Name, "read")
			logger.Warn().
				Err(err).
				Str("parameter", m.Name).
				Uint16("address", m.Address).
				Msg("Failed to read parameter")
			continue
		}

		value, err := modbus.Decode(words, m)
		if err != nil {
			a.recordError(device.Name, "decode")
			logger.Warn().
				Err(err).
				Str("parameter", m.Name).
				Msg("Failed to decode parameter")
			continue
		}

		logger.Debug().
			Str("parameter", m.Name).
			Float64("value", value).
			Msg("Parameter read")
		out.Merge(m.Name, value)
	}

	return out
}

func (a *Acquirer) recordError(device, errorType string) {
	if a.metrics != nil {
		a.metrics.RecordDeviceError(device, errorType)
	}
}
