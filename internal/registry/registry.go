// Package registry holds the authoritative snapshot of devices, parameter
// mappings and digital points. Readers never block a reload.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
	"github.com/yutthachai69/cems2-2newupdate/internal/metrics"
)

// Registry owns the current State and replaces it wholesale on Load.
type Registry struct {
	source      domain.MappingSource
	state       atomic.Pointer[State]
	version     atomic.Uint64
	loadMu      sync.Mutex
	subscribers []func(*State)
	subMu       sync.RWMutex
	logger      zerolog.Logger
	metrics     *metrics.Registry
}

// New creates a registry that pulls its tables from source. Until the first
// successful Load, Current returns an empty state.
func New(source domain.MappingSource, logger zerolog.Logger, metricsReg *metrics.Registry) *Registry {
	r := &Registry{
		source:  source,
		logger:  logger.With().Str("component", "mapping-registry").Logger(),
		metrics: metricsReg,
	}
	r.state.Store(emptyState())
	return r
}

// Current returns the active snapshot. It is never nil.
func (r *Registry) Current() *State {
	return r.state.Load()
}

// HealthCheck reports whether a mapping table has been activated.
func (r *Registry) HealthCheck(context.Context) error {
	if r.Current().Version() == 0 {
		return domain.ErrNoMappings
	}
	return nil
}

// Subscribe registers fn to be called with every newly activated state.
func (r *Registry) Subscribe(fn func(*State)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Load pulls the tables from the source, validates them and swaps the new
// state in. On failure the previous state stays active.
func (r *Registry) Load(ctx context.Context) (*State, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	table, err := r.source.LoadMappings(ctx)
	if err != nil {
		r.recordReload(false, nil)
		r.logger.Error().Err(err).Msg("Failed to load mapping tables, keeping previous snapshot")
		return nil, err
	}

	state, err := Build(table)
	if err != nil {
		r.recordReload(false, nil)
		r.logger.Error().Err(err).Msg("Rejected mapping tables, keeping previous snapshot")
		return nil, err
	}

	state.version = r.version.Add(1)
	state.loadedAt = time.Now()

	previous := r.state.Swap(state)

	r.recordReload(true, state)
	r.logger.Info().
		Uint64("version", state.version).
		Int("devices", len(state.devices)).
		Int("mappings", len(state.mappings)).
		Int("digital_points", len(state.digital)).
		Bool("changed", previous.fingerprint != state.fingerprint).
		Msg("Mapping registry loaded")

	r.subMu.RLock()
	subs := append([]func(*State){}, r.subscribers...)
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(state)
	}

	return state, nil
}

func (r *Registry) recordReload(success bool, state *State) {
	if r.metrics == nil {
		return
	}
	mapped := 0
	if state != nil {
		mapped = len(state.MappedParameters())
	}
	r.metrics.RecordReload(success, mapped)
}

// Build validates table and constructs an unversioned State from it.
func Build(table domain.MappingTable) (*State, error) {
	s := &State{
		devices:  make([]domain.DeviceDescriptor, 0, len(table.Devices)),
		byName:   make(map[string]int, len(table.Devices)),
		mappings: make([]domain.ParameterMapping, 0, len(table.Mappings)),
		digital:  make([]domain.DigitalPoint, 0, len(table.DigitalPoints)),
	}

	for _, d := range table.Devices {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byName[d.Name]; dup {
			return nil, domain.NewConfigError("device.name", "duplicate device %q", d.Name)
		}
		s.byName[d.Name] = len(s.devices)
		s.devices = append(s.devices, d)
	}

	for i, m := range table.Mappings {
		m = m.Normalize()
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("mapping %d: %w", i, err)
		}
		s.mappings = append(s.mappings, m)
	}

	for _, p := range table.DigitalPoints {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		s.digital = append(s.digital, p)
	}

	s.fingerprint = Fingerprint(s)
	return s, nil
}

// StaticSource serves a fixed table. Set replaces it for the next Load.
type StaticSource struct {
	mu    sync.Mutex
	table domain.MappingTable
	err   error
}

// NewStaticSource returns a source serving table.
func NewStaticSource(table domain.MappingTable) *StaticSource {
	return &StaticSource{table: table}
}

// Set replaces the served table and clears any injected error.
func (s *StaticSource) Set(table domain.MappingTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = table
	s.err = nil
}

// Fail makes subsequent loads return err.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// LoadMappings implements domain.MappingSource.
func (s *StaticSource) LoadMappings(context.Context) (domain.MappingTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table, s.err
}
