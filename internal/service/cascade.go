package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/yutthachai69/cems2-2newupdate/internal/correction"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
	"github.com/yutthachai69/cems2-2newupdate/internal/metrics"
	"github.com/yutthachai69/cems2-2newupdate/internal/registry"
)

// Source names recorded in metrics.
const (
	SourceLive      = "live"
	SourcePersisted = "persisted"
	SourceDefault   = "default"
)

// SourceProvider is one tier of the cascade. Provide reports false when the
// tier has nothing for the stack.
type SourceProvider interface {
	Name() string
	Provide(ctx context.Context, stackID string) (domain.Sample, bool)
}

// StackInfo identifies the monitored stack.
type StackInfo struct {
	ID   string
	Name string
}

func (s StackInfo) nameFor(stackID string) string {
	if stackID == s.ID && s.Name != "" {
		return s.Name
	}
	return stackID
}

// visibleParameters returns the standard catalogue followed by any mapped
// parameter outside it.
func visibleParameters(state *registry.State) []string {
	names := domain.StandardParameterNames()
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		seen[n] = struct{}{}
	}
	for _, n := range state.MappedParameters() {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			names = append(names, n)
		}
	}
	return names
}

// filterToMapped keeps values only for currently mapped parameters. Every
// visible parameter is present in the result; unmapped ones are 0.
func filterToMapped(set domain.ParameterSet, state *registry.State) domain.ParameterSet {
	mapped := make(map[string]struct{})
	for _, n := range state.MappedParameters() {
		mapped[n] = struct{}{}
	}
	out := make(domain.ParameterSet)
	for _, n := range visibleParameters(state) {
		if _, ok := mapped[n]; ok {
			out[n] = set.Get(n)
		} else {
			out[n] = 0
		}
	}
	return out
}

// LiveSource acquires, corrects and persists a fresh sample.
type LiveSource struct {
	acquirer *Acquirer
	engine   correction.Engine
	registry *registry.Registry
	writer   domain.SampleWriter
	stack    StackInfo
	logger   zerolog.Logger
}

// NewLiveSource creates the live tier. writer may be nil.
func NewLiveSource(
	acquirer *Acquirer,
	engine correction.Engine,
	reg *registry.Registry,
	writer domain.SampleWriter,
	stack StackInfo,
	logger zerolog.Logger,
) *LiveSource {
	return &LiveSource{
		acquirer: acquirer,
		engine:   engine,
		registry: reg,
		writer:   writer,
		stack:    stack,
		logger:   logger.With().Str("component", "live-source").Logger(),
	}
}

// Name implements SourceProvider.
func (s *LiveSource) Name() string { return SourceLive }

// Provide implements SourceProvider.
func (s *LiveSource) Provide(ctx context.Context, stackID string) (domain.Sample, bool) {
	raw := s.acquirer.AcquireAll(ctx)
	if len(raw) == 0 {
		return domain.Sample{}, false
	}

	state := s.registry.Current()
	corrected := s.engine.Correct(raw)

	sample := domain.Sample{
		StackID:   stackID,
		StackName: s.stack.nameFor(stackID),
		Timestamp: time.Now(),
		Data:      filterToMapped(raw, state),
		Corrected: filterToMapped(corrected, state),
		Status:    domain.StatusLive,
	}

	if s.writer != nil {
		if err := s.writer.WriteSample(ctx, sample); err != nil {
			s.logger.Warn().Err(err).Str("stack_id", stackID).Msg("Failed to hand off sample for persistence")
		}
	}
	return sample, true
}

// PersistedSource serves the latest stored sample.
type PersistedSource struct {
	reader   domain.SampleReader
	registry *registry.Registry
	logger   zerolog.Logger
}

// NewPersistedSource creates the persisted tier.
func NewPersistedSource(reader domain.SampleReader, reg *registry.Registry, logger zerolog.Logger) *PersistedSource {
	return &PersistedSource{
		reader:   reader,
		registry: reg,
		logger:   logger.With().Str("component", "persisted-source").Logger(),
	}
}

// Name implements SourceProvider.
func (s *PersistedSource) Name() string { return SourcePersisted }

// Provide implements SourceProvider.
func (s *PersistedSource) Provide(ctx context.Context, stackID string) (domain.Sample, bool) {
	stored, err := s.reader.ReadLatest(ctx, stackID)
	if err != nil {
		if !errors.Is(err, domain.ErrSampleNotFound) {
			s.logger.Warn().Err(err).Str("stack_id", stackID).Msg("Failed to read latest stored sample")
		}
		return domain.Sample{}, false
	}

	state := s.registry.Current()
	stored.Data = filterToMapped(stored.Data, state)
	stored.Corrected = filterToMapped(stored.Corrected, state)
	return stored, true
}

// DefaultSource always answers with a zero-valued sample.
type DefaultSource struct {
	registry *registry.Registry
	stack    StackInfo
}

// NewDefaultSource creates the final tier.
func NewDefaultSource(reg *registry.Registry, stack StackInfo) *DefaultSource {
	return &DefaultSource{registry: reg, stack: stack}
}

// Name implements SourceProvider.
func (s *DefaultSource) Name() string { return SourceDefault }

// Provide implements SourceProvider.
func (s *DefaultSource) Provide(_ context.Context, stackID string) (domain.Sample, bool) {
	var state *registry.State
	if s.registry != nil {
		state = s.registry.Current()
	}
	return noDataSample(state, stackID, s.stack.nameFor(stackID)), true
}

func noDataSample(state *registry.State, stackID, stackName string) domain.Sample {
	names := domain.StandardParameterNames()
	if state != nil {
		names = visibleParameters(state)
	}
	zero := make(domain.ParameterSet, len(names))
	for _, n := range names {
		zero[n] = 0
	}
	return domain.Sample{
		StackID:   stackID,
		StackName: stackName,
		Timestamp: time.Now(),
		Data:      zero,
		Corrected: zero.Clone(),
		Status:    domain.StatusNoData,
	}
}

// Cascade resolves the latest sample by asking each provider in order.
type Cascade struct {
	providers []SourceProvider
	logger    zerolog.Logger
	metrics   *metrics.Registry
}

// NewCascade creates a cascade over providers, tried in the given order.
func NewCascade(providers []SourceProvider, logger zerolog.Logger, metricsReg *metrics.Registry) *Cascade {
	return &Cascade{
		providers: providers,
		logger:    logger.With().Str("component", "source-cascade").Logger(),
		metrics:   metricsReg,
	}
}

// Latest returns the first sample any provider has for stackID. When no
// provider answers, a zero-valued "no data available" sample is returned.
func (c *Cascade) Latest(ctx context.Context, stackID string) domain.Sample {
	for _, p := range c.providers {
		sample, ok := p.Provide(ctx, stackID)
		if !ok {
			c.logger.Debug().Str("source", p.Name()).Str("stack_id", stackID).Msg("Source had no data")
			continue
		}
		if c.metrics != nil {
			c.metrics.RecordCascadeSource(p.Name())
		}
		return sample
	}

	if c.metrics != nil {
		c.metrics.RecordCascadeSource(SourceDefault)
	}
	return noDataSample(nil, stackID, stackID)
}
