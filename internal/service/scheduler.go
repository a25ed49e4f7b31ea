package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
)

// SchedulerConfig holds configuration for the periodic driver.
type SchedulerConfig struct {
	// StackID is the stack resolved on every broadcast tick
	StackID string

	// BroadcastInterval is the period of the acquire-and-publish cycle
	BroadcastInterval time.Duration

	// StatusInterval is the period of the digital status cycle; zero disables it
	StatusInterval time.Duration

	// ShutdownTimeout bounds Stop when the caller's context has no deadline
	ShutdownTimeout time.Duration
}

// SchedulerStats tracks driver statistics.
type SchedulerStats struct {
	BroadcastCycles atomic.Uint64
	LiveSamples     atomic.Uint64
	PublishedData   atomic.Uint64
	PublishFailures atomic.Uint64
	StatusCycles    atomic.Uint64
	StatusFailures  atomic.Uint64
}

// StatsSnapshot holds a point-in-time snapshot of scheduler statistics.
type StatsSnapshot struct {
	BroadcastCycles uint64
	LiveSamples     uint64
	PublishedData   uint64
	PublishFailures uint64
	StatusCycles    uint64
	StatusFailures  uint64
}

// Scheduler drives the broadcast and status cycles on independent tickers.
type Scheduler struct {
	config    SchedulerConfig
	cascade   *Cascade
	digital   *DigitalCache
	publisher domain.SamplePublisher
	status    domain.StatusPublisher
	logger    zerolog.Logger
	started   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stats     *SchedulerStats
}

// NewScheduler creates a new scheduler. publisher, status and digital may be
// nil, in which case the corresponding step is skipped.
func NewScheduler(
	config SchedulerConfig,
	cascade *Cascade,
	digital *DigitalCache,
	publisher domain.SamplePublisher,
	status domain.StatusPublisher,
	logger zerolog.Logger,
) *Scheduler {
	if config.BroadcastInterval <= 0 {
		config.BroadcastInterval = 5 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if config.StackID == "" {
		config.StackID = "stack1"
	}

	return &Scheduler{
		config:    config,
		cascade:   cascade,
		digital:   digital,
		publisher: publisher,
		status:    status,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		stats:     &SchedulerStats{},
	}
}

// Start begins both cycles. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info().
		Str("stack_id", s.config.StackID).
		Dur("broadcast_interval", s.config.BroadcastInterval).
		Dur("status_interval", s.config.StatusInterval).
		Msg("Starting scheduler")

	s.wg.Add(1)
	go s.loop(runCtx, s.config.BroadcastInterval, s.RunBroadcastOnce)

	if s.digital != nil && s.config.StatusInterval > 0 {
		s.wg.Add(1)
		go s.loop(runCtx, s.config.StatusInterval, s.RunStatusOnce)
	}

	return nil
}

// Stop cancels in-flight cycles and waits for the loops to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}

	s.logger.Info().Msg("Stopping scheduler")
	s.cancel()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("Timeout waiting for scheduler loops to stop")
		return ctx.Err()
	}
}

// loop runs fn immediately and then on every tick. A slow cycle delays the
// next one instead of overlapping it.
func (s *Scheduler) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// RunBroadcastOnce resolves the latest sample and publishes it.
func (s *Scheduler) RunBroadcastOnce(ctx context.Context) {
	s.stats.BroadcastCycles.Add(1)

	sample := s.cascade.Latest(ctx, s.config.StackID)
	if sample.IsLive() {
		s.stats.LiveSamples.Add(1)
	}
	if ctx.Err() != nil || s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, sample); err != nil {
		s.stats.PublishFailures.Add(1)
		s.logger.Warn().Err(err).Str("stack_id", sample.StackID).Msg("Failed to publish sample")
		return
	}
	s.stats.PublishedData.Add(1)
}

// RunStatusOnce reads the digital points and publishes them.
func (s *Scheduler) RunStatusOnce(ctx context.Context) {
	if s.digital == nil {
		return
	}
	s.stats.StatusCycles.Add(1)

	readings, err := s.digital.Read(ctx)
	if err != nil {
		s.stats.StatusFailures.Add(1)
		return
	}
	if s.status == nil {
		return
	}
	if err := s.status.PublishStatus(ctx, s.config.StackID, readings); err != nil {
		s.stats.StatusFailures.Add(1)
		s.logger.Warn().Err(err).Msg("Failed to publish digital status")
	}
}

// Stats returns a snapshot of the scheduler statistics.
func (s *Scheduler) Stats() StatsSnapshot {
	return StatsSnapshot{
		BroadcastCycles: s.stats.BroadcastCycles.Load(),
		LiveSamples:     s.stats.LiveSamples.Load(),
		PublishedData:   s.stats.PublishedData.Load(),
		PublishFailures: s.stats.PublishFailures.Load(),
		StatusCycles:    s.stats.StatusCycles.Load(),
		StatusFailures:  s.stats.StatusFailures.Load(),
	}
}
