package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
	"github.com/yutthachai69/cems2-2newupdate/internal/metrics"
)

// WriterConfig holds configuration for the asynchronous writer.
type WriterConfig struct {
	// PersistInterval is how often the newest pending sample is written.
	// Zero writes every sample as soon as possible.
	PersistInterval time.Duration

	// QueueSize bounds pending samples when PersistInterval is zero
	QueueSize int

	// WriteTimeout bounds a single store write
	WriteTimeout time.Duration
}

// Writer is a fire-and-forget front for a SampleWriter. WriteSample never
// blocks on I/O; a background loop drains pending samples into the store.
type Writer struct {
	config  WriterConfig
	store   domain.SampleWriter
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	pending []domain.Sample
	closed  bool

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWriter creates a writer and starts its flush loop.
func NewWriter(config WriterConfig, store domain.SampleWriter, logger zerolog.Logger, metricsReg *metrics.Registry) *Writer {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	w := &Writer{
		config:  config,
		store:   store,
		logger:  logger.With().Str("component", "sample-writer").Logger(),
		metrics: metricsReg,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()
	return w
}

// WriteSample queues sample for persistence. With a persist interval only
// the newest sample per interval is kept.
func (w *Writer) WriteSample(_ context.Context, sample domain.Sample) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return domain.ErrStoreClosed
	}

	switch {
	case w.config.PersistInterval > 0 && len(w.pending) > 0:
		w.pending[0] = sample
		if w.metrics != nil {
			w.metrics.RecordStorageCoalesced()
		}
	case len(w.pending) >= w.config.QueueSize:
		w.pending = append(w.pending[1:], sample)
		w.logger.Warn().Int("queue_size", w.config.QueueSize).Msg("Persistence queue full, dropped oldest sample")
	default:
		w.pending = append(w.pending, sample)
	}
	w.mu.Unlock()

	if w.config.PersistInterval <= 0 {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns the number of samples waiting to be written.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Writer) loop() {
	defer w.wg.Done()

	var tick <-chan time.Time
	if w.config.PersistInterval > 0 {
		ticker := time.NewTicker(w.config.PersistInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-w.done:
			w.flush()
			return
		case <-tick:
			w.flush()
		case <-w.kick:
			w.flush()
		}
	}
}

// flush writes every pending sample in arrival order.
func (w *Writer) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, sample := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
		err := w.store.WriteSample(ctx, sample)
		cancel()
		if err != nil {
			w.logger.Warn().
				Err(err).
				Str("stack_id", sample.StackID).
				Time("timestamp", sample.Timestamp).
				Msg("Failed to persist sample")
			continue
		}
		w.logger.Debug().
			Str("stack_id", sample.StackID).
			Time("timestamp", sample.Timestamp).
			Msg("Sample persisted")
	}
}

// Close stops accepting samples, writes what is pending and stops the loop.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	return nil
}

var _ domain.SampleWriter = (*Writer)(nil)
