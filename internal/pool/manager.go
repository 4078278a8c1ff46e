package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antchoi/Polymer/internal/kernel"
	"github.com/antchoi/Polymer/internal/model"
)

// Config describes a worker pool.
type Config struct {
	// Capability labels the pool's logs and metrics.
	Capability string

	// Workers is the number of workers. It must be at least 1.
	Workers int

	// Devices are assigned to workers cyclically: worker i is bound to
	// Devices[i % len(Devices)]. An empty list binds every worker to the CPU.
	Devices []model.Device

	// QueueSize bounds each worker's inbound queue. Defaults to DefaultQueueSize.
	QueueSize int

	// PollInterval bounds each wait on a worker's inbound queue. Defaults to
	// DefaultPollInterval.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Manager owns a fixed set of workers and hands them out in round-robin
// order. The set never changes until Stop, which detaches it as a whole.
type Manager[In, Out any] struct {
	capability string
	logger     *slog.Logger

	mu      sync.Mutex
	workers []*Worker[In, Out]
	cursor  int

	stopOnce sync.Once
}

// NewManager creates cfg.Workers workers, each with its own kernel from
// factory, and starts them. It does not wait for kernels to initialize; see
// WaitReady.
func NewManager[In, Out any](cfg Config, factory kernel.Factory[In, Out]) (*Manager[In, Out], error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("%w: worker count %d, want at least 1", ErrInvalidConfig, cfg.Workers)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: no kernel factory", ErrInvalidConfig)
	}
	devices := cfg.Devices
	if len(devices) == 0 {
		devices = []model.Device{model.CPU()}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("capability", cfg.Capability)

	initCapabilityMetrics(cfg.Capability)

	m := &Manager[In, Out]{
		capability: cfg.Capability,
		logger:     logger,
		workers:    make([]*Worker[In, Out], 0, cfg.Workers),
	}
	for i := 0; i < cfg.Workers; i++ {
		w := newWorker(workerConfig{
			index:        i,
			device:       devices[i%len(devices)],
			capability:   cfg.Capability,
			queueSize:    cfg.QueueSize,
			pollInterval: cfg.PollInterval,
			logger:       logger,
		}, factory())
		m.workers = append(m.workers, w)
	}
	for _, w := range m.workers {
		w.start()
	}

	logger.Info("worker pool started", "workers", cfg.Workers, "devices", len(devices))
	return m, nil
}

// Capability returns the capability the pool serves.
func (m *Manager[In, Out]) Capability() string {
	return m.capability
}

// Next returns the worker at the cursor and advances the cursor by one,
// modulo the worker count.
func (m *Manager[In, Out]) Next() (*Worker[In, Out], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.workers) == 0 {
		return nil, ErrPoolStopped
	}
	w := m.workers[m.cursor]
	m.cursor = (m.cursor + 1) % len(m.workers)
	return w, nil
}

// IsReady reports whether every worker is ready. A stopped pool is never
// ready.
func (m *Manager[In, Out]) IsReady() bool {
	workers := m.snapshot()
	if len(workers) == 0 {
		return false
	}
	for _, w := range workers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// WaitReady blocks until every worker has become ready. It fails as soon as
// any worker exits before WaitReady sees it ready, or when ctx is done.
func (m *Manager[In, Out]) WaitReady(ctx context.Context) error {
	workers := m.snapshot()
	if len(workers) == 0 {
		return ErrPoolStopped
	}
	for _, w := range workers {
		select {
		case <-w.Ready():
		case <-w.Done():
			if err := w.Err(); err != nil {
				return fmt.Errorf("worker %d: %w: %w", w.Index(), ErrWorkerUnavailable, err)
			}
			return fmt.Errorf("worker %d: %w", w.Index(), ErrWorkerStopped)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Workers returns a snapshot of every worker in pool order.
func (m *Manager[In, Out]) Workers() []WorkerStatus {
	workers := m.snapshot()
	out := make([]WorkerStatus, len(workers))
	for i, w := range workers {
		out[i] = w.Status()
	}
	return out
}

// Stop signals every worker, waits for all of them to exit and releases
// the set. It is safe to call concurrently; every caller returns only once
// shutdown has completed.
func (m *Manager[In, Out]) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		workers := m.workers
		m.workers = nil
		m.cursor = 0
		m.mu.Unlock()

		m.logger.Info("stopping worker pool", "workers", len(workers))
		for _, w := range workers {
			w.Stop()
		}
		for _, w := range workers {
			<-w.Done()
		}
		m.logger.Info("worker pool stopped")
	})
}

func (m *Manager[In, Out]) snapshot() []*Worker[In, Out] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers
}
