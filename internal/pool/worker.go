package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antchoi/Polymer/internal/kernel"
	"github.com/antchoi/Polymer/internal/model"
)

// State is a worker lifecycle state.
type State string

// Worker states. StateFailedInit is terminal and only reachable from
// StateInitializing. StateLost is terminal and only reachable from
// StateReady, when the kernel reports that it can no longer serve calls.
const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateStopped      State = "stopped"
	StateFailedInit   State = "failed_init"
	StateLost         State = "lost"
)

const (
	// DefaultQueueSize bounds each worker's inbound queue when none is configured.
	DefaultQueueSize = 100

	// DefaultPollInterval bounds each wait on the inbound queue.
	DefaultPollInterval = time.Second
)

// job is a task together with the channel its answer must be written to.
type job[In, Out any] struct {
	task  model.Task[In]
	reply chan model.Answer[Out]
}

// WorkerStatus is a point-in-time snapshot of a worker.
type WorkerStatus struct {
	ID         string `json:"id"`
	Index      int    `json:"index"`
	Device     string `json:"device"`
	State      State  `json:"state"`
	QueueDepth int    `json:"queue_depth"`
	Error      string `json:"error,omitempty"`
}

// Worker is one long-lived execution unit bound to a single device. It owns
// its kernel exclusively and handles its queue strictly FIFO, one task at a
// time.
type Worker[In, Out any] struct {
	id           string
	index        int
	device       model.Device
	capability   string
	kernel       kernel.Kernel[In, Out]
	pollInterval time.Duration
	logger       *slog.Logger

	inbound chan job[In, Out]

	mu      sync.Mutex
	state   State
	err     error
	pushers sync.WaitGroup

	ready    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	exiting  chan struct{}
	done     chan struct{}
}

type workerConfig struct {
	index        int
	device       model.Device
	capability   string
	queueSize    int
	pollInterval time.Duration
	logger       *slog.Logger
}

func newWorker[In, Out any](cfg workerConfig, k kernel.Kernel[In, Out]) *Worker[In, Out] {
	if cfg.queueSize <= 0 {
		cfg.queueSize = DefaultQueueSize
	}
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = DefaultPollInterval
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	id := uuid.NewString()
	return &Worker[In, Out]{
		id:           id,
		index:        cfg.index,
		device:       cfg.device,
		capability:   cfg.capability,
		kernel:       k,
		pollInterval: cfg.pollInterval,
		logger: cfg.logger.With(
			"worker_id", id,
			"worker_index", cfg.index,
			"device", cfg.device.String(),
		),
		inbound: make(chan job[In, Out], cfg.queueSize),
		state:   StateInitializing,
		ready:   make(chan struct{}),
		stop:    make(chan struct{}),
		exiting: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the worker's unique identifier.
func (w *Worker[In, Out]) ID() string { return w.id }

// Index returns the worker's position in its pool.
func (w *Worker[In, Out]) Index() int { return w.index }

// Device returns the device the worker's kernel is bound to.
func (w *Worker[In, Out]) Device() model.Device { return w.device }

// State returns the current lifecycle state.
func (w *Worker[In, Out]) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsReady reports whether the kernel initialized, is still usable and the
// loop is running.
func (w *Worker[In, Out]) IsReady() bool {
	return w.State() == StateReady
}

// Ready returns a channel that is closed once the kernel has initialized.
// It is never closed for a worker whose init failed.
func (w *Worker[In, Out]) Ready() <-chan struct{} {
	return w.ready
}

// Done returns a channel that is closed once the worker goroutine has exited.
func (w *Worker[In, Out]) Done() <-chan struct{} {
	return w.done
}

// InitErr returns the error that moved the worker to StateFailedInit, if any.
func (w *Worker[In, Out]) InitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateFailedInit {
		return nil
	}
	return w.err
}

// Err returns the error that moved the worker to StateFailedInit or
// StateLost, if any.
func (w *Worker[In, Out]) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Status returns a snapshot of the worker.
func (w *Worker[In, Out]) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := WorkerStatus{
		ID:         w.id,
		Index:      w.index,
		Device:     w.device.String(),
		State:      w.state,
		QueueDepth: len(w.inbound),
	}
	if w.err != nil {
		st.Error = w.err.Error()
	}
	return st
}

// Push enqueues task and returns the channel its answer will be written to.
// Exactly one answer is written to the channel for every successful Push,
// including when the worker stops before handling the task. Push blocks
// while the queue is full, until ctx is done or the worker exits.
func (w *Worker[In, Out]) Push(ctx context.Context, task model.Task[In]) (<-chan model.Answer[Out], error) {
	w.mu.Lock()
	switch w.state {
	case StateStopped:
		w.mu.Unlock()
		return nil, ErrWorkerStopped
	case StateFailedInit, StateLost:
		err := w.err
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}
	w.pushers.Add(1)
	w.mu.Unlock()
	defer w.pushers.Done()

	j := job[In, Out]{task: task, reply: make(chan model.Answer[Out], 1)}

	select {
	case w.inbound <- j:
		queueDepth.WithLabelValues(w.capability).Inc()
		return j.reply, nil
	case <-w.exiting:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop signals the worker to exit after its current task. It does not wait
// and never interrupts a task in progress; use Done to wait.
func (w *Worker[In, Out]) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// stopping reports whether Stop has been called.
func (w *Worker[In, Out]) stopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// start launches the worker goroutine.
func (w *Worker[In, Out]) start() {
	go w.run()
}

func (w *Worker[In, Out]) run() {
	defer close(w.done)

	if err := w.initKernel(); err != nil {
		if w.stopping() {
			w.exit(StateStopped, nil)
			return
		}
		w.exit(StateFailedInit, err)
		return
	}
	if w.stopping() {
		w.exit(StateStopped, nil)
		return
	}

	w.mu.Lock()
	w.state = StateReady
	w.mu.Unlock()
	close(w.ready)
	workersReady.WithLabelValues(w.capability).Inc()
	w.logger.Info("worker ready")

	lost := w.loop()

	workersReady.WithLabelValues(w.capability).Dec()
	if lost != nil {
		w.exit(StateLost, lost)
		return
	}
	w.exit(StateStopped, nil)
}

// initKernel runs the kernel's one-time setup. A stop signal cancels the context
// handed to the kernel so a slow model load does not hold up shutdown.
func (w *Worker[In, Out]) initKernel() (err error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", kernel.ErrModelLoad, r)
		}
	}()

	start := time.Now()
	w.logger.Info("initializing kernel")
	if err := w.kernel.Init(ctx, w.device); err != nil {
		return err
	}
	w.logger.Info("kernel initialized", "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

// loop waits on the inbound queue in bounded intervals and handles tasks
// until a stop is signalled or the kernel is lost. It returns the error that
// lost the kernel, if any.
func (w *Worker[In, Out]) loop() error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case j := <-w.inbound:
			queueDepth.WithLabelValues(w.capability).Dec()
			// Select picks at random among ready cases, so a task may be
			// received after Stop.
			if w.stopping() {
				w.reject(j, ErrWorkerStopped)
				return nil
			}
			if err := w.handle(j); errors.Is(err, kernel.ErrKernelLost) {
				return err
			}
		case <-w.stop:
			return nil
		case <-ticker.C:
		}
	}
}

// handle runs one task and writes exactly one answer to its reply channel
// before anything is logged. It returns the task's error.
func (w *Worker[In, Out]) handle(j job[In, Out]) error {
	start := time.Now()
	out, err := w.invoke(j.task.Payload)
	elapsed := time.Since(start)

	var ans model.Answer[Out]
	if err != nil {
		ans = model.NewFailed[Out](j.task.ID, err)
	} else {
		ans = model.NewResult(j.task.ID, out)
	}
	ans.WorkerID = w.id
	ans.Device = w.device.String()
	ans.Elapsed = elapsed
	j.reply <- ans

	taskDuration.WithLabelValues(w.capability).Observe(elapsed.Seconds())
	if err != nil {
		tasksTotal.WithLabelValues(w.capability, outcomeFailed).Inc()
		w.logger.Error("task failed", "task_id", j.task.ID, "elapsed_ms", elapsed.Milliseconds(), "error", err)
		return err
	}
	tasksTotal.WithLabelValues(w.capability, outcomeResult).Inc()
	w.logger.Debug("task completed", "task_id", j.task.ID, "elapsed_ms", elapsed.Milliseconds())
	return nil
}

// invoke calls the kernel inside a failure boundary that turns panics into
// errors.
func (w *Worker[In, Out]) invoke(in In) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero Out
			out = zero
			err = fmt.Errorf("%w: panic: %v", kernel.ErrInference, r)
		}
	}()
	return w.kernel.Invoke(context.Background(), in)
}

// exit moves the worker to a terminal state, waits out any Push still in
// flight, fails every task left in the queue and releases the kernel. cause
// is the error behind StateFailedInit or StateLost.
func (w *Worker[In, Out]) exit(state State, cause error) {
	w.mu.Lock()
	w.state = state
	w.err = cause
	w.mu.Unlock()
	close(w.exiting)

	w.pushers.Wait()

	reason := ErrWorkerStopped
	switch state {
	case StateFailedInit:
		reason = fmt.Errorf("%w: %w", ErrWorkerUnavailable, cause)
		w.logger.Error("kernel initialization failed", "error", cause)
	case StateLost:
		reason = fmt.Errorf("%w: %w", ErrWorkerUnavailable, cause)
		w.logger.Error("kernel lost, worker is out of service", "error", cause)
	}

	drained := w.drain(reason)

	if c, ok := w.kernel.(kernel.Closer); ok {
		if err := c.Close(); err != nil {
			w.logger.Warn("close kernel", "error", err)
		}
	}

	if state == StateStopped {
		w.logger.Info("worker stopped", "drained", drained)
	}
}

// drain answers every queued task with a Failed carrying reason.
func (w *Worker[In, Out]) drain(reason error) int {
	for n := 0; ; n++ {
		select {
		case j := <-w.inbound:
			queueDepth.WithLabelValues(w.capability).Dec()
			w.reject(j, reason)
		default:
			return n
		}
	}
}

// reject answers a task that will never run with a Failed carrying reason.
func (w *Worker[In, Out]) reject(j job[In, Out], reason error) {
	ans := model.NewFailed[Out](j.task.ID, reason)
	ans.WorkerID = w.id
	ans.Device = w.device.String()
	j.reply <- ans
	tasksTotal.WithLabelValues(w.capability, outcomeDrained).Inc()
}
