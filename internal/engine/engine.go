package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antchoi/Polymer/internal/model"
	"github.com/antchoi/Polymer/internal/pool"
)

// Recorder persists task history. The store package provides the SQLite
// implementation.
type Recorder interface {
	CreateTask(ctx context.Context, t *model.TaskRecord) error
	FinishTask(ctx context.Context, t *model.TaskRecord) error
}

// Options configures an Engine.
type Options struct {
	// Recorder, if set, receives a pending record for every dispatched task
	// and the final record once it is answered.
	Recorder Recorder

	// AwaitTimeout bounds how long Process and Await wait for an answer.
	// For Process it includes the wait for room in a full worker queue.
	// Zero means no bound beyond the caller's context.
	AwaitTimeout time.Duration

	// AnswerTTL is how long the answer to a submitted task is kept for Await
	// once it arrives. Defaults to DefaultAnswerTTL.
	AnswerTTL time.Duration
}

// DefaultAnswerTTL is the AnswerTTL used when none is configured.
const DefaultAnswerTTL = time.Hour

// Engine is the facade for one capability. It is safe for concurrent use.
type Engine[In, Out any] struct {
	name     string
	manager  *pool.Manager[In, Out]
	recorder Recorder
	timeout  time.Duration
	logger   *slog.Logger
	pending  *pendingTable[Out]

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// NewEngine creates an engine over m. The engine takes ownership of m and
// stops it on Stop.
func NewEngine[In, Out any](m *pool.Manager[In, Out], opts Options, logger *slog.Logger) *Engine[In, Out] {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.AnswerTTL
	if ttl <= 0 {
		ttl = DefaultAnswerTTL
	}
	return &Engine[In, Out]{
		name:     m.Capability(),
		manager:  m,
		recorder: opts.Recorder,
		timeout:  opts.AwaitTimeout,
		logger:   logger.With("capability", m.Capability()),
		pending:  newPendingTable[Out](ttl),
	}
}

// Name returns the capability name.
func (e *Engine[In, Out]) Name() string {
	return e.name
}

// IsReady reports whether every worker of the capability is ready.
func (e *Engine[In, Out]) IsReady() bool {
	return e.manager.IsReady()
}

// WaitReady blocks until every worker is ready or one of them fails to
// initialize.
func (e *Engine[In, Out]) WaitReady(ctx context.Context) error {
	return e.manager.WaitReady(ctx)
}

// Workers returns a snapshot of the capability's workers.
func (e *Engine[In, Out]) Workers() []pool.WorkerStatus {
	return e.manager.Workers()
}

// Process submits payload and waits for its answer. The returned answer
// always carries the id of the submitted task. Dispatch failures, such as a
// stopped pool or a worker whose kernel failed to load, are returned as a
// Failed answer. The error is non-nil only when ctx, bounded by
// AwaitTimeout, ends first.
func (e *Engine[In, Out]) Process(ctx context.Context, payload In) (model.Answer[Out], error) {
	ctx, cancel := e.awaitContext(ctx)
	defer cancel()

	task := model.NewTask(payload)
	reply := e.dispatch(ctx, task)

	select {
	case ans := <-reply:
		if err := ctx.Err(); err != nil && ans.Failed() && errors.Is(ans.Err, err) {
			e.logger.Warn("gave up waiting for queue space", "task_id", task.ID, "error", err)
			return model.Answer[Out]{}, err
		}
		return ans, nil
	case <-ctx.Done():
		e.logger.Warn("caller stopped waiting", "task_id", task.ID, "error", ctx.Err())
		return model.Answer[Out]{}, ctx.Err()
	}
}

// Submit dispatches payload and returns its task id without waiting. The
// answer is collected with Await.
func (e *Engine[In, Out]) Submit(ctx context.Context, payload In) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if n := e.pending.expire(); n > 0 {
		e.logger.Warn("dropped uncollected answers", "count", n)
	}
	task := model.NewTask(payload)
	t := e.pending.add(task.ID)
	reply := e.dispatch(ctx, task)

	e.track(func() {
		e.pending.complete(t, <-reply)
	})
	return task.ID, nil
}

// Await blocks until the answer to taskID is available and returns it. Each
// answer is handed out once. If ctx ends first the answer stays available
// to a later Await, for at most AnswerTTL after it arrived.
func (e *Engine[In, Out]) Await(ctx context.Context, taskID string) (model.Answer[Out], error) {
	t, ok := e.pending.get(taskID)
	if !ok {
		return model.Answer[Out]{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	ctx, cancel := e.awaitContext(ctx)
	defer cancel()

	select {
	case <-t.done:
	case <-ctx.Done():
		return model.Answer[Out]{}, ctx.Err()
	}

	ans, ok := e.pending.take(taskID)
	if !ok {
		return model.Answer[Out]{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return ans, nil
}

// Pending returns the number of submitted tasks whose answers have not been
// collected.
func (e *Engine[In, Out]) Pending() int {
	return e.pending.len()
}

// Stop shuts the pool down and waits for in-flight bookkeeping to finish.
// Every task still queued is answered with a Failed.
func (e *Engine[In, Out]) Stop() {
	e.manager.Stop()

	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()
	e.wg.Wait()
}

// track runs fn on its own goroutine, counted by Stop unless shutdown has
// already begun.
func (e *Engine[In, Out]) track(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		go fn()
		return
	}
	e.wg.Go(fn)
}

// dispatch records task, hands it to the next worker and returns the
// channel its answer arrives on. The channel always yields exactly one
// answer; failures to dispatch are delivered through it as a Failed.
func (e *Engine[In, Out]) dispatch(ctx context.Context, task model.Task[In]) <-chan model.Answer[Out] {
	e.recordCreated(task)

	out := make(chan model.Answer[Out], 1)

	w, err := e.manager.Next()
	if err != nil {
		e.logger.Warn("task not dispatched", "task_id", task.ID, "error", err)
		e.deliver(task, model.NewFailed[Out](task.ID, err), out)
		return out
	}

	reply, err := w.Push(ctx, task)
	if err != nil {
		e.logger.Warn("task not dispatched", "task_id", task.ID, "worker_id", w.ID(), "error", err)
		ans := model.NewFailed[Out](task.ID, err)
		ans.WorkerID = w.ID()
		ans.Device = w.Device().String()
		e.deliver(task, ans, out)
		return out
	}

	e.logger.Debug("task dispatched", "task_id", task.ID, "worker_id", w.ID(), "worker_index", w.Index())

	// The worker answers every accepted task, so this goroutine always ends,
	// even when the caller has stopped listening.
	e.track(func() {
		e.deliver(task, <-reply, out)
	})
	return out
}

// deliver records ans and forwards it to out.
func (e *Engine[In, Out]) deliver(task model.Task[In], ans model.Answer[Out], out chan<- model.Answer[Out]) {
	e.recordFinished(task, ans)
	out <- ans
}

func (e *Engine[In, Out]) awaitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine[In, Out]) recordCreated(task model.Task[In]) {
	if e.recorder == nil {
		return
	}
	rec := &model.TaskRecord{
		ID:         task.ID,
		Capability: e.name,
		Status:     model.StatusPending,
		CreatedAt:  task.CreatedAt,
	}
	if err := e.recorder.CreateTask(context.Background(), rec); err != nil {
		e.logger.Error("failed to record task", "task_id", task.ID, "error", err)
	}
}

func (e *Engine[In, Out]) recordFinished(task model.Task[In], ans model.Answer[Out]) {
	if e.recorder == nil {
		return
	}
	now := time.Now().UTC()
	durationMS := int(now.Sub(task.CreatedAt).Milliseconds())

	rec := &model.TaskRecord{
		ID:         task.ID,
		Capability: e.name,
		Status:     model.StatusCompleted,
		WorkerID:   ans.WorkerID,
		Device:     ans.Device,
		DurationMS: &durationMS,
		CreatedAt:  task.CreatedAt,
		FinishedAt: &now,
	}
	if ans.Failed() {
		rec.Status = model.StatusFailed
		if ans.Err != nil {
			rec.Error = ans.Err.Error()
		}
	}
	if err := e.recorder.FinishTask(context.Background(), rec); err != nil {
		e.logger.Error("failed to record task result", "task_id", task.ID, "error", err)
	}
}
