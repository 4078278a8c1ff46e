package pool

import "errors"

var (
	// ErrPoolStopped is returned by Manager.Next once shutdown has begun.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrWorkerStopped is returned when a task is pushed to a worker that is
	// stopping or has stopped. Queued tasks drained at shutdown fail with it.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrWorkerUnavailable is returned when a task reaches a worker whose
	// kernel failed to initialize.
	ErrWorkerUnavailable = errors.New("worker unavailable")
)

// ErrInvalidConfig is returned by NewManager for an unusable configuration.
var ErrInvalidConfig = errors.New("invalid pool configuration")
