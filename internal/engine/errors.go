package engine

import "errors"

var (
	// ErrUnknownTask is returned by Await for an id that was never submitted
	// or whose answer has already been collected.
	ErrUnknownTask = errors.New("unknown task")

	// ErrNotReady is returned when a capability's workers are not all ready.
	ErrNotReady = errors.New("engine not ready")
)
