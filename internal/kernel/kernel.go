package kernel

import (
	"context"
	"errors"

	"github.com/antchoi/Polymer/internal/model"
)

var (
	// ErrModelLoad is wrapped by every Init failure.
	ErrModelLoad = errors.New("model load failed")

	// ErrInference is wrapped by every Invoke failure.
	ErrInference = errors.New("inference failed")

	// ErrKernelLost is wrapped, alongside ErrInference, by an Invoke failure
	// after which the kernel cannot serve any further call.
	ErrKernelLost = errors.New("kernel lost")
)

// Kernel is a device-bound function from structured input to structured
// output. A Kernel is owned by exactly one worker goroutine and is never
// called concurrently.
type Kernel[In, Out any] interface {
	// Init performs the one-time, device-bound setup (loading a model onto dev).
	// It is called exactly once, before any Invoke.
	Init(ctx context.Context, dev model.Device) error

	// Invoke runs the kernel on one task's input.
	Invoke(ctx context.Context, in In) (Out, error)
}

// Closer is implemented by kernels that hold resources, such as a child
// process, which must be released when their worker exits.
type Closer interface {
	Close() error
}

// Factory creates an uninitialized Kernel for one worker.
type Factory[In, Out any] func() Kernel[In, Out]

// Funcs adapts plain functions to the Kernel interface. A nil InitFunc is a
// no-op.
type Funcs[In, Out any] struct {
	InitFunc   func(ctx context.Context, dev model.Device) error
	InvokeFunc func(ctx context.Context, in In) (Out, error)
}

// Init calls f.InitFunc.
func (f Funcs[In, Out]) Init(ctx context.Context, dev model.Device) error {
	if f.InitFunc == nil {
		return nil
	}
	return f.InitFunc(ctx, dev)
}

// Invoke calls f.InvokeFunc.
func (f Funcs[In, Out]) Invoke(ctx context.Context, in In) (Out, error) {
	return f.InvokeFunc(ctx, in)
}
