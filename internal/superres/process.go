package superres

import (
	"context"
	"fmt"

	"github.com/antchoi/Polymer/internal/kernel"
	"github.com/antchoi/Polymer/internal/model"
)

// OpUpscale is the operation name sent to external kernels.
const OpUpscale = "upscale"

// ProcessKernel runs the super-resolution model in a child process.
type ProcessKernel struct {
	proc *kernel.Process
}

// NewProcessKernel creates an unstarted process-backed kernel.
func NewProcessKernel(cfg kernel.ProcessConfig) *ProcessKernel {
	return &ProcessKernel{proc: kernel.NewProcess(cfg)}
}

// Init starts the kernel process pinned to dev and waits for the model to
// load.
func (k *ProcessKernel) Init(ctx context.Context, dev model.Device) error {
	return k.proc.Start(ctx, dev)
}

// Invoke sends one image to the kernel process. An empty image in the
// reply is an error.
func (k *ProcessKernel) Invoke(ctx context.Context, in Input) (Output, error) {
	if len(in.Image) > kernel.MaxInlineBytes {
		return Output{}, fmt.Errorf("%w: image of %d bytes exceeds the %d byte limit", kernel.ErrInference, len(in.Image), kernel.MaxInlineBytes)
	}
	var out Output
	if err := k.proc.Call(ctx, model.NewID(), OpUpscale, in, &out); err != nil {
		return Output{}, err
	}
	if len(out.Image) == 0 {
		return Output{}, fmt.Errorf("%w: kernel returned an empty image", kernel.ErrInference)
	}
	return out, nil
}

// Close stops the kernel process.
func (k *ProcessKernel) Close() error {
	return k.proc.Close()
}
