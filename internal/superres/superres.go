// Package superres implements the image super-resolution capability: its
// payload types and the kernels that upscale an image on one device.
package superres

import (
	"log/slog"

	"github.com/antchoi/Polymer/internal/kernel"
	"github.com/antchoi/Polymer/internal/model"
)

// Capability is the capability name used for pools, metrics and task history.
const Capability = model.CapabilitySuperResolution

// OutputType is the media type of every super-resolution answer.
const OutputType = "image/png"

// Input is one image to upscale, in any format the kernel can decode.
type Input struct {
	Image []byte `json:"image"`
}

// Output is the upscaled image, PNG encoded.
type Output struct {
	Image []byte `json:"image"`
}

// Config selects and configures the kernel each worker runs.
type Config struct {
	// Command runs an external kernel process per worker. When empty the
	// built-in ResampleKernel is used.
	Command []string

	// Scale is the upscaling factor of the built-in kernel.
	Scale int

	// Process configures external kernel processes. Its Command is taken
	// from the field above.
	Process kernel.ProcessConfig

	Logger *slog.Logger
}

// NewFactory returns a kernel factory for cfg.
func NewFactory(cfg Config) kernel.Factory[Input, Output] {
	if len(cfg.Command) == 0 {
		return func() kernel.Kernel[Input, Output] {
			return &ResampleKernel{Scale: cfg.Scale}
		}
	}
	pc := cfg.Process
	pc.Command = cfg.Command
	if pc.Logger == nil {
		pc.Logger = cfg.Logger
	}
	return func() kernel.Kernel[Input, Output] {
		return NewProcessKernel(pc)
	}
}
