// Package detection implements the object detection capability: its payload
// types, a batching kernel and the detectors it drives.
package detection

import (
	"context"
	"log/slog"

	"github.com/antchoi/Polymer/internal/kernel"
	"github.com/antchoi/Polymer/internal/model"
)

// Capability is the capability name used for pools, metrics and task history.
const Capability = model.CapabilityDetection

// DefaultBatchSize is the number of frames sent to the detector at once.
const DefaultBatchSize = 32

// InputKind selects how a detection task supplies its frames.
type InputKind string

// Input kinds.
const (
	KindImage InputKind = "image"
	KindVideo InputKind = "video"
)

// Input is one detection task: either a list of encoded images or the path
// of a video file on local disk.
type Input struct {
	Kind      InputKind `json:"kind"`
	Images    [][]byte  `json:"images,omitempty"`
	VideoPath string    `json:"video_path,omitempty"`
}

// Box is a bounding box in pixel coordinates of the original frame.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Patch is one detected object.
type Patch struct {
	Box       Box     `json:"box"`
	ClassID   int     `json:"class_id"`
	Score     float64 `json:"score"`
	ClassName string  `json:"class_name,omitempty"`
}

// Frame holds the detections of one input frame.
type Frame struct {
	Index   int     `json:"frame_index"`
	Patches []Patch `json:"patches"`
}

// Output lists every input frame in order, including frames with no
// detections.
type Output struct {
	Frames []Frame `json:"frames"`
}

// Detection is a Patch found in the frame at Index within the batch passed
// to Detect.
type Detection struct {
	Index int `json:"index"`
	Patch
}

// FrameRange selects up to Count video frames starting at frame Start. A
// decoder stops early once the frames it has collected reach MaxBytes, but
// always returns at least one frame when any remain.
type FrameRange struct {
	Start    int `json:"start"`
	Count    int `json:"count"`
	MaxBytes int `json:"max_bytes"`
}

// Detector is a device-bound detection model.
type Detector interface {
	Init(ctx context.Context, dev model.Device) error

	// Detect runs the model on a batch of encoded frames.
	Detect(ctx context.Context, frames [][]byte) ([]Detection, error)

	// DecodeVideo returns the encoded frames of the video at path selected
	// by r. done reports that no frames follow the returned ones.
	DecodeVideo(ctx context.Context, path string, r FrameRange) (frames [][]byte, done bool, err error)
}

// Config configures the kernel each detection worker runs.
type Config struct {
	// Command runs the detector as an external process per worker. Without
	// a command workers fail to initialize.
	Command []string

	// BatchSize is the number of frames per Detect call. Defaults to
	// DefaultBatchSize. Batches are cut short when their frames would not
	// fit in one kernel frame.
	BatchSize int

	// Process configures detector processes. Its Command is taken from the
	// field above.
	Process kernel.ProcessConfig

	Logger *slog.Logger
}

// NewFactory returns a kernel factory for cfg.
func NewFactory(cfg Config) kernel.Factory[Input, Output] {
	pc := cfg.Process
	pc.Command = cfg.Command
	if pc.Logger == nil {
		pc.Logger = cfg.Logger
	}
	return func() kernel.Kernel[Input, Output] {
		return NewBatchKernel(NewProcessDetector(pc), cfg.BatchSize, cfg.Logger)
	}
}
