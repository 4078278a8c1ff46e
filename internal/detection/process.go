package detection

import (
	"context"

	"github.com/antchoi/Polymer/internal/kernel"
	"github.com/antchoi/Polymer/internal/model"
)

// Operation names sent to detector processes.
const (
	OpDetect      = "detect"
	OpDecodeVideo = "decode_video"
)

type detectRequest struct {
	Frames [][]byte `json:"frames"`
}

type detectResponse struct {
	Detections []Detection `json:"detections"`
}

type decodeVideoRequest struct {
	Path string `json:"path"`
	FrameRange
}

type decodeVideoResponse struct {
	Frames [][]byte `json:"frames"`
	Done   bool     `json:"done"`
}

// ProcessDetector runs the detection model in a child process.
type ProcessDetector struct {
	proc *kernel.Process
}

// NewProcessDetector creates an unstarted process-backed detector.
func NewProcessDetector(cfg kernel.ProcessConfig) *ProcessDetector {
	return &ProcessDetector{proc: kernel.NewProcess(cfg)}
}

// Init starts the detector process pinned to dev.
func (d *ProcessDetector) Init(ctx context.Context, dev model.Device) error {
	return d.proc.Start(ctx, dev)
}

// Detect sends one batch of frames to the detector process.
func (d *ProcessDetector) Detect(ctx context.Context, frames [][]byte) ([]Detection, error) {
	var resp detectResponse
	if err := d.proc.Call(ctx, model.NewID(), OpDetect, detectRequest{Frames: frames}, &resp); err != nil {
		return nil, err
	}
	return resp.Detections, nil
}

// DecodeVideo asks the detector process for one range of a video's frames.
func (d *ProcessDetector) DecodeVideo(ctx context.Context, path string, r FrameRange) ([][]byte, bool, error) {
	var resp decodeVideoResponse
	if err := d.proc.Call(ctx, model.NewID(), OpDecodeVideo, decodeVideoRequest{Path: path, FrameRange: r}, &resp); err != nil {
		return nil, false, err
	}
	return resp.Frames, resp.Done, nil
}

// Close stops the detector process.
func (d *ProcessDetector) Close() error {
	return d.proc.Close()
}
