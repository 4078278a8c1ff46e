package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/antchoi/Polymer/internal/kernel"
	"github.com/antchoi/Polymer/internal/model"
)

// BatchKernel adapts a Detector to the kernel contract. It splits the frames
// of a task into batches bounded by frame count and total size, pages
// through videos one batch at a time and maps detections back to absolute
// frame indices.
type BatchKernel struct {
	detector      Detector
	batchSize     int
	maxBatchBytes int
	logger        *slog.Logger
}

// NewBatchKernel wraps d. A batchSize below 1 uses DefaultBatchSize.
func NewBatchKernel(d Detector, batchSize int, logger *slog.Logger) *BatchKernel {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchKernel{
		detector:      d,
		batchSize:     batchSize,
		maxBatchBytes: kernel.MaxInlineBytes,
		logger:        logger,
	}
}

// Init initializes the detector on dev.
func (k *BatchKernel) Init(ctx context.Context, dev model.Device) error {
	if err := k.detector.Init(ctx, dev); err != nil {
		if errors.Is(err, kernel.ErrModelLoad) {
			return err
		}
		return fmt.Errorf("%w: %w", kernel.ErrModelLoad, err)
	}
	return nil
}

// Invoke runs detection over every frame of in.
func (k *BatchKernel) Invoke(ctx context.Context, in Input) (Output, error) {
	out := Output{Frames: []Frame{}}
	switch in.Kind {
	case KindImage:
		if len(in.Images) == 0 {
			return Output{}, fmt.Errorf("%w: no images", kernel.ErrInference)
		}
		if err := k.detectFrames(ctx, &out, in.Images); err != nil {
			return Output{}, err
		}
	case KindVideo:
		if err := k.detectVideo(ctx, &out, in.VideoPath); err != nil {
			return Output{}, err
		}
	default:
		return Output{}, fmt.Errorf("%w: invalid input kind %q", kernel.ErrInference, in.Kind)
	}
	return out, nil
}

// detectVideo decodes the video one batch at a time so that no single reply
// from the detector has to hold the whole clip.
func (k *BatchKernel) detectVideo(ctx context.Context, out *Output, path string) error {
	for {
		r := FrameRange{Start: len(out.Frames), Count: k.batchSize, MaxBytes: k.maxBatchBytes}
		frames, done, err := k.detector.DecodeVideo(ctx, path, r)
		if err != nil {
			return inferenceErr("decode video", err)
		}
		if len(frames) > r.Count {
			return fmt.Errorf("%w: decoder returned %d frames, asked for %d", kernel.ErrInference, len(frames), r.Count)
		}
		if len(frames) == 0 && !done {
			return fmt.Errorf("%w: decoder returned no frames at frame %d", kernel.ErrInference, r.Start)
		}
		if err := k.detectFrames(ctx, out, frames); err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// detectFrames appends frames to out and runs the detector over them.
func (k *BatchKernel) detectFrames(ctx context.Context, out *Output, frames [][]byte) error {
	base := len(out.Frames)
	for i := range frames {
		out.Frames = append(out.Frames, Frame{Index: base + i, Patches: []Patch{}})
	}

	for start := 0; start < len(frames); {
		end, err := k.batchEnd(frames, start)
		if err != nil {
			return err
		}
		batch := frames[start:end]

		begin := time.Now()
		dets, err := k.detector.Detect(ctx, batch)
		if err != nil {
			return inferenceErr("detect", err)
		}
		k.logger.Info("batch detected",
			"batch_size", len(batch),
			"detections", len(dets),
			"elapsed_ms", time.Since(begin).Milliseconds(),
		)

		for _, d := range dets {
			if d.Index < 0 || d.Index >= len(batch) {
				return fmt.Errorf("%w: detection index %d outside batch of %d", kernel.ErrInference, d.Index, len(batch))
			}
			f := &out.Frames[base+start+d.Index]
			f.Patches = append(f.Patches, d.Patch)
		}
		start = end
	}
	return nil
}

// batchEnd returns the end of the batch that begins at start: at most
// batchSize frames whose sizes add up to no more than maxBatchBytes.
func (k *BatchKernel) batchEnd(frames [][]byte, start int) (int, error) {
	size, end := 0, start
	for end < len(frames) && end-start < k.batchSize {
		n := len(frames[end])
		if n > k.maxBatchBytes {
			return 0, fmt.Errorf("%w: frame of %d bytes exceeds the %d byte limit", kernel.ErrInference, n, k.maxBatchBytes)
		}
		if size+n > k.maxBatchBytes {
			break
		}
		size += n
		end++
	}
	return end, nil
}

// Close releases the detector if it holds resources.
func (k *BatchKernel) Close() error {
	if c, ok := k.detector.(kernel.Closer); ok {
		return c.Close()
	}
	return nil
}

func inferenceErr(step string, err error) error {
	if errors.Is(err, kernel.ErrInference) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", kernel.ErrInference, step, err)
}
