package superres

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	"github.com/antchoi/Polymer/internal/kernel"
	"github.com/antchoi/Polymer/internal/model"
)

const (
	// DefaultScale is the upscaling factor used when none is configured.
	DefaultScale = 4

	// maxInputPixels caps the size of a decoded input image.
	maxInputPixels = 8192 * 8192

	// maxOutputPixels caps the size of an upscaled image.
	maxOutputPixels = 16384 * 16384
)

// ResampleKernel upscales images on the CPU with Catmull-Rom resampling. It
// needs no model weights and serves as the default kernel when no external
// model is configured.
type ResampleKernel struct {
	Scale int
}

// Init validates the scale factor. The kernel only runs on the CPU.
func (k *ResampleKernel) Init(_ context.Context, dev model.Device) error {
	if !dev.IsCPU() {
		return fmt.Errorf("%w: resample kernel cannot run on %s", kernel.ErrModelLoad, dev)
	}
	if k.Scale == 0 {
		k.Scale = DefaultScale
	}
	if k.Scale < 1 {
		return fmt.Errorf("%w: invalid scale %d", kernel.ErrModelLoad, k.Scale)
	}
	return nil
}

// Invoke decodes the input, upscales it and returns it PNG encoded.
func (k *ResampleKernel) Invoke(_ context.Context, in Input) (Output, error) {
	if err := k.checkSize(in.Image); err != nil {
		return Output{}, err
	}

	src, _, err := image.Decode(bytes.NewReader(in.Image))
	if err != nil {
		return Output{}, fmt.Errorf("%w: decode image: %v", kernel.ErrInference, err)
	}

	b := src.Bounds()
	w, h := b.Dx()*k.Scale, b.Dy()*k.Scale

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return Output{}, fmt.Errorf("%w: encode png: %v", kernel.ErrInference, err)
	}
	return Output{Image: buf.Bytes()}, nil
}

// checkSize reads only the image header and rejects dimensions that would not
// fit the input or output pixel limits, before any pixel data is allocated.
func (k *ResampleKernel) checkSize(data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: decode image header: %v", kernel.ErrInference, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: empty image", kernel.ErrInference)
	}
	in := int64(cfg.Width) * int64(cfg.Height)
	if in > maxInputPixels {
		return fmt.Errorf("%w: input %dx%d exceeds the size limit", kernel.ErrInference, cfg.Width, cfg.Height)
	}
	scale := int64(k.Scale)
	if scale > maxOutputPixels/in || in*scale*scale > maxOutputPixels {
		return fmt.Errorf("%w: output %dx%d exceeds the size limit", kernel.ErrInference,
			int64(cfg.Width)*scale, int64(cfg.Height)*scale)
	}
	return nil
}
