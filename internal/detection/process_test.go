package detection

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antchoi/Polymer/internal/kernel"
	"github.com/antchoi/Polymer/internal/model"
)

const envHelper = "POLYMER_WANT_HELPER_DETECTOR"

// TestHelperDetector is not a real test. It is the fake detector process
// that the tests below launch by re-executing the test binary.
func TestHelperDetector(t *testing.T) {
	if os.Getenv(envHelper) != "1" {
		return
	}

	var init kernel.Frame
	if err := kernel.ReadFrame(os.Stdin, &init); err != nil {
		os.Exit(2)
	}
	kernel.WriteFrame(os.Stdout, &kernel.Frame{Type: kernel.FrameReady})

	for {
		var call kernel.Frame
		if err := kernel.ReadFrame(os.Stdin, &call); err != nil {
			os.Exit(0)
		}

		var payload any
		switch call.Op {
		case OpDetect:
			var req detectRequest
			json.Unmarshal(call.Payload, &req)
			var resp detectResponse
			for i, f := range req.Frames {
				if string(f) == "cat" {
					resp.Detections = append(resp.Detections, Detection{
						Index: i,
						Patch: Patch{Box: Box{X2: 10, Y2: 10}, ClassID: 15, Score: 0.75, ClassName: "cat"},
					})
				}
			}
			payload = resp
		case OpDecodeVideo:
			// The clip is "cat" followed by the path, repeated three times.
			var req decodeVideoRequest
			json.Unmarshal(call.Payload, &req)
			var clip [][]byte
			for range 3 {
				clip = append(clip, []byte("cat"), []byte(req.Path))
			}
			end := min(req.Start+req.Count, len(clip))
			payload = decodeVideoResponse{Frames: clip[req.Start:end], Done: end == len(clip)}
		default:
			kernel.WriteFrame(os.Stdout, &kernel.Frame{Type: kernel.FrameError, ID: call.ID, Error: "unknown op"})
			continue
		}

		data, _ := json.Marshal(payload)
		kernel.WriteFrame(os.Stdout, &kernel.Frame{Type: kernel.FrameResult, ID: call.ID, Payload: data})
	}
}

func newHelperKernel(t *testing.T) *BatchKernel {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	factory := NewFactory(Config{
		Command:   []string{os.Args[0], "-test.run=^TestHelperDetector$"},
		BatchSize: 2,
		Process: kernel.ProcessConfig{
			Env:          []string{envHelper + "=1"},
			InitTimeout:  5 * time.Second,
			CloseTimeout: time.Second,
		},
		Logger: logger,
	})
	k := factory().(*BatchKernel)
	t.Cleanup(func() { k.Close() })
	return k
}

func TestProcessDetectorImages(t *testing.T) {
	k := newHelperKernel(t)
	require.NoError(t, k.Init(context.Background(), model.CUDA(1)))

	out, err := k.Invoke(context.Background(), Input{Kind: KindImage, Images: frames("dog", "cat", "cat")})
	require.NoError(t, err)

	require.Len(t, out.Frames, 3)
	assert.Empty(t, out.Frames[0].Patches)
	require.Len(t, out.Frames[1].Patches, 1)
	require.Len(t, out.Frames[2].Patches, 1)
	assert.Equal(t, 0.75, out.Frames[2].Patches[0].Score)
	assert.Equal(t, "cat", out.Frames[2].Patches[0].ClassName)
}

func TestProcessDetectorVideo(t *testing.T) {
	k := newHelperKernel(t)
	require.NoError(t, k.Init(context.Background(), model.CPU()))

	out, err := k.Invoke(context.Background(), Input{Kind: KindVideo, VideoPath: "/tmp/v.mp4"})
	require.NoError(t, err)

	require.Len(t, out.Frames, 6)
	for i, f := range out.Frames {
		assert.Equal(t, i, f.Index)
		if i%2 == 0 {
			assert.Len(t, f.Patches, 1, "frame %d", i)
		} else {
			assert.Empty(t, f.Patches, "frame %d", i)
		}
	}
}
