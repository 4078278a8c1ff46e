package superres

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
	"github.com/antchoi/Polymer/internal/pool"
)

const (
	envHelper     = "POLYMER_WANT_HELPER_SR"
	envHelperMode = "POLYMER_HELPER_MODE"
)

// TestHelperSRKernel is not a real test. It is the fake super-resolution
// kernel that the tests below launch by re-executing the test binary.
func TestHelperSRKernel(t *testing.T) {
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
		if call.Op != OpUpscale {
			kernel.WriteFrame(os.Stdout, &kernel.Frame{Type: kernel.FrameError, ID: call.ID, Error: "unknown op"})
			continue
		}

		if os.Getenv(envHelperMode) == "crash" {
			os.Exit(3)
		}

		var in Input
		json.Unmarshal(call.Payload, &in)
		out := Output{Image: append([]byte("SR:"), in.Image...)}
		if os.Getenv(envHelperMode) == "empty" {
			out = Output{}
		}
		payload, _ := json.Marshal(out)
		kernel.WriteFrame(os.Stdout, &kernel.Frame{Type: kernel.FrameResult, ID: call.ID, Payload: payload})
	}
}

func helperConfig(mode string) kernel.ProcessConfig {
	return kernel.ProcessConfig{
		Command:      []string{os.Args[0], "-test.run=^TestHelperSRKernel$"},
		Env:          []string{envHelper + "=1", envHelperMode + "=" + mode},
		InitTimeout:  5 * time.Second,
		CloseTimeout: time.Second,
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
}

func newHelperKernel(t *testing.T, mode string) *ProcessKernel {
	t.Helper()
	k := NewProcessKernel(helperConfig(mode))
	t.Cleanup(func() { k.Close() })
	return k
}

func TestProcessKernelUpscale(t *testing.T) {
	k := newHelperKernel(t, "")
	require.NoError(t, k.Init(context.Background(), model.CUDA(0)))

	out, err := k.Invoke(context.Background(), Input{Image: []byte("pixels")})
	require.NoError(t, err)
	assert.Equal(t, "SR:pixels", string(out.Image))
}

func TestProcessKernelEmptyReply(t *testing.T) {
	k := newHelperKernel(t, "empty")
	require.NoError(t, k.Init(context.Background(), model.CPU()))

	_, err := k.Invoke(context.Background(), Input{Image: []byte("pixels")})
	assert.ErrorIs(t, err, kernel.ErrInference)
}

func TestProcessKernelRejectsImageLargerThanFrame(t *testing.T) {
	k := newHelperKernel(t, "")
	require.NoError(t, k.Init(context.Background(), model.CPU()))

	_, err := k.Invoke(context.Background(), Input{Image: make([]byte, kernel.MaxInlineBytes+1)})
	assert.ErrorIs(t, err, kernel.ErrInference)

	// The process was never sent the image and is still usable.
	out, err := k.Invoke(context.Background(), Input{Image: []byte("pixels")})
	require.NoError(t, err)
	assert.Equal(t, "SR:pixels", string(out.Image))
}

func TestProcessKernelCrashTakesWorkerOutOfService(t *testing.T) {
	m, err := pool.NewManager(pool.Config{
		Capability:   Capability,
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}, func() kernel.Kernel[Input, Output] {
		return NewProcessKernel(helperConfig("crash"))
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitReady(ctx))
	require.True(t, m.IsReady())

	w, err := m.Next()
	require.NoError(t, err)
	reply, err := w.Push(ctx, model.NewTask(Input{Image: []byte("pixels")}))
	require.NoError(t, err)

	select {
	case ans := <-reply:
		assert.True(t, ans.Failed())
		assert.ErrorIs(t, ans.Err, kernel.ErrKernelLost)
	case <-ctx.Done():
		t.Fatal("no answer from crashed kernel")
	}

	assert.Eventually(t, func() bool { return !m.IsReady() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, pool.StateLost, m.Workers()[0].State)
}

func TestProcessKernelImplementsCloser(t *testing.T) {
	var k kernel.Kernel[Input, Output] = NewProcessKernel(kernel.ProcessConfig{})
	_, ok := k.(kernel.Closer)
	assert.True(t, ok)
}
