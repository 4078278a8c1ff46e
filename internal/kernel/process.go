package kernel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/antchoi/Polymer/internal/model"
)

// Environment variables exported to every kernel process.
const (
	EnvDevice         = "POLYMER_DEVICE"
	EnvVisibleDevices = "CUDA_VISIBLE_DEVICES"
)

const (
	// DefaultInitTimeout bounds the init handshake, which includes model loading.
	DefaultInitTimeout = 5 * time.Minute

	// defaultCloseTimeout is how long Close waits after closing stdin before
	// killing the process.
	defaultCloseTimeout = 5 * time.Second
)

// ProcessConfig describes how to launch a kernel process.
type ProcessConfig struct {
	// Command is the executable followed by its arguments.
	Command []string

	// Env is appended to the parent environment.
	Env []string

	// InitTimeout bounds the init handshake. Defaults to DefaultInitTimeout.
	InitTimeout time.Duration

	// CloseTimeout is the grace period between closing stdin and killing the
	// process.
	CloseTimeout time.Duration

	// Logger receives the kernel's stderr at debug level.
	Logger *slog.Logger
}

// Process is a kernel running as a child process, spoken to with framed JSON
// over its stdin and stdout. A Process belongs to a single worker and is not
// safe for concurrent use.
type Process struct {
	cfg    ProcessConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	reader *bufio.Reader
	exited chan struct{}
	broken bool
	closed bool
}

// NewProcess creates an unstarted kernel process.
func NewProcess(cfg ProcessConfig) *Process {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{cfg: cfg, logger: logger}
}

// Start launches the process pinned to dev and waits for it to report ready.
// Every failure wraps ErrModelLoad.
func (p *Process) Start(ctx context.Context, dev model.Device) error {
	if len(p.cfg.Command) == 0 {
		return fmt.Errorf("%w: no kernel command configured", ErrModelLoad)
	}
	if p.cmd != nil {
		return fmt.Errorf("%w: kernel process already started", ErrModelLoad)
	}

	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Env = append(cmd.Env,
		EnvDevice+"="+dev.String(),
		EnvVisibleDevices+"="+dev.VisibleDevices(),
	)
	cmd.Stderr = &logWriter{logger: p.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrModelLoad, err)
	}

	// A plain pipe instead of StdoutPipe: cmd.Wait must not close our read end
	// while a reply is still being read.
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrModelLoad, err)
	}
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("%w: start %s: %v", ErrModelLoad, p.cfg.Command[0], err)
	}
	pw.Close()

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = pr
	p.reader = bufio.NewReader(pr)
	p.exited = make(chan struct{})

	go func() {
		err := cmd.Wait()
		p.logger.Debug("kernel process exited", "pid", cmd.Process.Pid, "error", err)
		close(p.exited)
	}()

	p.logger.Info("kernel process started",
		"pid", cmd.Process.Pid,
		"command", p.cfg.Command[0],
		"device", dev.String(),
	)

	initCtx, cancel := context.WithTimeout(ctx, p.cfg.InitTimeout)
	defer cancel()

	reply, err := p.roundTrip(initCtx, Frame{Type: FrameInit, Device: dev.String()})
	if err != nil {
		p.Close()
		return fmt.Errorf("%w: handshake: %w", ErrModelLoad, err)
	}

	switch reply.Type {
	case FrameReady:
		return nil
	case FrameError:
		p.Close()
		return fmt.Errorf("%w: %s", ErrModelLoad, reply.Error)
	default:
		p.Close()
		return fmt.Errorf("%w: unexpected %q frame during handshake", ErrModelLoad, reply.Type)
	}
}

// Call sends op with req to the kernel and decodes its answer into resp.
// Every failure wraps ErrInference.
func (p *Process) Call(ctx context.Context, id, op string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: marshal %s request: %v", ErrInference, op, err)
	}

	reply, err := p.roundTrip(ctx, Frame{Type: FrameCall, ID: id, Op: op, Payload: payload})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInference, op, err)
	}

	switch reply.Type {
	case FrameResult:
		if reply.ID != id {
			p.broken = true
			return fmt.Errorf("%w: %w: %s: reply for %q, want %q", ErrInference, ErrKernelLost, op, reply.ID, id)
		}
		if resp == nil || len(reply.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(reply.Payload, resp); err != nil {
			return fmt.Errorf("%w: decode %s reply: %v", ErrInference, op, err)
		}
		return nil
	case FrameError:
		return fmt.Errorf("%w: %s: %s", ErrInference, op, reply.Error)
	default:
		p.broken = true
		return fmt.Errorf("%w: %w: %s: unexpected %q frame", ErrInference, ErrKernelLost, op, reply.Type)
	}
}

// Close asks the process to exit by closing its stdin and kills it if it is
// still running after the grace period. Close is idempotent.
func (p *Process) Close() error {
	if p.cmd == nil || p.closed {
		return nil
	}
	p.closed = true
	p.broken = true

	p.stdin.Close()

	timer := time.NewTimer(p.cfg.CloseTimeout)
	defer timer.Stop()

	select {
	case <-p.exited:
	case <-timer.C:
		p.logger.Warn("kernel process did not exit, killing", "pid", p.cmd.Process.Pid)
		p.kill()
		<-p.exited
	}

	return p.stdout.Close()
}

// roundTrip writes req and reads one reply. If ctx ends first the process is
// killed, since the stream can no longer be trusted to be in sync. Every
// error wraps ErrKernelLost and leaves the process unusable.
func (p *Process) roundTrip(ctx context.Context, req Frame) (Frame, error) {
	if p.cmd == nil {
		return Frame{}, fmt.Errorf("%w: process not started", ErrKernelLost)
	}
	if p.broken {
		return Frame{}, fmt.Errorf("%w: process is no longer usable", ErrKernelLost)
	}

	type reply struct {
		frame Frame
		err   error
	}
	ch := make(chan reply, 1)

	go func() {
		if err := WriteFrame(p.stdin, &req); err != nil {
			ch <- reply{err: err}
			return
		}
		var f Frame
		err := ReadFrame(p.reader, &f)
		ch <- reply{frame: f, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			p.broken = true
			return Frame{}, fmt.Errorf("%w: %w", ErrKernelLost, r.err)
		}
		return r.frame, nil
	case <-ctx.Done():
		p.broken = true
		p.kill()
		return Frame{}, fmt.Errorf("%w: %w", ErrKernelLost, ctx.Err())
	}
}

func (p *Process) kill() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// logWriter forwards complete stderr lines to a logger. exec copies stderr
// from a single goroutine, so Write is never called concurrently.
type logWriter struct {
	logger *slog.Logger
	buf    []byte
}

func (w *logWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(w.buf[:i], "\r"); len(line) > 0 {
			w.logger.Debug("kernel stderr", "line", string(line))
		}
		w.buf = w.buf[i+1:]
	}
	return len(b), nil
}
