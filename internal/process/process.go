package process

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// maxStderrBytes caps the amount of worker output kept in memory.
const maxStderrBytes = 64 * 1024

// Process is a spawned worker.
type Process struct {
	cmd    *exec.Cmd
	output *cappedBuffer
	logger *slog.Logger

	done    chan struct{}
	waitErr error
}

func startProcess(cmd *exec.Cmd, logger *slog.Logger) (*Process, error) {
	p := &Process{
		cmd:    cmd,
		output: &cappedBuffer{max: maxStderrBytes},
		logger: logger,
		done:   make(chan struct{}),
	}
	cmd.Stdout = p.output
	cmd.Stderr = p.output

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the worker exits and returns its exit status.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Done is closed when the worker has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the worker has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 while running or when killed by a
// signal.
func (p *Process) ExitCode() int {
	if !p.Exited() || p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Stderr returns the captured worker output, capped at 64 KiB.
func (p *Process) Stderr() string {
	return p.output.String()
}

// Terminate sends SIGTERM, waits up to grace, then sends SIGKILL. It returns
// once the worker has exited.
func (p *Process) Terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}

	p.logger.Warn("terminating worker, sending SIGTERM", "pid", p.PID())
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Error("failed to send SIGTERM", "pid", p.PID(), "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		p.logger.Info("worker exited after SIGTERM", "pid", p.PID())
		return nil
	case <-timer.C:
	}

	p.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL", "pid", p.PID())
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Error("failed to send SIGKILL", "pid", p.PID(), "error", err)
		return err
	}
	<-p.done
	return nil
}

// waitOrTerminate gives a worker that already reported its outcome grace to
// exit on its own.
func (p *Process) waitOrTerminate(grace time.Duration) error {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.waitErr
	case <-timer.C:
		_ = p.Terminate(grace)
		return p.waitErr
	}
}

// cappedBuffer keeps the first max bytes written and drops the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room := b.max - b.buf.Len(); room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
