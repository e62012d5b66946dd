// Package process is the parent side of the worker protocol: it spawns
// hive-worker processes, authenticates them and supervises one execution each.
package process

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/hive/internal/bootstrap"
	"github.com/mattjoyce/hive/internal/channel"
	"github.com/mattjoyce/hive/internal/config"
	"github.com/mattjoyce/hive/internal/execution"
	"github.com/mattjoyce/hive/internal/handshake"
	"github.com/mattjoyce/hive/internal/journal"
	"github.com/mattjoyce/hive/internal/log"
	"github.com/mattjoyce/hive/internal/task"
	"github.com/mattjoyce/hive/internal/tasks"
)

// exitedAcceptGrace is how long accept still waits after the worker exited.
const exitedAcceptGrace = 100 * time.Millisecond

// ErrHandshake is returned when a worker fails to authenticate in time.
var ErrHandshake = errors.New("worker handshake failed")

// Config controls worker spawning.
type Config struct {
	Binary           string
	Args             []string
	Env              []string
	Network          string
	SocketDir        string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	TerminationGrace time.Duration
	MaxFrameBytes    int
	// Loader backs the parent-side task.Script of each execution. It defaults
	// to the built-in kinds the worker binary ships with.
	Loader task.Loader
}

// ConfigFrom maps the service configuration onto a launcher Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Binary:           cfg.Worker.Binary,
		Args:             cfg.Worker.Args,
		Env:              cfg.Worker.Env,
		SocketDir:        cfg.Worker.SocketDir,
		ConnectTimeout:   cfg.Worker.ConnectTimeout,
		HandshakeTimeout: cfg.Worker.HandshakeTimeout,
		TerminationGrace: cfg.Worker.TerminationGrace,
		MaxFrameBytes:    cfg.Channel.MaxFrameBytes,
	}
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "hive-worker"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = bootstrap.DefaultConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 2 * c.ConnectTimeout
	}
	if c.TerminationGrace <= 0 {
		c.TerminationGrace = 5 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = channel.DefaultMaxFrameBytes
	}
	if c.Loader == nil {
		c.Loader = task.NewDefinitionLoader(tasks.Registry())
	}
	return c
}

// Journal is the subset of the execution journal the launcher writes to.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
	Complete(ctx context.Context, id string, outcome task.Outcome, stderr string) error
	Abort(ctx context.Context, id string, cause error, stderr string) error
}

// Launcher starts workers. It is safe for concurrent use.
type Launcher struct {
	cfg     Config
	journal Journal
	logger  *slog.Logger
}

// NewLauncher returns a Launcher. A nil journal disables recording.
func NewLauncher(cfg Config, j Journal, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = log.WithComponent("process")
	}
	return &Launcher{cfg: cfg.withDefaults(), journal: j, logger: logger}
}

// Result is the parent's view of a finished execution.
type Result struct {
	ID       string       `json:"id"`
	Script   string       `json:"script"`
	PID      int          `json:"pid"`
	Outcome  task.Outcome `json:"outcome"`
	ExitCode int          `json:"exit_code"`
	Stderr   string       `json:"stderr,omitempty"`
	// Messages counts task messages received before the outcome.
	Messages int `json:"messages,omitempty"`
}

// Start spawns a worker for script and completes the handshake. The returned
// Execution's future is not supervised yet; callers may exchange messages on
// its channel first.
func (l *Launcher) Start(ctx context.Context, script string) (*execution.Execution, *Process, error) {
	key, err := handshake.GenerateKey()
	if err != nil {
		return nil, nil, err
	}

	ln, err := Listen(l.cfg.Network, l.cfg.SocketDir)
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	id := uuid.NewString()
	logger := l.logger.With("execution_id", id, "script", script)

	cmd := exec.Command(l.cfg.Binary, append(append([]string{}, l.cfg.Args...), ln.Address, script)...)
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	cmd.Env = append(cmd.Env,
		bootstrap.EnvConnectTimeout+"="+l.cfg.ConnectTimeout.String(),
		bootstrap.EnvMaxFrameBytes+"="+strconv.Itoa(l.cfg.MaxFrameBytes),
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	logger.Debug("spawning worker", "binary", l.cfg.Binary, "address", ln.Address)
	proc, err := startProcess(cmd, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("start worker %s: %w", l.cfg.Binary, err)
	}
	logger = logger.With("pid", proc.PID())

	fail := func(err error) (*execution.Execution, *Process, error) {
		_ = proc.Terminate(l.cfg.TerminationGrace)
		logger.Warn("worker handshake failed", "error", err, "exit_code", proc.ExitCode())
		return nil, proc, err
	}

	_, werr := stdin.Write(key)
	_ = stdin.Close()
	if werr != nil {
		return fail(fmt.Errorf("%w: write key to worker stdin: %v", ErrHandshake, werr))
	}

	hctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := accept(hctx, ln, proc)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrHandshake, err))
	}

	ch := channel.New(conn, channel.WithMaxFrameBytes(l.cfg.MaxFrameBytes))
	var presented []byte
	if err := ch.Receive(hctx, &presented); err != nil {
		_ = ch.Close()
		return fail(fmt.Errorf("%w: read key: %w", ErrHandshake, err))
	}
	if err := key.Verify(presented); err != nil {
		_ = ch.Close()
		return fail(fmt.Errorf("%w: %w", ErrHandshake, err))
	}
	logger.Debug("worker authenticated", "key_fingerprint", key.Fingerprint())

	if l.journal != nil {
		entry := journal.Entry{ID: id, Script: script, Checksum: fileChecksum(script), PID: proc.PID(), StartedAt: time.Now()}
		if err := l.journal.Record(ctx, entry); err != nil {
			logger.Error("failed to record execution", "error", err)
		}
	}

	return execution.New(id, task.Script{Path: script, Loader: l.cfg.Loader}, ch, nil), proc, nil
}

// accept waits for the worker's connection, giving up when ctx ends or the
// worker exits first.
func accept(ctx context.Context, ln *Listener, proc *Process) (net.Conn, error) {
	type accepted struct {
		conn net.Conn
		err  error
	}
	result := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		result <- accepted{conn, err}
	}()

	select {
	case r := <-result:
		if r.err != nil {
			return nil, fmt.Errorf("accept worker connection: %w", r.err)
		}
		return r.conn, nil
	case <-proc.Done():
		// A fast worker may have connected, reported and exited already; its
		// connection is still queued.
		timer := time.NewTimer(exitedAcceptGrace)
		defer timer.Stop()
		select {
		case r := <-result:
			if r.err == nil {
				return r.conn, nil
			}
		case <-timer.C:
			_ = ln.Listener.Close()
			if r := <-result; r.err == nil {
				_ = r.conn.Close()
			}
		}
		return nil, fmt.Errorf("worker exited with code %d before connecting", proc.ExitCode())
	case <-ctx.Done():
		_ = ln.Listener.Close()
		if r := <-result; r.err == nil {
			_ = r.conn.Close()
		}
		return nil, fmt.Errorf("no connection from worker: %w", ctx.Err())
	}
}

// Run executes script in a fresh worker and waits for its outcome. Messages
// the task sends before its outcome go to handle, which may be nil.
//
// A non-nil error means no outcome arrived (handshake failure, worker crash or
// ctx cancellation). The Result is still returned when the worker was spawned,
// so its output can be inspected.
func (l *Launcher) Run(ctx context.Context, script string, handle execution.MessageHandler) (*Result, error) {
	ex, proc, err := l.Start(ctx, script)
	if err != nil {
		if proc != nil {
			return &Result{Script: script, PID: proc.PID(), ExitCode: proc.ExitCode(), Stderr: proc.Stderr()}, err
		}
		return nil, err
	}
	return l.Finish(ctx, ex, proc, handle)
}

// Finish supervises a started execution to its outcome, reaps the worker and
// records the result. handle is passed to execution.Supervise.
func (l *Launcher) Finish(ctx context.Context, ex *execution.Execution, proc *Process, handle execution.MessageHandler) (*Result, error) {
	logger := l.logger.With("execution_id", ex.ID(), "pid", proc.PID())

	messages := 0
	superviseErr := execution.Supervise(ctx, ex, func(m execution.Message) error {
		messages++
		logger.Debug("task message", "bytes", len(m.Payload()))
		if handle == nil {
			return nil
		}
		return handle(m)
	})
	// Supervise has settled the future; ctx may already be done.
	outcome, err := ex.Result().Await(context.WithoutCancel(ctx))
	if err == nil {
		err = superviseErr
	}
	_ = ex.Channel().Close()

	if err != nil {
		_ = proc.Terminate(l.cfg.TerminationGrace)
	} else if werr := proc.waitOrTerminate(l.cfg.TerminationGrace); werr != nil {
		logger.Debug("worker exited with error after reporting", "error", werr)
	}

	script := ""
	if s, ok := ex.Task().(task.Script); ok {
		script = s.Path
	}
	res := &Result{
		ID:       ex.ID(),
		Script:   script,
		PID:      proc.PID(),
		Outcome:  outcome,
		ExitCode: proc.ExitCode(),
		Stderr:   proc.Stderr(),
		Messages: messages,
	}

	if l.journal != nil {
		jctx := context.WithoutCancel(ctx)
		var jerr error
		if err != nil {
			jerr = l.journal.Abort(jctx, ex.ID(), err, res.Stderr)
		} else {
			jerr = l.journal.Complete(jctx, ex.ID(), outcome, res.Stderr)
		}
		if jerr != nil {
			logger.Error("failed to complete execution in journal", "error", jerr)
		}
	}

	if err != nil {
		logger.Warn("execution ended without outcome", "error", err, "exit_code", res.ExitCode)
		return res, err
	}
	logger.Info("execution finished", "status", outcome.Status)
	return res, nil
}

func fileChecksum(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
