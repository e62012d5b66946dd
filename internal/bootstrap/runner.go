package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mattjoyce/hive/internal/channel"
	"github.com/mattjoyce/hive/internal/handshake"
	"github.com/mattjoyce/hive/internal/log"
	"github.com/mattjoyce/hive/internal/task"
)

// DefaultConnectTimeout bounds the connect-retry loop. The parent waits
// longer than this before abandoning the handshake.
const DefaultConnectTimeout = 5 * time.Second

// Startup stages.
const (
	StageArgs      = "args"
	StageKey       = "key"
	StageConnect   = "connect"
	StageHandshake = "handshake"
)

// StartupError is a fatal failure before a channel to the parent exists.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed (%s): %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ReportError means the outcome could not be delivered. The parent tore the
// channel down before the worker finished.
type ReportError struct {
	Err error
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("could not send result to parent: '%v'; be sure to shutdown the child before ending the parent", e.Err)
}

func (e *ReportError) Unwrap() error { return e.Err }

// DialFunc opens the connection to the parent.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures one worker run.
type Options struct {
	// Args are the positional arguments: connect address, script path.
	Args   []string
	Stdin  io.Reader
	Loader task.Loader

	ConnectTimeout time.Duration
	Backoff        BackoffConfig
	Dial           DialFunc
	ChannelOptions []channel.Option

	// PID overrides the reported process id; zero means os.Getpid().
	PID    int
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Backoff.InitialDelay <= 0 {
		o.Backoff = DefaultBackoff()
	}
	if o.Dial == nil {
		var d net.Dialer
		o.Dial = d.DialContext
	}
	if o.PID == 0 {
		o.PID = os.Getpid()
	}
	if o.Logger == nil {
		o.Logger = log.WithComponent("bootstrap")
	}
}

// Run authenticates with the parent, executes one task and reports exactly one
// outcome. Errors returned are *StartupError or *ReportError; task failures are
// delivered to the parent instead.
func Run(ctx context.Context, opts Options) error {
	opts.applyDefaults()

	info := task.ContextInfo{Kind: task.KindProcess, PID: opts.PID}
	logger := opts.Logger.With("pid", info.PID)

	address, script, err := parseArgs(opts.Args)
	if err != nil {
		return &StartupError{Stage: StageArgs, Err: err}
	}
	if opts.Stdin == nil {
		return &StartupError{Stage: StageKey, Err: errors.New("no stdin to read key from")}
	}
	if opts.Loader == nil {
		return &StartupError{Stage: StageArgs, Err: errors.New("no task loader configured")}
	}

	key, err := handshake.ReadKey(opts.Stdin)
	if err != nil {
		return &StartupError{Stage: StageKey, Err: err}
	}

	conn, err := Connect(ctx, address, opts.ConnectTimeout, opts.Backoff, opts.Dial)
	if err != nil {
		return &StartupError{Stage: StageConnect, Err: err}
	}

	ch := channel.New(conn, opts.ChannelOptions...)
	defer ch.Close()

	if err := ch.Send([]byte(key)); err != nil {
		return &StartupError{Stage: StageHandshake, Err: fmt.Errorf("could not send key to parent: %w", err)}
	}
	logger.Debug("handshake sent", "address", address)

	outcome := execute(ctx, ch, opts.Loader, script, info)
	logger.Debug("task finished", "script", script, "status", outcome.Status)

	return report(ch, outcome)
}

func parseArgs(args []string) (address, script string, err error) {
	if len(args) < 1 || strings.TrimSpace(args[0]) == "" {
		return "", "", errors.New("no connect address provided")
	}
	if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
		return "", "", errors.New("no script path provided")
	}
	return args[0], args[1], nil
}

// Connect dials address until it succeeds or timeout elapses.
func Connect(ctx context.Context, address string, timeout time.Duration, schedule BackoffConfig, dial DialFunc) (net.Conn, error) {
	network, addr, err := handshake.ParseAddress(address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		attempts int
		lastErr  error
	)
	conn, err := backoff.Retry(ctx, func() (net.Conn, error) {
		attempts++
		conn, err := dial(ctx, network, addr)
		if err != nil {
			lastErr = err
		}
		return conn, err
	}, backoff.WithBackOff(schedule.newBackOff()))
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, fmt.Errorf("could not connect to %s within %s after %d attempts: %w", address, timeout, attempts, lastErr)
	}
	return conn, nil
}

// execute loads and runs the task, converting every failure into an outcome.
func execute(ctx context.Context, ch *channel.Channel, loader task.Loader, script string, info task.ContextInfo) (out task.Outcome) {
	stage := task.KindLoad
	defer func() {
		if r := recover(); r != nil {
			out = task.Failure(&task.ErrorInfo{
				Kind:    task.KindPanic,
				Message: fmt.Sprintf("script '%s' panicked during %s: %v", script, stage, r),
			})
		}
	}()

	t, err := loader.Load(script)
	if err != nil {
		if !strings.Contains(err.Error(), script) {
			err = fmt.Errorf("load script '%s': %w", script, err)
		}
		return task.Failure(task.NewErrorInfo(task.KindLoad, err))
	}
	if t == nil {
		return task.Failure(&task.ErrorInfo{Kind: task.KindLoad, Message: fmt.Sprintf("script '%s' did not produce a task", script)})
	}

	stage = task.KindTask
	v, err := task.Resolve(ctx, t, task.Env{Channel: ch, Context: info})
	if err != nil {
		return task.Failure(task.NewErrorInfo(task.KindTask, err))
	}
	return task.Success(v)
}

// report sends the outcome as the terminal frame. If the outcome itself cannot
// be encoded, a failure describing the encoding problem is sent instead.
func report(ch *channel.Channel, outcome task.Outcome) error {
	err := ch.Send(task.NewReport(outcome))
	if channel.IsSerializationError(err) {
		err = ch.Send(task.NewReport(task.Failure(task.NewErrorInfo(task.KindSerialization, err))))
	}
	if err != nil {
		return &ReportError{Err: err}
	}
	return nil
}
