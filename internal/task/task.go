package task

import (
	"context"

	"github.com/mattjoyce/hive/internal/channel"
)

//go:generate mockgen -destination=mocks/mock_task.go -package=mocks github.com/mattjoyce/hive/internal/task Task,Loader,Pending

// KindProcess is the execution kind reported inside worker processes.
const KindProcess = "process"

// ContextInfo describes the process a task runs in. It is built once at
// worker startup and never changes.
type ContextInfo struct {
	Kind string `json:"kind"`
	PID  int    `json:"pid"`
}

// Env is what a running task can reach: the channel to its parent and the
// process context.
type Env struct {
	Channel *channel.Channel
	Context ContextInfo
}

// Task is a unit of work executed inside a worker process.
//
// ctx is the cooperative cancellation signal; at the worker layer it never
// fires on its own. The returned value becomes the Success outcome and must be
// encodable by the channel codec. A value implementing Pending is awaited
// before the outcome is built.
type Task interface {
	Run(ctx context.Context, env Env) (any, error)
}

// Pending is a result that completes later.
type Pending interface {
	Await(ctx context.Context) (any, error)
}

// Func adapts a function to the Task interface.
type Func func(ctx context.Context, env Env) (any, error)

func (f Func) Run(ctx context.Context, env Env) (any, error) { return f(ctx, env) }

// Resolve runs t and waits for a Pending result.
func Resolve(ctx context.Context, t Task, env Env) (any, error) {
	v, err := t.Run(ctx, env)
	if err != nil {
		return nil, err
	}
	if p, ok := v.(Pending); ok {
		return p.Await(ctx)
	}
	return v, nil
}

// Deferred is a Pending backed by a function running in its own goroutine.
type Deferred struct {
	done  chan struct{}
	value any
	err   error
}

// Defer starts fn and returns a Pending for its result.
func Defer(fn func() (any, error)) *Deferred {
	d := &Deferred{done: make(chan struct{})}
	go func() {
		defer close(d.done)
		d.value, d.err = fn()
	}()
	return d
}

func (d *Deferred) Await(ctx context.Context) (any, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
