// Package execution binds a running task to its channel and to the future
// that receives its outcome.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mattjoyce/hive/internal/channel"
	"github.com/mattjoyce/hive/internal/task"
)

var (
	// ErrAlreadyResolved is returned when a Future is settled twice.
	ErrAlreadyResolved = errors.New("future already resolved")
	// ErrNoOutcome means the channel ended without a terminal outcome.
	ErrNoOutcome = errors.New("worker exited without reporting an outcome")
)

// Execution is the parent-side handle for one spawned task.
type Execution struct {
	id      string
	task    task.Task
	channel *channel.Channel
	future  *Future
}

// New returns an Execution. A nil future is replaced by a fresh one.
func New(id string, t task.Task, ch *channel.Channel, f *Future) *Execution {
	if f == nil {
		f = NewFuture()
	}
	return &Execution{id: id, task: t, channel: ch, future: f}
}

func (e *Execution) ID() string                { return e.id }
func (e *Execution) Task() task.Task           { return e.task }
func (e *Execution) Channel() *channel.Channel { return e.channel }
func (e *Execution) Result() *Future           { return e.future }

// Future holds the single outcome of an execution.
type Future struct {
	mu      sync.Mutex
	done    chan struct{}
	outcome task.Outcome
	err     error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve settles the future with an outcome.
func (f *Future) Resolve(outcome task.Outcome) error {
	return f.settle(outcome, nil)
}

// Fail settles the future with an error.
func (f *Future) Fail(err error) error {
	if err == nil {
		err = ErrNoOutcome
	}
	return f.settle(task.Outcome{}, err)
}

func (f *Future) settle(outcome task.Outcome, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.done:
		return ErrAlreadyResolved
	default:
	}
	f.outcome, f.err = outcome, err
	close(f.done)
	return nil
}

// Await blocks until the future settles or ctx is done.
func (f *Future) Await(ctx context.Context) (task.Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, f.err
	case <-ctx.Done():
		return task.Outcome{}, ctx.Err()
	}
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Message is a task message that arrived before the outcome.
type Message struct {
	payload []byte
	codec   channel.Codec
}

// NewMessage wraps an encoded payload.
func NewMessage(payload []byte, codec channel.Codec) Message {
	return Message{payload: payload, codec: codec}
}

// Decode unmarshals the message into v.
func (m Message) Decode(v any) error { return m.codec.Unmarshal(m.payload, v) }

func (m Message) Payload() []byte { return m.payload }

// MessageHandler receives task messages during supervision. A returned error
// fails the execution.
type MessageHandler func(Message) error

// Supervise reads the execution's channel until the terminal report arrives and
// settles the future. Earlier frames go to handle, or are dropped when handle
// is nil. It returns the error the future was failed with, if any.
func Supervise(ctx context.Context, exec *Execution, handle MessageHandler) error {
	codec := exec.channel.Codec()
	for {
		payload, err := exec.channel.ReceiveRaw(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				err = fmt.Errorf("execution %s: %w: %w", exec.id, ErrNoOutcome, err)
			} else {
				err = fmt.Errorf("execution %s: %w", exec.id, err)
			}
			return exec.fail(err)
		}

		var report task.Report
		if derr := codec.Unmarshal(payload, &report); derr != nil || report.Outcome == nil {
			if handle == nil {
				continue
			}
			if herr := handle(NewMessage(payload, codec)); herr != nil {
				return exec.fail(fmt.Errorf("execution %s: handle message: %w", exec.id, herr))
			}
			continue
		}

		if err := report.Outcome.Validate(); err != nil {
			return exec.fail(fmt.Errorf("execution %s: invalid outcome: %w", exec.id, err))
		}
		return exec.future.Resolve(*report.Outcome)
	}
}

func (e *Execution) fail(err error) error {
	if ferr := e.future.Fail(err); ferr != nil {
		return ferr
	}
	return err
}
