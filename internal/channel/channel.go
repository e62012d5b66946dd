package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of a Channel.
type State int32

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Channel is a bidirectional message pipe over one connected byte stream.
// The Channel exclusively owns the stream once constructed.
type Channel struct {
	conn          io.ReadWriteCloser
	codec         Codec
	maxFrameBytes int

	writeMu sync.Mutex
	readMu  sync.Mutex

	state     atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}

	reasonMu sync.Mutex
	reason   error

	readerOnce sync.Once
	frames     chan frameResult
}

type frameResult struct {
	payload []byte
	err     error
}

// Option configures a Channel.
type Option func(*Channel)

// WithCodec replaces the default JSON codec.
func WithCodec(codec Codec) Option {
	return func(c *Channel) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithMaxFrameBytes sets the payload limit enforced on send and receive.
func WithMaxFrameBytes(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.maxFrameBytes = n
		}
	}
}

// New wraps conn. No other component may read from or write to conn afterwards.
func New(conn io.ReadWriteCloser, opts ...Option) *Channel {
	c := &Channel{
		conn:          conn,
		codec:         JSONCodec{},
		maxFrameBytes: DefaultMaxFrameBytes,
		closed:        make(chan struct{}),
		frames:        make(chan frameResult),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Codec returns the codec used for payloads.
func (c *Channel) Codec() Codec { return c.codec }

// State returns the current state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Closed reports whether the channel has been closed locally or failed.
func (c *Channel) Closed() bool { return c.State() == StateClosed }

// Send encodes v and writes it as one frame. Encoding happens before the
// stream is touched, so a *SerializationError leaves the channel usable.
func (c *Channel) Send(v any) error {
	payload, err := c.codec.Marshal(v)
	if err != nil {
		return &SerializationError{Err: err}
	}
	if len(payload) > c.maxFrameBytes {
		return &SerializationError{Err: fmt.Errorf("%w: payload is %d bytes, limit %d", ErrFrameTooLarge, len(payload), c.maxFrameBytes)}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.Closed() {
		return &ChannelError{Op: "send", Err: c.closedReason()}
	}
	if err := WriteFrame(c.conn, payload, c.maxFrameBytes); err != nil {
		if c.Closed() {
			err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
		c.fail(err)
		return &ChannelError{Op: "send", Err: err}
	}
	return nil
}

// Receive waits for the next frame and decodes it into v, which must be a
// pointer. A nil ctx never cancels.
//
// If ctx is done first, Receive returns a *CancelledError and the channel stays
// Open; a frame that arrives later is delivered to the next Receive intact.
func (c *Channel) Receive(ctx context.Context, v any) error {
	payload, err := c.ReceiveRaw(ctx)
	if err != nil {
		return err
	}
	if err := c.codec.Unmarshal(payload, v); err != nil {
		err = fmt.Errorf("decode %s payload: %w", c.codec.Name(), err)
		c.fail(err)
		return &ChannelError{Op: "receive", Err: err}
	}
	return nil
}

// ReceiveRaw waits for the next frame and returns its undecoded payload.
// Cancellation behaves as in Receive.
func (c *Channel) ReceiveRaw(ctx context.Context) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.Closed() {
		return nil, &ChannelError{Op: "receive", Err: c.closedReason()}
	}
	if err := ctx.Err(); err != nil {
		return nil, &CancelledError{Err: err}
	}

	c.readerOnce.Do(func() { go c.readLoop() })

	select {
	case fr := <-c.frames:
		if fr.err != nil {
			err := fr.err
			switch {
			case c.Closed():
				return nil, &ChannelError{Op: "receive", Err: c.closedReason()}
			case errors.Is(err, io.EOF):
				err = fmt.Errorf("%w: peer closed the stream", ErrClosed)
			}
			c.fail(err)
			return nil, &ChannelError{Op: "receive", Err: err}
		}
		return fr.payload, nil
	case <-ctx.Done():
		return nil, &CancelledError{Err: ctx.Err()}
	case <-c.closed:
		return nil, &ChannelError{Op: "receive", Err: c.closedReason()}
	}
}

// Close releases the stream. It is idempotent and does not notify the peer
// beyond closing the connection.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// readLoop is the only reader of the stream. It hands each frame to exactly one
// Receive and stops after the first error or when the channel closes.
func (c *Channel) readLoop() {
	for {
		payload, err := ReadFrame(c.conn, c.maxFrameBytes)
		select {
		case c.frames <- frameResult{payload: payload, err: err}:
		case <-c.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Channel) fail(err error) {
	c.reasonMu.Lock()
	if c.reason == nil {
		c.reason = err
	}
	c.reasonMu.Unlock()
	_ = c.Close()
}

func (c *Channel) closedReason() error {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	switch {
	case c.reason == nil:
		return ErrClosed
	case errors.Is(c.reason, ErrClosed):
		return c.reason
	default:
		return fmt.Errorf("%w: %w", ErrClosed, c.reason)
	}
}
