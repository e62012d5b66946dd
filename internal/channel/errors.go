package channel

import (
	"errors"
	"fmt"
)

// ErrClosed is wrapped by every ChannelError caused by a closed channel or a
// stream that ended.
var ErrClosed = errors.New("channel closed")

// ChannelError reports a communication failure after which the channel is
// Closed.
type ChannelError struct {
	Op  string // "send" or "receive"
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// SerializationError reports a value that could not be encoded for sending.
// Nothing was written to the stream.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("channel serialization failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// CancelledError reports a Receive whose wait was abandoned. It unwraps to the
// context error.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("channel receive cancelled: %v", e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// IsChannelError reports whether err is or wraps a *ChannelError.
func IsChannelError(err error) bool {
	var ce *ChannelError
	return errors.As(err, &ce)
}

// IsSerializationError reports whether err is or wraps a *SerializationError.
func IsSerializationError(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}

// IsCancelled reports whether err is or wraps a *CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}
