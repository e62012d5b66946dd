package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderLen is the size of the length prefix.
	HeaderLen = 4

	// DefaultMaxFrameBytes bounds a single payload. A declared length above the
	// limit is treated as stream corruption.
	DefaultMaxFrameBytes = 16 * 1024 * 1024
)

var (
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrTruncatedFrame = errors.New("truncated frame")
)

// ReadFrame reads one length-prefixed payload from r. It returns io.EOF only
// when the stream ends cleanly before the first header byte.
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short length prefix", ErrTruncatedFrame)
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if maxBytes > 0 && uint64(n) > uint64(maxBytes) {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, n, maxBytes)
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: expected %d payload bytes", ErrTruncatedFrame, n)
			}
			return nil, err
		}
	}
	return payload, nil
}

// WriteFrame writes payload with its length prefix in a single Write call.
func WriteFrame(w io.Writer, payload []byte, maxBytes int) error {
	if maxBytes > 0 && len(payload) > maxBytes {
		return fmt.Errorf("%w: payload is %d bytes, limit %d", ErrFrameTooLarge, len(payload), maxBytes)
	}
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: payload is %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)

	_, err := w.Write(buf)
	return err
}
