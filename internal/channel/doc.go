// Package channel implements the framed, serializing duplex message channel
// used for all traffic between a parent and its worker processes.
//
// Wire format: every message is one frame,
//
//	[4-byte big-endian payload length][payload]
//
// with no other metadata and no multiplexing. Payloads are produced by a
// pluggable Codec (JSON by default).
//
// Error classification:
//   - *SerializationError: the value could not be encoded; the stream is untouched
//   - *ChannelError: closed channel, malformed or truncated frame, undecodable
//     payload, or I/O failure; the channel is Closed afterwards
//   - *CancelledError: a Receive gave up waiting; the channel stays Open and the
//     next frame is delivered to the next Receive
//
// Concurrency: one Send and one Receive may run at the same time. Concurrent
// Sends are serialized by a write lock; concurrent Receives by a read lock.
// A single reader goroutine owns the read half of the stream, so an abandoned
// Receive never consumes or discards bytes of the next frame.
package channel
