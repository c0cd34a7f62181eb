// Package channel provides the point-to-point message channel between the
// parameter server and its workers.
//
// A Channel moves fixed-length float32 buffers of N+1 values between
// endpoints reliably and in order. It performs no acknowledgement, retry or
// sequencing of its own beyond what the underlying medium guarantees.
//
// Two implementations are provided:
//   - Pipe: an in-memory connected pair, used by tests and embedded setups.
//   - Listener / Conn: a TCP transport. Workers Dial the server and announce
//     their endpoint id and model size in a short handshake; frames are then
//     written as little-endian float32 values.
package channel

import (
	"context"

	"github.com/pkg/errors"

	"github.com/dreamware/distbelief/internal/protocol"
)

// ErrClosed is returned when the channel, or its peer, has been closed.
var ErrClosed = errors.New("channel closed")

// ErrUnknownEndpoint is returned when sending to an endpoint that is not connected.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// ErrFrameSize is returned when a buffer does not have exactly N+1 values.
var ErrFrameSize = errors.New("frame size mismatch")

// Frame is one received buffer together with the endpoint that sent it.
type Frame struct {
	Data   []float32
	Source protocol.Endpoint
}

// Channel is a blocking, reliable, ordered transport of fixed-size buffers.
type Channel interface {
	// Recv blocks until the next frame arrives, ctx is done, or the channel fails.
	Recv(ctx context.Context) (Frame, error)
	// Send delivers buf to dst. The buffer is not retained.
	Send(ctx context.Context, dst protocol.Endpoint, buf []float32) error
	// Close releases the channel. Blocked calls return ErrClosed.
	Close() error
}

func checkFrame(buf []float32, size int) error {
	if len(buf) != size+1 {
		return errors.Wrapf(ErrFrameSize, "got %d values, want %d", len(buf), size+1)
	}
	return nil
}
