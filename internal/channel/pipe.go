package channel

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/distbelief/internal/protocol"
)

// pipeBuffer is the number of frames an end can hold before Send blocks.
const pipeBuffer = 16

// PipeEnd is one side of an in-memory channel created by Pipe.
type PipeEnd struct {
	peer   *PipeEnd
	inbox  chan Frame
	closed chan struct{}
	once   *sync.Once
	self   protocol.Endpoint
	size   int
}

// Pipe creates a connected server/worker pair for a model of the given size.
// Closing either end closes both.
func Pipe(size int) (server *PipeEnd, worker *PipeEnd) {
	closed := make(chan struct{})
	once := &sync.Once{}
	server = &PipeEnd{
		self:   protocol.ServerEndpoint,
		size:   size,
		inbox:  make(chan Frame, pipeBuffer),
		closed: closed,
		once:   once,
	}
	worker = &PipeEnd{
		self:   protocol.WorkerEndpoint,
		size:   size,
		inbox:  make(chan Frame, pipeBuffer),
		closed: closed,
		once:   once,
	}
	server.peer = worker
	worker.peer = server
	return server, worker
}

// Endpoint returns the id of this end.
func (p *PipeEnd) Endpoint() protocol.Endpoint {
	return p.self
}

// Recv returns the next frame sent by the peer.
// Frames queued by the time the close is observed are delivered before
// ErrClosed is reported.
func (p *PipeEnd) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-p.inbox:
		return f, nil
	default:
	}
	select {
	case f := <-p.inbox:
		return f, nil
	case <-p.closed:
		select {
		case f := <-p.inbox:
			return f, nil
		default:
		}
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Send copies buf into the peer's inbox.
func (p *PipeEnd) Send(ctx context.Context, dst protocol.Endpoint, buf []float32) error {
	if dst != p.peer.self {
		return errors.Wrapf(ErrUnknownEndpoint, "endpoint %d", dst)
	}
	if err := checkFrame(buf, p.size); err != nil {
		return err
	}
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	f := Frame{Source: p.self, Data: slices.Clone(buf)}
	select {
	case p.peer.inbox <- f:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes both ends of the pipe.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
