package server

import (
	"github.com/pkg/errors"

	"github.com/dreamware/distbelief/internal/protocol"
)

// ErrConfiguration is returned by New for invalid construction parameters.
// A server that failed construction never enters the running state.
var ErrConfiguration = errors.New("configuration error")

// ErrProtocol matches malformed messages: unknown kinds and wrong payload sizes.
// Run logs and drops these; Receive returns them to the caller.
var ErrProtocol = protocol.ErrProtocol

// ErrTransport matches failures of the underlying channel. They end Run.
var ErrTransport = errors.New("transport error")

// ErrAlreadyRunning is returned by Run when the server loop is already active.
var ErrAlreadyRunning = errors.New("server already running")

// transportError tags a channel failure as ErrTransport while keeping the cause.
type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return ErrTransport.Error() + ": " + e.err.Error()
}

func (e *transportError) Unwrap() error {
	return e.err
}

func (e *transportError) Is(target error) bool {
	return target == ErrTransport
}

func wrapTransport(err error, msg string) error {
	return errors.Wrap(&transportError{err: err}, msg)
}
