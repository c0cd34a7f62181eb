// Package protocol defines the wire contract between the parameter server and
// its workers.
//
// Every message, in both directions, is a fixed-length buffer of N+1 float32
// values. Slot 0 carries the message kind ordinal and slots 1..N carry the
// parameter or gradient vector:
//
//	┌────────┬──────────┬──────────┬─────┬──────────┐
//	│ kind   │ v[0]     │ v[1]     │ ... │ v[N-1]   │
//	└────────┴──────────┴──────────┴─────┴──────────┘
//	 slot 0   slot 1     slot 2           slot N
//
// The ordinal mapping is fixed for interoperability with existing workers:
// 0 = ParameterUpdate, 1 = ParameterRequest, 2 = GradientUpdate.
package protocol

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ErrProtocol is the root of all malformed-message errors.
var ErrProtocol = errors.New("protocol error")

// ErrUnknownKind is returned when slot 0 does not hold a defined kind ordinal.
var ErrUnknownKind = fmt.Errorf("%w: unrecognized message kind", ErrProtocol)

// ErrPayloadSize is returned when a buffer or payload does not match the model size.
var ErrPayloadSize = fmt.Errorf("%w: payload size mismatch", ErrProtocol)

// Kind discriminates which update behavior a message triggers.
type Kind int

const (
	// ParameterUpdate replaces the shard with the payload.
	ParameterUpdate Kind = 0
	// ParameterRequest asks the server to send its current shard back.
	ParameterRequest Kind = 1
	// GradientUpdate applies one gradient-descent step using the payload.
	GradientUpdate Kind = 2
)

func (k Kind) String() string {
	switch k {
	case ParameterUpdate:
		return "ParameterUpdate"
	case ParameterRequest:
		return "ParameterRequest"
	case GradientUpdate:
		return "GradientUpdate"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Valid reports whether k is one of the three defined kinds.
func (k Kind) Valid() bool {
	return k >= ParameterUpdate && k <= GradientUpdate
}

// Endpoint addresses a participant on the channel.
type Endpoint uint32

const (
	// ServerEndpoint is the parameter server.
	ServerEndpoint Endpoint = 0
	// WorkerEndpoint is the sole worker; ParameterRequest responses go here.
	WorkerEndpoint Endpoint = 1
)

// Message is a decoded buffer.
// Sender is filled in by the transport and is zero for locally built messages.
type Message struct {
	Payload []float32
	Kind    Kind
	Sender  Endpoint
}

// DecodeKind maps the float in slot 0 to a Kind.
// Only the exact integral values 0, 1 and 2 are accepted.
func DecodeKind(v float32) (Kind, error) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, errors.Wrapf(ErrUnknownKind, "kind slot %v", v)
	}
	if f < float64(ParameterUpdate) || f > float64(GradientUpdate) {
		return 0, errors.Wrapf(ErrUnknownKind, "kind ordinal %v", v)
	}
	return Kind(f), nil
}

// Encode lays msg out as a wire buffer of len(msg.Payload)+1 values.
func Encode(msg Message) []float32 {
	buf := make([]float32, len(msg.Payload)+1)
	buf[0] = float32(msg.Kind)
	copy(buf[1:], msg.Payload)
	return buf
}

// Decode parses a wire buffer for a model of the given size.
// The returned payload is a copy, so buf may be reused by the caller.
func Decode(buf []float32, size int, sender Endpoint) (Message, error) {
	if len(buf) != size+1 {
		return Message{}, errors.Wrapf(ErrPayloadSize, "buffer has %d values, want %d", len(buf), size+1)
	}
	kind, err := DecodeKind(buf[0])
	if err != nil {
		return Message{}, err
	}
	payload := make([]float32, size)
	copy(payload, buf[1:])
	return Message{
		Kind:    kind,
		Sender:  sender,
		Payload: payload,
	}, nil
}
