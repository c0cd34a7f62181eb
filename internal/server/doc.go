// Package server implements the parameter server: the owner of one parameter
// shard, its message dispatch, and its receive loop.
//
// # Protocol
//
// Each inbound buffer carries a message kind in slot 0 and an N-value payload
// in slots 1..N (see package protocol). The server applies:
//
//	ParameterUpdate   shard ← copy(payload)
//	ParameterRequest  reply {ParameterUpdate, shard} to endpoint 1
//	GradientUpdate    shard[i] ← shard[i] − lr·payload[i]
//
// Handling is memoryless: the effect of a message depends only on its kind,
// its payload and the current shard.
//
// # Lifecycle
//
//	          Run(ctx)
//	┌─────────┐ ───────────▶ ┌─────────┐
//	│ Stopped │              │ Running │
//	└─────────┘ ◀─────────── └─────────┘
//	      ctx done, Stop(), or channel failure
//
// Run is a single goroutine loop. Each iteration checks for cancellation,
// blocks on the channel for exactly one buffer, decodes it and applies it.
// The blocking receive is the only suspension point.
//
// # Errors
//
//   - ErrConfiguration: New rejects size < 1 or a non-positive learning rate.
//   - ErrProtocol: unknown kinds and wrong payload sizes. Run logs and drops
//     the message and keeps running.
//   - ErrTransport: the channel failed to deliver or send, or the optional
//     receive timeout expired. Run returns the error and the server stops.
//
// # Concurrency
//
// The shard serializes its own access, so Parameters and Info may be called
// from other goroutines (the admin HTTP handlers do) while Run is applying
// updates. A gradient step is applied under one write lock, so no reader ever
// observes a partially updated vector.
//
// # Example
//
//	srvEnd, workerEnd := channel.Pipe(4)
//	s, err := server.New(0.1, 4, server.WithChannel(srvEnd))
//	if err != nil {
//	    return err
//	}
//	go s.Run(ctx)
//	_ = workerEnd.Send(ctx, protocol.ServerEndpoint, protocol.Encode(protocol.Message{
//	    Kind:    protocol.GradientUpdate,
//	    Payload: []float32{1, 1, 1, 1},
//	}))
package server
