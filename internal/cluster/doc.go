// Package cluster provides the admin surface shared by the parameter server
// process and the operator CLI: the JSON types served over HTTP and the small
// HTTP/JSON client helpers used to call them.
//
// # Overview
//
// The training traffic itself never touches HTTP; it flows over the message
// channel (see package channel). The admin surface exists so an operator can
// observe and stop a running server without speaking the binary protocol:
//
//	┌────────────┐   GET /info, /parameters    ┌──────────────────┐
//	│ operator   │ ──────────────────────────▶ │ parameter server │
//	│ CLI        │   POST /stop                │ (admin HTTP)     │
//	└────────────┘ ◀────────────────────────── └──────────────────┘
//	                    JSON responses
//
// # Endpoints
//
//	GET  /health      200 when the process is up
//	GET  /info        ServerInfo
//	GET  /parameters  ParametersResponse (copy of the shard)
//	POST /stop        StopResponse, stops the receive loop
//
// # Client helpers
//
// GetJSON and PostJSON issue a request with a 5 second client timeout,
// treat any status >= 300 as ErrStatus, and decode the JSON body into out
// when out is non-nil.
package cluster
