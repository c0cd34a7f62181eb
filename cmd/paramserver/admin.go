package main

import (
	"encoding/json"
	"net/http"

	"github.com/dreamware/distbelief/internal/cluster"
)

// adminServer is the part of server.Server the admin API needs.
type adminServer interface {
	Info() cluster.ServerInfo
	Parameters() []float32
	Stop()
}

func newAdminMux(srv adminServer) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		handleInfo(srv, w, r)
	})
	mux.HandleFunc("/parameters", func(w http.ResponseWriter, r *http.Request) {
		handleParameters(srv, w, r)
	})
	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		handleStop(srv, w, r)
	})
	return mux
}

// handleInfo returns the server's identity, state and counters.
//
// Endpoint: GET /info
func handleInfo(srv adminServer, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, srv.Info())
}

// handleParameters returns a consistent snapshot of the shard.
//
// Endpoint: GET /parameters
//
// Response body:
//
//	{
//	  "parameters": [0.12, 0.98, ...],
//	  "size": 21840
//	}
func handleParameters(srv adminServer, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params := srv.Parameters()
	writeJSON(w, http.StatusOK, cluster.ParametersResponse{
		Parameters: params,
		Size:       len(params),
	})
}

// handleStop asks the server loop to exit. The loop finishes the message it
// is applying, so the response is 202 and the stop happens asynchronously.
//
// Endpoint: POST /stop
func handleStop(srv adminServer, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	info := srv.Info()
	logger.WithField("server", info.ID).Info("stop requested")
	go srv.Stop()
	writeJSON(w, http.StatusAccepted, cluster.StopResponse{
		ID:    info.ID,
		State: "stopping",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Warn("write response failed")
	}
}
