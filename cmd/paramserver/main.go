// Package main implements the paramserver binary: the parameter server
// process and a small CLI for talking to a running one.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              paramserver                │
//	├─────────────────────────────────────────┤
//	│  Worker transport (TCP, PS_LISTEN):     │
//	│    [kind, p1 … pN] float32 frames       │
//	├─────────────────────────────────────────┤
//	│  Admin HTTP (PS_ADMIN_LISTEN):          │
//	│    /health      - Liveness              │
//	│    /info        - Server information    │
//	│    /parameters  - Shard snapshot        │
//	│    /stop        - Stop the server loop  │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    server.Server - Shard + dispatch     │
//	│    channel.Listener - Worker link       │
//	└─────────────────────────────────────────┘
//
// Configuration (flags override environment, environment overrides file):
//   - PS_LISTEN: worker transport address (default ":29500")
//   - PS_ADMIN_LISTEN: admin HTTP address (default ":8081")
//   - PS_VECTOR_SIZE: model size N (default 21840)
//   - PS_LEARNING_RATE: learning rate (default 0.005)
//   - PS_SEED: initialization seed (default 42)
//   - PS_RECEIVE_TIMEOUT: receive timeout, 0 for none
//   - PS_REPLY_TO_SENDER: answer requests on the requesting endpoint
//   - PS_LOG_LEVEL: log level (default "info")
//
// Example usage:
//
//	# Start a server for a 4-parameter model
//	PS_VECTOR_SIZE=4 PS_LEARNING_RATE=0.1 ./paramserver serve
//
//	# Inspect and stop it
//	./paramserver status --admin http://localhost:8081
//	./paramserver pull --addr localhost:29500 --size 4
//	./paramserver stop --admin http://localhost:8081
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// logFatal is a variable to allow mocking logrus.Fatalf in tests.
var logFatal = logrus.Fatalf

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "paramserver",
		Short:        "Parameter server for data-parallel training",
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newStopCmd(),
		newPullCmd(),
	)
	return root
}

// getenv returns the environment variable k, or def when it is unset or empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
