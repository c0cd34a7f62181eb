package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dreamware/distbelief/internal/channel"
	"github.com/dreamware/distbelief/internal/cluster"
	"github.com/dreamware/distbelief/internal/config"
	"github.com/dreamware/distbelief/internal/protocol"
)

const defaultAdminURL = "http://127.0.0.1:8081"

func newStatusCmd() *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running server's state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var info cluster.ServerInfo
			if err := cluster.GetJSON(cmd.Context(), adminURL(admin, "/info"), &info); err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
	cmd.Flags().StringVar(&admin, "admin", getenv("PS_ADMIN_URL", defaultAdminURL), "admin base URL")
	return cmd
}

func newStopCmd() *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp cluster.StopResponse
			if err := cluster.PostJSON(cmd.Context(), adminURL(admin, "/stop"), struct{}{}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server %s %s\n", resp.ID, resp.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&admin, "admin", getenv("PS_ADMIN_URL", defaultAdminURL), "admin base URL")
	return cmd
}

// errStopNotConfirmed is returned by pull when --stop-server is missing.
var errStopNotConfirmed = errors.New("pull ends the server's run; pass --stop-server to confirm")

func newPullCmd() *cobra.Command {
	var (
		addr       string
		size       int
		timeout    time.Duration
		endpoint   uint32
		stopServer bool
	)
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Fetch the final parameters over the worker transport and end the server's run",
		Long: `Connects to the server as a worker, sends one ParameterRequest and prints
a summary of the response. The server treats the disconnect that follows as a
transport failure and stops, so pull is for collecting the final parameters
of a finished run. Use status or GET /parameters to inspect a live server.
Requires --stop-server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !stopServer {
				return errStopNotConfirmed
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			params, err := pull(ctx, addr, protocol.Endpoint(endpoint), size)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), params)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1"+config.DefaultListen, "server transport address")
	flags.IntVar(&size, "size", config.DefaultVectorSize, "number of model parameters")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout")
	flags.Uint32Var(&endpoint, "endpoint", uint32(protocol.WorkerEndpoint), "endpoint id to connect as")
	flags.BoolVar(&stopServer, "stop-server", false, "confirm that the server's run ends after the pull")
	return cmd
}

// pull connects as a worker, sends one ParameterRequest and returns the
// payload of the response.
func pull(ctx context.Context, addr string, self protocol.Endpoint, size int) ([]float32, error) {
	conn, err := channel.Dial(ctx, addr, self, size)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := protocol.Encode(protocol.Message{
		Kind:    protocol.ParameterRequest,
		Payload: make([]float32, size),
	})
	if err := conn.Send(ctx, protocol.ServerEndpoint, req); err != nil {
		return nil, errors.Wrap(err, "send parameter request failed")
	}
	f, err := conn.Recv(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "receive parameters failed")
	}
	msg, err := protocol.Decode(f.Data, size, f.Source)
	if err != nil {
		return nil, err
	}
	if msg.Kind != protocol.ParameterUpdate {
		return nil, errors.Wrapf(protocol.ErrUnknownKind, "expected %s, got %s", protocol.ParameterUpdate, msg.Kind)
	}
	return msg.Payload, nil
}

func adminURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}

func printInfo(w io.Writer, info cluster.ServerInfo) {
	fmt.Fprintf(w, "id:             %s\n", info.ID)
	fmt.Fprintf(w, "state:          %s\n", info.State)
	if !info.StartedAt.IsZero() {
		fmt.Fprintf(w, "started:        %s\n", info.StartedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "size:           %d\n", info.Size)
	fmt.Fprintf(w, "learning rate:  %g\n", info.LearningRate)
	fmt.Fprintf(w, "norm:           %.6f\n", info.Norm)
	fmt.Fprintf(w, "messages:       %d (dropped %d)\n", info.Messages, info.Dropped)
	fmt.Fprintf(w, "replacements:   %d\n", info.Ops.Replacements)
	fmt.Fprintf(w, "gradient steps: %d\n", info.Ops.GradientSteps)
}

// printSummary writes size, range, norm and the leading values of params.
func printSummary(w io.Writer, params []float32) {
	if len(params) == 0 {
		fmt.Fprintln(w, "size=0")
		return
	}
	lo, hi := params[0], params[0]
	var sq float64
	for _, v := range params {
		lo = min(lo, v)
		hi = max(hi, v)
		sq += float64(v) * float64(v)
	}
	head := params[:min(len(params), 8)]
	fmt.Fprintf(w, "size=%d min=%g max=%g norm=%.6f\n", len(params), lo, hi, math.Sqrt(sq))
	fmt.Fprintf(w, "head=%v\n", head)
}
