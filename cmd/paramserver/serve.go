package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/distbelief/internal/channel"
	"github.com/dreamware/distbelief/internal/config"
	"github.com/dreamware/distbelief/internal/log"
	"github.com/dreamware/distbelief/internal/server"
)

const shutdownTimeout = 5 * time.Second

type serveFlags struct {
	configPath     string
	listen         string
	adminListen    string
	logLevel       string
	size           int
	seed           int64
	receiveTimeout time.Duration
	learningRate   float32
	replyToSender  bool
}

func newServeCmd() *cobra.Command {
	cmd, _ := buildServeCmd()
	return cmd
}

func buildServeCmd() (*cobra.Command, *serveFlags) {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the parameter server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&f.listen, "listen", config.DefaultListen, "worker transport listen address")
	flags.StringVar(&f.adminListen, "admin-listen", config.DefaultAdminListen, "admin HTTP listen address")
	flags.StringVar(&f.logLevel, "log-level", config.DefaultLogLevel, "log level")
	flags.IntVar(&f.size, "size", config.DefaultVectorSize, "number of model parameters")
	flags.Int64Var(&f.seed, "seed", config.DefaultSeed, "parameter initialization seed")
	flags.DurationVar(&f.receiveTimeout, "receive-timeout", 0, "fail when no message arrives within this duration (0 disables)")
	flags.Float32Var(&f.learningRate, "lr", config.DefaultLearningRate, "learning rate")
	flags.BoolVar(&f.replyToSender, "reply-to-sender", false, "answer parameter requests on the requesting endpoint")
	return cmd, f
}

// resolveConfig layers explicitly set flags over the file and environment.
func resolveConfig(cmd *cobra.Command, f *serveFlags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = f.listen
	}
	if flags.Changed("admin-listen") {
		cfg.AdminListen = f.adminListen
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if flags.Changed("size") {
		cfg.VectorSize = f.size
	}
	if flags.Changed("seed") {
		cfg.Seed = f.seed
	}
	if flags.Changed("receive-timeout") {
		cfg.ReceiveTimeout = f.receiveTimeout
	}
	if flags.Changed("lr") {
		cfg.LearningRate = f.learningRate
	}
	if flags.Changed("reply-to-sender") {
		cfg.ReplyToSender = f.replyToSender
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// runServe runs the parameter server until ctx is done, the admin API stops
// it, or the worker transport fails.
func runServe(ctx context.Context, cfg config.Config) error {
	log.SetLogger(cfg.LogLevel)

	ln, err := channel.Listen(ctx, cfg.Listen, cfg.VectorSize)
	if err != nil {
		return err
	}
	defer ln.Close()

	srv, err := server.New(cfg.LearningRate, cfg.VectorSize,
		server.WithChannel(ln),
		server.WithSeed(cfg.Seed),
		server.WithReceiveTimeout(cfg.ReceiveTimeout),
		server.WithReplyToSender(cfg.ReplyToSender),
	)
	if err != nil {
		return err
	}

	admin := &http.Server{
		Addr:              cfg.AdminListen,
		Handler:           newAdminMux(srv),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.WithField("addr", cfg.AdminListen).Info("admin listening")
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("admin listen: %v", err)
		}
	}()

	logger.WithFields(logrus.Fields{
		"id":     srv.ID(),
		"listen": ln.Addr().String(),
	}).Info("parameter server started")
	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("admin shutdown failed")
	}
	if runErr != nil {
		return errors.Wrap(runErr, "parameter server failed")
	}
	logger.Info("parameter server exited")
	return nil
}
