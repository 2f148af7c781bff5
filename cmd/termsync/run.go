package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rickgao/termsync/internal/config"
	"github.com/rickgao/termsync/internal/engine"
	"github.com/rickgao/termsync/internal/logging"
	"github.com/rickgao/termsync/internal/version"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Subscribe the configured accounts and keep them synchronized",
		Long: `Start the synchronization engine.

Every account listed in the config is subscribed. The status server and
uptime writer start when enabled in the config. Runs until interrupted.

Example:
  termsync run --config configs/termsync.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closer, err := setup(opts, os.Stdout)
			if err != nil {
				return err
			}
			defer closer.Close()

			return runEngine(cmd.Context(), cfg, logger, nil)
		},
	}
}

// setup loads the config and builds the process logger.
func setup(opts *rootOptions, out io.Writer) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.LoadWithDefaults(opts.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	logger, closer, err := logging.New(cfg.Logging, out)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("configure logging: %w", err)
	}
	slog.SetDefault(logger)

	logger.Info("starting termsync",
		"version", version.Version,
		"commit", version.Commit,
		"config", opts.configPath,
		"accounts", len(cfg.Accounts),
	)
	return cfg, logger, closer, nil
}

// runEngine runs until a signal arrives or ctx ends. prepare, when set, is
// called after startup and before the configured accounts are subscribed.
func runEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, prepare func(*engine.Engine)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e := engine.New(cfg, logger)
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), engine.StopTimeout)
		defer stopCancel()
		if err := e.Stop(stopCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	if prepare != nil {
		prepare(e)
	}
	if err := e.SubscribeConfigured(); err != nil {
		return err
	}

	logger.Info("termsync running", "instance_id", cfg.Instance.ID)
	<-ctx.Done()
	logger.Info("shutting down...")
	return nil
}
