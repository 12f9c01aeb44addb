package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/creditflow/internal/app"
	configpkg "github.com/drblury/creditflow/internal/runtime/config"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/internal/runtime/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "creditflow",
		Short:         "Credit pipeline: client intake, proposal scoring and card issuance",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides CREDITFLOW_LOG_LEVEL")
	root.PersistentFlags().String("store", "", "Entity store (memory, sqlite, redis); overrides CREDITFLOW_STORE")

	root.AddCommand(roleCmd(app.RoleIntake, "Serve the client intake API"))
	root.AddCommand(roleCmd(app.RoleProposal, "Score new clients and publish proposal decisions"))
	root.AddCommand(roleCmd(app.RoleCard, "Issue cards for approved proposals"))
	root.AddCommand(roleCmd(app.RoleLocal, "Run every stage in one process over in-memory channels"))
	root.AddCommand(dlqCmd())

	return root
}

func roleCmd(role app.Role, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(role),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runRole(cmd.Context(), role, cfg, logger)
		},
	}
}

func runRole(ctx context.Context, role app.Role, cfg *configpkg.Config, logger loggingpkg.ServiceLogger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, "creditflow-"+string(role), cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Error("Telemetry shutdown failed", err, nil)
		}
	}()

	p, err := app.New(ctx, role, app.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	return p.Run(ctx)
}

// loadConfig reads the environment, applies flag overrides and builds the
// process logger.
func loadConfig(cmd *cobra.Command) (*configpkg.Config, loggingpkg.ServiceLogger, error) {
	cfg, err := configpkg.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("store") {
		cfg.Store, _ = flags.GetString("store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := loggingpkg.New(loggingpkg.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
