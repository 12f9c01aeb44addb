package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drblury/creditflow/internal/runtime"
	configpkg "github.com/drblury/creditflow/internal/runtime/config"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	_ "github.com/drblury/creditflow/transport/transports"
)

type dlqOp func(ctx context.Context, svc *runtime.Service, queue string) (int, error)

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and drain the dead-letter queues",
	}
	cmd.PersistentFlags().String("queue", "", "Main queue whose dead-letter queue is operated on (e.g. card.issue)")
	_ = cmd.MarkPersistentFlagRequired("queue")

	cmd.AddCommand(dlqSubCmd("count", "Print the number of dead-lettered messages", "waiting",
		func(ctx context.Context, svc *runtime.Service, queue string) (int, error) {
			return svc.DLQCount(ctx, queue)
		}))

	replay := &cobra.Command{
		Use:   "replay",
		Short: "Move dead-lettered messages back onto their original routing key",
		Args:  cobra.NoArgs,
	}
	replay.Flags().Int("limit", 0, "Maximum messages to replay; 0 replays everything")
	replay.RunE = runDLQ("replayed", func(ctx context.Context, svc *runtime.Service, queue string) (int, error) {
		limit, err := replay.Flags().GetInt("limit")
		if err != nil {
			return 0, err
		}
		if limit < 0 {
			return 0, fmt.Errorf("limit must not be negative, got %d", limit)
		}
		return svc.ReplayDLQ(ctx, queue, limit)
	})
	cmd.AddCommand(replay)

	cmd.AddCommand(dlqSubCmd("purge", "Drop every dead-lettered message", "purged",
		func(ctx context.Context, svc *runtime.Service, queue string) (int, error) {
			return svc.PurgeDLQ(ctx, queue)
		}))

	return cmd
}

func dlqSubCmd(use, short, verb string, op dlqOp) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE:  runDLQ(verb, op),
	}
}

func runDLQ(verb string, op dlqOp) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		queue, err := cmd.Flags().GetString("queue")
		if err != nil {
			return err
		}

		svc, err := newOperatorService(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = svc.Close() }()

		n, err := op(cmd.Context(), svc, queue)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d %s\n", queue, n, verb)
		return err
	}
}

// newOperatorService connects to the broker without consumers or HTTP servers.
func newOperatorService(ctx context.Context, cfg *configpkg.Config, logger loggingpkg.ServiceLogger) (*runtime.Service, error) {
	operator := *cfg
	operator.AdminAddr = ""
	operator.MetricsEnabled = false
	return runtime.NewService(ctx, &operator, logger, runtime.ServiceDependencies{})
}
