// Package commands holds the loom CLI command tree.
package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/runtime"
)

// Exit codes for operator tooling.
const (
	ExitOK       = 0
	ExitDegraded = 1
	ExitCritical = 2
)

// Root is the loom command tree.
var Root = &cobra.Command{
	Use:   "loom",
	Short: "Loom - multi-tenant agent job backbone",
	Long: `Loom - job queues, workers and scheduling for agent workloads.

Commands:
  serve       Run the full runtime (workers, scheduler, autoscaler)
  scheduler   Inspect and control scheduled tasks
  dlq         Recover and clean the dead-letter queue
  autoscaler  Show scaling decisions
  workers     Inspect worker health

Examples:
  loom serve                       # Run in foreground until interrupted
  loom scheduler status            # List scheduled tasks
  loom scheduler run-now kv-memory-check
  loom dlq recover                 # Sweep retryable dead letters back
  loom workers health --json`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	Root.AddCommand(serveCmd)
	Root.AddCommand(schedulerCmd)
	Root.AddCommand(dlqCmd)
	Root.AddCommand(autoscalerCmd)
	Root.AddCommand(workersCmd)
}

// buildRuntime loads configuration and assembles an unstarted runtime.
// Callers must Shutdown it, even on the read-only paths, to release the
// stores.
func buildRuntime(ctx context.Context) (*runtime.Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	r, err := runtime.New(ctx, cfg, runtime.Collaborators{}, logger.Logger)
	if err != nil {
		return nil, err
	}
	return r, nil
}
