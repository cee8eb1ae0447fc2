package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/health"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect worker health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var workersHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show heartbeat-derived status for every known worker",
	Long: `Show every worker seen by the health monitor with its status,
last heartbeat and lifetime counters.

The exit code reflects fleet health: 0 when all workers are healthy,
1 when any worker is stalled, 2 when any worker is stopped while work
remains.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		r, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Shutdown(context.Background())

		overview, err := r.Monitor().Overview(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(overview); err != nil {
				return err
			}
		} else {
			printHealthTable(overview)
		}

		if code := fleetExitCode(overview); code != ExitOK {
			r.Shutdown(context.Background())
			os.Exit(code)
		}
		return nil
	},
}

func printHealthTable(overview []health.WorkerHealth) {
	if len(overview) == 0 {
		fmt.Println("No workers registered")
		return
	}
	fmt.Printf("%-24s %-9s %-22s %9s %7s %10s\n",
		"WORKER", "STATUS", "LAST BEAT", "COMPLETED", "FAILED", "MEAN")
	for _, wh := range overview {
		beat := "-"
		if !wh.LastBeat.IsZero() {
			beat = wh.LastBeat.UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-24s %-9s %-22s %9d %7d %10s\n",
			wh.Name, wh.Status, beat,
			wh.Stats.Completed, wh.Stats.Failed, wh.Stats.MeanProcessing)
	}
}

func fleetExitCode(overview []health.WorkerHealth) int {
	code := ExitOK
	for _, wh := range overview {
		switch wh.Status {
		case health.StatusStopped:
			return ExitCritical
		case health.StatusStalled:
			code = ExitDegraded
		}
	}
	return code
}

func init() {
	workersHealthCmd.Flags().Bool("json", false, "Emit machine-readable JSON")
	workersCmd.AddCommand(workersHealthCmd)
}
