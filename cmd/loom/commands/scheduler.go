package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Inspect and control scheduled tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var schedulerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List scheduled tasks with next fire time and last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Shutdown(context.Background())

		statuses, err := r.Scheduler().Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("%-26s %-16s %-8s %-22s %s\n", "TASK", "SCHEDULE", "ENABLED", "NEXT RUN", "LAST RUN")
		for _, ts := range statuses {
			next := "-"
			if !ts.NextRun.IsZero() {
				next = ts.NextRun.UTC().Format(time.RFC3339)
			}
			last := "-"
			if ts.LastRun != nil {
				last = fmt.Sprintf("%s (%s)", ts.LastRun.Status,
					ts.LastRun.StartedAt.UTC().Format(time.RFC3339))
			}
			fmt.Printf("%-26s %-16s %-8t %-22s %s\n", ts.Name, ts.Schedule, ts.Enabled, next, last)
		}
		return nil
	},
}

var schedulerRunNowCmd = &cobra.Command{
	Use:   "run-now <task>",
	Short: "Fire a task immediately, subject to the distributed lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Shutdown(context.Background())

		name := args[0]
		if err := r.Scheduler().RunTaskNow(cmd.Context(), name); err != nil {
			return err
		}
		fmt.Printf("Task %s finished\n", name)
		return nil
	},
}

var schedulerEnableCmd = &cobra.Command{
	Use:   "enable <task>",
	Short: "Enable a task on this instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleTask(cmd.Context(), args[0], true)
	},
}

var schedulerDisableCmd = &cobra.Command{
	Use:   "disable <task>",
	Short: "Disable a task on this instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleTask(cmd.Context(), args[0], false)
	},
}

func toggleTask(ctx context.Context, name string, enabled bool) error {
	r, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer r.Shutdown(context.Background())

	if enabled {
		err = r.Scheduler().Enable(name)
	} else {
		err = r.Scheduler().Disable(name)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Task %s enabled=%t\n", name, enabled)
	return nil
}

func init() {
	schedulerCmd.AddCommand(schedulerStatusCmd)
	schedulerCmd.AddCommand(schedulerRunNowCmd)
	schedulerCmd.AddCommand(schedulerEnableCmd)
	schedulerCmd.AddCommand(schedulerDisableCmd)
}
