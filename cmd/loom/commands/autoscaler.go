package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var autoscalerCmd = &cobra.Command{
	Use:   "autoscaler",
	Short: "Show scaling decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var autoscalerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current targets and recent decisions per queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		r, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Shutdown(context.Background())

		for _, q := range r.Queues() {
			name := q.Name()
			depth, err := q.WaitingCount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s  depth=%d target=%d\n", name, depth, r.Scaler().Desired(name))

			history, err := r.Scaler().History(cmd.Context(), name, limit)
			if err != nil {
				return err
			}
			for _, d := range history {
				line := fmt.Sprintf("  %s %-5s %d→%d depth=%d",
					d.Timestamp.UTC().Format(time.RFC3339), d.Action, d.From, d.To, d.Depth)
				if d.Reason != "" {
					line += " (" + d.Reason + ")"
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

func init() {
	autoscalerShowCmd.Flags().Int("limit", 5, "Decisions to show per queue")
	autoscalerCmd.AddCommand(autoscalerShowCmd)
}
