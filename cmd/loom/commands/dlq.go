package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/errors"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Recover and clean the dead-letter queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dlqRecoverCmd = &cobra.Command{
	Use:   "recover [entry-id | batch <count>]",
	Short: "Sweep retryable dead letters back, or retry one entry",
	Long: `Without arguments, run one recovery sweep: classify dead-letter
entries by failure reason and requeue the transient ones with backoff.

"batch <count>" bounds the sweep to that many entries. With an entry
id, requeue that entry immediately regardless of its classification.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entryID, batch, err := parseRecoverTarget(args)
		if err != nil {
			return err
		}
		if batch == 0 {
			batch, _ = cmd.Flags().GetInt("batch")
		}

		r, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Shutdown(context.Background())

		if entryID != "" {
			job, err := r.Recovery().ProcessSingle(cmd.Context(), entryID)
			if err != nil {
				return err
			}
			fmt.Printf("Entry %s requeued as job %s on %s\n", entryID, job.ID, job.Queue)
			return nil
		}

		result, err := r.Recovery().ProcessBatchN(cmd.Context(), batch)
		if err != nil {
			return err
		}
		fmt.Printf("Sweep finished: %d scanned, %d requeued\n", result.Scanned, result.Requeued)
		if len(result.Skipped) > 0 {
			reasons := make([]string, 0, len(result.Skipped))
			for reason := range result.Skipped {
				reasons = append(reasons, reason)
			}
			sort.Strings(reasons)
			fmt.Println("Skipped as permanent:")
			for _, reason := range reasons {
				fmt.Printf("  %s: %d\n", reason, result.Skipped[reason])
			}
		}
		return nil
	},
}

var dlqCleanupCmd = &cobra.Command{
	Use:   "cleanup [age-hours]",
	Short: "Remove dead-letter entries past the retention window",
	Long: `Remove dead-letter entries older than the configured retention,
or older than age-hours when given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var age time.Duration
		if len(args) == 1 {
			hours, err := strconv.Atoi(args[0])
			if err != nil || hours <= 0 {
				return errors.Newf("age-hours must be a positive integer, got %q", args[0])
			}
			age = time.Duration(hours) * time.Hour
		}

		r, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Shutdown(context.Background())

		removed, err := r.Recovery().CleanupOlderThan(cmd.Context(), age)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d expired dead-letter entries\n", removed)
		return nil
	},
}

// parseRecoverTarget resolves the recover arguments: nothing (full
// sweep), "batch <count>" (sized sweep) or a single entry id.
func parseRecoverTarget(args []string) (entryID string, batch int, err error) {
	switch {
	case len(args) == 0:
		return "", 0, nil
	case args[0] == "batch":
		if len(args) != 2 {
			return "", 0, errors.New("batch requires a count")
		}
		n, convErr := strconv.Atoi(args[1])
		if convErr != nil || n <= 0 {
			return "", 0, errors.Newf("batch count must be a positive integer, got %q", args[1])
		}
		return "", n, nil
	case len(args) == 1:
		return args[0], 0, nil
	default:
		return "", 0, errors.Newf("unexpected argument %q", args[1])
	}
}

func init() {
	dlqRecoverCmd.Flags().Int("batch", 0, "Entries to examine (default: configured batch size)")
	dlqCmd.AddCommand(dlqRecoverCmd)
	dlqCmd.AddCommand(dlqCleanupCmd)
}
