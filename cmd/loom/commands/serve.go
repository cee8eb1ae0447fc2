package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Loom runtime in the foreground",
	Long: `Run the full runtime: queue workers, the distributed scheduler,
the autoscaler, the health monitor, the failure alerter and the
dead-letter recovery worker.

The process runs until interrupted (Ctrl+C / SIGTERM), then drains
in-flight jobs within the configured shutdown deadline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		r, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		if err := r.Start(); err != nil {
			return err
		}

		fmt.Println("Loom runtime started")
		fmt.Printf("  Queues: %d\n", len(r.Queues()))
		fmt.Println("\nPress Ctrl+C for graceful shutdown")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nDraining in-flight jobs...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.Shutdown(shutdownCtx); err != nil {
			return err
		}
		fmt.Println("Loom runtime stopped")
		return nil
	},
}
