package main

import (
	"fmt"
	"os"

	"github.com/loomworks/loom/cmd/loom/commands"
	"github.com/loomworks/loom/logger"
)

func main() {
	if err := logger.Initialize(false); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logger: %v\n", err)
	}
	defer logger.Cleanup()

	if err := commands.Root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(commands.ExitCritical)
	}
}
