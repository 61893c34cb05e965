// Package main is the loom CLI: a multi-agent orchestration kernel that
// dispatches LLM agent runs, relays inter-agent messages through leased
// mailboxes, and compacts long-running session contexts.
//
// Start the server:
//
//	loom serve --config loom.yaml
//
// Print the config JSON schema:
//
//	loom config-schema
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "loom",
		Short: "Multi-agent orchestration kernel",
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildRunCmd())
	root.AddCommand(buildConfigSchemaCmd())
	root.AddCommand(buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
