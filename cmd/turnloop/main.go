// Package main provides the turnloop CLI: an interactive agent session that
// streams responses, runs the model's shell calls locally and continues each
// turn from the previous response id.
//
// # Basic Usage
//
//	turnloop run
//	turnloop run -m "list files in /tmp"
//	turnloop run --config turnloop.yaml --metrics-addr :9090
//
// # Environment Variables
//
//   - OPENAI_API_KEY: key for the responses endpoint
//   - OPENAI_BASE_URL: alternate responses endpoint
//   - ANTHROPIC_API_KEY: enables the anthropic provider
//   - TURNLOOP_CONFIG: path to the configuration file
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "turnloop",
		Short: "Agent loop over a streaming responses API",
		Long: `turnloop sends your input to a responses service, runs the function calls
the model makes on this machine, and feeds the results back until the model
answers. Only new items are sent each turn; the service keeps the history.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildConfigCmd(),
		buildToolsCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("TURNLOOP_CONFIG"); env != "" {
		return env
	}
	return "turnloop.yaml"
}
