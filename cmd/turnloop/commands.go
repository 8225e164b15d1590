package main

import (
	"github.com/spf13/cobra"
)

// runOptions are the flags of the run command.
type runOptions struct {
	configPath  string
	model       string
	provider    string
	message     string
	workingDir  string
	metricsAddr string
	autoApprove bool
	parallel    bool
	debug       bool
}

// buildRunCmd creates the "run" command that starts an agent session.
func buildRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an agent session",
		Long: `Start an agent session. Without --message the session reads one input per
line from stdin until EOF or /quit. Ctrl-C aborts the running turn.`,
		Example: `  # Interactive session
  turnloop run

  # One-shot
  turnloop run -m "list files in /tmp"

  # Expose Prometheus metrics
  turnloop run --metrics-addr 127.0.0.1:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = resolveConfigPath(opts.configPath)
			return runSession(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model to use (overrides config)")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "Provider adapter to use (overrides config)")
	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "Submit a single message and exit")
	cmd.Flags().StringVarP(&opts.workingDir, "workdir", "C", "", "Working directory for commands")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&opts.autoApprove, "yes", false, "Approve every command without asking")
	cmd.Flags().BoolVar(&opts.parallel, "parallel", false, "Allow parallel tool calls")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildConfigCmd creates the "config" command that prints the effective
// configuration.
func buildConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrintConfig(resolveConfigPath(configPath), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// buildToolsCmd creates the "tools" command that prints the tool definitions
// sent with every request.
func buildToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the tool definitions as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrintTools(cmd.OutOrStdout())
		},
	}
}
