package cli

import (
	"cofer/internal/cli/commands"
	"cofer/internal/logger"

	"github.com/spf13/cobra"
)

// createRootCommand creates the root command with global flags
func createRootCommand(version string, opts *commands.Options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cofer",
		Short: "Isolated containerized environments backed by git worktrees",
		Long: `cofer creates disposable development environments. Each environment is a
git worktree on its own branch, bind-mounted into a container. Commands run
inside the container and the changes they make are committed to the
environment's branch, annotated with a git note.

'cofer serve' runs the engine behind an HTTP API; the env commands are
clients of that API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := commands.ValidateOutput(opts.Output); err != nil {
				return err
			}
			opts.Out = cmd.OutOrStdout()
			if opts.LogLevel != "" {
				logger.SetLevel(opts.LogLevel)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Default to showing help if no subcommand
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "", "Path to config.toml (default: $COFER_HOME/config.toml)")
	flags.StringVar(&opts.ServerURL, "server", "", "Server URL (default: $COFER_SERVER or the configured address)")
	flags.StringVarP(&opts.Output, "output", "o", commands.OutputJSON, "Output format: json or yaml")
	flags.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn or error")

	return rootCmd
}
