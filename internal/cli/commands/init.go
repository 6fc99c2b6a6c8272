package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

// InitCommands creates the init command that prepares a source repository
func InitCommands(opts *Options, initSource InitSourceFunc) []*cobra.Command {
	commands := []*cobra.Command{}

	// cofer init [path]
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Prepare a git repository as an environment source",
		Long: `Prepare a git repository as an environment source.

Creates the bare repository that environments branch from, points the
"cofer" remote of the source at it and pushes the current branch. Runs
locally; no server is needed. Defaults to the current directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", path, err)
			}
			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			bare, err := initSource(cmd.Context(), cfg, abs)
			if err != nil {
				return err
			}
			return opts.render(bare)
		},
	}
	commands = append(commands, initCmd)

	return commands
}
