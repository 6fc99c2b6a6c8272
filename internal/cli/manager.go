package cli

import (
	"context"

	"cofer/internal/cli/commands"

	"github.com/spf13/cobra"
)

// Hooks are the operations that run in-process rather than through the API
type Hooks struct {
	Serve      commands.ServeFunc
	InitSource commands.InitSourceFunc
}

// Manager handles CLI operations
type Manager struct {
	opts    *commands.Options
	hooks   Hooks
	rootCmd *cobra.Command
}

// New creates a new CLI manager
func New(version string, hooks Hooks) *Manager {
	m := &Manager{
		opts:  commands.NewOptions(),
		hooks: hooks,
	}
	m.rootCmd = createRootCommand(version, m.opts)
	m.setupCommands()
	return m
}

// Root returns the root command
func (m *Manager) Root() *cobra.Command {
	return m.rootCmd
}

// Execute executes the CLI with the given arguments
func (m *Manager) Execute(args []string) error {
	return m.ExecuteWithContext(context.Background(), args)
}

// ExecuteWithContext executes the CLI with the given arguments and context
func (m *Manager) ExecuteWithContext(ctx context.Context, args []string) error {
	m.rootCmd.SetArgs(args)
	return m.rootCmd.ExecuteContext(ctx)
}

// setupCommands sets up all CLI commands
func (m *Manager) setupCommands() {
	for _, cmd := range commands.InitCommands(m.opts, m.hooks.InitSource) {
		m.rootCmd.AddCommand(cmd)
	}

	for _, cmd := range commands.ServerCommands(m.opts, m.hooks.Serve) {
		m.rootCmd.AddCommand(cmd)
	}

	envCmd := &cobra.Command{
		Use:     "env",
		Short:   "Environment lifecycle commands",
		Aliases: []string{"environment"},
	}
	for _, cmd := range commands.EnvCommands(m.opts) {
		envCmd.AddCommand(cmd)
	}
	m.rootCmd.AddCommand(envCmd)

	configCmd := &cobra.Command{
		Use:     "config",
		Short:   "Configuration management commands",
		Aliases: []string{"cfg"},
	}
	for _, cmd := range commands.ConfigCommands(m.opts) {
		configCmd.AddCommand(cmd)
	}
	m.rootCmd.AddCommand(configCmd)
}
