package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cofer/internal/constants"
	"cofer/internal/logger"
	"cofer/internal/xdg"

	"github.com/spf13/cobra"
)

const pidFileName = "server.pid"

// ServerCommands creates serve plus the server status and stop commands
func ServerCommands(opts *Options, serve ServeFunc) []*cobra.Command {
	commands := []*cobra.Command{}

	// cofer serve
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cofer API server",
		Long: `Run the cofer HTTP API server in the foreground.

Environments left behind by a previous server are swept on startup and
every live environment is destroyed on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host, _ = cmd.Flags().GetString("host")
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port, _ = cmd.Flags().GetInt("port")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			pidFile, err := writePidFile()
			if err != nil {
				logger.WithError(err).Warn("Failed to write PID file")
			} else {
				defer os.Remove(pidFile)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().String("host", constants.DefaultServerHost, "Address to listen on")
	serveCmd.Flags().IntP("port", "p", constants.DefaultServerPort, "Port to listen on")
	commands = append(commands, serveCmd)

	// cofer status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Check server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.Client()
			if err != nil {
				return err
			}
			health, err := client.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("server is not responding: %w", err)
			}
			return opts.render(health)
		},
	}
	commands = append(commands, statusCmd)

	// cofer stop
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a server started on this machine",
		Long:  `Stop a running cofer server by sending it a graceful shutdown signal.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetDuration("wait")
			return stopServer(cmd, wait)
		},
	}
	stopCmd.Flags().Duration("wait", time.Minute, "How long to wait for environments to be torn down")
	commands = append(commands, stopCmd)

	return commands
}

func pidFilePath() (string, error) {
	dir, err := xdg.RuntimeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, pidFileName), nil
}

func writePidFile() (string, error) {
	path, err := pidFilePath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), constants.DirPermissions); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), constants.FilePermissions)
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}
	return pid, nil
}

// stopServer sends SIGTERM and waits for the process to go away. Shutdown
// destroys every environment, so it can take a while.
func stopServer(cmd *cobra.Command, wait time.Duration) error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	pid, err := readPid(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "No server PID file found. Server may not be running.")
			return nil
		}
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(path)
		fmt.Fprintf(cmd.OutOrStdout(), "Server not running (PID %d is gone)\n", pid)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent shutdown signal to server (PID: %d)\n", pid)

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if process.Signal(syscall.Signal(0)) != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Server stopped")
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("server (PID %d) still running after %s", pid, wait)
}
