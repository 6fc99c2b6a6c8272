package commands

import (
	"fmt"
	"io"

	"cofer/internal/operations"

	"github.com/spf13/cobra"
)

// EnvCommands creates the environment lifecycle commands. They all talk to
// a running server.
func EnvCommands(opts *Options) []*cobra.Command {
	commands := []*cobra.Command{}

	// cofer env create <source>
	createCmd := &cobra.Command{
		Use:   "create <source>",
		Short: "Create an isolated environment from a source repository",
		Long: `Create an environment: a fresh worktree of the source repository on its
own branch, bind-mounted into a new container.

The source must have been prepared with 'cofer init'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, _ := cmd.Flags().GetString("image")
			id, _ := cmd.Flags().GetString("id")
			fromRef, _ := cmd.Flags().GetString("from")
			replace, _ := cmd.Flags().GetBool("replace")
			envPairs, _ := cmd.Flags().GetStringArray("env")

			env, err := parseEnvFlags(envPairs)
			if err != nil {
				return err
			}
			client, err := opts.Client()
			if err != nil {
				return err
			}
			res, err := client.CreateEnvironment(cmd.Context(), operations.CreateRequest{
				Source:       args[0],
				ID:           id,
				Image:        image,
				FromRef:      fromRef,
				AllowReplace: replace,
				EnvVars:      env,
			})
			if err != nil {
				return err
			}
			return opts.render(res)
		},
	}
	createCmd.Flags().StringP("image", "i", "", "Container image reference (required)")
	createCmd.Flags().String("id", "", "Environment id (generated when empty)")
	createCmd.Flags().String("from", "", "Start the branch from this ref instead of HEAD")
	createCmd.Flags().Bool("replace", false, "Destroy an existing environment with the same id first")
	createCmd.Flags().StringArrayP("env", "e", nil, "Environment variable for every command (KEY=VALUE, repeatable)")
	_ = createCmd.MarkFlagRequired("image")
	commands = append(commands, createCmd)

	// cofer env run <id> -- <cmd> [args...]
	runCmd := &cobra.Command{
		Use:   "run <id> -- <cmd> [args...]",
		Short: "Run a command inside an environment",
		Long: `Run a command inside an environment and wait for it. Changes the command
makes to the worktree are committed and annotated with a git note.

With --background the command is started detached and the published port
endpoints are printed instead.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			background, _ := cmd.Flags().GetBool("background")
			stream, _ := cmd.Flags().GetBool("stream")
			ports, _ := cmd.Flags().GetIntSlice("port")
			envPairs, _ := cmd.Flags().GetStringArray("env")

			if background && stream {
				return fmt.Errorf("--background and --stream are mutually exclusive")
			}
			argv := args[1:]
			if argv[0] == "--" {
				argv = argv[1:]
			}
			if len(argv) == 0 {
				return fmt.Errorf("no command given")
			}
			env, err := parseEnvFlags(envPairs)
			if err != nil {
				return err
			}
			req := operations.RunRequest{
				ID:         args[0],
				Cmd:        argv,
				Env:        env,
				TimeoutMS:  timeout.Milliseconds(),
				Background: background,
				Ports:      ports,
			}
			client, err := opts.Client()
			if err != nil {
				return err
			}

			if background {
				bg, err := client.RunBackground(cmd.Context(), req)
				if err != nil {
					return err
				}
				return opts.render(bg)
			}

			var res *operations.RunResult
			if stream {
				stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
				res, err = client.StreamRun(cmd.Context(), req, func(name, data string) {
					var w io.Writer = stdout
					if name == "stderr" {
						w = stderr
					}
					io.WriteString(w, data)
				})
			} else {
				res, err = client.RunCommand(cmd.Context(), req)
			}
			// A timeout still carries the output gathered so far.
			if res != nil {
				if rerr := opts.render(res); rerr != nil && err == nil {
					err = rerr
				}
			}
			if err != nil {
				return err
			}
			return exitStatus(res)
		},
	}
	// Everything after the id belongs to the command.
	runCmd.Flags().SetInterspersed(false)
	runCmd.Flags().Duration("timeout", 0, "Kill the command after this long (server default when 0)")
	runCmd.Flags().Bool("background", false, "Start the command detached and return its endpoints")
	runCmd.Flags().Bool("stream", false, "Stream output while the command runs")
	runCmd.Flags().IntSliceP("port", "p", nil, "Container port to publish with --background (repeatable)")
	runCmd.Flags().StringArrayP("env", "e", nil, "Environment variable for this command (KEY=VALUE, repeatable)")
	commands = append(commands, runCmd)

	// cofer env destroy <id>
	destroyCmd := &cobra.Command{
		Use:     "destroy <id>",
		Short:   "Tear down an environment",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			client, err := opts.Client()
			if err != nil {
				return err
			}
			res, err := client.DestroyEnvironment(cmd.Context(), operations.DestroyRequest{ID: args[0], Force: force})
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			return opts.render(res)
		},
	}
	destroyCmd.Flags().BoolP("force", "f", false, "Cancel running commands instead of waiting for them")
	commands = append(commands, destroyCmd)

	// cofer env list
	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List live environments",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.Client()
			if err != nil {
				return err
			}
			envs, err := client.ListEnvironments(cmd.Context())
			if err != nil {
				return err
			}
			return opts.render(envs)
		},
	}
	commands = append(commands, listCmd)

	// cofer env get <id>
	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.Client()
			if err != nil {
				return err
			}
			rec, err := client.GetEnvironment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.render(rec)
		},
	}
	commands = append(commands, getCmd)

	return commands
}

// exitStatus turns a non-zero exit of the remote command into an error
// carrying the same code
func exitStatus(res *operations.RunResult) error {
	if res == nil || res.Result == nil || res.ExitCode == nil || *res.ExitCode == 0 {
		return nil
	}
	return &CommandExitError{Code: *res.ExitCode}
}

// CommandExitError reports the exit code of a command run in an environment
type CommandExitError struct {
	Code int
}

func (e *CommandExitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.Code)
}
