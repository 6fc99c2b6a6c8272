package git

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"cofer/internal/constants"
	"cofer/internal/logger"
	"cofer/internal/proc"
)

// nonInteractiveEnv makes every credential or pager prompt a hard failure
// instead of a wait.
var nonInteractiveEnv = []string{
	"GIT_TERMINAL_PROMPT=0",
	"GIT_ASKPASS=/bin/false",
	"SSH_ASKPASS=/bin/false",
	"GCM_INTERACTIVE=never",
	"GIT_PAGER=cat",
	"PAGER=cat",
	"GIT_EDITOR=/bin/false",
	"GIT_SSH_COMMAND=ssh -o BatchMode=yes",
	"LC_ALL=C",
}

// identityEnv attributes engine commits and notes regardless of user config
var identityEnv = []string{
	"GIT_AUTHOR_NAME=" + constants.CommitAuthorName,
	"GIT_AUTHOR_EMAIL=" + constants.CommitAuthorEmail,
	"GIT_COMMITTER_NAME=" + constants.CommitAuthorName,
	"GIT_COMMITTER_EMAIL=" + constants.CommitAuthorEmail,
}

// transientMarkers identify failures worth exactly one retry
var transientMarkers = []string{
	"index.lock",
	"cannot lock ref",
	"Unable to create",
	"Resource temporarily unavailable",
	"Device or resource busy",
}

type invocation struct {
	dir   string
	args  []string
	stdin []byte
	env   []string
	// retry allows one retry on a transient failure
	retry bool
}

// run executes git bounded by the manager's timeout
func (m *Manager) run(ctx context.Context, inv invocation) (*proc.Result, error) {
	args := inv.args
	if inv.dir != "" {
		args = append([]string{"-C", inv.dir}, args...)
	}

	env := append(append([]string(nil), nonInteractiveEnv...), inv.env...)
	attempt := func() (*proc.Result, error) {
		var stdin *bytes.Reader
		cmd := proc.Command{
			Name:    "git",
			Args:    args,
			Env:     env,
			Timeout: m.timeout,
		}
		if inv.stdin != nil {
			stdin = bytes.NewReader(inv.stdin)
			cmd.Stdin = stdin
		}
		return proc.Run(ctx, cmd)
	}

	result, err := attempt()
	if err != nil && inv.retry && isTransient(err) && ctx.Err() == nil {
		logger.WithFields(logger.Fields{
			"args":  strings.Join(inv.args, " "),
			"error": err.Error(),
		}).Debug("Retrying transient git failure")

		select {
		case <-ctx.Done():
			return result, err
		case <-time.After(constants.DefaultRetryDelay):
		}
		result, err = attempt()
	}
	return result, err
}

// output runs git and returns trimmed stdout
func (m *Manager) output(ctx context.Context, inv invocation) (string, error) {
	result, err := m.run(ctx, inv)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(result.Stdout)), nil
}

func isTransient(err error) bool {
	var exitErr *proc.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	for _, marker := range transientMarkers {
		if strings.Contains(exitErr.Stderr, marker) {
			return true
		}
	}
	return false
}
