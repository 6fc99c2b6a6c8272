package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"cofer/internal/constants"
	"cofer/internal/errors"
)

var (
	// environmentIDRegex keeps ids valid as container names, branch names
	// and directory names at once
	environmentIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,62}$`)

	// envVarKeyRegex validates environment variable keys
	envVarKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	// safeStringRegex matches strings that are safe for shell use without escaping
	safeStringRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-./=:@,+%]+$`)
)

// EnvironmentID validates a caller-supplied environment identifier
func EnvironmentID(id string) error {
	if id == "" {
		return errors.InvalidArgument("id", "cannot be empty")
	}
	if !environmentIDRegex.MatchString(id) {
		return errors.InvalidArgument("id", fmt.Sprintf("%q must start with a letter or digit and contain only letters, digits, '.', '_' or '-' (max 63)", id))
	}
	if strings.HasSuffix(id, ".lock") || strings.Contains(id, "..") {
		return errors.InvalidArgument("id", fmt.Sprintf("%q is not a valid branch name component", id))
	}
	return nil
}

// EnvironmentVariable validates environment variable format (KEY=VALUE)
func EnvironmentVariable(envVar string) error {
	key, _, ok := strings.Cut(envVar, "=")
	if !ok {
		return errors.InvalidArgument("env", fmt.Sprintf("%q must be in KEY=VALUE format", envVar))
	}
	return EnvironmentKey(key)
}

// EnvironmentKey validates an environment variable name
func EnvironmentKey(key string) error {
	if key == "" {
		return errors.InvalidArgument("env", "key cannot be empty")
	}
	if !envVarKeyRegex.MatchString(key) {
		return errors.InvalidArgument("env", fmt.Sprintf("key %q must contain only letters, numbers, and underscores", key))
	}
	return nil
}

// EnvMap validates a map of variables and renders it as sorted KEY=VALUE pairs
func EnvMap(env map[string]string) ([]string, error) {
	out := make([]string, 0, len(env))
	for k, v := range env {
		if err := EnvironmentKey(k); err != nil {
			return nil, err
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// PortNumber validates a single port number
func PortNumber(port int) error {
	if port < constants.MinPortNumber || port > constants.MaxPortNumber {
		return errors.InvalidArgument("ports", fmt.Sprintf("%d must be between %d and %d", port, constants.MinPortNumber, constants.MaxPortNumber))
	}
	return nil
}

// Ports validates a list of container ports, rejecting duplicates
func Ports(ports []int) error {
	seen := make(map[int]bool, len(ports))
	for _, p := range ports {
		if err := PortNumber(p); err != nil {
			return err
		}
		if seen[p] {
			return errors.InvalidArgument("ports", fmt.Sprintf("%d listed twice", p))
		}
		seen[p] = true
	}
	return nil
}

// Command validates a command vector
func Command(cmd []string) error {
	if len(cmd) == 0 || strings.TrimSpace(cmd[0]) == "" {
		return errors.InvalidArgument("cmd", "cannot be empty")
	}
	return nil
}

// NonEmptyString validates that a string is not empty or only whitespace
func NonEmptyString(field, s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.InvalidArgument(field, "cannot be empty or only whitespace")
	}
	return nil
}

// ShellEscape escapes a string for safe use in shell commands
func ShellEscape(s string) string {
	if s == "" {
		return "''"
	}
	if safeStringRegex.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ShellJoin renders argv as a single shell-quoted line
func ShellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = ShellEscape(arg)
	}
	return strings.Join(quoted, " ")
}
