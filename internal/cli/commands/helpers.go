package commands

import (
	"strings"

	"cofer/internal/validation"
)

// parseEnvFlags turns repeated KEY=VALUE flags into a map. Later flags win.
func parseEnvFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		if err := validation.EnvironmentVariable(pair); err != nil {
			return nil, err
		}
		key, value, _ := strings.Cut(pair, "=")
		env[key] = value
	}
	return env, nil
}
