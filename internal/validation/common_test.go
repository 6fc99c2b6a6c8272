package validation

import (
	"testing"

	"cofer/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvironmentID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"env-1a2b3c4d", true},
		{"feature_x.2", true},
		{"A", true},
		{"", false},
		{"-leading", false},
		{"has space", false},
		{"slash/name", false},
		{"name.lock", false},
		{"a..b", false},
		{"x123456789012345678901234567890123456789012345678901234567890123", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := EnvironmentID(tt.id)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, errors.KindInvalidArgument, errors.KindOf(err))
		})
	}
}

func TestEnvironmentVariable(t *testing.T) {
	assert.NoError(t, EnvironmentVariable("FOO=bar"))
	assert.NoError(t, EnvironmentVariable("EMPTY="))
	assert.Error(t, EnvironmentVariable("NOEQUALS"))
	assert.Error(t, EnvironmentVariable("=value"))
	assert.Error(t, EnvironmentVariable("1BAD=x"))
}

func TestEnvMap(t *testing.T) {
	env, err := EnvMap(map[string]string{"B": "2", "A": "1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=2"}, env)

	_, err = EnvMap(map[string]string{"bad-key": "x"})
	assert.Error(t, err)
}

func TestPorts(t *testing.T) {
	assert.NoError(t, Ports([]int{80, 8080, 65535}))
	assert.Error(t, Ports([]int{0}))
	assert.Error(t, Ports([]int{70000}))
	assert.Error(t, Ports([]int{80, 80}))
}

func TestCommand(t *testing.T) {
	assert.NoError(t, Command([]string{"echo", "hi"}))
	assert.Error(t, Command(nil))
	assert.Error(t, Command([]string{" "}))
}

func TestShellJoin(t *testing.T) {
	assert.Equal(t, "echo hello", ShellJoin([]string{"echo", "hello"}))
	assert.Equal(t, `sh -c 'echo "$HOME"'`, ShellJoin([]string{"sh", "-c", `echo "$HOME"`}))
	assert.Equal(t, `echo 'it'"'"'s' ''`, ShellJoin([]string{"echo", "it's", ""}))
}
