package xdg

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDirHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")

	dir, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/xdg-config", "cofer"), dir)
}

func TestHome(t *testing.T) {
	tests := []struct {
		name      string
		coferHome string
		xdgConfig string
		want      string
	}{
		{
			name:      "explicit home wins",
			coferHome: "/srv/cofer",
			xdgConfig: "/tmp/cfg",
			want:      "/srv/cofer",
		},
		{
			name:      "falls back to config dir",
			xdgConfig: "/tmp/cfg",
			want:      filepath.Join("/tmp/cfg", "cofer"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("COFER_HOME", tt.coferHome)
			t.Setenv("XDG_CONFIG_HOME", tt.xdgConfig)

			got, err := Home()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
