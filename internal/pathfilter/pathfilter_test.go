package pathfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExcluded(t *testing.T) {
	f := New([]string{"node_modules/", "*.log", "build/", "# comment", ""})

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{".git", true, true},
		{".git/index", false, true},
		{"node_modules", true, true},
		{"node_modules/left-pad/index.js", false, true},
		{"web/node_modules/x.js", false, true},
		{"debug.log", false, true},
		{"logs/app.log", false, true},
		{"build/out.o", false, true},
		{"src/main.go", false, false},
		{"node_modules.txt", false, false},
		{"README.md", false, false},
		{"", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Excluded(tt.path, tt.isDir))
		})
	}
}

func TestExcludedDirOnlyPatternDoesNotMatchFile(t *testing.T) {
	f := New([]string{"build/"})
	assert.False(t, f.Excluded("build", false))
	assert.True(t, f.Excluded("build", true))
}
