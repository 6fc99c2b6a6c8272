package git

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numbered(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	return strings.Join(lines, "\n")
}

func TestTruncateLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		cap   int
		want  string
	}{
		{"under cap", "a\nb", 5, "a\nb"},
		{"exactly cap", numbered(4), 4, numbered(4)},
		{"trailing newline trimmed", "a\nb\n", 5, "a\nb"},
		{"truncated even cap", numbered(10), 4, "line 1\nline 2\n... [7 lines truncated] ...\nline 10"},
		{"truncated odd cap", numbered(10), 5, "line 1\nline 2\n... [6 lines truncated] ...\nline 9\nline 10"},
		{"no cap", numbered(3), 0, numbered(3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateLines(tt.input, tt.cap))
		})
	}
}

func TestTruncateLinesNeverExceedsCap(t *testing.T) {
	for capLines := 2; capLines < 20; capLines++ {
		for n := 0; n < 50; n++ {
			out := TruncateLines(numbered(n), capLines)
			if out == "" {
				continue
			}
			got := strings.Count(out, "\n") + 1
			assert.LessOrEqual(t, got, capLines, "cap %d, %d lines", capLines, n)
		}
	}
}

func TestAppendNoteOnUnbornBranch(t *testing.T) {
	m, binding := newWorktree(t, "")
	ctx := context.Background()

	noteID, err := m.AppendNote(ctx, *binding, "cofer", "first run", 10)
	require.NoError(t, err)
	assert.Len(t, noteID, 40)

	body, err := m.readNote(ctx, *binding, "cofer")
	require.NoError(t, err)
	assert.Equal(t, "first run", body)
}

func TestAppendNoteAccumulatesAndCaps(t *testing.T) {
	m, binding := newWorktree(t, "main")
	ctx := context.Background()

	first, err := m.AppendNote(ctx, *binding, "cofer", "summary one", 6)
	require.NoError(t, err)
	second, err := m.AppendNote(ctx, *binding, "cofer", numbered(20), 6)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	body, err := m.readNote(ctx, *binding, "cofer")
	require.NoError(t, err)
	assert.Contains(t, body, "summary one")
	assert.Contains(t, body, "lines truncated")
	assert.Contains(t, body, "line 20")
	assert.NotContains(t, body, "line 10")
	assert.LessOrEqual(t, strings.Count(body, "\n")+1, 6)
}

func TestAppendNoteStaysUnderCapOnSameHead(t *testing.T) {
	m, binding := newWorktree(t, "main")
	ctx := context.Background()

	const capLines = 5
	for i := 0; i < 3; i++ {
		_, err := m.AppendNote(ctx, *binding, "cofer", fmt.Sprintf("run %d\n%s", i, numbered(4)), capLines)
		require.NoError(t, err)
	}

	body, err := m.readNote(ctx, *binding, "cofer")
	require.NoError(t, err)
	assert.LessOrEqual(t, strings.Count(body, "\n")+1, capLines)
	assert.True(t, strings.HasPrefix(body, "run 0"), "oldest summary keeps the head: %q", body)
	assert.True(t, strings.HasSuffix(body, "line 4"), "newest output keeps the tail: %q", body)
}

func TestAppendNoteRejectsEmptyPayload(t *testing.T) {
	m, binding := newWorktree(t, "main")
	_, err := m.AppendNote(context.Background(), *binding, "cofer", "\n\n", 10)
	assert.Error(t, err)
}
