package git

import (
	"context"
	"fmt"
	"strings"
)

// emptyTree is written when a note must be attached before the first commit
const emptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// TruncateLines caps text at capLines lines. When it is longer, the first
// capLines/2 lines and as many trailing lines as fit are kept around a
// single marker line, so the result never exceeds capLines.
func TruncateLines(text string, capLines int) string {
	text = strings.TrimRight(text, "\n")
	if capLines <= 0 || text == "" {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= capLines {
		return text
	}
	if capLines < 2 {
		return strings.Join(lines[:capLines], "\n")
	}

	head := capLines / 2
	tail := capLines - head - 1
	dropped := len(lines) - head - tail

	out := make([]string, 0, capLines)
	out = append(out, lines[:head]...)
	out = append(out, fmt.Sprintf("... [%d lines truncated] ...", dropped))
	out = append(out, lines[len(lines)-tail:]...)
	return strings.Join(out, "\n")
}

// AppendNote appends a payload to the note under refs/notes/<ref> on the
// worktree's HEAD commit, or on the empty tree while the branch is unborn.
// The existing note and the payload are joined and capped together, so the
// stored note never exceeds capLines however many runs share a HEAD. It
// returns the id of the resulting notes commit. Appends to the same bare
// repository are serialized.
func (m *Manager) AppendNote(ctx context.Context, binding WorktreeBinding, ref, payload string, capLines int) (string, error) {
	payload = strings.TrimRight(payload, "\n")
	if strings.TrimSpace(payload) == "" {
		return "", fmt.Errorf("empty note payload")
	}

	unlock := m.lockRepo(binding.BareRepo)
	defer unlock()

	target, err := m.output(ctx, invocation{
		dir:  binding.Path,
		args: []string{"rev-parse", "--verify", "--quiet", "HEAD^{commit}"},
	})
	if err != nil || target == "" {
		target, err = m.output(ctx, invocation{
			dir:   binding.Path,
			args:  []string{"mktree"},
			stdin: []byte{},
		})
		if err != nil {
			return "", fmt.Errorf("failed to write empty tree: %w", err)
		}
	}

	// A missing note reads as an error; start from nothing.
	existing, _ := m.noteAt(ctx, binding, ref, target)
	combined := TruncateLines(payload, capLines)
	if existing != "" {
		combined = existing + "\n\n" + combined
	}
	body := TruncateLines(combined, capLines)

	if _, err := m.run(ctx, invocation{
		dir:   binding.Path,
		args:  []string{"notes", "--ref", ref, "add", "-f", "--file=-", target},
		stdin: []byte(body + "\n"),
		env:   identityEnv,
		retry: true,
	}); err != nil {
		return "", fmt.Errorf("failed to append note to %s: %w", target, err)
	}

	noteID, err := m.output(ctx, invocation{
		dir:  binding.Path,
		args: []string{"rev-parse", "refs/notes/" + ref},
	})
	if err != nil {
		return "", fmt.Errorf("failed to read notes ref: %w", err)
	}
	return noteID, nil
}

// readNote returns the note attached to the worktree's HEAD (or the empty
// tree while unborn) under refs/notes/<ref>.
func (m *Manager) readNote(ctx context.Context, binding WorktreeBinding, ref string) (string, error) {
	target := "HEAD"
	if _, err := m.output(ctx, invocation{
		dir:  binding.Path,
		args: []string{"rev-parse", "--verify", "--quiet", "HEAD^{commit}"},
	}); err != nil {
		target = emptyTree
	}
	return m.noteAt(ctx, binding, ref, target)
}

func (m *Manager) noteAt(ctx context.Context, binding WorktreeBinding, ref, target string) (string, error) {
	return m.output(ctx, invocation{
		dir:  binding.Path,
		args: []string{"notes", "--ref", ref, "show", target},
	})
}
