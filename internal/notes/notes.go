// Package notes records command summaries as git notes on an environment's
// branch. Each entry is capped by lines: head and tail are kept around a
// truncation marker.
package notes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cofer/internal/constants"
	"cofer/internal/git"
	"cofer/internal/validation"
)

// Appender attaches a capped payload to a notes ref
type Appender interface {
	AppendNote(ctx context.Context, binding git.WorktreeBinding, ref, payload string, capLines int) (string, error)
}

// Entry summarizes one command invocation
type Entry struct {
	EnvID    string
	Cmd      []string
	ExitCode *int
	TimedOut bool
	Elapsed  time.Duration
	Stdout   string
	Stderr   string
	At       time.Time
}

// Store shapes entries and appends them under one notes ref
type Store struct {
	appender Appender
	ref      string
	capLines int
}

// New creates a store. Zero values take the defaults.
func New(appender Appender, ref string, capLines int) *Store {
	if ref == "" {
		ref = constants.DefaultNotesRef
	}
	if capLines <= 0 {
		capLines = constants.DefaultNotesCapLines
	}
	return &Store{appender: appender, ref: ref, capLines: capLines}
}

// Ref returns the notes ref name, without the refs/notes/ prefix
func (s *Store) Ref() string {
	return s.ref
}

// Format renders an entry without applying the cap
func Format(e Entry) string {
	exit := "unknown"
	switch {
	case e.TimedOut:
		exit = "timeout"
	case e.ExitCode != nil:
		exit = strconv.Itoa(*e.ExitCode)
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s env=%s exit=%s elapsed=%dms cmd=%s\n",
		at.UTC().Format(time.RFC3339), e.EnvID, exit, e.Elapsed.Milliseconds(), validation.ShellJoin(e.Cmd))
	section(&b, "stdout", e.Stdout)
	section(&b, "stderr", e.Stderr)
	return b.String()
}

func section(b *strings.Builder, name, body string) {
	body = strings.TrimRight(body, "\n")
	if body == "" {
		return
	}
	fmt.Fprintf(b, "--- %s ---\n%s\n", name, body)
}

// Record appends the capped summary to the note on the worktree's HEAD
// and returns the notes commit id. The caller holds the environment lock.
func (s *Store) Record(ctx context.Context, binding git.WorktreeBinding, e Entry) (string, error) {
	return s.appender.AppendNote(ctx, binding, s.ref, Format(e), s.capLines)
}
