// Package environment tracks live environments: their records, the
// registration cap and the per-environment lock that serializes every
// operation touching an environment's worktree.
package environment

import (
	"time"
)

// Status is an environment's lifecycle stage
type Status string

const (
	StatusCreating   Status = "creating"
	StatusReady      Status = "ready"
	StatusRunning    Status = "running"
	StatusDestroying Status = "destroying"
	StatusDestroyed  Status = "destroyed"
)

// Record is the registry's view of an environment. Values returned by the
// registry are snapshots; mutate through Environment.Update.
type Record struct {
	ID            string            `json:"id"`
	Project       string            `json:"project"`
	SourcePath    string            `json:"source_path"`
	Image         string            `json:"image"`
	WorktreePath  string            `json:"worktree_path"`
	GitDir        string            `json:"gitdir"`
	BareRepo      string            `json:"bare_repo"`
	Branch        string            `json:"branch"`
	ContainerID   string            `json:"container_id,omitempty"`
	BackgroundIDs []string          `json:"background_ids,omitempty"`
	EnvVars       map[string]string `json:"env_vars,omitempty"`
	Status        Status            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	LastCommand   *LastCommand      `json:"last_command,omitempty"`
}

// LastCommand is metadata about the most recent foreground command
type LastCommand struct {
	Cmd       []string  `json:"cmd"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	TimedOut  bool      `json:"timed_out"`
	ElapsedMS int64     `json:"elapsed_ms"`
	At        time.Time `json:"at"`
}

// Clone returns a deep copy
func (r Record) Clone() Record {
	out := r
	if r.BackgroundIDs != nil {
		out.BackgroundIDs = append([]string(nil), r.BackgroundIDs...)
	}
	if r.EnvVars != nil {
		out.EnvVars = make(map[string]string, len(r.EnvVars))
		for k, v := range r.EnvVars {
			out.EnvVars[k] = v
		}
	}
	if r.LastCommand != nil {
		lc := *r.LastCommand
		lc.Cmd = append([]string(nil), r.LastCommand.Cmd...)
		if r.LastCommand.ExitCode != nil {
			code := *r.LastCommand.ExitCode
			lc.ExitCode = &code
		}
		out.LastCommand = &lc
	}
	return out
}
