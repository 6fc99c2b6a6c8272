// Package constants defines application-wide constants to avoid magic numbers
package constants

import "time"

// Network and Port Constants
const (
	// DefaultServerHost is the address the API server binds to
	DefaultServerHost = "127.0.0.1"

	// DefaultServerPort is the default port for the cofer API server
	DefaultServerPort = 7420

	// MinPortNumber is the minimum valid TCP port number
	MinPortNumber = 1

	// MaxPortNumber is the maximum valid TCP port number
	MaxPortNumber = 65535
)

// File System Permissions
const (
	// DirPermissions is the standard directory permissions for cofer directories
	DirPermissions = 0755

	// FilePermissions is the standard file permissions for cofer files
	FilePermissions = 0644
)

// Environment limits
const (
	// DefaultMaxEnvironments caps the number of live environments
	DefaultMaxEnvironments = 4

	// DefaultMountPath is where the worktree appears inside the container
	DefaultMountPath = "/workdir"

	// DefaultImageTag is appended to image references without a tag
	DefaultImageTag = "latest"

	// EnvironmentIDPrefix prefixes generated environment identifiers
	EnvironmentIDPrefix = "env-"

	// BranchPrefix namespaces environment branches in the bare repository
	BranchPrefix = "cofer/"

	// RemoteName is the remote every source repository must carry
	RemoteName = "cofer"
)

// Image presence cache
const (
	// ImagePresenceTTL is how long a successful image lookup is trusted
	ImagePresenceTTL = 10 * time.Minute
	ImageCacheSize   = 64
)

// Timeouts
const (
	// DefaultRunTimeout bounds a single command execution
	DefaultRunTimeout = 600 * time.Second

	// DefaultGitTimeout bounds a single git invocation
	DefaultGitTimeout = 30 * time.Second

	// DefaultStartupTimeout bounds environment startup (image pull, create, start)
	DefaultStartupTimeout = 30 * time.Second

	// DefaultStopGracePeriod is how long a container gets to exit after SIGTERM
	DefaultStopGracePeriod = 10 * time.Second

	// DefaultKillTimeout bounds the process tree kill after a timeout
	DefaultKillTimeout = 5 * time.Second

	// DefaultServerReadTimeout bounds reading a request
	DefaultServerReadTimeout = 30 * time.Second

	// DefaultServerShutdownTimeout is the default server graceful shutdown timeout
	DefaultServerShutdownTimeout = 30 * time.Second

	// DefaultHTTPClientTimeout is the default timeout for API client requests
	// that do not run commands
	DefaultHTTPClientTimeout = 30 * time.Second
)

// Output capture
const (
	// DefaultOutputMaxBytes caps each captured stream
	DefaultOutputMaxBytes = 64 * 1024

	// DefaultOutputMaxLines caps each captured stream by lines
	DefaultOutputMaxLines = 512
)

// Auto-commit
const (
	// DefaultDebounce is the quiet period before an auto-commit
	DefaultDebounce = 150 * time.Millisecond

	// MinDebounce and MaxDebounce bound the configurable debounce window
	MinDebounce = 100 * time.Millisecond
	MaxDebounce = 200 * time.Millisecond

	// DefaultCommitMessage is used for watcher commits
	DefaultCommitMessage = "cofer: auto-commit"

	// CommitAuthorName and CommitAuthorEmail identify engine commits
	CommitAuthorName  = "cofer"
	CommitAuthorEmail = "cofer@localhost"
)

// Notes
const (
	// DefaultNotesRef is the notes reference name under refs/notes/
	DefaultNotesRef = "cofer"

	// DefaultNotesCapLines caps a single note entry
	DefaultNotesCapLines = 200
)

// Timing and Delays
const (
	// DefaultRetryDelay is the default delay between retry attempts
	DefaultRetryDelay = 100 * time.Millisecond
)
