package container

import (
	"context"
	"io"
	"time"
)

// Runtime defines the container operations the manager relies on.
// It abstracts the underlying container runtime
type Runtime interface {
	// Ping checks that the runtime answers
	Ping(ctx context.Context) error

	// ImageExists reports whether an image is present locally
	ImageExists(ctx context.Context, ref string) (bool, error)

	// PullImage pulls an image and waits for the pull to finish
	PullImage(ctx context.Context, ref string) error

	// Inspect returns a container by ID or name; absent containers yield
	// an ErrorTypeContainerNotFound error
	Inspect(ctx context.Context, idOrName string) (*Container, error)

	// ListManaged returns every container labelled as managed by cofer
	ListManaged(ctx context.Context) ([]*Container, error)

	// Create creates a container and returns its ID
	Create(ctx context.Context, config *CreateConfig) (string, error)

	// Start starts a container by ID
	Start(ctx context.Context, containerID string) error

	// Stop stops a container, waiting up to grace before killing it
	Stop(ctx context.Context, containerID string, grace time.Duration) error

	// Remove force-removes a container; absent containers are not an error
	Remove(ctx context.Context, containerID string) error

	// Exec starts a command in a running container
	Exec(ctx context.Context, containerID string, opts ExecOptions) (ExecSession, error)
}

// ExecSession is an attached exec whose output can be streamed once
type ExecSession interface {
	// Stream copies demultiplexed output until the command exits
	Stream(stdout, stderr io.Writer) error
	// ExitCode reports the exit code once the stream has ended
	ExitCode(ctx context.Context) (int, error)
	// Close releases the attached connection; it unblocks Stream
	Close() error
}

// Labels set on every container cofer creates
const (
	LabelManaged = "cofer.managed"
	LabelEnv     = "cofer.env"
	LabelRole    = "cofer.role"

	RolePrimary    = "primary"
	RoleBackground = "background"
)

// Container is the runtime view of a container
type Container struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	Status  string            `json:"status"`
	Running bool              `json:"running"`
	IP      string            `json:"ip,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
	Ports   []PortBinding     `json:"ports,omitempty"`
}

// PortBinding is one published port as reported by the runtime
type PortBinding struct {
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"`
	HostIP        string `json:"host_ip"`
	HostPort      int    `json:"host_port"`
}

// Mount is a host bind mount
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// CreateConfig holds configuration for creating a container
type CreateConfig struct {
	Name       string
	Image      string
	WorkingDir string
	Cmd        []string
	EnvVars    []string // KEY=VALUE
	Mounts     []Mount
	Labels     map[string]string
	Ports      []int // container ports published on ephemeral host ports
	Init       bool
}

// ExecOptions configures a single exec
type ExecOptions struct {
	Cmd        []string
	EnvVars    []string
	WorkingDir string
}
