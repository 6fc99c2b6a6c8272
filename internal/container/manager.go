package container

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"cofer/internal/cache"
	"cofer/internal/constants"
	"cofer/internal/logger"

	"github.com/distribution/reference"
	"github.com/rs/xid"
)

// Options configures a Manager
type Options struct {
	MountPath         string
	KeepAlive         []string
	StopGracePeriod   time.Duration
	StartupTimeout    time.Duration
	AllowPortFallback bool
}

// Manager handles container lifecycle operations
type Manager struct {
	runtime Runtime
	opts    Options

	// images caches positive image presence checks
	images *cache.Cache[string, struct{}]
}

// New creates a new container manager
func New(runtime Runtime, opts Options) *Manager {
	if opts.MountPath == "" {
		opts.MountPath = constants.DefaultMountPath
	}
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = constants.DefaultStopGracePeriod
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = constants.DefaultStartupTimeout
	}
	if len(opts.KeepAlive) == 0 {
		opts.KeepAlive = []string{"sleep", "infinity"}
	}
	return &Manager{
		runtime: runtime,
		opts:    opts,
		images:  cache.New[string, struct{}](constants.ImagePresenceTTL, constants.ImageCacheSize),
	}
}

// Runtime returns the underlying runtime
func (m *Manager) Runtime() Runtime {
	return m.runtime
}

// Name returns the primary container name for an environment
func Name(envID string) string {
	return "cofer-" + envID
}

// ImageRef normalizes an image reference, defaulting the tag to latest
func ImageRef(image string) (string, error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", NewContainerError(ErrorTypeImageNotFound, "parse image", fmt.Sprintf("invalid image reference %q", image), err)
	}
	return reference.FamiliarString(reference.TagNameOnly(named)), nil
}

// Spec describes the container an environment needs
type Spec struct {
	EnvID        string
	Image        string
	WorktreePath string
	BareRepoPath string
	EnvVars      []string
}

// EnsureContainer returns a running primary container for the environment,
// reusing, restarting or creating it as needed.
func (m *Manager) EnsureContainer(ctx context.Context, spec Spec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.StartupTimeout)
	defer cancel()

	name := Name(spec.EnvID)
	log := logger.WithFields(logger.Fields{"env_id": spec.EnvID, "container": name})

	existing, err := m.runtime.Inspect(ctx, name)
	switch {
	case err == nil && existing.Running:
		log.Debug("Reusing running container")
		return existing.ID, nil
	case err == nil:
		startErr := m.runtime.Start(ctx, existing.ID)
		if startErr == nil {
			log.Info("Restarted stopped container")
			return existing.ID, nil
		}
		LogContainerWarning(startErr, "start")
		// A container that cannot start again is replaced.
		if rmErr := m.runtime.Remove(ctx, existing.ID); rmErr != nil {
			return "", rmErr
		}
	case !IsNotFound(err):
		return "", m.deadline(ctx, err)
	}

	id, err := m.create(ctx, spec, name, RolePrimary, m.opts.KeepAlive, nil)
	if err != nil {
		return "", m.deadline(ctx, err)
	}
	log.WithField("container_id", id).Info("Container started")
	return id, nil
}

func (m *Manager) create(ctx context.Context, spec Spec, name, role string, cmd []string, ports []int) (string, error) {
	ref, err := ImageRef(spec.Image)
	if err != nil {
		return "", err
	}
	if err := m.ensureImage(ctx, ref); err != nil {
		return "", err
	}

	mounts := []Mount{{Source: spec.WorktreePath, Target: m.opts.MountPath}}
	if spec.BareRepoPath != "" {
		// The worktree's gitfile points at an absolute host path.
		mounts = append(mounts, Mount{Source: spec.BareRepoPath, Target: spec.BareRepoPath})
	}

	id, err := m.runtime.Create(ctx, &CreateConfig{
		Name:       name,
		Image:      ref,
		WorkingDir: m.opts.MountPath,
		Cmd:        cmd,
		EnvVars:    spec.EnvVars,
		Mounts:     mounts,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelEnv:     spec.EnvID,
			LabelRole:    role,
		},
		Ports: ports,
		Init:  true,
	})
	if err != nil {
		LogContainerError(err, "create")
		return "", err
	}
	if err := m.runtime.Start(ctx, id); err != nil {
		LogContainerError(err, "start")
		if rmErr := m.runtime.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
			LogContainerWarning(rmErr, "remove")
		}
		return "", err
	}
	return id, nil
}

func (m *Manager) ensureImage(ctx context.Context, ref string) error {
	if _, ok := m.images.Get(ref); ok {
		return nil
	}

	exists, err := m.runtime.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if !exists {
		logger.WithField("image", ref).Info("Pulling image")
		if err := m.runtime.PullImage(ctx, ref); err != nil {
			LogContainerError(err, "pull")
			return err
		}
	}

	m.images.Set(ref, struct{}{})
	return nil
}

// deadline reports a startup deadline as a timeout error
func (m *Manager) deadline(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		ce := wrapError("startup", "", err)
		ce.Type = ErrorTypeTimeout
		ce.Message = fmt.Sprintf("container startup exceeded %s", m.opts.StartupTimeout)
		return ce
	}
	return err
}

// Exec starts a command in the container from the mount path
func (m *Manager) Exec(ctx context.Context, containerID string, cmd, envVars []string) (ExecSession, error) {
	return m.runtime.Exec(ctx, containerID, ExecOptions{
		Cmd:        cmd,
		EnvVars:    envVars,
		WorkingDir: m.opts.MountPath,
	})
}

// Endpoint is how a published container port can be reached
type Endpoint struct {
	Port     int    `json:"port"`
	Internal string `json:"internal"`
	External string `json:"external,omitempty"`
	Fallback bool   `json:"fallback"`
}

// Background is a started background container
type Background struct {
	ContainerID string     `json:"container_id"`
	Endpoints   []Endpoint `json:"endpoints"`
	Warnings    []string   `json:"warnings,omitempty"`
}

// StartBackground runs cmd in a new background container for the
// environment and publishes ports. Either every port gets an external
// endpoint, or, with fallback allowed, unbound ports are reported as
// internal-only; otherwise the container is removed and an error returned.
func (m *Manager) StartBackground(ctx context.Context, spec Spec, cmd []string, ports []int) (*Background, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.StartupTimeout)
	defer cancel()

	name := fmt.Sprintf("%s-bg-%s", Name(spec.EnvID), xid.New().String())
	id, err := m.create(ctx, spec, name, RoleBackground, cmd, ports)
	if err != nil {
		return nil, m.deadline(ctx, err)
	}

	bg := &Background{ContainerID: id}
	if len(ports) == 0 {
		return bg, nil
	}

	endpoints, warnings, err := m.publishPorts(ctx, id, ports)
	if err != nil {
		if rmErr := m.StopAndRemove(context.WithoutCancel(ctx), id); rmErr != nil {
			LogContainerWarning(rmErr, "remove")
		}
		return nil, m.deadline(ctx, err)
	}
	bg.Endpoints = endpoints
	bg.Warnings = warnings
	return bg, nil
}

func (m *Manager) publishPorts(ctx context.Context, containerID string, ports []int) ([]Endpoint, []string, error) {
	info, err := m.runtime.Inspect(ctx, containerID)
	if err != nil {
		return nil, nil, err
	}

	bound := make(map[int]PortBinding, len(info.Ports))
	for _, b := range info.Ports {
		if _, ok := bound[b.ContainerPort]; !ok {
			bound[b.ContainerPort] = b
		}
	}

	var (
		endpoints []Endpoint
		warnings  []string
		missing   []int
	)
	for _, p := range ports {
		ep := Endpoint{Port: p, Internal: net.JoinHostPort(info.IP, strconv.Itoa(p))}
		if b, ok := bound[p]; ok && b.HostPort > 0 {
			host := b.HostIP
			if host == "" || host == "0.0.0.0" {
				host = "127.0.0.1"
			}
			ep.External = net.JoinHostPort(host, strconv.Itoa(b.HostPort))
		} else {
			missing = append(missing, p)
			ep.Fallback = true
			warnings = append(warnings, fmt.Sprintf("port %d was not published; reachable only at %s", p, ep.Internal))
		}
		endpoints = append(endpoints, ep)
	}

	if len(missing) > 0 && !m.opts.AllowPortFallback {
		return nil, nil, &ContainerError{
			Type:        ErrorTypePortUnavailable,
			Operation:   "publish ports",
			ContainerID: containerID,
			Message:     fmt.Sprintf("ports %v could not be published", missing),
		}
	}
	return endpoints, warnings, nil
}

// StopAndRemove stops a container with the grace period, then
// force-removes it. Absent containers are not an error.
func (m *Manager) StopAndRemove(ctx context.Context, containerID string) error {
	if err := m.runtime.Stop(ctx, containerID, m.opts.StopGracePeriod); err != nil && !IsNotFound(err) {
		// Removal is forced, so a failed stop is only worth a warning.
		LogContainerWarning(err, "stop")
	}
	if err := m.runtime.Remove(ctx, containerID); err != nil && !IsNotFound(err) {
		LogContainerError(err, "remove")
		return err
	}
	return nil
}

// killTreeScript freezes the process recorded in $1 and, breadth first,
// every descendant, then kills them all. Freezing first stops a parent
// from forking replacements while its children are collected.
const killTreeScript = `root=$(cat "$1" 2>/dev/null)
[ -n "$root" ] || exit 0
all=""
frontier="$root"
while [ -n "$frontier" ]; do
  kill -STOP $frontier 2>/dev/null
  all="$all $frontier"
  next=""
  for stat in /proc/[0-9]*/stat; do
    read -r line < "$stat" 2>/dev/null || continue
    set -- ${line##*)}
    for p in $frontier; do
      if [ "$2" = "$p" ]; then
        pid=${stat#/proc/}
        next="$next ${pid%/stat}"
      fi
    done
  done
  frontier=$next
done
kill -KILL $all 2>/dev/null
rm -f "$1"
exit 0`

// KillTree kills the process tree rooted at the pid stored in pidfile
func (m *Manager) KillTree(ctx context.Context, containerID, pidfile string) error {
	session, err := m.runtime.Exec(ctx, containerID, ExecOptions{
		Cmd: []string{"sh", "-c", killTreeScript, "sh", pidfile},
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Stream(io.Discard, io.Discard); err != nil {
		return err
	}
	code, err := session.ExitCode(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		return &ContainerError{
			Type:        ErrorTypeExecError,
			Operation:   "kill tree",
			ContainerID: containerID,
			Message:     fmt.Sprintf("kill helper exited with %d", code),
		}
	}
	return nil
}

// Orphans returns managed containers whose environment is not in live
func (m *Manager) Orphans(ctx context.Context, live map[string]bool) ([]*Container, error) {
	all, err := m.runtime.ListManaged(ctx)
	if err != nil {
		return nil, err
	}
	var orphans []*Container
	for _, c := range all {
		if !live[c.Labels[LabelEnv]] {
			orphans = append(orphans, c)
		}
	}
	return orphans, nil
}
