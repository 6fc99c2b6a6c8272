package operations

import (
	"context"
	"strings"

	"cofer/internal/constants"
	"cofer/internal/container"
	"cofer/internal/environment"
	"cofer/internal/errors"
	"cofer/internal/git"
	"cofer/internal/logger"
	"cofer/internal/validation"
	"cofer/internal/watcher"

	"github.com/google/uuid"
)

// CreateRequest contains all parameters for creating an environment
type CreateRequest struct {
	Source       string            `json:"environment_source"`
	ID           string            `json:"id,omitempty"`
	Image        string            `json:"image"`
	FromRef      string            `json:"from_ref,omitempty"`
	AllowReplace bool              `json:"allow_replace,omitempty"`
	EnvVars      map[string]string `json:"env_vars,omitempty"`
}

// CreateResult describes a created environment
type CreateResult struct {
	ID           string   `json:"id"`
	ContainerID  string   `json:"container_id"`
	WorktreePath string   `json:"worktree_path"`
	GitDir       string   `json:"gitdir"`
	MountPath    string   `json:"mount_path"`
	Branch       string   `json:"branch"`
	Warnings     []string `json:"warnings,omitempty"`
}

// NewEnvironmentID returns env-<8 hex>
func NewEnvironmentID() string {
	return constants.EnvironmentIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (req *CreateRequest) validate() error {
	if err := validation.NonEmptyString("environment_source", req.Source); err != nil {
		return err
	}
	if err := validation.NonEmptyString("image", req.Image); err != nil {
		return err
	}
	if _, err := container.ImageRef(req.Image); err != nil {
		return errors.InvalidArgument("image", err.Error())
	}
	if req.ID == "" {
		req.ID = NewEnvironmentID()
	}
	if err := validation.EnvironmentID(req.ID); err != nil {
		return err
	}
	_, err := validation.EnvMap(req.EnvVars)
	return err
}

// Create creates an environment: a worktree on its own branch, a running
// container with the worktree mounted and an auto-commit watcher. Every
// partial step is undone when a later one fails.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (res *CreateResult, err error) {
	ctx, corr := logger.EnsureCorrelationID(ctx)
	defer e.finish(ctx, "create", corr, &err)

	if err := req.validate(); err != nil {
		return nil, err
	}
	log := e.log(ctx, req.ID)

	if req.AllowReplace {
		if _, err := e.registry.Lookup(req.ID); err == nil {
			log.Info("Replacing existing environment")
			if _, err := e.Destroy(ctx, DestroyRequest{ID: req.ID, Force: true}); err != nil && !errors.HasKind(err, errors.KindNotFound) {
				return nil, err
			}
		}
	}

	reservation, err := e.registry.Reserve(environment.Record{
		ID:         req.ID,
		SourcePath: req.Source,
		Image:      req.Image,
		EnvVars:    req.EnvVars,
	})
	if err != nil {
		return nil, err
	}
	defer reservation.Abort()
	env := reservation.Environment()

	guard, err := env.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	bare, err := e.repos.CheckSource(ctx, req.Source)
	if err != nil {
		return nil, err
	}

	log.WithFields(logger.Fields{
		"project":  bare.Project,
		"image":    req.Image,
		"from_ref": req.FromRef,
	}).Info("Creating environment")

	binding, err := e.repos.CreateWorktree(ctx, bare, req.ID, req.FromRef)
	if err != nil {
		return nil, err
	}
	env.Update(func(r *environment.Record) {
		r.Project = bare.Project
		r.SourcePath = bare.Source
		r.WorktreePath = binding.Path
		r.GitDir = binding.GitDir
		r.BareRepo = binding.BareRepo
		r.Branch = binding.Branch
	})
	e.persist(ctx, env.Snapshot())

	cleanupWorktree := func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if _, rmErr := e.repos.RemoveWorktree(cleanupCtx, *binding, true); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to remove worktree after create failure")
		}
		if rmErr := e.unpersist(cleanupCtx, req.ID); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to delete environment state after create failure")
		}
	}

	envVars, _ := validation.EnvMap(req.EnvVars)
	spec := container.Spec{
		EnvID:        req.ID,
		Image:        req.Image,
		WorktreePath: binding.Path,
		EnvVars:      envVars,
	}
	if e.opts.MountBareRepo {
		spec.BareRepoPath = binding.BareRepo
	}
	containerID, err := e.containers.EnsureContainer(ctx, spec)
	if err != nil {
		cleanupWorktree()
		return nil, err
	}
	env.Update(func(r *environment.Record) { r.ContainerID = containerID })

	s := &session{binding: *binding}
	var warnings []string
	if e.opts.Watcher.Enabled {
		w, werr := e.startWatcher(req.ID, env, *binding)
		if werr != nil {
			// The environment works without auto-commit; runs still flush.
			log.WithError(werr).Warn("Failed to start worktree watcher")
			warnings = append(warnings, "auto-commit disabled: "+werr.Error())
		}
		s.watcher = w
	}

	env.SetStatus(environment.StatusReady)
	e.setSession(req.ID, s)
	reservation.Commit()
	e.persist(ctx, env.Snapshot())
	e.updateLive()

	log.WithFields(logger.Fields{
		"container_id": containerID,
		"worktree":     binding.Path,
	}).Info("Environment ready")

	return &CreateResult{
		ID:           req.ID,
		ContainerID:  containerID,
		WorktreePath: binding.Path,
		GitDir:       binding.GitDir,
		MountPath:    binding.MountPath,
		Branch:       binding.Branch,
		Warnings:     warnings,
	}, nil
}

func (e *Engine) startWatcher(envID string, env *environment.Environment, binding git.WorktreeBinding) (AutoCommitter, error) {
	return e.newWatcher(binding.Path, e.repos, env.Locker, watcher.Options{
		EnvID:         envID,
		Debounce:      e.opts.Watcher.Debounce,
		Exclude:       e.opts.Watcher.Exclude,
		NonBinaryOnly: e.opts.Watcher.NonBinaryOnly,
		OnCommit: func(c *git.Commit) {
			e.metrics.RecordAutoCommit(c.Elapsed)
		},
	})
}
