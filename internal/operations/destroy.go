package operations

import (
	"context"
	stderrors "errors"
	"fmt"

	"cofer/internal/environment"
	"cofer/internal/errors"
	"cofer/internal/git"
	"cofer/internal/logger"
)

// DestroyRequest contains the parameters for destroying an environment
type DestroyRequest struct {
	ID    string `json:"id"`
	Force bool   `json:"force,omitempty"`
}

// DestroyResult reports what destroy removed and what it could not
type DestroyResult struct {
	ID                string   `json:"id"`
	RemovedPaths      []string `json:"removed_paths"`
	StoppedContainers []string `json:"stopped_containers"`
	Warnings          []string `json:"warnings,omitempty"`
}

// Destroy tears an environment down. Teardown is best effort: container
// and worktree removal are both attempted whatever the other's outcome,
// and non-fatal failures come back as warnings. With Force, an in-flight
// command is cancelled first.
func (e *Engine) Destroy(ctx context.Context, req DestroyRequest) (res *DestroyResult, err error) {
	ctx, corr := logger.EnsureCorrelationID(ctx)
	defer e.finish(ctx, "destroy", corr, &err)

	env, err := e.registry.Lookup(req.ID)
	if err != nil {
		return nil, err
	}
	log := e.log(ctx, req.ID)

	// cancelRuns only reaches runs already tracked. A run tracked later
	// competes for the environment lock: if it wins, destroy waits for it;
	// if destroy wins, the status is Destroying by the time the run gets the
	// lock and acquire turns it away as not found.
	if req.Force {
		if n := e.cancelRuns(req.ID); n > 0 {
			log.WithField("runs", n).Info("Cancelled in-flight commands")
		}
	}

	guard, err := env.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	// A failed create leaves its entry Creating after dropping it.
	switch env.Status() {
	case environment.StatusCreating, environment.StatusDestroying, environment.StatusDestroyed:
		return nil, errors.EnvironmentNotFound(req.ID)
	}

	// Teardown must finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	env.SetStatus(environment.StatusDestroying)
	if err := e.registry.Release(req.ID); err != nil {
		return nil, err
	}
	e.persistStatus(ctx, req.ID, environment.StatusDestroying)
	log.Info("Destroying environment")

	rec := env.Snapshot()
	binding := e.binding(rec)
	res = &DestroyResult{ID: req.ID, RemovedPaths: []string{}, StoppedContainers: []string{}}

	if s := e.session(req.ID); s != nil && s.watcher != nil {
		if _, err := s.watcher.Flush(ctx); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("final commit failed: %v", err))
		}
		if err := s.watcher.Close(); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("failed to stop watcher: %v", err))
		}
	}

	e.teardown(ctx, rec, binding, req.Force, res)

	if err := e.unpersist(ctx, req.ID); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("failed to delete state row: %v", err))
	}
	env.SetStatus(environment.StatusDestroyed)
	e.setSession(req.ID, nil)
	if err := e.registry.Remove(req.ID); err != nil && !errors.HasKind(err, errors.KindNotFound) {
		return nil, err
	}

	e.metrics.RecordDestroyWarnings(len(res.Warnings))
	e.updateLive()
	log.WithFields(logger.Fields{
		"stopped":  len(res.StoppedContainers),
		"removed":  len(res.RemovedPaths),
		"warnings": len(res.Warnings),
	}).Info("Environment destroyed")
	return res, nil
}

// teardown removes the containers and the worktree of rec, collecting
// outcomes into res.
func (e *Engine) teardown(ctx context.Context, rec environment.Record, binding git.WorktreeBinding, force bool, res *DestroyResult) {
	ids := append([]string(nil), rec.BackgroundIDs...)
	if rec.ContainerID != "" {
		ids = append(ids, rec.ContainerID)
	}
	for _, id := range ids {
		if err := e.containers.StopAndRemove(ctx, id); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("failed to remove container %s: %v", id, err))
			continue
		}
		res.StoppedContainers = append(res.StoppedContainers, id)
	}

	if binding.Path == "" {
		return
	}
	warnings, err := e.repos.RemoveWorktree(ctx, binding, force)
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("failed to remove worktree: %v", err))
		return
	}
	res.RemovedPaths = append(res.RemovedPaths, binding.Path, binding.GitDir)
}

// Shutdown destroys every live environment. It is called once when the
// process stops.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	for _, id := range e.registry.IDs() {
		res, err := e.Destroy(ctx, DestroyRequest{ID: id, Force: true})
		if err != nil {
			if errors.HasKind(err, errors.KindNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		for _, w := range res.Warnings {
			logger.WithField("env_id", id).Warn(w)
		}
	}
	if len(errs) > 0 {
		return stderrors.Join(errs...)
	}
	logger.Info("All environments destroyed")
	return nil
}
