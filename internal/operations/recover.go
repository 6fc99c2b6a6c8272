package operations

import (
	"context"
	"fmt"

	"cofer/internal/constants"
	"cofer/internal/environment"
	"cofer/internal/git"
	"cofer/internal/logger"
)

// SweepResult reports what a crash-recovery sweep cleaned up
type SweepResult struct {
	Environments []string `json:"environments"`
	Containers   []string `json:"containers"`
	Warnings     []string `json:"warnings,omitempty"`
}

// RecoverOrphans cleans up after a previous process that exited without
// destroying its environments: stored environments that are not live are
// torn down, then managed containers without a live environment are
// removed.
func (e *Engine) RecoverOrphans(ctx context.Context) (*SweepResult, error) {
	ctx, _ = logger.EnsureCorrelationID(ctx)
	res := &SweepResult{Environments: []string{}, Containers: []string{}}
	live := make(map[string]bool)
	for _, id := range e.registry.IDs() {
		live[id] = true
	}

	if e.state != nil {
		rows, err := e.state.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if live[row.ID] {
				continue
			}
			rec := environment.Record{
				ID:            row.ID,
				WorktreePath:  row.WorktreePath,
				GitDir:        row.GitDir,
				BareRepo:      row.BareRepo,
				Branch:        constants.BranchPrefix + row.ID,
				ContainerID:   row.ContainerID,
				BackgroundIDs: row.BackgroundIDs,
			}
			binding := git.WorktreeBinding{
				EnvID:    rec.ID,
				Path:     rec.WorktreePath,
				GitDir:   rec.GitDir,
				BareRepo: rec.BareRepo,
				Branch:   rec.Branch,
			}
			var d DestroyResult
			e.teardown(ctx, rec, binding, true, &d)
			res.Containers = append(res.Containers, d.StoppedContainers...)
			res.Warnings = append(res.Warnings, d.Warnings...)
			if err := e.state.Delete(ctx, row.ID); err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("failed to delete state row %s: %v", row.ID, err))
			}
			res.Environments = append(res.Environments, row.ID)
			e.log(ctx, row.ID).WithField("status", row.Status).Info("Swept environment left by a previous process")
		}
	}

	orphans, err := e.containers.Orphans(ctx, live)
	if err != nil {
		return res, err
	}
	for _, c := range orphans {
		if err := e.containers.StopAndRemove(ctx, c.ID); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("failed to remove orphaned container %s: %v", c.Name, err))
			continue
		}
		res.Containers = append(res.Containers, c.ID)
	}

	if len(res.Environments) > 0 || len(res.Containers) > 0 {
		logger.WithContext(ctx).WithFields(logger.Fields{
			"environments": len(res.Environments),
			"containers":   len(res.Containers),
			"warnings":     len(res.Warnings),
		}).Info("Recovered orphaned resources")
	}
	return res, nil
}
