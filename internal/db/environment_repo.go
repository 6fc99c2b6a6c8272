package db

import (
	"context"
	"fmt"
	"time"
)

// EnvironmentRepository handles database operations for environments
type EnvironmentRepository struct {
	db *DB
}

// NewEnvironmentRepository creates a new environment repository
func NewEnvironmentRepository(db *DB) *EnvironmentRepository {
	return &EnvironmentRepository{db: db}
}

const environmentColumns = `id, project, source_path, image, worktree_path, gitdir, bare_repo,
	container_id, background_ids, status, created_at, updated_at`

// Upsert inserts env or replaces the stored row with the same id
func (r *EnvironmentRepository) Upsert(ctx context.Context, env *Environment) error {
	now := time.Now().UTC()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.UpdatedAt = now

	query := `
		INSERT INTO environments (` + environmentColumns + `)
		VALUES (:id, :project, :source_path, :image, :worktree_path, :gitdir, :bare_repo,
			:container_id, :background_ids, :status, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			project = excluded.project,
			source_path = excluded.source_path,
			image = excluded.image,
			worktree_path = excluded.worktree_path,
			gitdir = excluded.gitdir,
			bare_repo = excluded.bare_repo,
			container_id = excluded.container_id,
			background_ids = excluded.background_ids,
			status = excluded.status,
			updated_at = excluded.updated_at`

	if _, err := r.db.NamedExecContext(ctx, query, env); err != nil {
		return fmt.Errorf("failed to save environment %s: %w", env.ID, err)
	}
	return nil
}

// UpdateStatus sets the status of a stored environment
func (r *EnvironmentRepository) UpdateStatus(ctx context.Context, id, status string) error {
	query := `UPDATE environments SET status = ?, updated_at = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update environment %s: %w", id, err)
	}
	return nil
}

// Get returns the stored environment with id, or nil when absent
func (r *EnvironmentRepository) Get(ctx context.Context, id string) (*Environment, error) {
	var envs []Environment
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE id = ?`
	if err := r.db.SelectContext(ctx, &envs, query, id); err != nil {
		return nil, fmt.Errorf("failed to get environment %s: %w", id, err)
	}
	if len(envs) == 0 {
		return nil, nil
	}
	return &envs[0], nil
}

// List returns every stored environment, oldest first
func (r *EnvironmentRepository) List(ctx context.Context) ([]Environment, error) {
	var envs []Environment
	query := `SELECT ` + environmentColumns + ` FROM environments ORDER BY created_at ASC, id ASC`
	if err := r.db.SelectContext(ctx, &envs, query); err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	return envs, nil
}

// Delete removes the stored environment with id. Deleting an absent row
// is not an error.
func (r *EnvironmentRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete environment %s: %w", id, err)
	}
	return nil
}
