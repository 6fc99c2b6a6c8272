package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cofer/internal/constants"
	"cofer/internal/logger"

	gitconfig "github.com/go-git/go-git/v5/config"
)

// Binding computes the worktree binding for envID without touching disk
func (m *Manager) Binding(bare *BareRepo, envID string) WorktreeBinding {
	return WorktreeBinding{
		EnvID:     envID,
		Path:      filepath.Join(m.worktreesDir, envID),
		MountPath: m.mountPath,
		GitDir:    filepath.Join(bare.Path, "worktrees", envID),
		BareRepo:  bare.Path,
		Branch:    constants.BranchPrefix + envID,
	}
}

// CreateWorktree creates <worktrees>/<envID> linked to the bare repository.
// The worktree record and the gitfile are written once here. With fromRef,
// the ref is resolved in the source repository, pushed as the environment
// branch and checked out; without it the branch starts unborn.
func (m *Manager) CreateWorktree(ctx context.Context, bare *BareRepo, envID, fromRef string) (*WorktreeBinding, error) {
	binding := m.Binding(bare, envID)

	if _, err := os.Stat(binding.Path); err == nil {
		return nil, fmt.Errorf("worktree path already exists: %s", binding.Path)
	}
	if _, err := os.Stat(binding.GitDir); err == nil {
		return nil, fmt.Errorf("worktree record already exists: %s", binding.GitDir)
	}

	if fromRef != "" {
		oid, err := m.ResolveRef(bare.Source, fromRef)
		if err != nil {
			return nil, err
		}
		refspec := fmt.Sprintf("+%s:refs/heads/%s", oid, binding.Branch)
		if _, err := m.run(ctx, invocation{
			dir:   bare.Source,
			args:  []string{"push", "--quiet", "--no-verify", constants.RemoteName, refspec},
			retry: true,
		}); err != nil {
			return nil, fmt.Errorf("failed to push %s as %s: %w", fromRef, binding.Branch, err)
		}
	}

	if err := writeWorktreeRecord(binding); err != nil {
		removeQuietly(binding)
		return nil, err
	}

	if fromRef != "" {
		if _, err := m.run(ctx, invocation{
			dir:   binding.Path,
			args:  []string{"reset", "--hard", "--quiet"},
			retry: true,
		}); err != nil {
			removeQuietly(binding)
			return nil, fmt.Errorf("failed to check out %s: %w", binding.Branch, err)
		}

		submodules, err := materializeSubmodules(bare.Source, binding.Path)
		if err != nil {
			logger.WithError(err).WithField("env_id", envID).Warn("Submodule links were not materialized")
		}
		binding.Submodules = submodules
	}

	logger.WithFields(logger.Fields{
		"env_id":   envID,
		"path":     binding.Path,
		"branch":   binding.Branch,
		"from_ref": fromRef,
	}).Info("Created worktree")
	return &binding, nil
}

// writeWorktreeRecord lays out what `git worktree add` would: the admin
// directory inside the bare repository and the gitfile at the worktree root.
func writeWorktreeRecord(b WorktreeBinding) error {
	if err := os.MkdirAll(b.GitDir, constants.DirPermissions); err != nil {
		return fmt.Errorf("failed to create worktree record: %w", err)
	}
	if err := os.MkdirAll(b.Path, constants.DirPermissions); err != nil {
		return fmt.Errorf("failed to create worktree directory: %w", err)
	}

	files := map[string]string{
		filepath.Join(b.GitDir, "gitdir"):    filepath.Join(b.Path, ".git") + "\n",
		filepath.Join(b.GitDir, "commondir"): "../..\n",
		filepath.Join(b.GitDir, "HEAD"):      "ref: refs/heads/" + b.Branch + "\n",
		filepath.Join(b.Path, ".git"):        "gitdir: " + b.GitDir + "\n",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), constants.FilePermissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}

// materializeSubmodules writes a gitfile for every submodule of the source
// whose module directory exists. It runs once, at worktree creation.
func materializeSubmodules(sourceRoot, worktree string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(worktree, ".gitmodules"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read .gitmodules: %w", err)
	}

	modules := gitconfig.NewModules()
	if err := modules.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse .gitmodules: %w", err)
	}

	sourceGitDir, err := ReadGitDir(sourceRoot)
	if err != nil {
		return nil, err
	}

	var linked []string
	for name, sub := range modules.Submodules {
		moduleDir := filepath.Join(sourceGitDir, "modules", name)
		if info, err := os.Stat(moduleDir); err != nil || !info.IsDir() {
			continue
		}
		target := filepath.Join(worktree, filepath.FromSlash(sub.Path))
		if err := os.MkdirAll(target, constants.DirPermissions); err != nil {
			return linked, fmt.Errorf("failed to create submodule directory %s: %w", sub.Path, err)
		}
		gitfile := filepath.Join(target, ".git")
		if err := os.WriteFile(gitfile, []byte("gitdir: "+moduleDir+"\n"), constants.FilePermissions); err != nil {
			return linked, fmt.Errorf("failed to write submodule gitfile %s: %w", gitfile, err)
		}
		linked = append(linked, sub.Path)
	}
	return linked, nil
}

// ReadGitDir returns the git directory of a checkout: the target of its
// gitfile for linked worktrees, or its .git directory otherwise.
func ReadGitDir(root string) (string, error) {
	dotGit := filepath.Join(root, ".git")
	info, err := os.Stat(dotGit)
	if err != nil {
		return "", fmt.Errorf("no git metadata at %s: %w", root, err)
	}
	if info.IsDir() {
		return dotGit, nil
	}

	data, err := os.ReadFile(dotGit)
	if err != nil {
		return "", fmt.Errorf("failed to read gitfile: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if !strings.HasPrefix(content, "gitdir: ") {
		return "", fmt.Errorf("invalid gitfile at %s", dotGit)
	}
	gitDir := strings.TrimPrefix(content, "gitdir: ")
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(root, gitDir)
	}
	return gitDir, nil
}

// RemoveWorktree deletes the worktree directory, its record in the bare
// repository and the environment branch. Removing an absent worktree is a
// no-op. With force, a failed removal is retried once and then completed
// by deleting the directory directly, reported as a warning.
func (m *Manager) RemoveWorktree(ctx context.Context, binding WorktreeBinding, force bool) ([]string, error) {
	var warnings []string

	_, pathErr := os.Stat(binding.Path)
	_, recordErr := os.Stat(binding.GitDir)
	present := pathErr == nil || recordErr == nil

	if present {
		if err := m.removeOnce(ctx, binding); err != nil {
			if !force {
				return nil, fmt.Errorf("failed to remove worktree %s: %w", binding.Path, err)
			}

			logger.WithError(err).WithField("env_id", binding.EnvID).Warn("Worktree removal failed, retrying")
			warnings = append(warnings, fmt.Sprintf("worktree removal failed (%v); retried", err))
			if retryErr := m.removeOnce(ctx, binding); retryErr != nil {
				warnings = append(warnings, fmt.Sprintf("worktree removal failed twice (%v); deleted directory directly", retryErr))
				if err := os.RemoveAll(binding.Path); err != nil {
					return warnings, fmt.Errorf("failed to delete worktree directory %s: %w", binding.Path, err)
				}
				_ = os.RemoveAll(binding.GitDir)
				if _, err := m.run(ctx, invocation{dir: binding.BareRepo, args: []string{"worktree", "prune"}}); err != nil {
					warnings = append(warnings, fmt.Sprintf("worktree prune failed: %v", err))
				}
			}
		}
	}

	if _, err := os.Stat(binding.BareRepo); err == nil {
		if _, err := m.run(ctx, invocation{
			dir:  binding.BareRepo,
			args: []string{"branch", "-D", "--quiet", binding.Branch},
		}); err != nil && !isMissingBranch(err) {
			warnings = append(warnings, fmt.Sprintf("failed to delete branch %s: %v", binding.Branch, err))
		}
	}

	if present {
		logger.WithFields(logger.Fields{
			"env_id":   binding.EnvID,
			"path":     binding.Path,
			"warnings": len(warnings),
		}).Info("Removed worktree")
	}
	return warnings, nil
}

func isNotWorktree(err error) bool {
	return strings.Contains(err.Error(), "is not a working tree")
}

func isMissingBranch(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not found") || strings.Contains(msg, "No such")
}

func removeQuietly(b WorktreeBinding) {
	_ = os.RemoveAll(b.Path)
	_ = os.RemoveAll(b.GitDir)
}

func (m *Manager) removeWorktreeFiles(ctx context.Context, binding WorktreeBinding) error {
	_, err := m.run(ctx, invocation{
		dir:  binding.BareRepo,
		args: []string{"worktree", "remove", "--force", binding.Path},
	})
	if err != nil && !isNotWorktree(err) {
		return err
	}
	// A stale or half-written record leaves the directory behind.
	if err := os.RemoveAll(binding.Path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", binding.Path, err)
	}
	return os.RemoveAll(binding.GitDir)
}
