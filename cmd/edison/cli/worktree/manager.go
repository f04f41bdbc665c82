// Package worktree manages per-session git worktrees and the shared-state
// meta worktree. Mutating git operations go through the CLI with
// per-operation timeouts from config; reads that need object access use
// go-git with linked-worktree support.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/gitexec"
	"edison.dev/cli/cmd/edison/cli/logging"
)

// Worktree describes a session checkout.
type Worktree struct {
	ID     string
	Path   string
	Branch string
	Reused bool
}

// Manager creates, reuses, archives, and removes session worktrees for one
// repository.
type Manager struct {
	cfg      *config.Config
	git      *gitexec.Runner
	settings config.WorktreeSettings
	root     string
}

// NewManager builds a manager from the project config.
func NewManager(cfg *config.Config) (*Manager, error) {
	settings, err := cfg.Worktrees()
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		git:      gitexec.New(cfg),
		settings: settings,
		root:     cfg.Root(),
	}, nil
}

// Enabled reports whether session worktrees are turned on.
func (m *Manager) Enabled() bool {
	return m.settings.Enabled
}

// PathFor returns the worktree directory for a session id.
func (m *Manager) PathFor(id string) string {
	return filepath.Join(m.root, m.settings.BaseDirectory, id)
}

// BranchFor returns the session branch name.
func (m *Manager) BranchFor(id string) string {
	prefix := strings.TrimSuffix(m.settings.BranchPrefix, "/")
	return prefix + "/" + id
}

// Healthy reports whether the session worktree passes its health check.
func (m *Manager) Healthy(ctx context.Context, id string) bool {
	return m.git.IsInsideWorkTree(ctx, m.PathFor(id))
}

func (m *Manager) archivePathFor(id string) string {
	return filepath.Join(m.root, m.settings.ArchiveDirectory, id)
}

// Ensure creates the session worktree, reusing an existing healthy one
// idempotently. A stale directory that is no longer a valid checkout is
// cleared and recreated. baseBranch defaults to the primary checkout's
// current branch.
func (m *Manager) Ensure(ctx context.Context, id, baseBranch string) (*Worktree, error) {
	path := m.PathFor(id)
	branch := m.BranchFor(id)

	if m.git.IsInsideWorkTree(ctx, path) {
		logging.Debug(ctx, "reusing healthy worktree", "path", path)
		return &Worktree{ID: id, Path: path, Branch: branch, Reused: true}, nil
	}
	if _, err := os.Stat(path); err == nil {
		logging.Warn(ctx, "clearing stale worktree directory", "path", path)
		if _, err := m.git.WorktreeOp(ctx, m.root, gitexec.OpPrune, "worktree", "remove", "--force", path); err != nil {
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("clearing stale worktree %s: %w", path, rmErr)
			}
		}
	}

	if baseBranch == "" {
		current, err := m.git.CurrentBranch(ctx, m.root)
		if err != nil {
			current = "HEAD"
		}
		baseBranch = current
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating worktree base directory: %w", err)
	}

	exists, err := m.git.BranchExists(ctx, m.root, branch)
	if err != nil {
		return nil, err
	}
	if exists {
		if _, err := m.git.WorktreeOp(ctx, m.root, gitexec.OpWorktreeAdd, "worktree", "add", path, branch); err != nil {
			return nil, err
		}
	} else {
		if _, err := m.git.WorktreeOp(ctx, m.root, gitexec.OpWorktreeAdd, "worktree", "add", path, "-b", branch, baseBranch); err != nil {
			return nil, err
		}
	}

	if !m.git.IsInsideWorkTree(ctx, path) {
		return nil, fmt.Errorf("worktree at %s failed its health check after creation", path)
	}
	logging.Info(ctx, "created session worktree", "path", path, "branch", branch)
	return &Worktree{ID: id, Path: path, Branch: branch}, nil
}

// Archive moves the session worktree into the archive directory. The git
// administrative entry stays behind so Restore can relink it. Archiving a
// missing worktree is a no-op that reports the archive path when one exists.
func (m *Manager) Archive(ctx context.Context, id string) (string, error) {
	src := m.PathFor(id)
	dest := m.archivePathFor(id)

	if _, err := os.Stat(src); os.IsNotExist(err) {
		if _, err := os.Stat(dest); err == nil {
			return dest, nil
		}
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("clearing previous archive for %s: %w", id, err)
	}
	if err := os.Rename(src, dest); err != nil {
		return "", fmt.Errorf("archiving worktree %s: %w", id, err)
	}
	logging.Info(ctx, "archived worktree", "session_id", id, "archive", dest)
	return dest, nil
}

// Restore brings an archived worktree back to its canonical path, repairing
// the gitdir link. Without an archive it recreates a fresh worktree on the
// session branch.
func (m *Manager) Restore(ctx context.Context, id string) (*Worktree, error) {
	path := m.PathFor(id)
	branch := m.BranchFor(id)

	if m.git.IsInsideWorkTree(ctx, path) {
		return &Worktree{ID: id, Path: path, Branch: branch, Reused: true}, nil
	}

	archived := m.archivePathFor(id)
	if _, err := os.Stat(archived); err == nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating worktree base directory: %w", err)
		}
		if err := os.Rename(archived, path); err != nil {
			return nil, fmt.Errorf("restoring archived worktree %s: %w", id, err)
		}
		if _, err := m.git.WorktreeOp(ctx, m.root, gitexec.OpWorktreeAdd, "worktree", "repair", path); err != nil {
			logging.Warn(ctx, "worktree repair failed", "path", path, "error", err)
		}
		if m.git.IsInsideWorkTree(ctx, path) {
			logging.Info(ctx, "restored archived worktree", "session_id", id, "path", path)
			return &Worktree{ID: id, Path: path, Branch: branch, Reused: true}, nil
		}
		// The archived copy cannot be relinked. Keep it next to the fresh
		// checkout instead of discarding uncommitted work.
		aside := path + ".unrestorable"
		if err := os.Rename(path, aside); err != nil {
			return nil, fmt.Errorf("moving unrestorable archive copy aside: %w", err)
		}
		logging.Warn(ctx, "archived worktree could not be relinked", "session_id", id, "kept", aside)
	}

	if _, err := m.git.WorktreeOp(ctx, m.root, gitexec.OpPrune, "worktree", "prune"); err != nil {
		logging.Warn(ctx, "worktree prune before restore failed", "error", err)
	}
	exists, err := m.git.BranchExists(ctx, m.root, branch)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("cannot restore session %s: branch %s no longer exists", id, branch)
	}
	if _, err := m.git.WorktreeOp(ctx, m.root, gitexec.OpWorktreeAdd, "worktree", "add", path, branch); err != nil {
		return nil, err
	}
	return &Worktree{ID: id, Path: path, Branch: branch}, nil
}

// Cleanup removes a worktree and optionally its branch. Missing targets are
// tolerated so the operation is idempotent.
func (m *Manager) Cleanup(ctx context.Context, id string, deleteBranch bool) error {
	path := m.PathFor(id)
	if _, err := m.git.WorktreeOp(ctx, m.root, gitexec.OpPrune, "worktree", "remove", "--force", path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("removing worktree %s: %w", path, rmErr)
		}
		if _, err := m.git.WorktreeOp(ctx, m.root, gitexec.OpPrune, "worktree", "prune"); err != nil {
			logging.Warn(ctx, "worktree prune after removal failed", "error", err)
		}
	}
	if deleteBranch {
		branch := m.BranchFor(id)
		if _, err := m.git.Git(ctx, m.root, "branch", "-D", branch); err != nil {
			logging.Debug(ctx, "branch already gone", "branch", branch)
		}
	}
	return nil
}

// Prune drops orphaned worktree references. With dryRun it only reports
// what would be removed.
func (m *Manager) Prune(ctx context.Context, dryRun bool) (string, error) {
	args := []string{"worktree", "prune", "--verbose"}
	if dryRun {
		args = append(args, "--dry-run")
	}
	return m.git.WorktreeOp(ctx, m.root, gitexec.OpPrune, args...)
}

// Entry is one parsed line group from `git worktree list --porcelain`.
type Entry struct {
	Path     string
	Head     string
	Branch   string
	Bare     bool
	Prunable bool
}

// List returns the repository's worktrees.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	out, err := m.git.WorktreeOp(ctx, m.root, gitexec.OpHealthCheck, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var entries []Entry
	var current *Entry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			if current != nil {
				entries = append(entries, *current)
				current = nil
			}
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				entries = append(entries, *current)
			}
			current = &Entry{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
			continue
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "bare":
			current.Bare = true
		case strings.HasPrefix(line, "prunable"):
			current.Prunable = true
		}
	}
	if current != nil {
		entries = append(entries, *current)
	}
	return entries, nil
}
