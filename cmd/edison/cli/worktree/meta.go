package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"edison.dev/cli/cmd/edison/cli/gitexec"
	"edison.dev/cli/cmd/edison/cli/logging"
)

// ErrNoChanges indicates a meta commit found nothing staged.
var ErrNoChanges = errors.New("no changes to commit")

// ErrMetaWorktreeMissing indicates the meta worktree has not been created.
var ErrMetaWorktreeMissing = errors.New("meta worktree does not exist; run `edison git worktree-meta-init`")

// SharedPathError reports a meta-commit path outside the allowed prefixes.
type SharedPathError struct {
	Path    string
	Allowed []string
}

func (e *SharedPathError) Error() string {
	return fmt.Sprintf("path %q is outside shared-state paths %v", e.Path, e.Allowed)
}

// MetaEnabled reports whether shared state runs through a meta worktree.
func (m *Manager) MetaEnabled() bool {
	return m.settings.SharedState.Mode == "meta"
}

// MetaPath returns the meta worktree directory.
func (m *Manager) MetaPath() string {
	return filepath.Join(m.root, m.settings.SharedState.Path)
}

// MetaBranch returns the dedicated shared-state branch.
func (m *Manager) MetaBranch() string {
	return m.settings.SharedState.Branch
}

// InitMeta creates the meta worktree on its dedicated branch, reusing a
// healthy existing one. The primary checkout's branch is never touched.
func (m *Manager) InitMeta(ctx context.Context) (*Worktree, error) {
	metaPath := m.MetaPath()
	branch := m.MetaBranch()

	if m.git.IsInsideWorkTree(ctx, metaPath) {
		return &Worktree{Path: metaPath, Branch: branch, Reused: true}, nil
	}
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating meta worktree parent: %w", err)
	}

	exists, err := m.git.BranchExists(ctx, m.root, branch)
	if err != nil {
		return nil, err
	}
	if exists {
		if _, err := m.git.WorktreeOp(ctx, m.root, gitexec.OpWorktreeAdd, "worktree", "add", metaPath, branch); err != nil {
			return nil, err
		}
	} else {
		if _, err := m.git.WorktreeOp(ctx, m.root, gitexec.OpWorktreeAdd, "worktree", "add", metaPath, "-b", branch, "HEAD"); err != nil {
			return nil, err
		}
	}
	if !m.git.IsInsideWorkTree(ctx, metaPath) {
		return nil, fmt.Errorf("meta worktree at %s failed its health check", metaPath)
	}
	logging.Info(ctx, "initialized meta worktree", "path", metaPath, "branch", branch)
	return &Worktree{Path: metaPath, Branch: branch}, nil
}

// MetaStatus describes the current shared-state worktree.
type MetaStatus struct {
	Enabled bool     `json:"enabled"`
	Exists  bool     `json:"exists"`
	Healthy bool     `json:"healthy"`
	Path    string   `json:"path"`
	Branch  string   `json:"branch"`
	Dirty   []string `json:"dirty,omitempty"`
}

// MetaState inspects the meta worktree without modifying anything.
func (m *Manager) MetaState(ctx context.Context) (*MetaStatus, error) {
	status := &MetaStatus{
		Enabled: m.MetaEnabled(),
		Path:    m.MetaPath(),
		Branch:  m.MetaBranch(),
	}
	if _, err := os.Stat(status.Path); err == nil {
		status.Exists = true
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if !status.Exists {
		return status, nil
	}
	status.Healthy = m.git.IsInsideWorkTree(ctx, status.Path)
	if !status.Healthy {
		return status, nil
	}
	out, err := m.git.Git(ctx, status.Path, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			status.Dirty = append(status.Dirty, line)
		}
	}
	return status, nil
}

// validateSharedPath rejects anything outside the configured sharedPaths
// prefixes, including absolute paths and parent escapes.
func (m *Manager) validateSharedPath(p string) error {
	allowed := m.settings.SharedState.SharedPaths
	clean := path.Clean(filepath.ToSlash(p))
	if clean == "." || clean == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return &SharedPathError{Path: p, Allowed: allowed}
	}
	for _, prefix := range allowed {
		a := strings.TrimSuffix(filepath.ToSlash(prefix), "/")
		if a == "" {
			continue
		}
		if clean == a || strings.HasPrefix(clean, a+"/") {
			return nil
		}
	}
	return &SharedPathError{Path: p, Allowed: allowed}
}

// MetaCommit stages the given repo-relative paths in the meta worktree and
// commits them to the shared-state branch. It refuses a missing worktree,
// an empty message, and any path outside the sharedPaths prefixes. The
// primary checkout's branch is left untouched.
func (m *Manager) MetaCommit(ctx context.Context, message string, commitPaths []string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", errors.New("meta commit requires a non-empty message")
	}
	metaPath := m.MetaPath()
	if !m.git.IsInsideWorkTree(ctx, metaPath) {
		return "", ErrMetaWorktreeMissing
	}
	if len(commitPaths) == 0 {
		commitPaths = append([]string(nil), m.settings.SharedState.SharedPaths...)
	}
	for _, p := range commitPaths {
		if err := m.validateSharedPath(p); err != nil {
			return "", err
		}
	}

	primaryBranch, primaryErr := m.git.CurrentBranch(ctx, m.root)

	repo, err := git.PlainOpenWithOptions(metaPath, &git.PlainOpenOptions{
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return "", fmt.Errorf("opening meta worktree: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("accessing meta worktree: %w", err)
	}

	staged := false
	for _, p := range commitPaths {
		rel := filepath.ToSlash(filepath.Clean(p))
		if _, statErr := os.Stat(filepath.Join(metaPath, rel)); os.IsNotExist(statErr) {
			continue
		}
		if _, err := wt.Add(rel); err != nil {
			return "", fmt.Errorf("staging %s: %w", rel, err)
		}
		staged = true
	}
	if !staged {
		return "", ErrNoChanges
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("reading meta worktree status: %w", err)
	}
	if status.IsClean() {
		return "", ErrNoChanges
	}

	hash, err := wt.Commit(message, &git.CommitOptions{Author: m.commitAuthor(ctx)})
	if err != nil {
		return "", fmt.Errorf("committing shared state: %w", err)
	}

	if primaryErr == nil {
		after, err := m.git.CurrentBranch(ctx, m.root)
		if err == nil && after != primaryBranch {
			return "", fmt.Errorf("meta commit switched primary checkout from %s to %s", primaryBranch, after)
		}
	}
	logging.Info(ctx, "committed shared state", "commit", hash.String(), "paths", len(commitPaths))
	return hash.String(), nil
}

// commitAuthor resolves the git author from config, with stable fallbacks
// for hook and CI contexts where no user is configured.
func (m *Manager) commitAuthor(ctx context.Context) *object.Signature {
	name, err := m.git.Git(ctx, m.root, "config", "--get", "user.name")
	if err != nil || name == "" {
		name = "Edison"
	}
	email, err := m.git.Git(ctx, m.root, "config", "--get", "user.email")
	if err != nil || email == "" {
		email = "edison@local"
	}
	return &object.Signature{Name: name, Email: email, When: time.Now()}
}
