// Package testutil provides shared git and project fixtures for tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	gitconfig "github.com/go-git/go-git/v5/plumbing/format/config"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// RequireGit skips the test when the git binary is unavailable.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// RequireBash skips the test when bash is unavailable.
func RequireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

// InitRepo initializes a git repository on branch main with test user config.
func InitRepo(t *testing.T, dir string) {
	t.Helper()

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("git init: %v", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))
	if err := repo.Storer.SetReference(head); err != nil {
		t.Fatalf("setting HEAD to main: %v", err)
	}

	cfg, err := repo.Config()
	if err != nil {
		t.Fatalf("reading repo config: %v", err)
	}
	cfg.User.Name = "Test User"
	cfg.User.Email = "test@example.com"
	if cfg.Raw == nil {
		cfg.Raw = gitconfig.New()
	}
	cfg.Raw.Section("commit").SetOption("gpgsign", "false")
	if err := repo.SetConfig(cfg); err != nil {
		t.Fatalf("writing repo config: %v", err)
	}
}

// InitProject creates a git repository with one commit and an .edison
// marker directory, returning its root.
func InitProject(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	InitRepo(t, root)
	WriteFile(t, root, "README.md", "# test project\n")
	CommitAll(t, root, "initial commit")
	if err := os.MkdirAll(filepath.Join(root, ".edison", "config"), 0o755); err != nil {
		t.Fatalf("creating .edison: %v", err)
	}
	return root
}

// WriteFile creates a file under dir, making parent directories as needed.
func WriteFile(t *testing.T, dir, path, content string) {
	t.Helper()

	fullPath := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("creating parent of %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// ReadFile reads a file under dir, failing the test when missing.
func ReadFile(t *testing.T, dir, path string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, path))
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}

// FileExists reports whether path exists under dir.
func FileExists(dir, path string) bool {
	_, err := os.Stat(filepath.Join(dir, path))
	return err == nil
}

// openRepo opens a repository with linked-worktree support so helpers work
// in both primary checkouts and worktrees created via `git worktree add`.
func openRepo(t *testing.T, dir string) *git.Repository {
	t.Helper()

	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{EnableDotGitCommonDir: true})
	if err != nil {
		t.Fatalf("opening repo at %s: %v", dir, err)
	}
	return repo
}

// CommitAll stages everything and commits, returning the commit hash.
func CommitAll(t *testing.T, dir, message string) string {
	t.Helper()

	repo := openRepo(t, dir)
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add("."); err != nil {
		t.Fatalf("staging: %v", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Test User",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return hash.String()
}

// HeadHash returns the current HEAD commit hash.
func HeadHash(t *testing.T, dir string) string {
	t.Helper()

	head, err := openRepo(t, dir).Head()
	if err != nil {
		t.Fatalf("reading HEAD: %v", err)
	}
	return head.Hash().String()
}

// CurrentBranch returns the checked-out branch name.
func CurrentBranch(t *testing.T, dir string) string {
	t.Helper()

	head, err := openRepo(t, dir).Head()
	if err != nil {
		t.Fatalf("reading HEAD: %v", err)
	}
	if !head.Name().IsBranch() {
		t.Fatalf("detached HEAD in %s", dir)
	}
	return head.Name().Short()
}

// BranchExists reports whether a local branch exists.
func BranchExists(t *testing.T, dir, branch string) bool {
	t.Helper()

	_, err := openRepo(t, dir).Reference(plumbing.NewBranchReferenceName(branch), true)
	return err == nil
}
