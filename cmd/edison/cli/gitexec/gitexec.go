// Package gitexec runs git commands with per-operation timeouts resolved
// from config. Worktree operations name their timeout slot
// (session.worktree.timeouts.<op>); everything else uses the general git
// timeout. Hardcoded timeout constants stay out of the worktree subsystem.
package gitexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"edison.dev/cli/cmd/edison/cli/config"
)

// Timeout operation names, mirroring session.worktree.timeouts keys.
const (
	OpHealthCheck = "health_check"
	OpBranchCheck = "branch_check"
	OpFetch       = "fetch"
	OpCheckout    = "checkout"
	OpWorktreeAdd = "worktree_add"
	OpClone       = "clone"
	OpInstall     = "install"
	OpPrune       = "prune"
)

// TimeoutError reports a git invocation exceeding its configured timeout.
type TimeoutError struct {
	Args    []string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("git %s timed out after %s", strings.Join(e.Args, " "), e.Timeout)
}

// Runner executes git commands for one project.
type Runner struct {
	cfg *config.Config
}

// New returns a runner bound to the project's config.
func New(cfg *config.Config) *Runner {
	return &Runner{cfg: cfg}
}

// Run executes git with combined output, trimmed. Errors include the
// command output so callers can surface git's own message.
func (r *Runner) Run(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return text, &TimeoutError{Args: args, Timeout: timeout}
		}
		if text != "" {
			return text, fmt.Errorf("git %s failed: %s: %w", args[0], text, err)
		}
		return text, fmt.Errorf("git %s failed: %w", args[0], err)
	}
	return text, nil
}

// Git runs a command under the general git timeout.
func (r *Runner) Git(ctx context.Context, dir string, args ...string) (string, error) {
	return r.Run(ctx, dir, r.cfg.GitTimeout(), args...)
}

// WorktreeOp runs a command under the named worktree timeout slot.
func (r *Runner) WorktreeOp(ctx context.Context, dir, op string, args ...string) (string, error) {
	return r.Run(ctx, dir, r.cfg.WorktreeTimeout(op), args...)
}

// IsInsideWorkTree reports whether dir is a healthy git checkout.
func (r *Runner) IsInsideWorkTree(ctx context.Context, dir string) bool {
	out, err := r.WorktreeOp(ctx, dir, OpHealthCheck, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Head returns the current HEAD commit hash.
func (r *Runner) Head(ctx context.Context, dir string) (string, error) {
	return r.Git(ctx, dir, "rev-parse", "HEAD")
}

// CurrentBranch returns the checked-out branch name, or an error on
// detached HEAD.
func (r *Runner) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := r.Git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if out == "HEAD" {
		return "", errors.New("not on a branch (detached HEAD)")
	}
	return out, nil
}

// Toplevel returns the repository root for dir.
func (r *Runner) Toplevel(ctx context.Context, dir string) (string, error) {
	return r.Git(ctx, dir, "rev-parse", "--show-toplevel")
}

// BranchExists reports whether a local branch exists, using the
// branch_check timeout. A clean "not found" is not an error.
func (r *Runner) BranchExists(ctx context.Context, dir, branch string) (bool, error) {
	_, err := r.WorktreeOp(ctx, dir, OpBranchCheck, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return false, err
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}
