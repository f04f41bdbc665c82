// Package runner executes validation commands for evidence capture: each
// command runs under the configured shell with pipefail enabled, a timeout
// from the timeouts section, and combined output captured verbatim. Heavy
// command groups are serialized across processes with an advisory capture
// lock so two agents do not run the full test suite side by side.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/filelock"
	"edison.dev/cli/cmd/edison/cli/logging"
)

// timeoutExitCode is reported when a command is killed at its deadline,
// matching the timeout(1) convention.
const timeoutExitCode = 124

// Result captures one command execution. A non-zero ExitCode is recorded
// here rather than surfaced as an error; evidence files need the code.
type Result struct {
	Command     string
	Shell       string
	Pipefail    bool
	Cwd         string
	Output      string
	ExitCode    int
	StartedAt   time.Time
	CompletedAt time.Time
	TimedOut    bool
}

// Duration returns the wall-clock run time.
func (r *Result) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Runner executes commands for one project.
type Runner struct {
	cfg *config.Config
}

// New returns a runner bound to the project's config.
func New(cfg *config.Config) *Runner {
	return &Runner{cfg: cfg}
}

func (r *Runner) shell() string {
	return r.cfg.GetString("ci.shell", "bash")
}

// Run executes command under the general command timeout.
func (r *Runner) Run(ctx context.Context, dir, command string) (*Result, error) {
	return r.RunWithTimeout(ctx, dir, command, r.cfg.CommandTimeout())
}

// RunWithTimeout executes command as `<shell> -c "set -o pipefail; <command>"`
// in dir, capturing combined stdout and stderr. The process is killed at the
// deadline and the result marked TimedOut with exit code 124. Only spawn
// failures and context cancellation return an error.
func (r *Runner) RunWithTimeout(ctx context.Context, dir, command string, timeout time.Duration) (*Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell := r.shell()
	cmd := exec.CommandContext(runCtx, shell, "-c", "set -o pipefail; "+command)
	if dir != "" {
		cmd.Dir = dir
	}

	started := time.Now().UTC()
	output, err := cmd.CombinedOutput()
	completed := time.Now().UTC()

	res := &Result{
		Command:     command,
		Shell:       shell,
		Pipefail:    true,
		Cwd:         dir,
		Output:      string(output),
		StartedAt:   started,
		CompletedAt: completed,
	}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = timeoutExitCode
		logging.Warn(ctx, "command timed out",
			"command", command,
			"timeout", timeout.String())
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return nil, fmt.Errorf("running %s -c: %w", shell, err)
}

// LockKey identifies an evidence-capture lock. Commands in the same group
// for the same session contend for one lock; distinct groups run in
// parallel.
type LockKey struct {
	Group     string
	SessionID string
}

func (k LockKey) String() string {
	session := k.SessionID
	if session == "" {
		session = "global"
	}
	return fmt.Sprintf("evidence-capture:%s:%s", k.Group, session)
}

var lockNameReplacer = strings.NewReplacer(":", "-", "/", "-")

func (r *Runner) lockTarget(key LockKey) string {
	return filepath.Join(r.cfg.ManagementDir(), "locks", lockNameReplacer.Replace(key.String()))
}

// AcquireCaptureLock blocks until the group lock is held, then logs the
// key, sidecar path, and wait time so operators can observe contention.
// Release the returned lock when the command finishes.
func (r *Runner) AcquireCaptureLock(ctx context.Context, key LockKey) (*filelock.Lock, error) {
	lock, err := filelock.Acquire(ctx, r.lockTarget(key), r.cfg.LockOptions())
	if err != nil {
		return nil, err
	}
	logging.Info(ctx, "acquired capture lock",
		"lockKey", key.String(),
		"lockPath", lock.Path,
		"waitedMs", lock.WaitedMs)
	return lock, nil
}
