package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/filelock"
	"edison.dev/cli/cmd/edison/cli/testutil"
)

func newTestRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	testutil.RequireBash(t)

	root := t.TempDir()
	testutil.WriteFile(t, root, ".edison/config/10-locks.yaml",
		"file_locking:\n  timeout_seconds: 0.3\n  poll_interval_seconds: 0.05\n")
	cfg, err := config.Load(root)
	require.NoError(t, err)
	return New(cfg), root
}

func TestRunCapturesCombinedOutput(t *testing.T) {
	r, root := newTestRunner(t)

	res, err := r.Run(context.Background(), root, "echo to-stdout; echo to-stderr 1>&2")
	require.NoError(t, err)

	assert.Contains(t, res.Output, "to-stdout")
	assert.Contains(t, res.Output, "to-stderr")
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "bash", res.Shell)
	assert.True(t, res.Pipefail)
	assert.False(t, res.StartedAt.After(res.CompletedAt))
}

func TestRunReportsNonZeroExitAsData(t *testing.T) {
	r, root := newTestRunner(t)

	res, err := r.Run(context.Background(), root, "echo failing; exit 7")
	require.NoError(t, err)

	assert.Equal(t, 7, res.ExitCode)
	assert.Contains(t, res.Output, "failing")
}

func TestRunEnablesPipefail(t *testing.T) {
	r, root := newTestRunner(t)

	// Without pipefail the trailing cat would mask the failure.
	res, err := r.Run(context.Background(), root, "false | cat")
	require.NoError(t, err)

	assert.Equal(t, 1, res.ExitCode)
}

func TestRunRespectsWorkingDirectory(t *testing.T) {
	r, _ := newTestRunner(t)

	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), dir, "pwd")
	require.NoError(t, err)

	assert.Equal(t, resolved, strings.TrimSpace(res.Output))
}

func TestRunKillsAtDeadline(t *testing.T) {
	r, root := newTestRunner(t)

	res, err := r.RunWithTimeout(context.Background(), root, "echo before; sleep 10", 200*time.Millisecond)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Equal(t, timeoutExitCode, res.ExitCode)
	assert.Contains(t, res.Output, "before")
}

func TestRunPropagatesCancellation(t *testing.T) {
	r, root := newTestRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.RunWithTimeout(ctx, root, "sleep 10", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLockKeyString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "evidence-capture:test:s-1", LockKey{Group: "test", SessionID: "s-1"}.String())
	assert.Equal(t, "evidence-capture:lint:global", LockKey{Group: "lint"}.String())
}

func TestCaptureLockSerializesGroup(t *testing.T) {
	r, root := newTestRunner(t)
	ctx := context.Background()
	key := LockKey{Group: "test", SessionID: "s-1"}

	lock, err := r.AcquireCaptureLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, lock.Acquired())
	assert.True(t, strings.HasPrefix(lock.Path, filepath.Join(root, ".project", "locks")),
		"lock sidecar should live under the management locks dir, got %s", lock.Path)

	// Same key contends and times out under the short test budget.
	_, err = r.AcquireCaptureLock(ctx, key)
	var timeout *filelock.TimeoutError
	require.ErrorAs(t, err, &timeout)

	// A different group proceeds independently.
	other, err := r.AcquireCaptureLock(ctx, LockKey{Group: "lint", SessionID: "s-1"})
	require.NoError(t, err)
	require.NoError(t, other.Release())

	require.NoError(t, lock.Release())

	reacquired, err := r.AcquireCaptureLock(ctx, key)
	require.NoError(t, err)
	require.NoError(t, reacquired.Release())
}

func TestCaptureLockNamesAreFilesystemSafe(t *testing.T) {
	r, root := newTestRunner(t)

	lock, err := r.AcquireCaptureLock(context.Background(), LockKey{Group: "integration/db", SessionID: "s-1"})
	require.NoError(t, err)
	defer lock.Release() //nolint:errcheck

	entries, err := os.ReadDir(filepath.Join(root, ".project", "locks"))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ":")
		assert.NotContains(t, entry.Name(), "/")
	}
}
