package gitexec

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edison.dev/cli/cmd/edison/cli/config"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	t.Cleanup(config.ClearCache)
	cfg, err := config.Load(root)
	require.NoError(t, err)
	return cfg
}

func initRepo(t *testing.T) string {
	t.Helper()
	requireGit(t)
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "--initial-branch=main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
		{"commit", "--allow-empty", "-m", "init"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	return dir
}

func TestRunCapturesOutput(t *testing.T) {
	requireGit(t)
	t.Parallel()

	r := New(testConfig(t))
	out, err := r.Run(context.Background(), "", 10*time.Second, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "git version")
}

func TestRunErrorIncludesGitMessage(t *testing.T) {
	requireGit(t)
	t.Parallel()

	r := New(testConfig(t))
	dir := initRepo(t)
	_, err := r.Git(context.Background(), dir, "checkout", "no-such-branch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git checkout failed")
}

func TestIsInsideWorkTree(t *testing.T) {
	requireGit(t)
	t.Parallel()

	r := New(testConfig(t))
	dir := initRepo(t)
	assert.True(t, r.IsInsideWorkTree(context.Background(), dir))
	assert.False(t, r.IsInsideWorkTree(context.Background(), t.TempDir()))
}

func TestCurrentBranchAndHead(t *testing.T) {
	requireGit(t)
	t.Parallel()

	r := New(testConfig(t))
	dir := initRepo(t)

	branch, err := r.CurrentBranch(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	head, err := r.Head(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, head, 40)
}

func TestBranchExists(t *testing.T) {
	requireGit(t)
	t.Parallel()

	r := New(testConfig(t))
	dir := initRepo(t)

	exists, err := r.BranchExists(context.Background(), dir, "main")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = r.BranchExists(context.Background(), dir, "edison/session/ghost")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTimeoutError(t *testing.T) {
	t.Parallel()

	err := &TimeoutError{Args: []string{"worktree", "add", "x"}, Timeout: 3 * time.Second}
	assert.Equal(t, "git worktree add x timed out after 3s", err.Error())
}

func TestTimeoutSlotsComeFromConfig(t *testing.T) {
	t.Setenv("EDISON_SESSION_WORKTREE_TIMEOUTS_HEALTH_CHECK", "7")
	t.Cleanup(config.ClearCache)
	config.ClearCache()

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.WorktreeTimeout(OpHealthCheck))
	assert.Equal(t, 60*time.Second, cfg.WorktreeTimeout(OpFetch))
}
