//go:build integration

// Package integration exercises the edison binary end to end. TestMain
// builds the CLI once and every test drives that binary through exec,
// never an in-process command tree.
package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/telemetry"
	"edison.dev/cli/cmd/edison/cli/testutil"
)

// testBinaryPath holds the CLI binary built once in TestMain. All tests
// share this binary to avoid repeated builds.
var testBinaryPath string

// getTestBinary returns the shared test binary, panicking when TestMain
// has not built it yet.
func getTestBinary() string {
	if testBinaryPath == "" {
		panic("testBinaryPath not set - TestMain must run before tests")
	}
	return testBinaryPath
}

// TestEnv is an isolated directory the edison binary runs against.
// It never chdirs and never calls t.Setenv, so tests stay parallel-safe:
// the subprocess gets its working directory and environment via exec.Cmd.
type TestEnv struct {
	T       *testing.T
	RepoDir string
}

// NewTestEnv creates an empty isolated directory.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	// Resolve symlinks up front (macOS mounts temp dirs under /var, which
	// links to /private/var) so paths the binary prints compare equal to
	// the ones the test computes.
	repoDir := t.TempDir()
	if resolved, err := filepath.EvalSymlinks(repoDir); err == nil {
		repoDir = resolved
	}
	return &TestEnv{T: t, RepoDir: repoDir}
}

// NewProjectEnv creates a directory with the management tree already
// initialized. Most workflow tests start here.
func NewProjectEnv(t *testing.T) *TestEnv {
	t.Helper()
	env := NewTestEnv(t)
	env.InitProject()
	return env
}

// NewRepoProjectEnv creates an initialized project inside a git repository
// that has one commit, which worktree operations need as a branch base.
func NewRepoProjectEnv(t *testing.T) *TestEnv {
	t.Helper()
	env := NewTestEnv(t)
	testutil.InitRepo(t, env.RepoDir)
	env.WriteFile("README.md", "# integration fixture\n")
	testutil.CommitAll(t, env.RepoDir, "initial commit")
	env.InitProject()
	return env
}

// cliEnv is the environment every spawned binary gets. The project-root
// and session overrides are pinned empty so ambient values cannot leak
// into a test, and telemetry stays off regardless of project config.
func (env *TestEnv) cliEnv() []string {
	return append(os.Environ(),
		paths.EnvProjectRoot+"=",
		paths.EnvSessionID+"=",
		telemetry.EnvOptOut+"=1",
	)
}

// RunCLI runs the edison binary and fails the test on a non-zero exit.
func (env *TestEnv) RunCLI(args ...string) string {
	env.T.Helper()
	output, err := env.RunCLIWithError(args...)
	if err != nil {
		env.T.Fatalf("edison %s failed: %v\nOutput: %s", strings.Join(args, " "), err, output)
	}
	return output
}

// RunCLIWithError runs the edison binary and returns its combined output
// and exit error.
func (env *TestEnv) RunCLIWithError(args ...string) (string, error) {
	env.T.Helper()

	cmd := exec.Command(getTestBinary(), args...)
	cmd.Dir = env.RepoDir
	cmd.Env = env.cliEnv()

	output, err := cmd.CombinedOutput()
	return string(output), err
}

// InitProject scaffolds the management tree non-interactively.
func (env *TestEnv) InitProject() {
	env.T.Helper()
	env.RunCLI("init", "--non-interactive", "--skip-compose")
}

// WriteFile creates a file under the repo, making parents as needed.
func (env *TestEnv) WriteFile(path, content string) {
	env.T.Helper()
	testutil.WriteFile(env.T, env.RepoDir, path, content)
}

// ReadFile reads a file under the repo, failing the test when it is
// missing.
func (env *TestEnv) ReadFile(path string) string {
	env.T.Helper()
	return testutil.ReadFile(env.T, env.RepoDir, path)
}

// FileExists reports whether path exists under the repo.
func (env *TestEnv) FileExists(path string) bool {
	return testutil.FileExists(env.RepoDir, path)
}

// CurrentBranch returns the branch checked out in the primary worktree.
func (env *TestEnv) CurrentBranch() string {
	env.T.Helper()
	return testutil.CurrentBranch(env.T, env.RepoDir)
}

// BranchExists reports whether the repository has the given local branch.
func (env *TestEnv) BranchExists(branch string) bool {
	env.T.Helper()
	return testutil.BranchExists(env.T, env.RepoDir, branch)
}
