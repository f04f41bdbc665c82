package evidence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/entity"
	"edison.dev/cli/cmd/edison/cli/gitexec"
	"edison.dev/cli/cmd/edison/cli/testutil"
)

const serviceTestConfig = `
ci:
  commands:
    test: "echo running tests for {{task_id}}"
    lint: "echo lint ok"
file_locking:
  timeout_seconds: 1
  poll_interval_seconds: 0.05
`

func newTestService(t *testing.T, root, extra string) *Service {
	t.Helper()
	testutil.RequireBash(t)

	testutil.WriteFile(t, root, ".edison/config/50-service.yaml", serviceTestConfig)
	if extra != "" {
		testutil.WriteFile(t, root, ".edison/config/60-extra.yaml", extra)
	}
	cfg, err := config.Load(root)
	require.NoError(t, err)
	svc, err := NewService(cfg)
	require.NoError(t, err)
	return svc
}

func testTask() *entity.Task {
	return &entity.Task{
		ID:         "7-cache",
		State:      "wip",
		SessionID:  "s-1",
		Components: []string{"cache", "api"},
	}
}

func TestCaptureWritesRoundEvidence(t *testing.T) {
	root := t.TempDir()
	svc := newTestService(t, root, "")

	sum, err := svc.Capture(context.Background(), testTask(), CaptureOptions{Preset: "standard"})
	require.NoError(t, err)

	assert.Equal(t, "7-cache", sum.TaskID)
	assert.Equal(t, 1, sum.Round)
	assert.Equal(t, "standard", sum.Preset)
	assert.Empty(t, sum.EscalatedFrom)
	assert.False(t, sum.ReusedSnapshot)
	require.Len(t, sum.Captures, 2)
	assert.Equal(t, "test", sum.Captures[0].Name)
	assert.Equal(t, "command-test.txt", sum.Captures[0].File)
	assert.Equal(t, 0, sum.Captures[0].ExitCode)
	assert.Equal(t, "lint", sum.Captures[1].Name)
	assert.True(t, sum.PresetEvidenceStatus.OK())

	raw := testutil.ReadFile(t, root, ".project/qa/validation-evidence/7-cache/round-1/command-test.txt")
	rec, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "7-cache", rec.TaskID)
	assert.Equal(t, 1, rec.Round)
	assert.Equal(t, "echo running tests for 7-cache", rec.Command)
	assert.Contains(t, rec.Output, "running tests for 7-cache")
	assert.Equal(t, "bash", rec.Shell)
	assert.True(t, rec.Pipefail)
	require.NoError(t, rec.Validate())
}

func TestCaptureTemplatesComponentVariables(t *testing.T) {
	root := t.TempDir()
	svc := newTestService(t, root, `
ci:
  commands:
    test: "echo {{component}} and {{components_csv}}"
`)

	sum, err := svc.Capture(context.Background(), testTask(), CaptureOptions{Only: []string{"test"}, Preset: "standard"})
	require.NoError(t, err)
	require.Len(t, sum.Captures, 1)

	raw := testutil.ReadFile(t, root, ".project/qa/validation-evidence/7-cache/round-1/command-test.txt")
	rec, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Contains(t, rec.Output, "cache and cache,api")
}

func TestCaptureUnknownTemplateVariableFails(t *testing.T) {
	root := t.TempDir()
	svc := newTestService(t, root, `
ci:
  commands:
    test: "echo {{mystery}}"
`)

	_, err := svc.Capture(context.Background(), testTask(), CaptureOptions{Only: []string{"test"}, Preset: "standard"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown template variables: mystery")
}

func TestCaptureStopsOnFirstFailure(t *testing.T) {
	root := t.TempDir()
	svc := newTestService(t, root, `
ci:
  commands:
    test: "echo boom; exit 3"
`)

	sum, err := svc.Capture(context.Background(), testTask(), CaptureOptions{Preset: "standard"})
	require.NoError(t, err)

	require.Len(t, sum.Captures, 1)
	assert.Equal(t, 3, sum.Captures[0].ExitCode)
	assert.False(t, sum.PresetEvidenceStatus.Complete)
	assert.False(t, sum.PresetEvidenceStatus.Passed)
	assert.Contains(t, sum.PresetEvidenceStatus.Missing, "command-lint.txt")
	assert.Contains(t, sum.PresetEvidenceStatus.Failed, "command-test.txt")
	assert.False(t, testutil.FileExists(root, ".project/qa/validation-evidence/7-cache/round-1/command-lint.txt"))
}

func TestCaptureContinueOnFailure(t *testing.T) {
	root := t.TempDir()
	svc := newTestService(t, root, `
ci:
  commands:
    test: "echo boom; exit 3"
`)

	sum, err := svc.Capture(context.Background(), testTask(), CaptureOptions{Preset: "standard", ContinueOnFailure: true})
	require.NoError(t, err)

	require.Len(t, sum.Captures, 2)
	assert.True(t, sum.PresetEvidenceStatus.Complete)
	assert.False(t, sum.PresetEvidenceStatus.Passed)
	assert.Equal(t, []string{"command-test.txt"}, sum.PresetEvidenceStatus.Failed)
}

func TestCaptureSessionCloseRecordsFailures(t *testing.T) {
	root := t.TempDir()
	svc := newTestService(t, root, `
ci:
  commands:
    test: "echo boom; exit 3"
`)

	sum, err := svc.Capture(context.Background(), testTask(), CaptureOptions{Preset: "standard", SessionClose: true})
	require.NoError(t, err)

	assert.True(t, sum.SessionClose)
	require.Len(t, sum.Captures, 2)
}

func TestCaptureOnlySubsetStillReportsPresetStatus(t *testing.T) {
	root := t.TempDir()
	svc := newTestService(t, root, "")

	sum, err := svc.Capture(context.Background(), testTask(), CaptureOptions{Only: []string{"lint"}, Preset: "standard"})
	require.NoError(t, err)

	require.Len(t, sum.Captures, 1)
	assert.Equal(t, "lint", sum.Captures[0].Name)
	assert.False(t, sum.PresetEvidenceStatus.Complete)
	assert.Contains(t, sum.PresetEvidenceStatus.Missing, "command-test.txt")
}

func TestCaptureRejectsUnknownOnlyCommand(t *testing.T) {
	root := t.TempDir()
	svc := newTestService(t, root, "")

	_, err := svc.Capture(context.Background(), testTask(), CaptureOptions{Only: []string{"deploy"}, Preset: "standard"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "deploy"`)
	assert.Contains(t, err.Error(), "lint, test")
}

func TestCaptureSealsWithConfiguredKey(t *testing.T) {
	root := t.TempDir()
	t.Setenv("EDISON_TDD_HMAC_KEY", "super-seekrit")
	svc := newTestService(t, root, "")

	_, err := svc.Capture(context.Background(), testTask(), CaptureOptions{Only: []string{"test"}, Preset: "standard"})
	require.NoError(t, err)

	raw := testutil.ReadFile(t, root, ".project/qa/validation-evidence/7-cache/round-1/command-test.txt")
	rec, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.NotEmpty(t, rec.HMAC)

	ok, err := rec.VerifySeal([]byte("super-seekrit"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rec.VerifySeal([]byte("wrong"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCaptureRedactsSecretsInOutput(t *testing.T) {
	root := t.TempDir()
	svc := newTestService(t, root, `
ci:
  commands:
    test: "echo token aB3dE5gH7jK9mN1pQ2sT4vW6xZ8cF0rL"
`)

	_, err := svc.Capture(context.Background(), testTask(), CaptureOptions{Only: []string{"test"}, Preset: "standard"})
	require.NoError(t, err)

	raw := testutil.ReadFile(t, root, ".project/qa/validation-evidence/7-cache/round-1/command-test.txt")
	rec, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Contains(t, rec.Output, "REDACTED")
	assert.NotContains(t, rec.Output, "aB3dE5gH7jK9mN1pQ2sT4vW6xZ8cF0rL")
}

func TestCurrentRoundScansRoundDirectories(t *testing.T) {
	root := t.TempDir()
	svc := newTestService(t, root, "")

	assert.Equal(t, 0, svc.CurrentRound("7-cache"))

	for _, dir := range []string{"round-1", "round-3", "snapshots"} {
		require.NoError(t, os.MkdirAll(filepath.Join(svc.TaskDir("7-cache"), dir), 0o755))
	}
	assert.Equal(t, 3, svc.CurrentRound("7-cache"))
}

func TestSnapshotReuse(t *testing.T) {
	testutil.RequireGit(t)
	root := testutil.InitProject(t)
	svc := newTestService(t, root, "")
	ctx := context.Background()
	task := testTask()

	first, err := svc.Capture(ctx, task, CaptureOptions{Preset: "standard"})
	require.NoError(t, err)
	assert.False(t, first.ReusedSnapshot)
	require.NotEmpty(t, first.SnapshotKey)
	assert.True(t, testutil.FileExists(root,
		filepath.Join(".project", "qa", "validation-evidence", "7-cache", "snapshots", first.SnapshotKey, "command-test.txt")))

	// Same tree: the snapshot is reused instead of re-running commands.
	second, err := svc.Capture(ctx, task, CaptureOptions{Preset: "standard"})
	require.NoError(t, err)
	assert.True(t, second.ReusedSnapshot)
	assert.Empty(t, second.Captures)
	assert.Equal(t, first.SnapshotKey, second.SnapshotKey)
	assert.True(t, second.PresetEvidenceStatus.OK())

	// Force re-runs despite the clean snapshot.
	third, err := svc.Capture(ctx, task, CaptureOptions{Preset: "standard", Force: true})
	require.NoError(t, err)
	assert.False(t, third.ReusedSnapshot)
	require.Len(t, third.Captures, 2)

	// Changing the working tree invalidates the snapshot key.
	testutil.WriteFile(t, root, "main.go", "package main\n")
	fourth, err := svc.Capture(ctx, task, CaptureOptions{Preset: "standard"})
	require.NoError(t, err)
	assert.False(t, fourth.ReusedSnapshot)
	assert.NotEqual(t, first.SnapshotKey, fourth.SnapshotKey)
}

func TestCaptureEscalatesFromChangeSet(t *testing.T) {
	testutil.RequireGit(t)
	root := testutil.InitProject(t)
	svc := newTestService(t, root, "")
	testutil.WriteFile(t, root, "server.go", "package server\n")

	sum, err := svc.Capture(context.Background(), testTask(), CaptureOptions{})
	require.NoError(t, err)

	assert.Equal(t, "standard", sum.Preset)
	assert.Equal(t, "quick", sum.EscalatedFrom)
	assert.Equal(t, "code changes: server.go", sum.EscalationReason)
}

func TestChangedFilesExcludeEdisonTrees(t *testing.T) {
	testutil.RequireGit(t)
	root := testutil.InitProject(t)
	svc := newTestService(t, root, "")
	testutil.WriteFile(t, root, "server.go", "package server\n")
	testutil.WriteFile(t, root, ".project/tasks/todo/1-x.md", "---\nid: 1-x\nstate: todo\n---\n")

	changed, err := ChangedFiles(context.Background(), gitexec.New(svc.cfg), root, svc.fingerprintExcludes())
	require.NoError(t, err)
	assert.Equal(t, []string{"server.go"}, changed)
}

func TestReportAndChecker(t *testing.T) {
	testutil.RequireGit(t)
	root := testutil.InitProject(t)
	svc := newTestService(t, root, "")
	ctx := context.Background()
	testutil.WriteFile(t, root, "server.go", "package server\n")

	report, err := svc.Report(ctx, "7-cache")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Round)
	assert.Equal(t, "standard", report.Preset)
	assert.False(t, report.PresetEvidenceStatus.OK())
	assert.Contains(t, report.Problems, "command-test.txt: missing file")

	check := svc.Checker(ctx)
	ok, msg := check("7-cache")
	assert.False(t, ok)
	assert.Contains(t, msg, "missing file")

	_, err = svc.Capture(ctx, testTask(), CaptureOptions{})
	require.NoError(t, err)

	report, err = svc.Report(ctx, "7-cache")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Round)
	assert.True(t, report.PresetEvidenceStatus.OK())
	assert.Empty(t, report.Problems)

	ok, msg = check("7-cache")
	assert.True(t, ok)
	assert.Empty(t, msg)
}
