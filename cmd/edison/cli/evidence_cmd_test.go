package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"edison.dev/cli/cmd/edison/cli/evidence"
)

func TestEvidenceStatusBeforeAnyCapture(t *testing.T) {
	setupTestProject(t)

	if out, err := runCommand(t, "task", "new", "fix-auth"); err != nil {
		t.Fatalf("task new error = %v, output: %s", err, out)
	}

	out, err := runCommand(t, "--json", "evidence", "status", "001-fix-auth")
	if err != nil {
		t.Fatalf("evidence status error = %v, output: %s", err, out)
	}
	var report evidence.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("evidence status --json is not valid JSON: %v\n%s", err, out)
	}
	if report.TaskID != "001-fix-auth" {
		t.Errorf("report task = %q", report.TaskID)
	}
	if report.Round != 0 {
		t.Errorf("report round = %d, want 0 before any capture", report.Round)
	}
	if report.Preset != "quick" {
		t.Errorf("report preset = %q, want the default quick", report.Preset)
	}
}

func TestEvidenceCaptureQuickPreset(t *testing.T) {
	setupTestProject(t)

	if out, err := runCommand(t, "task", "new", "fix-auth"); err != nil {
		t.Fatalf("task new error = %v, output: %s", err, out)
	}

	out, err := runCommand(t, "evidence", "capture", "001-fix-auth")
	if err != nil {
		t.Fatalf("evidence capture error = %v, output: %s", err, out)
	}
	if !strings.Contains(out, "Task 001-fix-auth, round 1, preset quick") {
		t.Errorf("capture output = %q", out)
	}
	if !strings.Contains(out, "Evidence: complete, passed, valid") {
		t.Errorf("quick preset requires nothing, got: %s", out)
	}
}

func TestEvidenceCaptureUnknownTask(t *testing.T) {
	setupTestProject(t)

	out, err := runCommand(t, "--json", "evidence", "capture", "999-ghost")
	if err == nil {
		t.Fatal("expected an error for an unknown task")
	}
	var env errorEnvelope
	if jsonErr := json.Unmarshal([]byte(out), &env); jsonErr != nil {
		t.Fatalf("error output is not JSON: %v\n%s", jsonErr, out)
	}
	if env.Error.Code != "TASK_NOT_FOUND" {
		t.Errorf("error code = %q, want TASK_NOT_FOUND", env.Error.Code)
	}
}

func TestContext7TemplateIsAlwaysJSON(t *testing.T) {
	setupTestProject(t)

	if out, err := runCommand(t, "task", "new", "fix-auth"); err != nil {
		t.Fatalf("task new error = %v, output: %s", err, out)
	}

	// No --json flag: the template is still a machine-readable document.
	out, err := runCommand(t, "evidence", "context7", "template", "001-fix-auth")
	if err != nil {
		t.Fatalf("context7 template error = %v, output: %s", err, out)
	}
	var report evidence.Context7Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("template is not valid JSON: %v\n%s", err, out)
	}
	if report.TaskID != "001-fix-auth" {
		t.Errorf("template task = %q", report.TaskID)
	}
	if len(report.Libraries) == 0 {
		t.Error("template should carry an example library entry")
	}
}

func TestContext7SaveRoundTrip(t *testing.T) {
	tmpDir := setupTestProject(t)

	if out, err := runCommand(t, "task", "new", "fix-auth"); err != nil {
		t.Fatalf("task new error = %v, output: %s", err, out)
	}

	reportPath := filepath.Join(tmpDir, "report.json")
	reportJSON := `{
		"taskId": "001-fix-auth",
		"libraries": [{"id": "/golang/go", "topic": "net/http", "notes": "timeout defaults"}],
		"summary": "Checked http client timeout semantics."
	}`
	if err := os.WriteFile(reportPath, []byte(reportJSON), 0o644); err != nil {
		t.Fatalf("writing report: %v", err)
	}

	out, err := runCommand(t, "--json", "evidence", "context7", "save", "001-fix-auth", "--file", reportPath)
	if err != nil {
		t.Fatalf("context7 save error = %v, output: %s", err, out)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("save payload is not JSON: %v\n%s", err, out)
	}
	saved := payload["path"]
	if saved == "" {
		t.Fatalf("save payload missing path: %v", payload)
	}
	raw, err := os.ReadFile(saved)
	if err != nil {
		t.Fatalf("reading saved report: %v", err)
	}
	var stored evidence.Context7Report
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("stored report is not valid JSON: %v", err)
	}
	if stored.TaskID != "001-fix-auth" || stored.CapturedAt == "" {
		t.Errorf("stored report = %+v, want task id and capture timestamp", stored)
	}
}

func TestContext7SaveRejectsBadReport(t *testing.T) {
	setupTestProject(t)

	if out, err := runCommand(t, "task", "new", "fix-auth"); err != nil {
		t.Fatalf("task new error = %v, output: %s", err, out)
	}

	cmd := NewRootCmd()
	var outBuf strings.Builder
	cmd.SetOut(&outBuf)
	cmd.SetErr(&outBuf)
	cmd.SetIn(strings.NewReader("{not json"))
	cmd.SetArgs([]string{"--json", "evidence", "context7", "save", "001-fix-auth"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for malformed report JSON")
	}
	var env errorEnvelope
	if jsonErr := json.Unmarshal([]byte(outBuf.String()), &env); jsonErr != nil {
		t.Fatalf("error output is not JSON: %v\n%s", jsonErr, outBuf.String())
	}
	if env.Error.Code != "INVALID_JSON" {
		t.Errorf("error code = %q, want INVALID_JSON", env.Error.Code)
	}
}
