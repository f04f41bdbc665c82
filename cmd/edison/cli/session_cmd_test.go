package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/session"
)

func TestSessionNewAndStatus(t *testing.T) {
	setupTestProject(t)

	out, err := runCommand(t, "session", "new", "dev-1", "--no-worktree", "--title", "Auth work")
	if err != nil {
		t.Fatalf("session new error = %v, output: %s", err, out)
	}
	if !strings.Contains(out, "Created session dev-1 (draft)") {
		t.Errorf("session new output = %q", out)
	}

	out, err = runCommand(t, "session", "status", "dev-1")
	if err != nil {
		t.Fatalf("session status error = %v, output: %s", err, out)
	}
	for _, want := range []string{"Session:  dev-1", "State:    draft", "Title:    Auth work", "Pinned:   false"} {
		if !strings.Contains(out, want) {
			t.Errorf("session status missing %q, got: %s", want, out)
		}
	}
}

func TestSessionStartPinsSession(t *testing.T) {
	tmpDir := setupTestProject(t)

	if out, err := runCommand(t, "session", "new", "dev-1", "--no-worktree"); err != nil {
		t.Fatalf("session new error = %v, output: %s", err, out)
	}

	out, err := runCommand(t, "session", "start", "dev-1")
	if err != nil {
		t.Fatalf("session start error = %v, output: %s", err, out)
	}
	if !strings.Contains(out, "Session dev-1 is wip") {
		t.Errorf("session start output = %q", out)
	}
	if !strings.Contains(out, "Pinned in "+paths.SessionIDFileName) {
		t.Errorf("session start should report the pin, got: %s", out)
	}

	pin, err := os.ReadFile(filepath.Join(tmpDir, paths.SessionIDFileName))
	if err != nil {
		t.Fatalf("reading pin file: %v", err)
	}
	if strings.TrimSpace(string(pin)) != "dev-1" {
		t.Errorf("pin file = %q, want dev-1", pin)
	}

	// Status without an id resolves through the pin.
	out, err = runCommand(t, "session", "status")
	if err != nil {
		t.Fatalf("pinned session status error = %v, output: %s", err, out)
	}
	if !strings.Contains(out, "Session:  dev-1") || !strings.Contains(out, "Pinned:   true") {
		t.Errorf("pinned status output = %q", out)
	}
}

func TestSessionStatusJSON(t *testing.T) {
	setupTestProject(t)

	for _, args := range [][]string{
		{"session", "new", "dev-1", "--no-worktree"},
		{"session", "start", "dev-1"},
	} {
		if out, err := runCommand(t, args...); err != nil {
			t.Fatalf("%v error = %v, output: %s", args, err, out)
		}
	}

	out, err := runCommand(t, "--json", "session", "status", "dev-1")
	if err != nil {
		t.Fatalf("session status --json error = %v, output: %s", err, out)
	}
	var status session.Status
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("session status --json is not valid JSON: %v\n%s", err, out)
	}
	if status.Session == nil || status.Session.ID != "dev-1" || status.Session.State != "wip" {
		t.Errorf("status payload = %+v", status)
	}
	if !status.Pinned {
		t.Error("status payload should report the pin")
	}
}

func TestSessionCompletePublishesWork(t *testing.T) {
	tmpDir := setupTestProject(t)

	steps := [][]string{
		{"session", "new", "dev-1", "--no-worktree"},
		{"session", "start", "dev-1"},
		{"task", "new", "fix-auth"},
		{"task", "claim", "001-fix-auth"},
		{"task", "complete", "001-fix-auth"},
	}
	for _, args := range steps {
		if out, err := runCommand(t, args...); err != nil {
			t.Fatalf("%v error = %v, output: %s", args, err, out)
		}
	}

	out, err := runCommand(t, "session", "complete")
	if err != nil {
		t.Fatalf("session complete error = %v, output: %s", err, out)
	}
	if !strings.Contains(out, "Completed session dev-1: moved 1 tasks, 0 QA records") {
		t.Errorf("session complete output = %q", out)
	}

	// The task is global again and keeps its state; the pin is gone.
	out, err = runCommand(t, "task", "list", "--state", "done")
	if err != nil {
		t.Fatalf("task list error = %v", err)
	}
	if !strings.Contains(out, "001-fix-auth") {
		t.Errorf("published task missing from global list, got: %s", out)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, paths.SessionIDFileName)); !os.IsNotExist(err) {
		t.Error("session complete should clear the pin file")
	}
}

func TestSessionContextOutsideProject(t *testing.T) {
	setupTestDir(t)

	out, err := runCommand(t, "session", "context")
	if err != nil {
		t.Fatalf("session context error = %v, output: %s", err, out)
	}
	if !strings.Contains(out, "## Edison Context") {
		t.Errorf("context output missing header, got: %s", out)
	}
	if !strings.Contains(out, "isEdisonProject") || !strings.Contains(out, "false") {
		t.Errorf("context outside a project should say so, got: %s", out)
	}
}

func TestSessionContextInProject(t *testing.T) {
	setupTestProject(t)

	for _, args := range [][]string{
		{"session", "new", "dev-1", "--no-worktree"},
		{"session", "start", "dev-1"},
	} {
		if out, err := runCommand(t, args...); err != nil {
			t.Fatalf("%v error = %v, output: %s", args, err, out)
		}
	}

	out, err := runCommand(t, "session", "context")
	if err != nil {
		t.Fatalf("session context error = %v, output: %s", err, out)
	}
	for _, want := range []string{"isEdisonProject", "true", "dev-1", "wip"} {
		if !strings.Contains(out, want) {
			t.Errorf("context missing %q, got: %s", want, out)
		}
	}
}

func TestSessionNextSuggestsClaim(t *testing.T) {
	setupTestProject(t)

	for _, args := range [][]string{
		{"session", "new", "dev-1", "--no-worktree"},
		{"session", "start", "dev-1"},
	} {
		if out, err := runCommand(t, args...); err != nil {
			t.Fatalf("%v error = %v, output: %s", args, err, out)
		}
	}

	out, err := runCommand(t, "session", "next")
	if err != nil {
		t.Fatalf("session next error = %v, output: %s", err, out)
	}
	if !strings.Contains(out, "Next: edison task claim") {
		t.Errorf("session next should suggest claiming, got: %s", out)
	}
}

func TestSessionNextOutsideProjectSuggestsInit(t *testing.T) {
	setupTestDir(t)

	out, err := runCommand(t, "session", "next")
	if err != nil {
		t.Fatalf("session next error = %v, output: %s", err, out)
	}
	if !strings.Contains(out, "Next: edison init") {
		t.Errorf("session next outside a project should suggest init, got: %s", out)
	}
}

func TestSessionStatusUnknownSession(t *testing.T) {
	setupTestProject(t)

	out, err := runCommand(t, "--json", "session", "status", "ghost")
	if err == nil {
		t.Fatal("expected an error for an unknown session")
	}
	var env errorEnvelope
	if jsonErr := json.Unmarshal([]byte(out), &env); jsonErr != nil {
		t.Fatalf("error output is not JSON: %v\n%s", jsonErr, out)
	}
	if env.Error.Code != "SESSION_NOT_FOUND" {
		t.Errorf("error code = %q, want SESSION_NOT_FOUND", env.Error.Code)
	}
}

func TestSessionStatusNoSessionResolvable(t *testing.T) {
	setupTestProject(t)

	out, err := runCommand(t, "--json", "session", "status")
	if err == nil {
		t.Fatal("expected an error with no pinned session")
	}
	var env errorEnvelope
	if jsonErr := json.Unmarshal([]byte(out), &env); jsonErr != nil {
		t.Fatalf("error output is not JSON: %v\n%s", jsonErr, out)
	}
	if env.Error.Code != "NO_SESSION" {
		t.Errorf("error code = %q, want NO_SESSION", env.Error.Code)
	}
}
