package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"edison.dev/cli/cmd/edison/cli/rules"
)

func TestRulesInjectSelectsGeneralRules(t *testing.T) {
	setupTestProject(t)

	out, err := runCommand(t, "rules", "inject")
	if err != nil {
		t.Fatalf("rules inject: %v\n%s", err, out)
	}
	if !strings.Contains(out, "## Active Rules") {
		t.Errorf("expected rules header, got:\n%s", out)
	}
	if !strings.Contains(out, "Never move task files by hand") {
		t.Errorf("expected the general rule, got:\n%s", out)
	}
	if strings.Contains(out, "Children must be terminal") {
		t.Errorf("transition-bound rule leaked into a generic query:\n%s", out)
	}
}

func TestRulesInjectMapsStateToTransition(t *testing.T) {
	setupTestProject(t)

	out, err := runCommand(t, "--json", "rules", "inject", "--state", "done", "--task", "001-fix-auth")
	if err != nil {
		t.Fatalf("rules inject --state done: %v\n%s", err, out)
	}
	var payload rules.Payload
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decoding payload: %v\n%s", err, out)
	}
	if payload.TaskID != "001-fix-auth" {
		t.Errorf("taskId = %q", payload.TaskID)
	}
	ids := make(map[string]bool)
	for _, r := range payload.Rules {
		ids[r.ID] = true
	}
	if !ids["evidence-before-validation"] {
		t.Errorf("expected evidence-before-validation for done->validated, got %v", ids)
	}
	if ids["children-before-done"] {
		t.Errorf("wip->done rule selected for done->validated: %v", ids)
	}
	if !strings.Contains(payload.Injection, "## Active Rules") {
		t.Errorf("injection missing header:\n%s", payload.Injection)
	}
}

func TestRulesInjectContextFilter(t *testing.T) {
	setupTestProject(t)

	out, err := runCommand(t, "rules", "inject", "--context", "delegation")
	if err != nil {
		t.Fatalf("rules inject --context: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Claim tasks inside an active session") {
		t.Errorf("context-bound rule missing:\n%s", out)
	}
}

func TestRulesInjectUnmappedState(t *testing.T) {
	setupTestProject(t)

	out, err := runCommand(t, "--json", "rules", "inject", "--state", "banana")
	if err == nil {
		t.Fatal("expected an error for an unmapped state")
	}
	var env errorEnvelope
	if jsonErr := json.Unmarshal([]byte(out), &env); jsonErr != nil {
		t.Fatalf("error output is not JSON: %v\n%s", jsonErr, out)
	}
	if !strings.Contains(env.Error.Message, "no transition mapped") {
		t.Errorf("unexpected message: %s", env.Error.Message)
	}
}

func TestRulesInjectProjectRegistryReplacesByID(t *testing.T) {
	root := setupTestProject(t)

	registry := filepath.Join(root, ".edison", "rules", "registry.yml")
	if err := os.MkdirAll(filepath.Dir(registry), 0o750); err != nil {
		t.Fatal(err)
	}
	override := `rules:
  - id: no-manual-file-moves
    title: Drive every file move through the CLI
    category: workflow
    applies_to:
      - agent
    priority: 40
    guidance: |
      Replaced by the project layer.
`
	if err := os.WriteFile(registry, []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, "rules", "inject")
	if err != nil {
		t.Fatalf("rules inject: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Drive every file move through the CLI") {
		t.Errorf("project override missing:\n%s", out)
	}
	if strings.Contains(out, "Never move task files by hand") {
		t.Errorf("core rule survived the project override:\n%s", out)
	}
}
