//go:build integration

package integration

import (
	"os"
	"os/exec"
	"strings"
	"testing"
)

// RunInitWizard runs `edison init` in accessible mode with scripted stdin.
// Accessible prompts read plain lines, so a reader is all the wizard needs.
func (env *TestEnv) RunInitWizard(stdin string, extraArgs ...string) (string, error) {
	env.T.Helper()

	args := append([]string{"init"}, extraArgs...)
	cmd := exec.Command(getTestBinary(), args...)
	cmd.Dir = env.RepoDir
	cmd.Env = append(env.cliEnv(), "ACCESSIBLE=1")
	cmd.Stdin = strings.NewReader(stdin)

	output, err := cmd.CombinedOutput()
	return string(output), err
}

func TestInitWizardReadsAnswersFromStdin(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t)

	// Name, then pack selection ("1" toggles the bundled pack, "0" moves
	// on). The worktree question is pre-answered by the flag.
	out, err := env.RunInitWizard("edison-demo\n1\n0\n", "--enable-worktrees")
	if err != nil {
		t.Fatalf("wizard init failed: %v\nOutput: %s", err, out)
	}
	if !strings.Contains(out, `Initialized Edison project "edison-demo"`) {
		t.Errorf("wizard output = %q", out)
	}
	if !strings.Contains(out, "Worktrees: true") {
		t.Errorf("--enable-worktrees should skip the question and enable, got: %s", out)
	}
	cfgDoc := env.ReadFile(".edison/config/10-project.yaml")
	if !strings.Contains(cfgDoc, "edison-demo") {
		t.Errorf("project config should carry the wizard name, got: %s", cfgDoc)
	}
}

func TestInitWizardOverPTY(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t)

	output, err := env.RunInteractive([]string{"init", "--enable-worktrees"}, func(tty *os.File) string {
		out, promptErr := AwaitPrompt(tty, "Project name", "edison-pty\n", promptTimeout)
		if promptErr != nil {
			t.Logf("Warning: %v", promptErr)
		}
		// Close out pack selection whatever shape the prompt takes: a
		// blank line declines, "0" finishes a numbered select.
		_, _ = tty.WriteString("\n0\n")
		return out
	})
	if err != nil {
		t.Fatalf("interactive init failed: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, "Initialized Edison project") {
		t.Errorf("wizard output = %q", output)
	}
	cfgDoc := env.ReadFile(".edison/config/10-project.yaml")
	if !strings.Contains(cfgDoc, "edison-pty") {
		t.Errorf("project config should carry the name typed at the pty, got: %s", cfgDoc)
	}
}

func TestInitWizardConfirmsWorktreesOverPTY(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t)

	output, err := env.RunInteractive([]string{"init"}, func(tty *os.File) string {
		out, promptErr := AwaitPrompt(tty, "Project name", "edison-wiz\n", promptTimeout)
		if promptErr != nil {
			t.Logf("Warning: %v", promptErr)
		}
		_, _ = tty.WriteString("\n0\n")
		confirmOut, promptErr := AwaitPrompt(tty, "[y/N]", "y\n", promptTimeout)
		if promptErr != nil {
			t.Logf("Warning: %v", promptErr)
		}
		// A spare answer in the buffer covers the form spending the
		// first one on pack selection.
		_, _ = tty.WriteString("y\n")
		return out + confirmOut
	})
	if err != nil {
		t.Fatalf("interactive init failed: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, "Worktrees: true") {
		t.Errorf("confirming the worktree question should enable worktrees, got: %s", output)
	}
}
