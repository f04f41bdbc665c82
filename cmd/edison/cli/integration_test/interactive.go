//go:build integration

package integration

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"
)

// promptTimeout bounds every wait on wizard output and on process exit.
const promptTimeout = 10 * time.Second

// RunInteractive executes a CLI command on a pty so setup prompts appear
// and can be answered. The respond callback drives the exchange and
// returns whatever output it read; RunInteractive appends everything
// printed after the callback finishes.
//
// ACCESSIBLE=1 keeps huh on plain line-oriented stdin prompts, the only
// kind a test can script against reliably.
func (env *TestEnv) RunInteractive(args []string, respond func(tty *os.File) string) (string, error) {
	env.T.Helper()

	cmd := exec.Command(getTestBinary(), args...)
	cmd.Dir = env.RepoDir
	cmd.Env = append(env.cliEnv(),
		"TERM=xterm",
		"ACCESSIBLE=1",
	)

	tty, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("starting pty: %w", err)
	}
	defer tty.Close()

	var scripted string
	respondDone := make(chan struct{})
	go func() {
		defer close(respondDone)
		scripted = respond(tty)
	}()

	select {
	case <-respondDone:
	case <-time.After(promptTimeout):
		env.T.Log("Warning: respond callback timed out")
	}

	// Drain whatever the wizard prints after the scripted exchange.
	var rest bytes.Buffer
	restDone := make(chan struct{})
	go func() {
		defer close(restDone)
		_, _ = io.Copy(&rest, tty)
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-time.After(promptTimeout):
		_ = cmd.Process.Kill()
		waitErr = fmt.Errorf("wizard did not finish within %s", promptTimeout)
	}

	select {
	case <-restDone:
	case <-time.After(time.Second):
	}

	return scripted + rest.String(), waitErr
}

// AwaitPrompt reads the pty until promptSubstring shows up, answers with
// response, and returns everything read so far. Reads poll on a short
// deadline so a wedged wizard fails the wait instead of hanging the test.
func AwaitPrompt(tty *os.File, promptSubstring, response string, timeout time.Duration) (string, error) {
	var output bytes.Buffer
	buf := make([]byte, 1024)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		_ = tty.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := tty.Read(buf)
		if n > 0 {
			output.Write(buf[:n])
			if strings.Contains(output.String(), promptSubstring) {
				_, _ = tty.WriteString(response)
				return output.String(), nil
			}
		}
		if err != nil && !os.IsTimeout(err) {
			return output.String(), err
		}
	}
	return output.String(), fmt.Errorf("no prompt containing %q within %s", promptSubstring, timeout)
}
