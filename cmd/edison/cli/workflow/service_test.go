package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/session"
)

// newTestService builds a workflow service on a throwaway project root.
// Sessions are created without worktrees so no git binary is needed; the
// worktree path is covered by its own package tests.
func newTestService(t *testing.T, opts Options) (*Service, *session.Manager, string) {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.Load(root)
	require.NoError(t, err)
	sessions, err := session.NewManager(cfg)
	require.NoError(t, err)
	svc, err := NewService(cfg, sessions, opts)
	require.NoError(t, err)
	return svc, sessions, root
}

// startSession creates and starts a worktree-less session.
func startSession(t *testing.T, sessions *session.Manager, id string) *session.Session {
	t.Helper()
	ctx := context.Background()
	_, err := sessions.New(ctx, id, session.NewOptions{NoWorktree: true})
	require.NoError(t, err)
	sess, err := sessions.Start(ctx, id, session.StartOptions{})
	require.NoError(t, err)
	return sess
}

// passingEvidence satisfies every evidence check.
func passingEvidence(string) (bool, string) {
	return true, ""
}
