package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/logging"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/statemachine"
	"edison.dev/cli/cmd/edison/cli/worktree"
)

// ErrNoSession is returned when no session id could be resolved from the
// flag, the .session-id pin, or the environment.
var ErrNoSession = errors.New("no session selected (pass --session, run `edison session start`, or set AGENTS_SESSION)")

// NotFoundError reports a session id with no record in any state.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}

// Manager drives session lifecycle: records via the store, checkouts via
// the worktree manager, transitions via the session state machine.
type Manager struct {
	cfg       *config.Config
	store     *Store
	worktrees *worktree.Manager
	machine   *statemachine.Machine
}

// NewManager builds a session manager from the project config.
func NewManager(cfg *config.Config) (*Manager, error) {
	var spec statemachine.Spec
	if err := cfg.DecodeSection("workflow.session", &spec); err != nil {
		return nil, err
	}
	machine := statemachine.New("session", spec)
	if machine.InitialState() == "" {
		return nil, errors.New("workflow.session defines no initial state")
	}

	worktrees, err := worktree.NewManager(cfg)
	if err != nil {
		return nil, err
	}

	base := filepath.Join(cfg.ManagementDir(), paths.SessionsDirName)
	store := NewStore(base, machine.States(), cfg.LockOptions())

	return &Manager{
		cfg:       cfg,
		store:     store,
		worktrees: worktrees,
		machine:   machine,
	}, nil
}

// Store exposes the session record store.
func (m *Manager) Store() *Store {
	return m.store
}

// Worktrees exposes the worktree manager.
func (m *Manager) Worktrees() *worktree.Manager {
	return m.worktrees
}

// Machine exposes the session state machine.
func (m *Manager) Machine() *statemachine.Machine {
	return m.machine
}

// Resolve determines the working session id. Precedence: explicit argument,
// then the .session-id pin in the project root, then AGENTS_SESSION.
// Returns ErrNoSession when nothing matches.
func (m *Manager) Resolve(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	pinned, err := paths.ReadSessionIDFile(m.cfg.Root())
	if err != nil {
		return "", err
	}
	if pinned != "" {
		return pinned, nil
	}
	if env := os.Getenv(paths.EnvSessionID); env != "" {
		return env, nil
	}
	return "", ErrNoSession
}

// NewOptions configures session creation.
type NewOptions struct {
	Title      string
	Owner      string
	BaseBranch string
	// NoWorktree skips checkout creation even when worktrees are enabled.
	NoWorktree bool
}

// New creates a session in the workflow's initial state. When worktrees are
// enabled the session checkout is created (or reused) before the record is
// persisted, so a failed git operation never leaves a record behind.
func (m *Manager) New(ctx context.Context, id string, opts NewOptions) (*Session, error) {
	if id == "" {
		id = paths.GenerateSessionID()
	}
	if err := paths.ValidateSessionID(id); err != nil {
		return nil, err
	}
	existing, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("session %s already exists in state %s", id, existing.State)
	}

	sess := &Session{
		ID:    id,
		State: m.machine.InitialState(),
		Owner: opts.Owner,
		Title: opts.Title,
		Git:   GitInfo{BaseBranch: opts.BaseBranch},
	}

	if m.worktrees.Enabled() && !opts.NoWorktree {
		wt, err := m.worktrees.Ensure(ctx, id, opts.BaseBranch)
		if err != nil {
			return nil, fmt.Errorf("creating session worktree: %w", err)
		}
		sess.Git.Branch = wt.Branch
		sess.Git.WorktreePath = wt.Path
	}

	if _, err := m.store.Save(ctx, sess, SaveOptions{Actor: opts.Owner}); err != nil {
		return nil, err
	}
	logging.Info(ctx, "session created", "session_id", id, "state", sess.State)
	return sess, nil
}

// Get loads a session, returning an error (not nil) when it doesn't exist.
func (m *Manager) Get(id string) (*Session, error) {
	sess, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &NotFoundError{ID: id}
	}
	return sess, nil
}

// startTarget picks the state `start` moves to from the initial state:
// the first outgoing edge to a non-final state, else the first edge.
func (m *Manager) startTarget(current string) string {
	if current != m.machine.InitialState() {
		return ""
	}
	targets := m.machine.TransitionsFrom(current)
	for _, t := range targets {
		if !m.machine.IsFinal(t) {
			return t
		}
	}
	if len(targets) > 0 {
		return targets[0]
	}
	return ""
}

// StartOptions annotates the start transition.
type StartOptions struct {
	Reason string
	Actor  string
}

// Start activates a session for the current checkout: advances it out of
// the initial state, re-ensures its worktree, and pins it in .session-id.
// Starting an already-active session is idempotent.
func (m *Manager) Start(ctx context.Context, id string, opts StartOptions) (*Session, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if m.machine.IsFinal(sess.State) {
		return nil, fmt.Errorf("session %s is already %s", id, sess.State)
	}

	if target := m.startTarget(sess.State); target != "" {
		smCtx := &statemachine.Context{
			Entity:    "session",
			ID:        id,
			SessionID: id,
			Reason:    opts.Reason,
			Actor:     opts.Actor,
		}
		_, err := m.machine.Transition(smCtx, sess.State, target, func() error {
			sess.State = target
			_, err := m.store.Save(ctx, sess, SaveOptions{Reason: opts.Reason, Actor: opts.Actor})
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	if m.worktrees.Enabled() && sess.Git.Branch != "" {
		wt, err := m.worktrees.Ensure(ctx, id, sess.Git.BaseBranch)
		if err != nil {
			return nil, fmt.Errorf("reactivating session worktree: %w", err)
		}
		if wt.Path != sess.Git.WorktreePath {
			sess.Git.WorktreePath = wt.Path
			if _, err := m.store.Save(ctx, sess, SaveOptions{}); err != nil {
				return nil, err
			}
		}
	}

	if err := paths.WriteSessionIDFile(m.cfg.Root(), id); err != nil {
		return nil, err
	}
	logging.Info(ctx, "session started", "session_id", id, "state", sess.State)
	return sess, nil
}

// Advance transitions a session between states through the state machine.
// Workflow-level operations (complete_session) call this after their own
// bookkeeping.
func (m *Manager) Advance(ctx context.Context, id, to, reason, actor string) (*Session, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	smCtx := &statemachine.Context{
		Entity:    "session",
		ID:        id,
		SessionID: id,
		Reason:    reason,
		Actor:     actor,
	}
	_, err = m.machine.Transition(smCtx, sess.State, to, func() error {
		sess.State = to
		_, err := m.store.Save(ctx, sess, SaveOptions{Reason: reason, Actor: actor})
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// TerminalState returns the session workflow's final state. When config
// defines several, the first in sorted order wins.
func (m *Manager) TerminalState() (string, error) {
	for _, state := range m.machine.States() {
		if m.machine.IsFinal(state) {
			return state, nil
		}
	}
	return "", errors.New("workflow.session defines no final state")
}

// Status is the session status snapshot rendered by `session status`.
type Status struct {
	Session         *Session `json:"session"`
	Pinned          bool     `json:"pinned"`
	WorktreeExists  bool     `json:"worktree_exists"`
	WorktreeHealthy bool     `json:"worktree_healthy"`
}

// Status reports a session's record plus the health of its checkout.
func (m *Manager) Status(ctx context.Context, id string) (*Status, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	status := &Status{Session: sess}

	pinned, err := paths.ReadSessionIDFile(m.cfg.Root())
	if err == nil && pinned == id {
		status.Pinned = true
	}

	if sess.Git.WorktreePath != "" {
		if _, err := os.Stat(sess.Git.WorktreePath); err == nil {
			status.WorktreeExists = true
			status.WorktreeHealthy = m.worktrees.Healthy(ctx, id)
		}
	}
	return status, nil
}

// Unpin clears the .session-id pin when it points at id. Used after a
// session reaches its terminal state.
func (m *Manager) Unpin(id string) error {
	pinned, err := paths.ReadSessionIDFile(m.cfg.Root())
	if err != nil || pinned != id {
		return err
	}
	if err := os.Remove(filepath.Join(m.cfg.Root(), paths.SessionIDFileName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing session pin: %w", err)
	}
	return nil
}
