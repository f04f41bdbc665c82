// Package session persists sessions as sessions/<state>/<id>/session.json
// and drives their lifecycle. A session directory also holds the
// session-scoped task and QA subtrees, so a state change relocates the
// whole directory.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"edison.dev/cli/cmd/edison/cli/atomicio"
	"edison.dev/cli/cmd/edison/cli/filelock"
	"edison.dev/cli/cmd/edison/cli/paths"
)

// Transition is one append-only history entry.
type Transition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
	Actor  string    `json:"actor,omitempty"`
}

// GitInfo records the branch and worktree backing a session.
type GitInfo struct {
	Branch       string `json:"branch,omitempty"`
	BaseBranch   string `json:"base_branch,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`
}

// Session is the persisted record for one working session.
type Session struct {
	ID           string       `json:"id"`
	State        string       `json:"state"`
	Owner        string       `json:"owner,omitempty"`
	Title        string       `json:"title,omitempty"`
	Git          GitInfo      `json:"git"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	StateHistory []Transition `json:"state_history,omitempty"`
}

// Store reads and writes session records under one sessions root.
type Store struct {
	base     string
	states   []string
	lockOpts filelock.Options
}

// NewStore returns a store rooted at base (usually <mgmt>/sessions).
func NewStore(base string, states []string, lockOpts filelock.Options) *Store {
	return &Store{base: base, states: states, lockOpts: lockOpts}
}

// Base returns the sessions root directory.
func (s *Store) Base() string {
	return s.base
}

// DirFor returns the session directory for a state and id.
func (s *Store) DirFor(state, id string) string {
	return filepath.Join(s.base, state, id)
}

// FileFor returns the session.json path for a state and id.
func (s *Store) FileFor(state, id string) string {
	return filepath.Join(s.DirFor(state, id), paths.SessionFileName)
}

// TasksDirIn returns the session-scoped tasks tree inside a session dir.
func TasksDirIn(sessionDir string) string {
	return filepath.Join(sessionDir, paths.TasksDirName)
}

// QADirIn returns the session-scoped QA tree inside a session dir.
func QADirIn(sessionDir string) string {
	return filepath.Join(sessionDir, paths.QADirName)
}

// Find locates a session's directory by scanning state directories.
// Missing sessions return empty strings and no error.
func (s *Store) Find(id string) (dir, state string, err error) {
	for _, st := range s.states {
		candidate := s.FileFor(st, id)
		if _, err := os.Stat(candidate); err == nil {
			return s.DirFor(st, id), st, nil
		} else if !os.IsNotExist(err) {
			return "", "", fmt.Errorf("locating session %s: %w", id, err)
		}
	}
	return "", "", nil
}

// Get loads a session by id, returning (nil, nil) when absent.
func (s *Store) Get(id string) (*Session, error) {
	dir, _, err := s.Find(id)
	if err != nil || dir == "" {
		return nil, err
	}
	return s.load(filepath.Join(dir, paths.SessionFileName))
}

func (s *Store) load(path string) (*Session, error) {
	raw, err := atomicio.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &sess, nil
}

// ListByState returns the sessions in one state, sorted by id.
func (s *Store) ListByState(state string) ([]*Session, error) {
	dir := filepath.Join(s.base, state)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var out []*Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := s.FileFor(state, entry.Name())
		if _, err := os.Stat(path); err != nil {
			continue
		}
		sess, err := s.load(path)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListAll returns every session across all states.
func (s *Store) ListAll() ([]*Session, error) {
	var out []*Session
	for _, state := range s.states {
		sessions, err := s.ListByState(state)
		if err != nil {
			return nil, err
		}
		out = append(out, sessions...)
	}
	return out, nil
}

// SaveOptions carries workflow context for a save.
type SaveOptions struct {
	Reason string
	Actor  string
	Now    time.Time
}

// Save writes the session record. When the on-disk state differs from the
// session's state, the whole session directory (including its task and QA
// subtrees) moves to the new state directory and a history entry is
// appended.
func (s *Store) Save(ctx context.Context, sess *Session, opts SaveOptions) (string, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	if sess.State == "" {
		return "", fmt.Errorf("session %s has no state", sess.ID)
	}

	oldDir, oldState, err := s.Find(sess.ID)
	if err != nil {
		return "", err
	}
	newDir := s.DirFor(sess.State, sess.ID)

	lockTarget := filepath.Join(newDir, paths.SessionFileName)
	if oldDir != "" {
		lockTarget = filepath.Join(oldDir, paths.SessionFileName)
	}
	lock, err := filelock.Acquire(ctx, lockTarget, s.lockOpts)
	if err != nil {
		return "", err
	}
	defer lock.Release()

	if oldDir != "" && oldState != sess.State {
		sess.StateHistory = append(sess.StateHistory, Transition{
			From:   oldState,
			To:     sess.State,
			At:     now.UTC(),
			Reason: opts.Reason,
			Actor:  opts.Actor,
		})
		if err := os.MkdirAll(filepath.Dir(newDir), 0o750); err != nil {
			return "", fmt.Errorf("creating state directory: %w", err)
		}
		if err := os.Rename(oldDir, newDir); err != nil {
			return "", fmt.Errorf("relocating session %s: %w", sess.ID, err)
		}
	}
	sess.UpdatedAt = now.UTC()

	path := filepath.Join(newDir, paths.SessionFileName)
	if err := atomicio.WriteJSON(path, sess, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}
