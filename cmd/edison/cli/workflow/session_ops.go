package workflow

import (
	"context"
	"fmt"

	"edison.dev/cli/cmd/edison/cli/entity"
	"edison.dev/cli/cmd/edison/cli/logging"
	"edison.dev/cli/cmd/edison/cli/session"
	"edison.dev/cli/cmd/edison/cli/statemachine"
)

// CompleteSessionResult summarizes what session completion did.
type CompleteSessionResult struct {
	Session    *session.Session `json:"session"`
	TasksMoved int              `json:"tasks_moved"`
	QAMoved    int              `json:"qa_moved"`
	// ArchivedTo is the worktree archive path, empty when no worktree
	// existed.
	ArchivedTo string `json:"archived_to,omitempty"`
}

// CompleteSession moves every session-scoped task and QA record back to the
// global trees (preserving states), transitions the session to its terminal
// state, archives the worktree, and clears the session pin. This is the
// point at which session-scoped records become globally visible.
func (s *Service) CompleteSession(ctx context.Context, sessionID, actor string) (*CompleteSessionResult, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	terminal, err := s.sessions.TerminalState()
	if err != nil {
		return nil, err
	}
	if sess.State == terminal {
		return nil, fmt.Errorf("session %s is already %s", sessionID, terminal)
	}
	// Check the session edge before touching any file, so an unstartable
	// session doesn't end up half-released.
	preflight := &statemachine.Context{Entity: "session", ID: sessionID, SessionID: sessionID}
	if err := s.sessions.Machine().ValidateTransition(preflight, sess.State, terminal); err != nil {
		return nil, err
	}

	result := &CompleteSessionResult{}

	moved, err := s.releaseTasks(ctx, sess, actor)
	if err != nil {
		return nil, err
	}
	result.TasksMoved = moved

	moved, err = s.releaseQA(ctx, sess, actor)
	if err != nil {
		return nil, err
	}
	result.QAMoved = moved

	updated, err := s.sessions.Advance(ctx, sessionID, terminal, "completed", actor)
	if err != nil {
		return nil, err
	}
	result.Session = updated

	if s.sessions.Worktrees().Enabled() && updated.Git.Branch != "" {
		archived, err := s.sessions.Worktrees().Archive(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("archiving session worktree: %w", err)
		}
		result.ArchivedTo = archived
	}
	if err := s.sessions.Unpin(sessionID); err != nil {
		return nil, err
	}

	logging.Info(ctx, "session completed",
		"session_id", sessionID,
		"tasks_moved", result.TasksMoved,
		"qa_moved", result.QAMoved)
	return result, nil
}

// releaseTasks moves the session's tasks back to the global tree, keeping
// their states. The session_id field stays for provenance.
func (s *Service) releaseTasks(ctx context.Context, sess *session.Session, actor string) (int, error) {
	sessRepo := s.sessionTaskRepo(sess)
	globalRepo := s.globalTaskRepo()
	tasks, err := sessRepo.ListAll()
	if err != nil {
		return 0, err
	}
	for _, task := range tasks {
		if _, err := globalRepo.Save(ctx, task, entity.SaveOptions{Actor: actor}); err != nil {
			return 0, err
		}
		if err := sessRepo.Remove(ctx, task.ID); err != nil {
			return 0, err
		}
	}
	return len(tasks), nil
}

// releaseQA moves the session's QA records back to the global tree.
func (s *Service) releaseQA(ctx context.Context, sess *session.Session, actor string) (int, error) {
	sessRepo := s.sessionQARepo(sess)
	globalRepo := s.globalQARepo()
	records, err := sessRepo.ListAll()
	if err != nil {
		return 0, err
	}
	for _, qa := range records {
		if _, err := globalRepo.Save(ctx, qa, entity.SaveOptions{Actor: actor}); err != nil {
			return 0, err
		}
		if err := sessRepo.Remove(ctx, qa.ID); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}
