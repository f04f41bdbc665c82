package workflow

import (
	"context"
	"fmt"
	"time"

	"edison.dev/cli/cmd/edison/cli/entity"
	"edison.dev/cli/cmd/edison/cli/logging"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/statemachine"
)

// CreateQAOptions carries optional fields for QA creation.
type CreateQAOptions struct {
	Preset string
	Body   string
	Now    time.Time
}

// CreateQA creates the QA record paired with a task, in the QA workflow's
// initial state. The record lands next to its task: in the owning session's
// subtree when the task is claimed, else in the global tree.
func (s *Service) CreateQA(ctx context.Context, taskToken string, opts CreateQAOptions) (*entity.QA, error) {
	ix, err := s.scanner.Scan()
	if err != nil {
		return nil, err
	}
	taskID, err := ix.Expand(taskToken)
	if err != nil {
		return nil, err
	}
	taskID = paths.TaskIDForQA(taskID)
	entry := ix.Task(taskID)
	if entry == nil {
		return nil, fmt.Errorf("task %s not found", taskID)
	}

	qaID := paths.QAIDForTask(taskID)
	if ix.QA(qaID) != nil {
		return nil, fmt.Errorf("QA record %s already exists", qaID)
	}
	initial := s.qaM.InitialState()
	if initial == "" {
		return nil, fmt.Errorf("workflow.qa defines no initial state")
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	qa := &entity.QA{
		ID:        qaID,
		TaskID:    taskID,
		State:     initial,
		SessionID: entry.SessionID,
		Preset:    opts.Preset,
		CreatedAt: now.UTC(),
		Body:      opts.Body,
	}
	if qa.Body == "" {
		qa.Body = "\n# QA: " + firstNonEmpty(entry.Task.Title, taskID) + "\n"
	}

	repo := s.globalQARepo()
	if entry.SessionID != "" {
		sess, err := s.sessions.Get(entry.SessionID)
		if err != nil {
			return nil, err
		}
		repo = s.sessionQARepo(sess)
	}
	if _, err := repo.Save(ctx, qa, entity.SaveOptions{Now: now}); err != nil {
		return nil, err
	}
	logging.Info(ctx, "qa created", "qa_id", qaID, "state", initial)
	return qa, nil
}

// PromoteQA advances a QA record one step along its workflow: the first
// outgoing edge from its current state. Conditions on that edge (such as
// evidence-complete) apply.
func (s *Service) PromoteQA(ctx context.Context, token, actor string) (*entity.QA, error) {
	ix, err := s.scanner.Scan()
	if err != nil {
		return nil, err
	}
	id, err := ix.Expand(token)
	if err != nil {
		return nil, err
	}
	if !paths.IsQAID(id) {
		id = paths.QAIDForTask(id)
	}

	repo, qa, err := s.findQA(id, "")
	if err != nil {
		return nil, err
	}
	if qa == nil {
		return nil, fmt.Errorf("QA record %s not found", id)
	}
	if s.qaM.IsFinal(qa.State) {
		return nil, fmt.Errorf("QA %s is already %s", id, qa.State)
	}
	targets := s.qaM.TransitionsFrom(qa.State)
	if len(targets) == 0 {
		return nil, fmt.Errorf("QA %s has no transition out of %s", id, qa.State)
	}
	to := targets[0]

	smCtx := &statemachine.Context{
		Entity:    "qa",
		ID:        id,
		SessionID: qa.SessionID,
		Reason:    "promoted",
		Actor:     actor,
	}
	_, err = s.qaM.Transition(smCtx, qa.State, to, func() error {
		qa.State = to
		_, err := repo.Save(ctx, qa, entity.SaveOptions{Reason: "promoted", Actor: actor})
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Info(ctx, "qa promoted", "qa_id", id, "state", to)
	return qa, nil
}
