package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"edison.dev/cli/cmd/edison/cli/entity"
	"edison.dev/cli/cmd/edison/cli/logging"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/session"
	"edison.dev/cli/cmd/edison/cli/statemachine"
)

// claimStates are the task states a session may claim from.
func (s *Service) claimStates() []string {
	states := s.cfg.GetStrings("tasks.claimableStates")
	if len(states) == 0 {
		states = []string{"todo", "wip"}
	}
	return states
}

func (s *Service) claimable(state string) bool {
	for _, c := range s.claimStates() {
		if c == state {
			return true
		}
	}
	return false
}

// CreateTaskOptions carries optional fields for task creation.
type CreateTaskOptions struct {
	Title      string
	Owner      string
	ParentID   string
	DependsOn  []string
	Components []string
	Priority   string
	Body       string
	Now        time.Time
}

// CreateTask creates a task in the workflow's initial state in the global
// tree.
func (s *Service) CreateTask(ctx context.Context, id string, opts CreateTaskOptions) (*entity.Task, error) {
	if err := paths.ValidateID(id); err != nil {
		return nil, err
	}
	if paths.IsQAID(id) {
		return nil, fmt.Errorf("task id %s carries the reserved QA suffix", id)
	}
	initial := s.taskM.InitialState()
	if initial == "" {
		return nil, fmt.Errorf("workflow.task defines no initial state")
	}

	ix, err := s.scanner.Scan()
	if err != nil {
		return nil, err
	}
	if ix.Task(id) != nil {
		return nil, fmt.Errorf("task %s already exists", id)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	task := &entity.Task{
		ID:         id,
		Title:      opts.Title,
		State:      initial,
		ParentID:   opts.ParentID,
		DependsOn:  opts.DependsOn,
		Components: opts.Components,
		Owner:      opts.Owner,
		Priority:   opts.Priority,
		CreatedAt:  now.UTC(),
		Body:       opts.Body,
	}
	if task.Body == "" {
		task.Body = "\n# " + firstNonEmpty(opts.Title, id) + "\n"
	}
	if _, err := s.globalTaskRepo().Save(ctx, task, entity.SaveOptions{Now: now}); err != nil {
		return nil, err
	}

	if opts.ParentID != "" {
		if err := s.linkParent(ctx, task.ID, opts.ParentID); err != nil {
			return nil, err
		}
	}
	logging.Info(ctx, "task created", "task_id", id, "state", initial)
	return task, nil
}

// ClaimTask moves a task (and its QA record, if any) into a session's
// subtree and advances it to wip. Claiming a task the session already owns
// is a no-op. See the package doc for the state contract.
func (s *Service) ClaimTask(ctx context.Context, token, sessionID, actor string) (*entity.Task, *entity.QA, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}

	ix, err := s.scanner.Scan()
	if err != nil {
		return nil, nil, err
	}
	id, err := ix.Expand(token)
	if err != nil {
		return nil, nil, err
	}
	entry := ix.Task(id)
	if entry == nil {
		return nil, nil, fmt.Errorf("task %s not found", id)
	}
	task := entry.Task

	qaID := paths.QAIDForTask(id)
	if entry.SessionID == sessionID {
		_, qa, err := s.findQA(qaID, sessionID)
		if err != nil {
			return nil, nil, err
		}
		return task, qa, nil
	}
	if entry.SessionID != "" {
		return nil, nil, fmt.Errorf("task %s is already claimed by session %s", id, entry.SessionID)
	}
	if !s.claimable(task.State) {
		return nil, nil, fmt.Errorf("task %s is %s; claimable states are %s",
			id, task.State, strings.Join(s.claimStates(), ", "))
	}

	const target = "wip"
	from := task.State
	task.SessionID = sessionID
	task.LastActive = time.Now().UTC()
	task.State = target
	sessRepo := s.sessionTaskRepo(sess)
	globalRepo := s.globalTaskRepo()

	relocate := func() error {
		if _, err := sessRepo.Save(ctx, task, entity.SaveOptions{
			From:   from,
			Reason: "claimed",
			Actor:  actor,
		}); err != nil {
			return err
		}
		return globalRepo.Remove(ctx, id)
	}

	if from == target {
		// Already in flight; relocation only, no transition to record.
		if err := relocate(); err != nil {
			return nil, nil, err
		}
	} else {
		smCtx := &statemachine.Context{
			Entity:    "task",
			ID:        id,
			SessionID: sessionID,
			Reason:    "claimed",
			Actor:     actor,
		}
		if _, err := s.taskM.Transition(smCtx, from, target, relocate); err != nil {
			return nil, nil, err
		}
	}

	qa, err := s.claimQA(ctx, qaID, sess, actor)
	if err != nil {
		return nil, nil, err
	}
	logging.Info(ctx, "task claimed", "task_id", id, "session_id", sessionID)
	return task, qa, nil
}

// claimQA moves a task's QA record into the session subtree, keeping its
// state. Missing QA records are tolerated.
func (s *Service) claimQA(ctx context.Context, qaID string, sess *session.Session, actor string) (*entity.QA, error) {
	globalRepo := s.globalQARepo()
	qa, err := globalRepo.Get(qaID)
	if err != nil {
		return nil, err
	}
	if qa == nil {
		return nil, nil
	}
	qa.SessionID = sess.ID
	if _, err := s.sessionQARepo(sess).Save(ctx, qa, entity.SaveOptions{Actor: actor}); err != nil {
		return nil, err
	}
	if err := globalRepo.Remove(ctx, qaID); err != nil {
		return nil, err
	}
	return qa, nil
}

// CompleteTask advances a session-owned wip task to done. The QA record, if
// waiting, advances to todo via the machine's after-action.
func (s *Service) CompleteTask(ctx context.Context, token, sessionID, actor string) (*entity.Task, *entity.QA, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}

	ix, err := s.scanner.Scan()
	if err != nil {
		return nil, nil, err
	}
	id, err := ix.Expand(token)
	if err != nil {
		return nil, nil, err
	}
	entry := ix.Task(id)
	if entry == nil {
		return nil, nil, fmt.Errorf("task %s not found", id)
	}
	if entry.SessionID != sessionID {
		return nil, nil, fmt.Errorf("task %s is not owned by session %s", id, sessionID)
	}
	task := entry.Task
	if task.State != "wip" {
		return nil, nil, fmt.Errorf("task %s is %s; only wip tasks can be completed", id, task.State)
	}

	repo := s.sessionTaskRepo(sess)
	smCtx := &statemachine.Context{
		Entity:    "task",
		ID:        id,
		SessionID: sessionID,
		Reason:    "completed",
		Actor:     actor,
	}
	task.LastActive = time.Now().UTC()
	_, err = s.taskM.Transition(smCtx, "wip", "done", func() error {
		task.State = "done"
		_, err := repo.Save(ctx, task, entity.SaveOptions{Reason: "completed", Actor: actor})
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	_, qa, err := s.findQA(paths.QAIDForTask(id), sessionID)
	if err != nil {
		return nil, nil, err
	}
	logging.Info(ctx, "task completed", "task_id", id, "session_id", sessionID)
	return task, qa, nil
}

// AbortTask reverses a claim: the task (and QA) return to the global tree,
// the task in the state it was claimed from.
func (s *Service) AbortTask(ctx context.Context, token, sessionID, actor string) (*entity.Task, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	ix, err := s.scanner.Scan()
	if err != nil {
		return nil, err
	}
	id, err := ix.Expand(token)
	if err != nil {
		return nil, err
	}
	entry := ix.Task(id)
	if entry == nil {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if entry.SessionID != sessionID {
		return nil, fmt.Errorf("task %s is not owned by session %s", id, sessionID)
	}
	task := entry.Task

	prior := s.claimedFrom(task)
	sessRepo := s.sessionTaskRepo(sess)
	globalRepo := s.globalTaskRepo()
	from := task.State
	task.SessionID = ""

	relocate := func() error {
		if _, err := globalRepo.Save(ctx, task, entity.SaveOptions{
			From:   from,
			Reason: "aborted",
			Actor:  actor,
		}); err != nil {
			return err
		}
		return sessRepo.Remove(ctx, id)
	}

	if prior == from {
		if err := relocate(); err != nil {
			return nil, err
		}
	} else {
		smCtx := &statemachine.Context{
			Entity:    "task",
			ID:        id,
			SessionID: sessionID,
			Reason:    "aborted",
			Actor:     actor,
		}
		task.State = prior
		if _, err := s.taskM.Transition(smCtx, from, prior, relocate); err != nil {
			return nil, err
		}
	}

	if err := s.abortQA(ctx, paths.QAIDForTask(id), sess, actor); err != nil {
		return nil, err
	}
	logging.Info(ctx, "task aborted", "task_id", id, "session_id", sessionID, "state", task.State)
	return task, nil
}

// abortQA moves a session-scoped QA record back to the global tree,
// preserving its state.
func (s *Service) abortQA(ctx context.Context, qaID string, sess *session.Session, actor string) error {
	sessRepo := s.sessionQARepo(sess)
	qa, err := sessRepo.Get(qaID)
	if err != nil || qa == nil {
		return err
	}
	qa.SessionID = ""
	if _, err := s.globalQARepo().Save(ctx, qa, entity.SaveOptions{Actor: actor}); err != nil {
		return err
	}
	return sessRepo.Remove(ctx, qaID)
}

// claimedFrom returns the state the task was last claimed from, defaulting
// to the workflow's initial state.
func (s *Service) claimedFrom(task *entity.Task) string {
	for i := len(task.StateHistory) - 1; i >= 0; i-- {
		if task.StateHistory[i].Reason == "claimed" {
			return task.StateHistory[i].From
		}
	}
	return s.taskM.InitialState()
}

// ValidateTask advances a done task to validated once its QA record has
// finished.
func (s *Service) ValidateTask(ctx context.Context, token, actor string) (*entity.Task, error) {
	ix, err := s.scanner.Scan()
	if err != nil {
		return nil, err
	}
	id, err := ix.Expand(token)
	if err != nil {
		return nil, err
	}
	entry := ix.Task(id)
	if entry == nil {
		return nil, fmt.Errorf("task %s not found", id)
	}
	task := entry.Task
	if task.State != "done" {
		return nil, fmt.Errorf("task %s is %s; only done tasks can be validated", id, task.State)
	}

	repo, err := s.taskRepoFor(entry)
	if err != nil {
		return nil, err
	}
	smCtx := &statemachine.Context{
		Entity:    "task",
		ID:        id,
		SessionID: entry.SessionID,
		Reason:    "validated",
		Actor:     actor,
	}
	_, err = s.taskM.Transition(smCtx, "done", "validated", func() error {
		task.State = "validated"
		_, err := repo.Save(ctx, task, entity.SaveOptions{Reason: "validated", Actor: actor})
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Info(ctx, "task validated", "task_id", id)
	return task, nil
}

// LinkTasks records a parent/child relationship on both sides.
func (s *Service) LinkTasks(ctx context.Context, childToken, parentToken string) (*entity.Task, *entity.Task, error) {
	ix, err := s.scanner.Scan()
	if err != nil {
		return nil, nil, err
	}
	childID, err := ix.Expand(childToken)
	if err != nil {
		return nil, nil, err
	}
	parentID, err := ix.Expand(parentToken)
	if err != nil {
		return nil, nil, err
	}
	if childID == parentID {
		return nil, nil, fmt.Errorf("task %s cannot be its own parent", childID)
	}

	childEntry := ix.Task(childID)
	parentEntry := ix.Task(parentID)
	if childEntry == nil {
		return nil, nil, fmt.Errorf("task %s not found", childID)
	}
	if parentEntry == nil {
		return nil, nil, fmt.Errorf("task %s not found", parentID)
	}

	child := childEntry.Task
	parent := parentEntry.Task
	child.ParentID = parentID
	if !containsString(parent.ChildIDs, childID) {
		parent.ChildIDs = append(parent.ChildIDs, childID)
	}

	childRepo, err := s.taskRepoFor(childEntry)
	if err != nil {
		return nil, nil, err
	}
	parentRepo, err := s.taskRepoFor(parentEntry)
	if err != nil {
		return nil, nil, err
	}
	if _, err := childRepo.Save(ctx, child, entity.SaveOptions{}); err != nil {
		return nil, nil, err
	}
	if _, err := parentRepo.Save(ctx, parent, entity.SaveOptions{}); err != nil {
		return nil, nil, err
	}
	return child, parent, nil
}

// linkParent adds a freshly created task to its parent's child list.
func (s *Service) linkParent(ctx context.Context, childID, parentID string) error {
	ix, err := s.scanner.Scan()
	if err != nil {
		return err
	}
	parentEntry := ix.Task(parentID)
	if parentEntry == nil {
		return fmt.Errorf("parent task %s not found", parentID)
	}
	parent := parentEntry.Task
	if containsString(parent.ChildIDs, childID) {
		return nil
	}
	parent.ChildIDs = append(parent.ChildIDs, childID)
	repo, err := s.taskRepoFor(parentEntry)
	if err != nil {
		return err
	}
	_, err = repo.Save(ctx, parent, entity.SaveOptions{})
	return err
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
