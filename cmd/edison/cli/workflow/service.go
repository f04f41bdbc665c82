// Package workflow implements the cross-entity operations that drive tasks
// and QA records through their state machines: claim, complete, abort,
// validate, and session completion.
//
// The package owns the guard/condition/action registries. Operation targets
// (claim lands in wip, completion in done) are part of the operation
// contracts; the machines stay config-driven so projects can attach extra
// conditions to those edges.
package workflow

import (
	"context"
	"fmt"
	"path/filepath"

	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/entity"
	"edison.dev/cli/cmd/edison/cli/filelock"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/session"
	"edison.dev/cli/cmd/edison/cli/statemachine"
	"edison.dev/cli/cmd/edison/cli/taskindex"
)

// EvidenceChecker reports whether a task's evidence requirements are met.
// The message explains a refusal.
type EvidenceChecker func(taskID string) (ok bool, message string)

// Options configures optional service collaborators.
type Options struct {
	// EvidenceChecker backs the QA machine's evidence-complete condition.
	// When unset the condition fails closed.
	EvidenceChecker EvidenceChecker
}

// Service wires the task and QA state machines to the entity trees.
type Service struct {
	cfg      *config.Config
	sessions *session.Manager
	scanner  *taskindex.Scanner
	taskM    *statemachine.Machine
	qaM      *statemachine.Machine
	mgmt     string
	lockOpts filelock.Options
	evidence EvidenceChecker

	taskStates []string
	qaStates   []string
}

// NewService builds the workflow service and registers the built-in
// callbacks on both machines.
func NewService(cfg *config.Config, sessions *session.Manager, opts Options) (*Service, error) {
	var taskSpec, qaSpec statemachine.Spec
	if err := cfg.DecodeSection("workflow.task", &taskSpec); err != nil {
		return nil, err
	}
	if err := cfg.DecodeSection("workflow.qa", &qaSpec); err != nil {
		return nil, err
	}
	scanner, err := taskindex.NewScanner(cfg)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		sessions: sessions,
		scanner:  scanner,
		taskM:    statemachine.New("task", taskSpec),
		qaM:      statemachine.New("qa", qaSpec),
		mgmt:     cfg.ManagementDir(),
		lockOpts: cfg.LockOptions(),
		evidence: opts.EvidenceChecker,
	}
	s.taskStates = s.taskM.States()
	s.qaStates = s.qaM.States()

	s.taskM.RegisterCondition("children-terminal", s.childrenTerminal)
	s.taskM.RegisterCondition("qa-approved", s.qaApproved)
	s.taskM.RegisterAction("advance-qa", s.advanceQA)
	s.qaM.RegisterCondition("evidence-complete", s.evidenceComplete)
	return s, nil
}

// TaskMachine exposes the task state machine (for pre-flight validation).
func (s *Service) TaskMachine() *statemachine.Machine {
	return s.taskM
}

// QAMachine exposes the QA state machine.
func (s *Service) QAMachine() *statemachine.Machine {
	return s.qaM
}

// Scan builds a fresh index over all trees.
func (s *Service) Scan() (*taskindex.Index, error) {
	return s.scanner.Scan()
}

// globalTaskRepo is the repository for the unowned task tree.
func (s *Service) globalTaskRepo() *entity.Repo[*entity.Task] {
	return entity.NewTaskRepo(filepath.Join(s.mgmt, paths.TasksDirName), s.taskStates, s.lockOpts)
}

// globalQARepo is the repository for the unowned QA tree.
func (s *Service) globalQARepo() *entity.Repo[*entity.QA] {
	return entity.NewQARepo(filepath.Join(s.mgmt, paths.QADirName), s.qaStates, s.lockOpts)
}

// sessionTaskRepo is the repository for one session's task subtree. The
// session's current state decides the directory, so repos are rebuilt per
// operation rather than cached.
func (s *Service) sessionTaskRepo(sess *session.Session) *entity.Repo[*entity.Task] {
	dir := session.TasksDirIn(s.sessions.Store().DirFor(sess.State, sess.ID))
	return entity.NewTaskRepo(dir, s.taskStates, s.lockOpts)
}

// sessionQARepo is the repository for one session's QA subtree.
func (s *Service) sessionQARepo(sess *session.Session) *entity.Repo[*entity.QA] {
	dir := session.QADirIn(s.sessions.Store().DirFor(sess.State, sess.ID))
	return entity.NewQARepo(dir, s.qaStates, s.lockOpts)
}

// taskRepoFor returns the repo holding an indexed entry.
func (s *Service) taskRepoFor(e *taskindex.Entry) (*entity.Repo[*entity.Task], error) {
	if e.SessionID == "" {
		return s.globalTaskRepo(), nil
	}
	sess, err := s.sessions.Get(e.SessionID)
	if err != nil {
		return nil, err
	}
	return s.sessionTaskRepo(sess), nil
}

// findQA locates a QA record, preferring the given session's subtree, then
// the global tree, then any other session. Missing QA returns (nil, nil, nil).
func (s *Service) findQA(qaID, sessionID string) (*entity.Repo[*entity.QA], *entity.QA, error) {
	if sessionID != "" {
		sess, err := s.sessions.Get(sessionID)
		if err == nil {
			repo := s.sessionQARepo(sess)
			qa, err := repo.Get(qaID)
			if err != nil {
				return nil, nil, err
			}
			if qa != nil {
				return repo, qa, nil
			}
		}
	}

	repo := s.globalQARepo()
	qa, err := repo.Get(qaID)
	if err != nil {
		return nil, nil, err
	}
	if qa != nil {
		return repo, qa, nil
	}

	ix, err := s.scanner.Scan()
	if err != nil {
		return nil, nil, err
	}
	entry := ix.QA(qaID)
	if entry == nil || entry.SessionID == "" {
		return nil, nil, nil
	}
	sess, err := s.sessions.Get(entry.SessionID)
	if err != nil {
		return nil, nil, err
	}
	repo = s.sessionQARepo(sess)
	qa, err = repo.Get(qaID)
	if err != nil {
		return nil, nil, err
	}
	return repo, qa, nil
}

// terminalTaskStates are the states that count as "no further work".
func (s *Service) terminalTaskStates() []string {
	states := s.cfg.GetStrings("tasks.terminalStates")
	if len(states) == 0 {
		states = []string{"done", "validated"}
	}
	return states
}

func (s *Service) taskTerminal(state string) bool {
	for _, t := range s.terminalTaskStates() {
		if t == state {
			return true
		}
	}
	return false
}

// childrenTerminal blocks task completion while any child is unfinished.
func (s *Service) childrenTerminal(smc *statemachine.Context) (bool, string) {
	ix, err := s.scanner.Scan()
	if err != nil {
		return false, fmt.Sprintf("scanning for children: %v", err)
	}
	for _, child := range ix.Children(smc.ID) {
		if !s.taskTerminal(child.Task.State) {
			return false, fmt.Sprintf("Child task %s is %s; all children must be done or validated first",
				child.Task.ID, child.Task.State)
		}
	}
	return true, ""
}

// qaApproved requires the task's QA record to have reached its final state.
func (s *Service) qaApproved(smc *statemachine.Context) (bool, string) {
	qaID := paths.QAIDForTask(smc.ID)
	_, qa, err := s.findQA(qaID, smc.SessionID)
	if err != nil {
		return false, fmt.Sprintf("locating QA record: %v", err)
	}
	if qa == nil {
		return false, fmt.Sprintf("no QA record found for task %s", smc.ID)
	}
	if !s.qaM.IsFinal(qa.State) {
		return false, fmt.Sprintf("QA %s is %s; validation requires the QA workflow to finish", qaID, qa.State)
	}
	return true, ""
}

// evidenceComplete gates QA completion on captured evidence.
func (s *Service) evidenceComplete(smc *statemachine.Context) (bool, string) {
	if s.evidence == nil {
		return false, "evidence checking is not configured"
	}
	return s.evidence(paths.TaskIDForQA(smc.ID))
}

// advanceQA moves a waiting QA record to todo after task completion.
// A missing QA record is tolerated; QA in any other state is left alone.
func (s *Service) advanceQA(smc *statemachine.Context) error {
	qaID := paths.QAIDForTask(smc.ID)
	repo, qa, err := s.findQA(qaID, smc.SessionID)
	if err != nil || qa == nil {
		return err
	}
	if qa.State != "waiting" {
		return nil
	}
	qaCtx := &statemachine.Context{
		Entity:    "qa",
		ID:        qaID,
		SessionID: smc.SessionID,
		Reason:    "task-completed",
		Actor:     smc.Actor,
	}
	_, err = s.qaM.Transition(qaCtx, "waiting", "todo", func() error {
		qa.State = "todo"
		_, err := repo.Save(context.Background(), qa, entity.SaveOptions{
			Reason: "task-completed",
			Actor:  smc.Actor,
		})
		return err
	})
	return err
}
