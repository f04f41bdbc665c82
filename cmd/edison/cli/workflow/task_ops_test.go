package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edison.dev/cli/cmd/edison/cli/statemachine"
)

func TestCreateTask(t *testing.T) {
	t.Parallel()
	svc, _, root := newTestService(t, Options{})
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, "150-wave1-demo", CreateTaskOptions{Title: "Wave 1 demo"})
	require.NoError(t, err)
	assert.Equal(t, "todo", task.State)
	assert.FileExists(t, filepath.Join(root, ".project", "tasks", "todo", "150-wave1-demo.md"))

	_, err = svc.CreateTask(ctx, "150-wave1-demo", CreateTaskOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = svc.CreateTask(ctx, "150-demo-qa", CreateTaskOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved QA suffix")
}

func TestClaimTaskMovesTaskAndQA(t *testing.T) {
	t.Parallel()
	svc, sessions, root := newTestService(t, Options{})
	ctx := context.Background()
	startSession(t, sessions, "s-1")

	_, err := svc.CreateTask(ctx, "150-wave1-demo", CreateTaskOptions{})
	require.NoError(t, err)
	_, err = svc.CreateQA(ctx, "150-wave1-demo", CreateQAOptions{})
	require.NoError(t, err)

	task, qa, err := svc.ClaimTask(ctx, "150-wave1-demo", "s-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "wip", task.State)
	assert.Equal(t, "s-1", task.SessionID)
	require.NotNil(t, qa)
	assert.Equal(t, "waiting", qa.State, "claim keeps the QA state")

	sessionTree := filepath.Join(root, ".project", "sessions", "wip", "s-1")
	assert.FileExists(t, filepath.Join(sessionTree, "tasks", "wip", "150-wave1-demo.md"))
	assert.FileExists(t, filepath.Join(sessionTree, "qa", "waiting", "150-wave1-demo-qa.md"))
	assert.NoFileExists(t, filepath.Join(root, ".project", "tasks", "todo", "150-wave1-demo.md"))
	assert.NoFileExists(t, filepath.Join(root, ".project", "qa", "waiting", "150-wave1-demo-qa.md"))

	require.Len(t, task.StateHistory, 1)
	assert.Equal(t, "todo", task.StateHistory[0].From)
	assert.Equal(t, "wip", task.StateHistory[0].To)
	assert.Equal(t, "claimed", task.StateHistory[0].Reason)
	assert.Equal(t, "alice", task.StateHistory[0].Actor)
	assert.Empty(t, qa.StateHistory, "state-preserving move appends no history")
}

func TestClaimTaskByShortID(t *testing.T) {
	t.Parallel()
	svc, sessions, _ := newTestService(t, Options{})
	ctx := context.Background()
	startSession(t, sessions, "s-1")

	_, err := svc.CreateTask(ctx, "150-wave1-demo", CreateTaskOptions{})
	require.NoError(t, err)

	task, _, err := svc.ClaimTask(ctx, "150", "s-1", "")
	require.NoError(t, err)
	assert.Equal(t, "150-wave1-demo", task.ID)
}

func TestClaimTaskToleratesMissingQA(t *testing.T) {
	t.Parallel()
	svc, sessions, _ := newTestService(t, Options{})
	ctx := context.Background()
	startSession(t, sessions, "s-1")

	_, err := svc.CreateTask(ctx, "7-cache", CreateTaskOptions{})
	require.NoError(t, err)

	task, qa, err := svc.ClaimTask(ctx, "7-cache", "s-1", "")
	require.NoError(t, err)
	assert.Equal(t, "wip", task.State)
	assert.Nil(t, qa)
}

func TestClaimOwnTaskIsIdempotent(t *testing.T) {
	t.Parallel()
	svc, sessions, _ := newTestService(t, Options{})
	ctx := context.Background()
	startSession(t, sessions, "s-1")

	_, err := svc.CreateTask(ctx, "7-cache", CreateTaskOptions{})
	require.NoError(t, err)
	_, _, err = svc.ClaimTask(ctx, "7-cache", "s-1", "")
	require.NoError(t, err)

	task, _, err := svc.ClaimTask(ctx, "7-cache", "s-1", "")
	require.NoError(t, err)
	assert.Equal(t, "wip", task.State)
	assert.Len(t, task.StateHistory, 1, "re-claim must not append history")
}

func TestClaimFailsAcrossSessionsAndStates(t *testing.T) {
	t.Parallel()
	svc, sessions, _ := newTestService(t, Options{})
	ctx := context.Background()
	startSession(t, sessions, "s-1")
	startSession(t, sessions, "s-2")

	_, err := svc.CreateTask(ctx, "7-cache", CreateTaskOptions{})
	require.NoError(t, err)
	_, _, err = svc.ClaimTask(ctx, "7-cache", "s-1", "")
	require.NoError(t, err)

	_, _, err = svc.ClaimTask(ctx, "7-cache", "s-2", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already claimed by session s-1")

	// A completed task has no edge back to todo.
	_, err = svc.CreateTask(ctx, "8-done", CreateTaskOptions{})
	require.NoError(t, err)
	_, _, err = svc.ClaimTask(ctx, "8-done", "s-2", "")
	require.NoError(t, err)
	_, _, err = svc.CompleteTask(ctx, "8-done", "s-2", "")
	require.NoError(t, err)
	_, err = svc.AbortTask(ctx, "8-done", "s-2", "")
	require.Error(t, err, "done task cannot be aborted back to todo")
}

func TestCompleteTaskAdvancesQA(t *testing.T) {
	t.Parallel()
	svc, sessions, root := newTestService(t, Options{})
	ctx := context.Background()
	startSession(t, sessions, "s-1")

	_, err := svc.CreateTask(ctx, "7-cache", CreateTaskOptions{})
	require.NoError(t, err)
	_, err = svc.CreateQA(ctx, "7-cache", CreateQAOptions{})
	require.NoError(t, err)
	_, _, err = svc.ClaimTask(ctx, "7-cache", "s-1", "alice")
	require.NoError(t, err)

	task, qa, err := svc.CompleteTask(ctx, "7-cache", "s-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "done", task.State)
	require.NotNil(t, qa)
	assert.Equal(t, "todo", qa.State, "waiting QA advances on completion")

	sessionTree := filepath.Join(root, ".project", "sessions", "wip", "s-1")
	assert.FileExists(t, filepath.Join(sessionTree, "tasks", "done", "7-cache.md"))
	assert.FileExists(t, filepath.Join(sessionTree, "qa", "todo", "7-cache-qa.md"))

	require.Len(t, qa.StateHistory, 1)
	assert.Equal(t, "task-completed", qa.StateHistory[0].Reason)
}

func TestCompleteTaskFailsClosedOnOwnership(t *testing.T) {
	t.Parallel()
	svc, sessions, _ := newTestService(t, Options{})
	ctx := context.Background()
	startSession(t, sessions, "s-1")
	startSession(t, sessions, "s-2")

	_, err := svc.CreateTask(ctx, "7-cache", CreateTaskOptions{})
	require.NoError(t, err)
	_, _, err = svc.ClaimTask(ctx, "7-cache", "s-1", "")
	require.NoError(t, err)

	_, _, err = svc.CompleteTask(ctx, "7-cache", "s-2", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not owned by session s-2")

	// Unclaimed tasks cannot be completed either.
	_, err = svc.CreateTask(ctx, "9-loose", CreateTaskOptions{})
	require.NoError(t, err)
	_, _, err = svc.CompleteTask(ctx, "9-loose", "s-1", "")
	require.Error(t, err)
}

func TestParentBlocksOnUnfinishedChildren(t *testing.T) {
	t.Parallel()
	svc, sessions, root := newTestService(t, Options{})
	ctx := context.Background()
	startSession(t, sessions, "s-1")

	_, err := svc.CreateTask(ctx, "201-wave2-parent", CreateTaskOptions{})
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, "201.1-worker", CreateTaskOptions{ParentID: "201-wave2-parent"})
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, "201.2-flush", CreateTaskOptions{ParentID: "201-wave2-parent"})
	require.NoError(t, err)
	_, err = svc.CreateQA(ctx, "201-wave2-parent", CreateQAOptions{})
	require.NoError(t, err)

	for _, id := range []string{"201-wave2-parent", "201.1-worker", "201.2-flush"} {
		_, _, err = svc.ClaimTask(ctx, id, "s-1", "")
		require.NoError(t, err)
	}

	parentPath := filepath.Join(root, ".project", "sessions", "wip", "s-1", "tasks", "wip", "201-wave2-parent.md")
	before, err := os.ReadFile(parentPath)
	require.NoError(t, err)

	_, _, err = svc.CompleteTask(ctx, "201-wave2-parent", "s-1", "")
	var condErr *statemachine.ConditionFailedError
	require.ErrorAs(t, err, &condErr)
	assert.Equal(t, "children-terminal", condErr.Name)
	assert.Contains(t, condErr.Message, "Child task")

	after, err := os.ReadFile(parentPath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed completion must not touch the parent file")

	// Finish both children, then the parent completes.
	_, _, err = svc.CompleteTask(ctx, "201.1-worker", "s-1", "")
	require.NoError(t, err)
	_, _, err = svc.CompleteTask(ctx, "201.2-flush", "s-1", "")
	require.NoError(t, err)

	task, _, err := svc.CompleteTask(ctx, "201-wave2-parent", "s-1", "")
	require.NoError(t, err)
	assert.Equal(t, "done", task.State)
}

func TestAbortTaskReversesClaim(t *testing.T) {
	t.Parallel()
	svc, sessions, root := newTestService(t, Options{})
	ctx := context.Background()
	startSession(t, sessions, "s-1")

	_, err := svc.CreateTask(ctx, "7-cache", CreateTaskOptions{})
	require.NoError(t, err)
	_, err = svc.CreateQA(ctx, "7-cache", CreateQAOptions{})
	require.NoError(t, err)
	_, _, err = svc.ClaimTask(ctx, "7-cache", "s-1", "alice")
	require.NoError(t, err)

	task, err := svc.AbortTask(ctx, "7-cache", "s-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "todo", task.State)
	assert.Empty(t, task.SessionID)

	assert.FileExists(t, filepath.Join(root, ".project", "tasks", "todo", "7-cache.md"))
	assert.FileExists(t, filepath.Join(root, ".project", "qa", "waiting", "7-cache-qa.md"))
	sessionTree := filepath.Join(root, ".project", "sessions", "wip", "s-1")
	assert.NoFileExists(t, filepath.Join(sessionTree, "tasks", "wip", "7-cache.md"))
	assert.NoFileExists(t, filepath.Join(sessionTree, "qa", "waiting", "7-cache-qa.md"))

	require.Len(t, task.StateHistory, 2)
	assert.Equal(t, "aborted", task.StateHistory[1].Reason)
	assert.Equal(t, "wip", task.StateHistory[1].From)
	assert.Equal(t, "todo", task.StateHistory[1].To)
}

func TestValidateTaskRequiresFinishedQA(t *testing.T) {
	t.Parallel()
	svc, sessions, _ := newTestService(t, Options{EvidenceChecker: passingEvidence})
	ctx := context.Background()
	startSession(t, sessions, "s-1")

	_, err := svc.CreateTask(ctx, "7-cache", CreateTaskOptions{})
	require.NoError(t, err)
	_, err = svc.CreateQA(ctx, "7-cache", CreateQAOptions{})
	require.NoError(t, err)
	_, _, err = svc.ClaimTask(ctx, "7-cache", "s-1", "")
	require.NoError(t, err)
	_, _, err = svc.CompleteTask(ctx, "7-cache", "s-1", "")
	require.NoError(t, err)

	// QA is only in todo; validation must refuse.
	_, err = svc.ValidateTask(ctx, "7-cache", "")
	var condErr *statemachine.ConditionFailedError
	require.ErrorAs(t, err, &condErr)
	assert.Equal(t, "qa-approved", condErr.Name)

	// Walk the QA to done, then validation passes.
	_, err = svc.PromoteQA(ctx, "7-cache-qa", "")
	require.NoError(t, err)
	_, err = svc.PromoteQA(ctx, "7-cache-qa", "")
	require.NoError(t, err)

	task, err := svc.ValidateTask(ctx, "7-cache", "reviewer")
	require.NoError(t, err)
	assert.Equal(t, "validated", task.State)
}

func TestValidateTaskWithoutQAFails(t *testing.T) {
	t.Parallel()
	svc, sessions, _ := newTestService(t, Options{})
	ctx := context.Background()
	startSession(t, sessions, "s-1")

	_, err := svc.CreateTask(ctx, "7-cache", CreateTaskOptions{})
	require.NoError(t, err)
	_, _, err = svc.ClaimTask(ctx, "7-cache", "s-1", "")
	require.NoError(t, err)
	_, _, err = svc.CompleteTask(ctx, "7-cache", "s-1", "")
	require.NoError(t, err)

	_, err = svc.ValidateTask(ctx, "7-cache", "")
	var condErr *statemachine.ConditionFailedError
	require.ErrorAs(t, err, &condErr)
	assert.Contains(t, condErr.Message, "no QA record")
}

func TestLinkTasks(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, "200-epic", CreateTaskOptions{})
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, "208-subtask", CreateTaskOptions{})
	require.NoError(t, err)

	child, parent, err := svc.LinkTasks(ctx, "208-subtask", "200-epic")
	require.NoError(t, err)
	assert.Equal(t, "200-epic", child.ParentID)
	assert.Equal(t, []string{"208-subtask"}, parent.ChildIDs)

	// Linking twice stays single.
	_, parent, err = svc.LinkTasks(ctx, "208-subtask", "200-epic")
	require.NoError(t, err)
	assert.Equal(t, []string{"208-subtask"}, parent.ChildIDs)

	_, _, err = svc.LinkTasks(ctx, "200-epic", "200-epic")
	require.Error(t, err)
}
