package contextinfo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/entity"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/session"
	"edison.dev/cli/cmd/edison/cli/testutil"
)

func newTestBuilder(t *testing.T, root string) *Builder {
	t.Helper()
	cfg, err := config.Load(root)
	require.NoError(t, err)
	b, err := NewBuilder(cfg)
	require.NoError(t, err)
	return b
}

// startSession creates and starts a worktree-less session, pinning it in
// .session-id.
func startSession(t *testing.T, b *Builder, id string) *session.Session {
	t.Helper()
	ctx := context.Background()
	_, err := b.sessions.New(ctx, id, session.NewOptions{NoWorktree: true})
	require.NoError(t, err)
	sess, err := b.sessions.Start(ctx, id, session.StartOptions{})
	require.NoError(t, err)
	return sess
}

// saveSessionTask writes a task into the session's subtree directly; the
// claim protocol itself is covered by the workflow package.
func saveSessionTask(t *testing.T, b *Builder, sess *session.Session, id, state string, lastActive time.Time) {
	t.Helper()
	dir := session.TasksDirIn(b.sessions.Store().DirFor(sess.State, sess.ID))
	repo := entity.NewTaskRepo(dir, []string{"todo", "wip", "done", "validated"}, b.cfg.LockOptions())
	task := &entity.Task{ID: id, State: state, SessionID: sess.ID, LastActive: lastActive}
	_, err := repo.Save(context.Background(), task, entity.SaveOptions{})
	require.NoError(t, err)
}

func TestBuildWithoutSession(t *testing.T) {
	b := newTestBuilder(t, t.TempDir())

	info, err := b.Build(context.Background(), "")
	require.NoError(t, err)

	assert.True(t, info.IsEdisonProject)
	assert.Equal(t, b.cfg.Root(), info.ProjectRoot)
	assert.Empty(t, info.SessionID)
	assert.Empty(t, info.CurrentTaskID)
	assert.NotNil(t, info.ActivePacks)
	assert.NotNil(t, info.Constitutions)
	require.NotNil(t, info.Actor)
	assert.NotEmpty(t, info.Actor.ID)
	assert.Equal(t, "agent", info.Actor.Kind)
}

func TestBuildResolvesPinnedSession(t *testing.T) {
	b := newTestBuilder(t, t.TempDir())
	sess := startSession(t, b, "s-1")

	sess.Git.WorktreePath = "/checkouts/s-1"
	_, err := b.sessions.Store().Save(context.Background(), sess, session.SaveOptions{})
	require.NoError(t, err)

	info, err := b.Build(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "s-1", info.SessionID)
	assert.Equal(t, "wip", info.SessionState)
	assert.Equal(t, "/checkouts/s-1", info.WorktreePath)
}

func TestBuildExplicitSessionMustExist(t *testing.T) {
	b := newTestBuilder(t, t.TempDir())

	_, err := b.Build(context.Background(), "s-missing")
	require.ErrorContains(t, err, "session s-missing not found")
}

func TestBuildStalePinDegrades(t *testing.T) {
	root := t.TempDir()
	b := newTestBuilder(t, root)
	require.NoError(t, paths.WriteSessionIDFile(b.cfg.Root(), "s-gone"))

	info, err := b.Build(context.Background(), "")
	require.NoError(t, err)

	assert.True(t, info.IsEdisonProject)
	assert.Empty(t, info.SessionID)
}

func TestBuildPicksMostRecentWipTask(t *testing.T) {
	b := newTestBuilder(t, t.TempDir())
	sess := startSession(t, b, "s-1")

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	saveSessionTask(t, b, sess, "7-cache", "wip", base)
	saveSessionTask(t, b, sess, "9-api", "wip", base.Add(time.Hour))
	saveSessionTask(t, b, sess, "3-docs", "done", base.Add(2*time.Hour))

	info, err := b.Build(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "9-api", info.CurrentTaskID)
	assert.Equal(t, "wip", info.CurrentTaskState)
}

func TestBuildBreaksActivityTiesByID(t *testing.T) {
	b := newTestBuilder(t, t.TempDir())
	sess := startSession(t, b, "s-1")

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	saveSessionTask(t, b, sess, "9-api", "wip", at)
	saveSessionTask(t, b, sess, "7-cache", "wip", at)

	info, err := b.Build(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "7-cache", info.CurrentTaskID)
}

func TestBuildListsConstitutions(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, ".edison/_generated/constitutions/default.md", "# Default\n")
	testutil.WriteFile(t, root, ".edison/_generated/constitutions/agent.md", "# Agent\n")
	b := newTestBuilder(t, root)

	info, err := b.Build(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{
		".edison/_generated/constitutions/agent.md",
		".edison/_generated/constitutions/default.md",
	}, info.Constitutions)
	require.NotNil(t, info.Actor)
	assert.Equal(t, ".edison/_generated/constitutions/agent.md", info.Actor.Constitution)
	assert.Equal(t, "cat .edison/_generated/constitutions/agent.md", info.Actor.ReadCmd)
}

func TestActorConstitutionFallsBackToDefault(t *testing.T) {
	t.Parallel()
	list := []string{
		".edison/_generated/constitutions/default.md",
		".edison/_generated/constitutions/validator.md",
	}
	assert.Equal(t, ".edison/_generated/constitutions/default.md", constitutionFor("agent", list))
	assert.Equal(t, ".edison/_generated/constitutions/validator.md", constitutionFor("validator", list))
	assert.Equal(t, "", constitutionFor("agent", nil))
}

func TestActorIDFromEnv(t *testing.T) {
	t.Setenv(EnvActorID, "agent-7")

	id, resolution := resolveActorID()
	assert.Equal(t, "agent-7", id)
	assert.Equal(t, "env", resolution)
}

func TestActorIDWithoutEnv(t *testing.T) {
	t.Setenv(EnvActorID, "")

	id, resolution := resolveActorID()
	assert.NotEmpty(t, id)
	assert.Contains(t, []string{"machine-id", "hostname", "fallback"}, resolution)
}

func sampleInfo() *Info {
	return &Info{
		IsEdisonProject:  true,
		ProjectRoot:      "/repo",
		SessionID:        "s-1",
		SessionState:     "wip",
		CurrentTaskID:    "7-cache",
		CurrentTaskState: "wip",
		ActivePacks:      []string{"tdd"},
		Constitutions:    []string{".edison/_generated/constitutions/default.md"},
		Actor: &Actor{
			Kind:         "agent",
			ID:           "a-1",
			Constitution: ".edison/_generated/constitutions/default.md",
			ReadCmd:      "cat .edison/_generated/constitutions/default.md",
			Resolution:   "env",
		},
	}
}

func TestRenderMarkdown(t *testing.T) {
	t.Parallel()
	out := RenderMarkdown(sampleInfo(), []string{"sessionId", "currentTaskId", "actor"})

	want := `## Edison Context
- **sessionId**: s-1
- **currentTaskId**: 7-cache
- **actor**:
  - kind: agent
  - id: a-1
  - constitution: .edison/_generated/constitutions/default.md
  - read: cat .edison/_generated/constitutions/default.md
  - resolution: env
`
	assert.Equal(t, want, out)
}

func TestRenderMarkdownSkipsEmptyAndUnknownFields(t *testing.T) {
	t.Parallel()
	info := sampleInfo()
	info.WorktreePath = ""

	out := RenderMarkdown(info, []string{"worktreePath", "notAField", "isEdisonProject"})
	assert.Equal(t, "## Edison Context\n- **isEdisonProject**: true\n", out)
}

func TestRenderNext(t *testing.T) {
	t.Parallel()
	out := RenderNext(sampleInfo(), []string{"sessionId", "sessionState", "currentTaskId", "currentTaskState", "activePacks"})

	want := `- sessionId: s-1
- sessionState: wip
- currentTaskId: 7-cache
- currentTaskState: wip
- activePacks: tdd
`
	assert.Equal(t, want, out)
}

func TestRenderNextInlinesActor(t *testing.T) {
	t.Parallel()
	out := RenderNext(sampleInfo(), []string{"actor"})
	assert.Equal(t, "- actor: agent a-1 (env)\n", out)
}

func TestSuggestion(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "edison init", Suggestion(NotProject()))

	info := sampleInfo()
	assert.Equal(t, "edison evidence capture 7-cache", Suggestion(info))

	info.CurrentTaskID = ""
	assert.Equal(t, "edison task claim <task-id>", Suggestion(info))

	info.SessionID = ""
	assert.Equal(t, "edison session start", Suggestion(info))
}

func TestFieldGatesFromConfig(t *testing.T) {
	b := newTestBuilder(t, t.TempDir())

	markdown := b.Fields("markdown")
	assert.Contains(t, markdown, "isEdisonProject")
	assert.Contains(t, markdown, "actor")
	assert.Equal(t, []string{
		"sessionId", "sessionState", "currentTaskId", "currentTaskState", "activePacks",
	}, b.Fields("next"))
}
