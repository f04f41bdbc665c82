package statemachine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edison.dev/cli/cmd/edison/cli/yamlutil"
)

const taskSpecYAML = `
states:
  todo:
    initial: true
    allowed_transitions:
      - to: wip
        guard: session-owns-task
  wip:
    allowed_transitions:
      - to: done
        conditions:
          - name: children-terminal
        actions:
          - name: advance-qa
            when: after
      - to: todo
  done:
    allowed_transitions:
      - to: validated
  validated:
    final: true
`

func decodeSpec(t *testing.T) Spec {
	t.Helper()
	var spec Spec
	require.NoError(t, yamlutil.Unmarshal([]byte(taskSpecYAML), &spec))
	return spec
}

func TestSpecDecoding(t *testing.T) {
	t.Parallel()

	spec := decodeSpec(t)
	require.Len(t, spec.States, 4)
	assert.True(t, spec.States["todo"].Initial)
	assert.True(t, spec.States["validated"].Final)

	wip := spec.States["wip"]
	require.Len(t, wip.AllowedTransitions, 2)
	done := wip.AllowedTransitions[0]
	assert.Equal(t, "done", done.To)
	require.Len(t, done.Conditions, 1)
	assert.Equal(t, "children-terminal", done.Conditions[0].Name)
	require.Len(t, done.Actions, 1)
	assert.Equal(t, "advance-qa", done.Actions[0].Name)
	assert.Equal(t, "after", done.Actions[0].When)
}

func TestInitialAndFinalStates(t *testing.T) {
	t.Parallel()

	m := New("task", decodeSpec(t))
	assert.Equal(t, "todo", m.InitialState())
	assert.True(t, m.IsFinal("validated"))
	assert.False(t, m.IsFinal("wip"))
	assert.Equal(t, []string{"done", "todo", "validated", "wip"}, m.States())
	assert.True(t, m.IsKnownState("done"))
	assert.False(t, m.IsKnownState("archived"))
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		from      string
		to        string
		guardPass bool
		condPass  bool
		wantErr   string
	}{
		{name: "allowed edge", from: "done", to: "validated"},
		{name: "unknown from state", from: "archived", to: "todo", wantErr: "invalid task transition archived -> todo"},
		{name: "edge not in spec", from: "todo", to: "done", wantErr: "invalid task transition todo -> done"},
		{name: "guard denies", from: "todo", to: "wip", guardPass: false, wantErr: `guard "session-owns-task" denied`},
		{name: "guard passes", from: "todo", to: "wip", guardPass: true},
		{name: "condition fails", from: "wip", to: "done", condPass: false, wantErr: `condition "children-terminal" failed: child task-7 still wip`},
		{name: "condition passes", from: "wip", to: "done", condPass: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := New("task", decodeSpec(t))
			m.RegisterGuard("session-owns-task", func(*Context) bool { return tt.guardPass })
			m.RegisterCondition("children-terminal", func(*Context) (bool, string) {
				if tt.condPass {
					return true, ""
				}
				return false, "child task-7 still wip"
			})
			m.RegisterAction("advance-qa", func(*Context) error { return nil })

			err := m.ValidateTransition(&Context{Entity: "task", ID: "task-1"}, tt.from, tt.to)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateTransitionErrorTypes(t *testing.T) {
	t.Parallel()

	m := New("task", decodeSpec(t))
	m.RegisterGuard("session-owns-task", func(*Context) bool { return false })
	m.RegisterCondition("children-terminal", func(*Context) (bool, string) { return false, "nope" })

	err := m.ValidateTransition(&Context{}, "todo", "done")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "todo", invalid.From)
	assert.Equal(t, "done", invalid.To)

	err = m.ValidateTransition(&Context{}, "todo", "wip")
	var denied *GuardDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "session-owns-task", denied.Guard)

	err = m.ValidateTransition(&Context{}, "wip", "done")
	var failed *ConditionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "children-terminal", failed.Name)
	assert.Equal(t, "nope", failed.Message)
}

func TestValidateTransitionHasNoSideEffects(t *testing.T) {
	t.Parallel()

	m := New("task", decodeSpec(t))
	m.RegisterCondition("children-terminal", func(*Context) (bool, string) { return true, "" })
	actionRan := false
	m.RegisterAction("advance-qa", func(*Context) error {
		actionRan = true
		return nil
	})

	require.NoError(t, m.ValidateTransition(&Context{}, "wip", "done"))
	assert.False(t, actionRan)
}

func TestTransitionRunsCommitBetweenActions(t *testing.T) {
	t.Parallel()

	spec := Spec{States: map[string]StateSpec{
		"wip": {AllowedTransitions: []TransitionSpec{{
			To: "done",
			Actions: []ActionRef{
				{Name: "prepare", When: "before"},
				{Name: "notify", When: "after"},
			},
		}}},
		"done": {Final: true},
	}}

	var order []string
	m := New("task", spec)
	m.RegisterAction("prepare", func(*Context) error {
		order = append(order, "prepare")
		return nil
	})
	m.RegisterAction("notify", func(*Context) error {
		order = append(order, "notify")
		return nil
	})

	result, err := m.Transition(&Context{Entity: "task"}, "wip", "done", func() error {
		order = append(order, "commit")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"prepare", "commit", "notify"}, order)
	assert.Equal(t, "wip", result.From)
	assert.Equal(t, "done", result.To)
	assert.Equal(t, []string{"prepare", "notify"}, result.ActionsRun)
}

func TestTransitionBeforeActionFailureAbortsCommit(t *testing.T) {
	t.Parallel()

	spec := Spec{States: map[string]StateSpec{
		"wip":  {AllowedTransitions: []TransitionSpec{{To: "done", Actions: []ActionRef{{Name: "prepare", When: "before"}}}}},
		"done": {Final: true},
	}}

	m := New("task", spec)
	m.RegisterAction("prepare", func(*Context) error { return errors.New("disk full") })

	committed := false
	result, err := m.Transition(&Context{}, "wip", "done", func() error {
		committed = true
		return nil
	})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.False(t, committed)

	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "prepare", actionErr.Name)
	assert.Equal(t, "before", actionErr.When)
	assert.Contains(t, err.Error(), "disk full")
}

func TestTransitionAfterActionFailureKeepsStateChange(t *testing.T) {
	t.Parallel()

	spec := Spec{States: map[string]StateSpec{
		"wip":  {AllowedTransitions: []TransitionSpec{{To: "done", Actions: []ActionRef{{Name: "advance-qa"}}}}},
		"done": {Final: true},
	}}

	m := New("task", spec)
	m.RegisterAction("advance-qa", func(*Context) error { return errors.New("qa record locked") })

	committed := false
	result, err := m.Transition(&Context{}, "wip", "done", func() error {
		committed = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, committed)
	require.NotNil(t, result)
	assert.Equal(t, "done", result.To)

	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "advance-qa", actionErr.Name)
	assert.Equal(t, "after", actionErr.When)
}

func TestTransitionCommitFailure(t *testing.T) {
	t.Parallel()

	m := New("task", decodeSpec(t))
	result, err := m.Transition(&Context{}, "done", "validated", func() error {
		return fmt.Errorf("rename failed")
	})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "rename failed")
}

func TestTransitionUnregisteredCallbacksFailClosed(t *testing.T) {
	t.Parallel()

	m := New("task", decodeSpec(t))

	err := m.ValidateTransition(&Context{}, "todo", "wip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unregistered guard "session-owns-task"`)

	err = m.ValidateTransition(&Context{}, "wip", "done")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unregistered condition "children-terminal"`)

	m.RegisterCondition("children-terminal", func(*Context) (bool, string) { return true, "" })
	result, err := m.Transition(&Context{}, "wip", "done", nil)
	require.Error(t, err)
	require.NotNil(t, result)
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "advance-qa", actionErr.Name)
}

func TestTransitionPopulatesContext(t *testing.T) {
	t.Parallel()

	m := New("task", decodeSpec(t))
	var seen Context
	m.RegisterCondition("children-terminal", func(ctx *Context) (bool, string) {
		seen = *ctx
		return true, ""
	})
	m.RegisterAction("advance-qa", func(*Context) error { return nil })

	_, err := m.Transition(&Context{Entity: "task", ID: "task-1", SessionID: "s-1"}, "wip", "done", nil)
	require.NoError(t, err)
	assert.Equal(t, "wip", seen.From)
	assert.Equal(t, "done", seen.To)
	assert.Equal(t, "task-1", seen.ID)
	assert.Equal(t, "s-1", seen.SessionID)
}

func TestMermaid(t *testing.T) {
	t.Parallel()

	m := New("task", decodeSpec(t))
	diagram := m.Mermaid()
	assert.Contains(t, diagram, "stateDiagram-v2")
	assert.Contains(t, diagram, "[*] --> todo")
	assert.Contains(t, diagram, "wip --> done: children-terminal")
	assert.Contains(t, diagram, "validated --> [*]")
}
