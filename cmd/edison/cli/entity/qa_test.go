package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQA(t *testing.T) {
	t.Parallel()

	raw := []byte(`---
id: 42-auth-qa
task_id: 42-auth
state: waiting
preset: standard
created_at: 2026-03-01T09:00:00Z
---

QA notes.
`)

	qa, err := ParseQA(raw)
	require.NoError(t, err)
	assert.Equal(t, "42-auth-qa", qa.ID)
	assert.Equal(t, "42-auth", qa.TaskID)
	assert.Equal(t, "waiting", qa.State)
	assert.Equal(t, "standard", qa.Preset)
	assert.Contains(t, qa.Body, "QA notes.")
}

func TestParseQADerivesTaskID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want string
	}{
		{id: "42-auth-qa", want: "42-auth"},
		{id: "42-auth.qa", want: "42-auth"},
	}
	for _, tt := range tests {
		qa, err := ParseQA([]byte("---\nid: " + tt.id + "\nstate: waiting\n---\n"))
		require.NoError(t, err)
		assert.Equal(t, tt.want, qa.TaskID)
	}
}

func TestQARoundTrip(t *testing.T) {
	t.Parallel()

	qa := &QA{
		ID:        "7-cache-qa",
		TaskID:    "7-cache",
		State:     "todo",
		SessionID: "2026-04-01-ff00aa11",
		CreatedAt: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
		StateHistory: []StateTransition{
			{From: "waiting", To: "todo", At: time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC), Reason: "task completed"},
		},
		Body: "\nValidate the cache layer.\n",
	}

	raw, err := qa.Serialize()
	require.NoError(t, err)
	parsed, err := ParseQA(raw)
	require.NoError(t, err)
	again, err := parsed.Serialize()
	require.NoError(t, err)
	assert.Equal(t, raw, again)
	assert.Equal(t, qa.StateHistory, parsed.StateHistory)
}
