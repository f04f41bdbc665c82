package entity

import (
	"fmt"
	"time"

	"github.com/goccy/go-yaml"

	"edison.dev/cli/cmd/edison/cli/frontmatter"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/yamlutil"
)

var qaKnownKeys = []string{
	"id", "task_id", "state", "session_id", "preset",
	"created_at", "updated_at", "state_history",
}

// QA is a task's validation counterpart, persisted under
// qa/<state>/<task-id>-qa.md.
type QA struct {
	ID           string
	TaskID       string
	State        string
	SessionID    string
	Preset       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StateHistory []StateTransition

	Extra map[string]any
	Body  string
}

// ParseQA decodes a QA document. A missing task_id falls back to stripping
// the QA suffix from the id.
func ParseQA(raw []byte) (*QA, error) {
	fields, body, err := frontmatter.Parse(raw)
	if err != nil {
		return nil, err
	}
	q := &QA{Body: body}
	if q.ID, err = stringField(fields, "id"); err != nil {
		return nil, err
	}
	if q.ID == "" {
		return nil, fmt.Errorf("qa frontmatter missing id")
	}
	if q.TaskID, err = stringField(fields, "task_id"); err != nil {
		return nil, err
	}
	if q.TaskID == "" {
		q.TaskID = paths.TaskIDForQA(q.ID)
	}
	if q.State, err = stringField(fields, "state"); err != nil {
		return nil, err
	}
	if q.SessionID, err = stringField(fields, "session_id"); err != nil {
		return nil, err
	}
	if q.Preset, err = stringField(fields, "preset"); err != nil {
		return nil, err
	}
	if q.CreatedAt, err = timeField(fields, "created_at"); err != nil {
		return nil, err
	}
	if q.UpdatedAt, err = timeField(fields, "updated_at"); err != nil {
		return nil, err
	}
	if q.StateHistory, err = historyField(fields, "state_history"); err != nil {
		return nil, err
	}
	for _, k := range qaKnownKeys {
		delete(fields, k)
	}
	if len(fields) > 0 {
		q.Extra = fields
	}
	return q, nil
}

// Serialize renders the QA record with deterministic frontmatter.
func (q *QA) Serialize() ([]byte, error) {
	meta := yaml.MapSlice{{Key: "id", Value: q.ID}}
	if q.TaskID != "" {
		meta = append(meta, yaml.MapItem{Key: "task_id", Value: q.TaskID})
	}
	meta = append(meta, yaml.MapItem{Key: "state", Value: q.State})
	if q.SessionID != "" {
		meta = append(meta, yaml.MapItem{Key: "session_id", Value: q.SessionID})
	}
	if q.Preset != "" {
		meta = append(meta, yaml.MapItem{Key: "preset", Value: q.Preset})
	}
	if !q.CreatedAt.IsZero() {
		meta = append(meta, yaml.MapItem{Key: "created_at", Value: formatTime(q.CreatedAt)})
	}
	if !q.UpdatedAt.IsZero() {
		meta = append(meta, yaml.MapItem{Key: "updated_at", Value: formatTime(q.UpdatedAt)})
	}
	meta = appendExtras(meta, q.Extra)
	if len(q.StateHistory) > 0 {
		meta = append(meta, yaml.MapItem{Key: "state_history", Value: historyItems(q.StateHistory)})
	}
	metaBytes, err := yamlutil.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("serializing qa %s: %w", q.ID, err)
	}
	return frontmatter.Join(metaBytes, []byte(q.Body)), nil
}

func (q *QA) RecordID() string      { return q.ID }
func (q *QA) RecordState() string   { return q.State }
func (q *QA) RecordSession() string { return q.SessionID }

func (q *QA) AppendTransition(tr StateTransition) {
	q.StateHistory = append(q.StateHistory, tr)
}

func (q *QA) SetUpdatedAt(at time.Time) {
	q.UpdatedAt = at.UTC()
}
