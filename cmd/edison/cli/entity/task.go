package entity

import (
	"fmt"
	"time"

	"github.com/goccy/go-yaml"

	"edison.dev/cli/cmd/edison/cli/frontmatter"
	"edison.dev/cli/cmd/edison/cli/yamlutil"
)

// taskKnownKeys are the frontmatter keys owned by the Task struct; anything
// else round-trips through Extra.
var taskKnownKeys = []string{
	"id", "title", "state", "session_id", "parent_id", "child_ids",
	"depends_on", "blocks_tasks", "owner", "priority", "components",
	"created_at", "updated_at", "last_active", "state_history",
}

// Task is a unit of work persisted under tasks/<state>/<id>.md.
type Task struct {
	ID           string
	Title        string
	State        string
	SessionID    string
	ParentID     string
	ChildIDs     []string
	DependsOn    []string
	BlocksTasks  []string
	Owner        string
	Priority     string
	Components   []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActive   time.Time
	StateHistory []StateTransition

	// Extra preserves frontmatter keys Edison does not interpret.
	Extra map[string]any
	Body  string
}

// ParseTask decodes a task document.
func ParseTask(raw []byte) (*Task, error) {
	fields, body, err := frontmatter.Parse(raw)
	if err != nil {
		return nil, err
	}
	t := &Task{Body: body}
	if t.ID, err = stringField(fields, "id"); err != nil {
		return nil, err
	}
	if t.ID == "" {
		return nil, fmt.Errorf("task frontmatter missing id")
	}
	if t.Title, err = stringField(fields, "title"); err != nil {
		return nil, err
	}
	if t.State, err = stringField(fields, "state"); err != nil {
		return nil, err
	}
	if t.SessionID, err = stringField(fields, "session_id"); err != nil {
		return nil, err
	}
	if t.ParentID, err = stringField(fields, "parent_id"); err != nil {
		return nil, err
	}
	if t.ChildIDs, err = stringsField(fields, "child_ids"); err != nil {
		return nil, err
	}
	if t.DependsOn, err = stringsField(fields, "depends_on"); err != nil {
		return nil, err
	}
	if t.BlocksTasks, err = stringsField(fields, "blocks_tasks"); err != nil {
		return nil, err
	}
	if t.Owner, err = stringField(fields, "owner"); err != nil {
		return nil, err
	}
	if t.Priority, err = stringField(fields, "priority"); err != nil {
		return nil, err
	}
	if t.Components, err = stringsField(fields, "components"); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = timeField(fields, "created_at"); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = timeField(fields, "updated_at"); err != nil {
		return nil, err
	}
	if t.LastActive, err = timeField(fields, "last_active"); err != nil {
		return nil, err
	}
	if t.StateHistory, err = historyField(fields, "state_history"); err != nil {
		return nil, err
	}
	for _, k := range taskKnownKeys {
		delete(fields, k)
	}
	if len(fields) > 0 {
		t.Extra = fields
	}
	return t, nil
}

// Serialize renders the task with deterministic frontmatter: fixed field
// order, unset optionals omitted, extra keys sorted, history last.
func (t *Task) Serialize() ([]byte, error) {
	meta := yaml.MapSlice{{Key: "id", Value: t.ID}}
	if t.Title != "" {
		meta = append(meta, yaml.MapItem{Key: "title", Value: t.Title})
	}
	meta = append(meta, yaml.MapItem{Key: "state", Value: t.State})
	if t.SessionID != "" {
		meta = append(meta, yaml.MapItem{Key: "session_id", Value: t.SessionID})
	}
	if t.ParentID != "" {
		meta = append(meta, yaml.MapItem{Key: "parent_id", Value: t.ParentID})
	}
	if len(t.ChildIDs) > 0 {
		meta = append(meta, yaml.MapItem{Key: "child_ids", Value: t.ChildIDs})
	}
	if len(t.DependsOn) > 0 {
		meta = append(meta, yaml.MapItem{Key: "depends_on", Value: t.DependsOn})
	}
	if len(t.BlocksTasks) > 0 {
		meta = append(meta, yaml.MapItem{Key: "blocks_tasks", Value: t.BlocksTasks})
	}
	if t.Owner != "" {
		meta = append(meta, yaml.MapItem{Key: "owner", Value: t.Owner})
	}
	if t.Priority != "" {
		meta = append(meta, yaml.MapItem{Key: "priority", Value: t.Priority})
	}
	if len(t.Components) > 0 {
		meta = append(meta, yaml.MapItem{Key: "components", Value: t.Components})
	}
	if !t.CreatedAt.IsZero() {
		meta = append(meta, yaml.MapItem{Key: "created_at", Value: formatTime(t.CreatedAt)})
	}
	if !t.UpdatedAt.IsZero() {
		meta = append(meta, yaml.MapItem{Key: "updated_at", Value: formatTime(t.UpdatedAt)})
	}
	if !t.LastActive.IsZero() {
		meta = append(meta, yaml.MapItem{Key: "last_active", Value: formatTime(t.LastActive)})
	}
	meta = appendExtras(meta, t.Extra)
	if len(t.StateHistory) > 0 {
		meta = append(meta, yaml.MapItem{Key: "state_history", Value: historyItems(t.StateHistory)})
	}
	metaBytes, err := yamlutil.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("serializing task %s: %w", t.ID, err)
	}
	return frontmatter.Join(metaBytes, []byte(t.Body)), nil
}

// Frontmatter returns the task's fields as a flat map, the shape command
// templating and the task index consume.
func (t *Task) Frontmatter() map[string]any {
	fields := map[string]any{
		"id":    t.ID,
		"state": t.State,
	}
	if t.Title != "" {
		fields["title"] = t.Title
	}
	if t.SessionID != "" {
		fields["session_id"] = t.SessionID
	}
	if t.ParentID != "" {
		fields["parent_id"] = t.ParentID
	}
	if len(t.ChildIDs) > 0 {
		fields["child_ids"] = t.ChildIDs
	}
	if len(t.DependsOn) > 0 {
		fields["depends_on"] = t.DependsOn
	}
	if len(t.BlocksTasks) > 0 {
		fields["blocks_tasks"] = t.BlocksTasks
	}
	if t.Owner != "" {
		fields["owner"] = t.Owner
	}
	if t.Priority != "" {
		fields["priority"] = t.Priority
	}
	if len(t.Components) > 0 {
		fields["components"] = t.Components
	}
	for k, v := range t.Extra {
		fields[k] = v
	}
	return fields
}

func (t *Task) RecordID() string      { return t.ID }
func (t *Task) RecordState() string   { return t.State }
func (t *Task) RecordSession() string { return t.SessionID }

func (t *Task) AppendTransition(tr StateTransition) {
	t.StateHistory = append(t.StateHistory, tr)
}

func (t *Task) SetUpdatedAt(at time.Time) {
	t.UpdatedAt = at.UTC()
}
