// Package entity persists tasks and QA records as Markdown files with YAML
// frontmatter. A record's on-disk directory is its state: saving an entity
// whose state changed relocates the file to the new state directory and
// appends a transition entry to its history.
package entity

import (
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-yaml"
)

// StateTransition is one append-only history entry.
type StateTransition struct {
	From   string
	To     string
	At     time.Time
	Reason string
	Actor  string
}

// Record is the behavior the repository needs from a persisted entity.
type Record interface {
	RecordID() string
	RecordState() string
	RecordSession() string
	AppendTransition(t StateTransition)
	SetUpdatedAt(at time.Time)
	Serialize() ([]byte, error)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FieldError reports a frontmatter field with the wrong shape.
type FieldError struct {
	Field string
	Want  string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("frontmatter field %q: expected %s", e.Field, e.Want)
}

func stringField(fields map[string]any, key string) (string, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &FieldError{Field: key, Want: "string"}
	}
	return s, nil
}

func stringsField(fields map[string]any, key string) ([]string, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, &FieldError{Field: key, Want: "list of strings"}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, &FieldError{Field: key, Want: "list of strings"}
		}
		out = append(out, s)
	}
	return out, nil
}

func timeField(fields map[string]any, key string) (time.Time, error) {
	s, err := stringField(fields, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := parseTime(s)
	if err != nil {
		return time.Time{}, &FieldError{Field: key, Want: "RFC 3339 timestamp"}
	}
	return t, nil
}

func historyField(fields map[string]any, key string) ([]StateTransition, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, &FieldError{Field: key, Want: "list of transition entries"}
	}
	out := make([]StateTransition, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, &FieldError{Field: key, Want: "list of transition entries"}
		}
		var t StateTransition
		var err error
		if t.From, err = stringField(entry, "from"); err != nil {
			return nil, err
		}
		if t.To, err = stringField(entry, "to"); err != nil {
			return nil, err
		}
		if t.At, err = timeField(entry, "at"); err != nil {
			return nil, err
		}
		if t.Reason, err = stringField(entry, "reason"); err != nil {
			return nil, err
		}
		if t.Actor, err = stringField(entry, "actor"); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func historyItems(entries []StateTransition) []yaml.MapSlice {
	items := make([]yaml.MapSlice, 0, len(entries))
	for _, e := range entries {
		item := yaml.MapSlice{
			{Key: "from", Value: e.From},
			{Key: "to", Value: e.To},
			{Key: "at", Value: formatTime(e.At)},
		}
		if e.Reason != "" {
			item = append(item, yaml.MapItem{Key: "reason", Value: e.Reason})
		}
		if e.Actor != "" {
			item = append(item, yaml.MapItem{Key: "actor", Value: e.Actor})
		}
		items = append(items, item)
	}
	return items
}

func appendExtras(meta yaml.MapSlice, extra map[string]any) yaml.MapSlice {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		meta = append(meta, yaml.MapItem{Key: k, Value: extra[k]})
	}
	return meta
}
