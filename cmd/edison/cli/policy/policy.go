// Package policy resolves which validation preset applies to a change set.
// Presets are pure configuration; the resolver only classifies changed
// files and walks the configured escalation edge.
package policy

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"edison.dev/cli/cmd/edison/cli/config"
)

// Category buckets a changed file for escalation decisions.
type Category string

const (
	CategoryDoc    Category = "doc"
	CategoryCode   Category = "code"
	CategoryConfig Category = "config"
	CategoryOther  Category = "other"
)

// classification order decides ties when a file matches several categories;
// doc wins so documentation trees full of config-looking files stay quick.
var classifyOrder = []Category{CategoryDoc, CategoryCode, CategoryConfig}

// maxReasonExamples caps the files named per category in an escalation
// reason.
const maxReasonExamples = 3

// Preset is one validation preset from the merged configuration.
type Preset struct {
	ID                 string   `json:"id"`
	Description        string   `json:"description,omitempty"`
	Validators         []string `json:"validators"`
	RequiredEvidence   []string `json:"required_evidence"`
	BlockingValidators []string `json:"blocking_validators,omitempty"`
	StaleEvidence      string   `json:"stale_evidence,omitempty"`
	EscalatesTo        string   `json:"escalates_to,omitempty"`
}

// Policy is the resolved validation decision for a change set.
type Policy struct {
	Preset           *Preset `json:"preset"`
	EscalatedFrom    string  `json:"escalated_from,omitempty"`
	EscalationReason string  `json:"escalation_reason,omitempty"`
}

// Escalated reports whether the resolved preset differs from the default.
func (p *Policy) Escalated() bool {
	return p.EscalatedFrom != ""
}

// UnknownPresetError is returned for a preset id the configuration does not
// define.
type UnknownPresetError struct {
	ID        string
	Available []string
}

func (e *UnknownPresetError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("validation preset %q is not configured", e.ID)
	}
	return fmt.Sprintf("validation preset %q is not configured; available presets: %s",
		e.ID, strings.Join(e.Available, ", "))
}

// Resolver resolves presets and escalation from the merged configuration.
type Resolver struct {
	cfg *config.Config
}

// NewResolver builds a resolver.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// DefaultPresetID returns the configured default preset id.
func (r *Resolver) DefaultPresetID() string {
	return r.cfg.GetString("validation.default_preset", "quick")
}

// PresetIDs lists the configured preset ids, sorted.
func (r *Resolver) PresetIDs() []string {
	raw, ok := r.cfg.Get("validation.presets")
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Preset loads one preset by id.
func (r *Resolver) Preset(id string) (*Preset, error) {
	raw, ok := r.cfg.Get("validation.presets." + id)
	if !ok {
		return nil, &UnknownPresetError{ID: id, Available: r.PresetIDs()}
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("validation preset %q is not a mapping", id)
	}

	p := &Preset{ID: id}
	p.Description, _ = m["description"].(string)
	p.StaleEvidence, _ = m["stale_evidence"].(string)
	p.EscalatesTo, _ = m["escalates_to"].(string)

	var err error
	if p.Validators, err = stringList(m["validators"], id, "validators"); err != nil {
		return nil, err
	}
	if p.RequiredEvidence, err = stringList(m["required_evidence"], id, "required_evidence"); err != nil {
		return nil, err
	}
	if p.BlockingValidators, err = stringList(m["blocking_validators"], id, "blocking_validators"); err != nil {
		return nil, err
	}
	return p, nil
}

// stringList decodes a preset list field. Null and missing mean empty; any
// other non-list type is a configuration error, not a silent default.
func stringList(raw any, preset, field string) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("validation preset %q: %s must be a list, got %T", preset, field, raw)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("validation preset %q: %s must be a list of strings, got %T", preset, field, item)
		}
		out = append(out, s)
	}
	return out, nil
}

// Classify buckets changed files by the configured glob patterns. Patterns
// match against the full relative path and against the base name, so
// "*.go" covers nested files while "src/**" stays path-anchored.
func (r *Resolver) Classify(files []string) map[Category][]string {
	out := map[Category][]string{}
	for _, file := range files {
		cat := r.classify(file)
		out[cat] = append(out[cat], file)
	}
	return out
}

func (r *Resolver) classify(file string) Category {
	normalized := filepath.ToSlash(file)
	base := filepath.Base(normalized)
	for _, cat := range classifyOrder {
		for _, pattern := range r.cfg.GetStrings("validation.classification." + string(cat)) {
			if ok, _ := doublestar.Match(pattern, normalized); ok {
				return cat
			}
			if ok, _ := doublestar.Match(pattern, base); ok {
				return cat
			}
		}
	}
	return CategoryOther
}

// Resolve picks the validation preset for a change set. An explicit preset
// id short-circuits classification; otherwise documentation-only changes
// keep the default preset and anything else follows its escalation edge.
func (r *Resolver) Resolve(changed []string, explicit string) (*Policy, error) {
	if explicit != "" {
		preset, err := r.Preset(explicit)
		if err != nil {
			return nil, err
		}
		return &Policy{Preset: preset}, nil
	}

	def, err := r.Preset(r.DefaultPresetID())
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return &Policy{Preset: def}, nil
	}

	buckets := r.Classify(changed)
	docOnly := len(buckets[CategoryDoc]) == len(changed)
	if docOnly || def.EscalatesTo == "" {
		return &Policy{Preset: def}, nil
	}

	escalated, err := r.Preset(def.EscalatesTo)
	if err != nil {
		return nil, err
	}
	return &Policy{
		Preset:           escalated,
		EscalatedFrom:    def.ID,
		EscalationReason: escalationReason(buckets),
	}, nil
}

// escalationReason names the non-doc categories that forced escalation,
// with a few example files each.
func escalationReason(buckets map[Category][]string) string {
	var parts []string
	for _, cat := range []Category{CategoryCode, CategoryConfig, CategoryOther} {
		files := buckets[cat]
		if len(files) == 0 {
			continue
		}
		examples := files
		if len(examples) > maxReasonExamples {
			examples = examples[:maxReasonExamples]
		}
		parts = append(parts, fmt.Sprintf("%s changes: %s", cat, strings.Join(examples, ", ")))
	}
	return strings.Join(parts, "; ")
}
