// Package rules selects and renders operating rules for workflow moments.
// Rule registries merge across the content layers (core, active packs,
// project); selection filters by role, transition, state, and context tags;
// rendering produces a Markdown block suitable for injection into an agent
// prompt.
package rules

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"edison.dev/cli/cmd/edison/cli/assets"
	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/yamlutil"
)

// Roles a rule can apply to.
const (
	RoleOrchestrator = "orchestrator"
	RoleAgent        = "agent"
	RoleValidator    = "validator"
)

var knownRoles = []string{RoleOrchestrator, RoleAgent, RoleValidator}

// registryPath is the rule registry location inside every content layer.
const registryPath = "rules/registry.yml"

// Rule is one operating rule. Contexts, Transitions, and States narrow
// when the rule fires; a rule without any of them applies generally.
type Rule struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Category    string   `yaml:"category"`
	Blocking    bool     `yaml:"blocking"`
	AppliesTo   []string `yaml:"applies_to"`
	Contexts    []string `yaml:"contexts"`
	Transitions []string `yaml:"transitions"`
	States      []string `yaml:"states"`
	Priority    int      `yaml:"priority"`
	Guidance    string   `yaml:"guidance"`

	// Origin is the layer that contributed the rule.
	Origin string `yaml:"-"`
}

// Filter narrows rule selection. A rule with a constraint the filter does
// not supply is excluded: transition-specific guidance stays out of
// generic queries.
type Filter struct {
	Role       string
	Transition string
	State      string
	Contexts   []string
}

// Matches reports whether the rule applies under the filter.
func (r *Rule) Matches(f Filter) bool {
	if f.Role != "" && !slices.Contains(r.AppliesTo, f.Role) {
		return false
	}
	if len(r.Contexts) > 0 && !intersects(r.Contexts, f.Contexts) {
		return false
	}
	if len(r.Transitions) > 0 && (f.Transition == "" || !slices.Contains(r.Transitions, f.Transition)) {
		return false
	}
	if len(r.States) > 0 && (f.State == "" || !slices.Contains(r.States, f.State)) {
		return false
	}
	return true
}

func intersects(have, want []string) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}

// Registry is the merged rule set across all layers.
type Registry struct {
	byID  map[string]*Rule
	order []string
}

// Rules returns every rule sorted by priority, then id.
func (reg *Registry) Rules() []*Rule {
	out := make([]*Rule, 0, len(reg.order))
	for _, id := range reg.order {
		out = append(out, reg.byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Rule returns a rule by id.
func (reg *Registry) Rule(id string) (*Rule, bool) {
	r, ok := reg.byID[id]
	return r, ok
}

// Select returns the rules matching the filter, sorted by priority.
func (reg *Registry) Select(f Filter) []*Rule {
	var out []*Rule
	for _, r := range reg.Rules() {
		if r.Matches(f) {
			out = append(out, r)
		}
	}
	return out
}

func (reg *Registry) add(r *Rule, origin string) {
	r.Origin = origin
	if _, exists := reg.byID[r.ID]; !exists {
		reg.order = append(reg.order, r.ID)
	}
	reg.byID[r.ID] = r
}

// Engine loads registries and builds injection payloads for one project.
type Engine struct {
	cfg *config.Config
}

// NewEngine returns an engine bound to the project's config.
func NewEngine(cfg *config.Config) *Engine {
	return &Engine{cfg: cfg}
}

// Registry merges the rule registries of the core layer, every active pack
// (bundled file first, then the project's copy), and the project layer.
// Later layers replace rules with the same id.
func (e *Engine) Registry() (*Registry, error) {
	reg := &Registry{byID: make(map[string]*Rule)}

	if err := mergeFS(reg, assets.Core(), "core"); err != nil {
		return nil, err
	}
	for _, pack := range e.cfg.ActivePacks() {
		origin := "pack:" + pack
		if fsys, ok := assets.BundledPack(pack); ok {
			if err := mergeFS(reg, fsys, origin); err != nil {
				return nil, err
			}
		}
		if err := mergeFS(reg, os.DirFS(config.ProjectPackDir(e.cfg.Root(), pack)), origin); err != nil {
			return nil, err
		}
	}
	if err := mergeFS(reg, os.DirFS(filepath.Join(e.cfg.Root(), ".edison")), "project"); err != nil {
		return nil, err
	}
	return reg, nil
}

type registryFile struct {
	Rules []*Rule `yaml:"rules"`
}

func mergeFS(reg *Registry, fsys fs.FS, origin string) error {
	data, err := fs.ReadFile(fsys, registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s registry: %w", origin, err)
	}
	var file registryFile
	if err := yamlutil.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing %s registry: %w", origin, err)
	}
	for _, r := range file.Rules {
		if err := validateRule(r, origin); err != nil {
			return err
		}
		reg.add(r, origin)
	}
	return nil
}

func validateRule(r *Rule, origin string) error {
	if r.ID == "" {
		return fmt.Errorf("rule without id in %s registry", origin)
	}
	if len(r.AppliesTo) == 0 {
		return fmt.Errorf("rule %q in %s registry: applies_to is empty", r.ID, origin)
	}
	for _, role := range r.AppliesTo {
		if !slices.Contains(knownRoles, role) {
			return fmt.Errorf("rule %q in %s registry: unknown role %q", r.ID, origin, role)
		}
	}
	return nil
}

// TransitionForState maps a task state to the canonical transition rules
// fire on, per rules.transition_map. Empty when no mapping exists.
func (e *Engine) TransitionForState(state string) string {
	return e.cfg.GetString("rules.transition_map."+state, "")
}

// InjectOptions parameterize one rules inject call.
type InjectOptions struct {
	SessionID string
	TaskID    string
	// Role defaults to agent, the usual injection target.
	Role string
	// State is mapped through rules.transition_map; Transition takes
	// precedence when both are set.
	State      string
	Transition string
	Contexts   []string
}

// PayloadRule is one selected rule in an injection payload.
type PayloadRule struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Priority int    `json:"priority"`
}

// Payload is the structured result of rules inject.
type Payload struct {
	SessionID string        `json:"sessionId"`
	TaskID    string        `json:"taskId"`
	Contexts  []string      `json:"contexts"`
	Rules     []PayloadRule `json:"rules"`
	Injection string        `json:"injection"`
}

// Inject selects the rules for the given workflow moment and renders the
// injectable Markdown block.
func (e *Engine) Inject(opts InjectOptions) (*Payload, error) {
	reg, err := e.Registry()
	if err != nil {
		return nil, err
	}

	transition := opts.Transition
	if transition == "" && opts.State != "" {
		transition = e.TransitionForState(opts.State)
		if transition == "" {
			return nil, fmt.Errorf("no transition mapped for state %q", opts.State)
		}
	}
	role := opts.Role
	if role == "" {
		role = RoleAgent
	}

	selected := reg.Select(Filter{
		Role:       role,
		Transition: transition,
		State:      opts.State,
		Contexts:   opts.Contexts,
	})

	payload := &Payload{
		SessionID: opts.SessionID,
		TaskID:    opts.TaskID,
		Contexts:  opts.Contexts,
		Rules:     make([]PayloadRule, 0, len(selected)),
		Injection: RenderMarkdown(selected),
	}
	if payload.Contexts == nil {
		payload.Contexts = []string{}
	}
	for _, r := range selected {
		payload.Rules = append(payload.Rules, PayloadRule{
			ID:       r.ID,
			Title:    r.Title,
			Content:  strings.TrimSpace(r.Guidance),
			Priority: r.Priority,
		})
	}
	return payload, nil
}

// RenderMarkdown renders rules as a Markdown block for prompt injection.
func RenderMarkdown(selected []*Rule) string {
	if len(selected) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Active Rules\n")
	for _, r := range selected {
		b.WriteString("\n- **" + r.Title + "**")
		var tags []string
		if r.Blocking {
			tags = append(tags, "blocking")
		}
		if r.Category != "" {
			tags = append(tags, r.Category)
		}
		if len(tags) > 0 {
			b.WriteString(" (" + strings.Join(tags, ", ") + ")")
		}
		b.WriteString("\n")
		for _, line := range strings.Split(strings.TrimSpace(r.Guidance), "\n") {
			if line == "" {
				b.WriteString("\n")
				continue
			}
			b.WriteString("  " + line + "\n")
		}
	}
	return b.String()
}
