// Package statemachine implements the data-driven transition engine shared
// by tasks, QA records, and sessions.
//
// A machine is built from a config-provided spec (states, allowed
// transitions, guard/condition/action references) plus registries of named
// callbacks. Guards answer yes/no, conditions explain their refusal, and
// actions run side effects before or after the caller commits the state
// change. The engine never mutates entities itself.
package statemachine

import (
	"fmt"
	"sort"
	"strings"
)

// Spec describes one entity type's state machine, decoded from the
// workflow.<entity> config section.
type Spec struct {
	States map[string]StateSpec `yaml:"states"`
}

// StateSpec describes a single state and its outgoing edges.
type StateSpec struct {
	Initial            bool             `yaml:"initial"`
	Final              bool             `yaml:"final"`
	AllowedTransitions []TransitionSpec `yaml:"allowed_transitions"`
}

// TransitionSpec describes one allowed edge.
type TransitionSpec struct {
	To         string         `yaml:"to"`
	Guard      string         `yaml:"guard"`
	Conditions []ConditionRef `yaml:"conditions"`
	Actions    []ActionRef    `yaml:"actions"`
}

// ConditionRef names a registered condition.
type ConditionRef struct {
	Name string `yaml:"name"`
}

// ActionRef names a registered action and when it runs.
// When is "before" or "after"; unspecified means "after".
type ActionRef struct {
	Name string `yaml:"name"`
	When string `yaml:"when"`
}

// Context carries the identifiers a callback needs to do its work.
// Callbacks that need richer data close over their own services.
type Context struct {
	Entity    string
	ID        string
	From      string
	To        string
	SessionID string
	Reason    string
	Actor     string
}

// Guard decides whether a transition is allowed at all.
type Guard func(ctx *Context) bool

// Condition is a precondition with an explanation for refusal.
type Condition func(ctx *Context) (bool, string)

// Action runs a side effect around the state change.
// Actions must be idempotent; they are not retried or rolled back.
type Action func(ctx *Context) error

// InvalidTransitionError reports an edge absent from the spec.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// GuardDeniedError reports a guard returning false.
type GuardDeniedError struct {
	Guard   string
	Message string
}

func (e *GuardDeniedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("guard %q denied transition: %s", e.Guard, e.Message)
	}
	return fmt.Sprintf("guard %q denied transition", e.Guard)
}

// ConditionFailedError reports the first failing precondition.
type ConditionFailedError struct {
	Name    string
	Message string
}

func (e *ConditionFailedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("condition %q failed: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("condition %q failed", e.Name)
}

// ActionError wraps a failing action with its name and phase.
type ActionError struct {
	Name string
	When string
	Err  error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %q (%s) failed: %v", e.Name, e.When, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Result summarizes a committed transition.
type Result struct {
	From       string
	To         string
	ActionsRun []string
}

// Machine is a configured transition engine for one entity type.
type Machine struct {
	entity     string
	spec       Spec
	guards     map[string]Guard
	conditions map[string]Condition
	actions    map[string]Action
}

// New builds a machine for an entity type from its spec.
func New(entity string, spec Spec) *Machine {
	return &Machine{
		entity:     entity,
		spec:       spec,
		guards:     map[string]Guard{},
		conditions: map[string]Condition{},
		actions:    map[string]Action{},
	}
}

// RegisterGuard installs a named guard callback.
func (m *Machine) RegisterGuard(name string, g Guard) {
	m.guards[name] = g
}

// RegisterCondition installs a named condition callback.
func (m *Machine) RegisterCondition(name string, c Condition) {
	m.conditions[name] = c
}

// RegisterAction installs a named action callback.
func (m *Machine) RegisterAction(name string, a Action) {
	m.actions[name] = a
}

// InitialState returns the state marked initial, or "" when none is.
func (m *Machine) InitialState() string {
	for name, state := range m.spec.States {
		if state.Initial {
			return name
		}
	}
	return ""
}

// IsFinal reports whether state is terminal.
func (m *Machine) IsFinal(state string) bool {
	return m.spec.States[state].Final
}

// States returns all known states, sorted.
func (m *Machine) States() []string {
	names := make([]string, 0, len(m.spec.States))
	for name := range m.spec.States {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsKnownState reports whether state appears in the spec.
func (m *Machine) IsKnownState(state string) bool {
	_, ok := m.spec.States[state]
	return ok
}

// TransitionsFrom returns the target states reachable from state, in spec
// order. Guards and conditions are not evaluated.
func (m *Machine) TransitionsFrom(state string) []string {
	spec, ok := m.spec.States[state]
	if !ok {
		return nil
	}
	targets := make([]string, 0, len(spec.AllowedTransitions))
	for _, t := range spec.AllowedTransitions {
		targets = append(targets, t.To)
	}
	return targets
}

// findTransition returns the spec edge from -> to, failing closed.
func (m *Machine) findTransition(from, to string) (*TransitionSpec, error) {
	state, ok := m.spec.States[from]
	if !ok {
		return nil, &InvalidTransitionError{Entity: m.entity, From: from, To: to}
	}
	for i := range state.AllowedTransitions {
		if state.AllowedTransitions[i].To == to {
			return &state.AllowedTransitions[i], nil
		}
	}
	return nil, &InvalidTransitionError{Entity: m.entity, From: from, To: to}
}

// ValidateTransition runs the transition lookup, guard, and conditions
// without executing any action. Use it for pre-flight checks.
func (m *Machine) ValidateTransition(ctx *Context, from, to string) error {
	_, err := m.check(ctx, from, to)
	return err
}

func (m *Machine) check(ctx *Context, from, to string) (*TransitionSpec, error) {
	t, err := m.findTransition(from, to)
	if err != nil {
		return nil, err
	}

	if t.Guard != "" {
		guard, ok := m.guards[t.Guard]
		if !ok {
			return nil, fmt.Errorf("unregistered guard %q on %s transition %s -> %s", t.Guard, m.entity, from, to)
		}
		if !guard(ctx) {
			return nil, &GuardDeniedError{Guard: t.Guard}
		}
	}

	for _, ref := range t.Conditions {
		cond, ok := m.conditions[ref.Name]
		if !ok {
			return nil, fmt.Errorf("unregistered condition %q on %s transition %s -> %s", ref.Name, m.entity, from, to)
		}
		ok, message := cond(ctx)
		if !ok {
			return nil, &ConditionFailedError{Name: ref.Name, Message: message}
		}
	}
	return t, nil
}

// Transition validates the edge, runs before-actions, invokes commit to
// perform the state change, then runs after-actions.
//
// If a before-action or commit fails, the state change does not happen and
// the error is returned with a nil result. If an after-action fails, the
// state change is kept: the result is returned alongside the error.
func (m *Machine) Transition(ctx *Context, from, to string, commit func() error) (*Result, error) {
	ctx.From = from
	ctx.To = to

	t, err := m.check(ctx, from, to)
	if err != nil {
		return nil, err
	}

	result := &Result{From: from, To: to}

	for _, ref := range t.Actions {
		if ref.When != "before" {
			continue
		}
		if err := m.runAction(ctx, ref); err != nil {
			return nil, err
		}
		result.ActionsRun = append(result.ActionsRun, ref.Name)
	}

	if commit != nil {
		if err := commit(); err != nil {
			return nil, err
		}
	}

	for _, ref := range t.Actions {
		if ref.When == "before" {
			continue
		}
		if err := m.runAction(ctx, ref); err != nil {
			return result, err
		}
		result.ActionsRun = append(result.ActionsRun, ref.Name)
	}

	return result, nil
}

func (m *Machine) runAction(ctx *Context, ref ActionRef) error {
	when := ref.When
	if when == "" {
		when = "after"
	}
	action, ok := m.actions[ref.Name]
	if !ok {
		return &ActionError{Name: ref.Name, When: when, Err: fmt.Errorf("unregistered action")}
	}
	if err := action(ctx); err != nil {
		return &ActionError{Name: ref.Name, When: when, Err: err}
	}
	return nil
}

// Mermaid renders the machine as a mermaid state diagram, useful for docs
// and debugging.
func (m *Machine) Mermaid() string {
	var sb strings.Builder
	sb.WriteString("stateDiagram-v2\n")
	for _, name := range m.States() {
		state := m.spec.States[name]
		if state.Initial {
			fmt.Fprintf(&sb, "    [*] --> %s\n", name)
		}
	}
	for _, name := range m.States() {
		state := m.spec.States[name]
		for _, t := range state.AllowedTransitions {
			label := ""
			if len(t.Conditions) > 0 {
				names := make([]string, 0, len(t.Conditions))
				for _, c := range t.Conditions {
					names = append(names, c.Name)
				}
				label = ": " + strings.Join(names, ", ")
			}
			fmt.Fprintf(&sb, "    %s --> %s%s\n", name, t.To, label)
		}
		if state.Final {
			fmt.Fprintf(&sb, "    %s --> [*]\n", name)
		}
	}
	return sb.String()
}
