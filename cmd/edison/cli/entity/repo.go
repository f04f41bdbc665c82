package entity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"edison.dev/cli/cmd/edison/cli/atomicio"
	"edison.dev/cli/cmd/edison/cli/filelock"
	"edison.dev/cli/cmd/edison/cli/paths"
)

// Repo persists one entity type under a base directory whose immediate
// children are state directories. It is tree-scoped: the workflow layer
// builds one repo for the global tree and one per session subtree.
type Repo[E Record] struct {
	base     string
	states   []string
	parse    func([]byte) (E, error)
	lockOpts filelock.Options
}

// NewTaskRepo returns a repository for task records rooted at base.
func NewTaskRepo(base string, states []string, lockOpts filelock.Options) *Repo[*Task] {
	return &Repo[*Task]{base: base, states: states, parse: ParseTask, lockOpts: lockOpts}
}

// NewQARepo returns a repository for QA records rooted at base.
func NewQARepo(base string, states []string, lockOpts filelock.Options) *Repo[*QA] {
	return &Repo[*QA]{base: base, states: states, parse: ParseQA, lockOpts: lockOpts}
}

// Base returns the repository root directory.
func (r *Repo[E]) Base() string {
	return r.base
}

// States returns the state directories this repo scans.
func (r *Repo[E]) States() []string {
	return append([]string(nil), r.states...)
}

// Path returns the canonical file path for an entity in a given state.
func (r *Repo[E]) Path(state, id string) string {
	return filepath.Join(r.base, state, paths.TaskFileName(id))
}

// Find locates an entity's current file by scanning every state directory.
// A missing entity returns empty strings and no error.
func (r *Repo[E]) Find(id string) (path, state string, err error) {
	name := paths.TaskFileName(id)
	for _, s := range r.states {
		candidate := filepath.Join(r.base, s, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, s, nil
		} else if !os.IsNotExist(err) {
			return "", "", fmt.Errorf("locating %s: %w", id, err)
		}
	}
	return "", "", nil
}

// Get loads an entity by id. Returns the zero value and no error when the
// entity does not exist in this tree.
func (r *Repo[E]) Get(id string) (E, error) {
	var zero E
	path, _, err := r.Find(id)
	if err != nil || path == "" {
		return zero, err
	}
	return r.Load(path)
}

// Load reads and parses the entity file at path.
func (r *Repo[E]) Load(path string) (E, error) {
	var zero E
	raw, err := atomicio.ReadFile(path)
	if err != nil {
		return zero, fmt.Errorf("reading %s: %w", path, err)
	}
	e, err := r.parse(raw)
	if err != nil {
		return zero, fmt.Errorf("parsing %s: %w", path, err)
	}
	return e, nil
}

// ListByState returns all entities in one state directory, sorted by id.
// A missing directory yields an empty list.
func (r *Repo[E]) ListByState(state string) ([]E, error) {
	dir := filepath.Join(r.base, state)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var out []E
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), paths.TaskFileExt) {
			continue
		}
		e, err := r.Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID() < out[j].RecordID() })
	return out, nil
}

// ListAll returns every entity across all state directories.
func (r *Repo[E]) ListAll() ([]E, error) {
	var out []E
	for _, state := range r.states {
		entities, err := r.ListByState(state)
		if err != nil {
			return nil, err
		}
		out = append(out, entities...)
	}
	return out, nil
}

// SaveOptions carries the workflow-supplied context for a save.
type SaveOptions struct {
	// Reason and Actor annotate the history entry on transition saves.
	Reason string
	Actor  string
	// From marks a create as a relocation from another tree: the entity has
	// no file here, but the transition still gets a history entry.
	From string
	// Now overrides the clock, for tests.
	Now time.Time
}

// Save writes the entity to its state directory. When the on-disk state
// differs from the entity's state, the file relocates: the new file is
// written first, then the old one removed, and a history entry is appended.
func (r *Repo[E]) Save(ctx context.Context, e E, opts SaveOptions) (string, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	if e.RecordState() == "" {
		return "", fmt.Errorf("entity %s has no state", e.RecordID())
	}

	oldPath, oldState, err := r.Find(e.RecordID())
	if err != nil {
		return "", err
	}
	newPath := r.Path(e.RecordState(), e.RecordID())

	lockTarget := newPath
	if oldPath != "" {
		lockTarget = oldPath
	}
	lock, err := filelock.Acquire(ctx, lockTarget, r.lockOpts)
	if err != nil {
		return "", err
	}
	defer lock.Release()

	from := opts.From
	if oldPath != "" && oldState != e.RecordState() {
		from = oldState
	}
	if from != "" && from != e.RecordState() {
		e.AppendTransition(StateTransition{
			From:   from,
			To:     e.RecordState(),
			At:     now.UTC(),
			Reason: opts.Reason,
			Actor:  opts.Actor,
		})
	}
	e.SetUpdatedAt(now)

	data, err := e.Serialize()
	if err != nil {
		return "", err
	}
	if err := atomicio.WriteFile(newPath, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", newPath, err)
	}
	if oldPath != "" && oldPath != newPath {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("removing relocated file %s: %w", oldPath, err)
		}
	}
	return newPath, nil
}

// Remove deletes an entity's file. Missing entities are a no-op.
func (r *Repo[E]) Remove(ctx context.Context, id string) error {
	path, _, err := r.Find(id)
	if err != nil || path == "" {
		return err
	}
	lock, err := filelock.Acquire(ctx, path, r.lockOpts)
	if err != nil {
		return err
	}
	defer lock.Release()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}
