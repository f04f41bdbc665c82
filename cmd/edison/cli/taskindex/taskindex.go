// Package taskindex builds in-memory indexes over the task and QA trees.
//
// Nothing is persisted: every query re-scans the filesystem (global tree
// plus all session subtrees), trading scan cost for zero stale state.
// Callers that need several lookups hold on to one Index.
package taskindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/entity"
	"edison.dev/cli/cmd/edison/cli/filelock"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/statemachine"
)

// Entry is one indexed task plus where it was found.
type Entry struct {
	Task         *entity.Task
	Path         string
	SessionID    string // owning session, "" for the global tree
	SessionState string // state of the owning session, "" for the global tree
}

// QAEntry is one indexed QA record plus where it was found.
type QAEntry struct {
	QA        *entity.QA
	Path      string
	SessionID string
}

// Index holds one scan's results.
type Index struct {
	tasks  []*Entry
	qas    []*QAEntry
	byID   map[string]*Entry
	qaByID map[string]*QAEntry
}

// Scanner discovers tasks and QA records across the management tree.
type Scanner struct {
	mgmt          string
	taskStates    []string
	qaStates      []string
	sessionStates []string
	lockOpts      filelock.Options
}

// NewScanner builds a scanner from the project config. The state directory
// lists come from the workflow section so custom states are scanned too.
func NewScanner(cfg *config.Config) (*Scanner, error) {
	states := func(section string) ([]string, error) {
		var spec statemachine.Spec
		if err := cfg.DecodeSection(section, &spec); err != nil {
			return nil, err
		}
		return statemachine.New("", spec).States(), nil
	}
	taskStates, err := states("workflow.task")
	if err != nil {
		return nil, err
	}
	qaStates, err := states("workflow.qa")
	if err != nil {
		return nil, err
	}
	sessionStates, err := states("workflow.session")
	if err != nil {
		return nil, err
	}
	return &Scanner{
		mgmt:          cfg.ManagementDir(),
		taskStates:    taskStates,
		qaStates:      qaStates,
		sessionStates: sessionStates,
		lockOpts:      cfg.LockOptions(),
	}, nil
}

// root is one tree to scan: the global tree or a session subtree.
type root struct {
	dir          string
	sessionID    string
	sessionState string
}

func (s *Scanner) roots() ([]root, error) {
	roots := []root{{dir: s.mgmt}}
	for _, state := range s.sessionStates {
		stateDir := filepath.Join(s.mgmt, paths.SessionsDirName, state)
		entries, err := os.ReadDir(stateDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", stateDir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			roots = append(roots, root{
				dir:          filepath.Join(stateDir, e.Name()),
				sessionID:    e.Name(),
				sessionState: state,
			})
		}
	}
	return roots, nil
}

type rootResult struct {
	tasks []*Entry
	qas   []*QAEntry
}

func (s *Scanner) scanRoot(r root) (rootResult, error) {
	var result rootResult

	taskRepo := entity.NewTaskRepo(filepath.Join(r.dir, paths.TasksDirName), s.taskStates, s.lockOpts)
	for _, state := range s.taskStates {
		tasks, err := taskRepo.ListByState(state)
		if err != nil {
			return rootResult{}, err
		}
		for _, t := range tasks {
			result.tasks = append(result.tasks, &Entry{
				Task:         t,
				Path:         taskRepo.Path(state, t.ID),
				SessionID:    r.sessionID,
				SessionState: r.sessionState,
			})
		}
	}

	qaRepo := entity.NewQARepo(filepath.Join(r.dir, paths.QADirName), s.qaStates, s.lockOpts)
	for _, state := range s.qaStates {
		qas, err := qaRepo.ListByState(state)
		if err != nil {
			return rootResult{}, err
		}
		for _, q := range qas {
			result.qas = append(result.qas, &QAEntry{
				QA:        q,
				Path:      qaRepo.Path(state, q.ID),
				SessionID: r.sessionID,
			})
		}
	}
	return result, nil
}

// Scan walks every tree and builds a fresh index. Session subtrees are
// scanned concurrently.
func (s *Scanner) Scan() (*Index, error) {
	roots, err := s.roots()
	if err != nil {
		return nil, err
	}

	p := pool.NewWithResults[rootResult]().WithErrors()
	for _, r := range roots {
		p.Go(func() (rootResult, error) {
			return s.scanRoot(r)
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, err
	}

	ix := &Index{
		byID:   map[string]*Entry{},
		qaByID: map[string]*QAEntry{},
	}
	for _, res := range results {
		ix.tasks = append(ix.tasks, res.tasks...)
		ix.qas = append(ix.qas, res.qas...)
	}
	sort.Slice(ix.tasks, func(i, j int) bool {
		if ix.tasks[i].Task.ID != ix.tasks[j].Task.ID {
			return ix.tasks[i].Task.ID < ix.tasks[j].Task.ID
		}
		return ix.tasks[i].SessionID < ix.tasks[j].SessionID
	})
	sort.Slice(ix.qas, func(i, j int) bool { return ix.qas[i].QA.ID < ix.qas[j].QA.ID })
	for _, e := range ix.tasks {
		if _, dup := ix.byID[e.Task.ID]; !dup {
			ix.byID[e.Task.ID] = e
		}
	}
	for _, q := range ix.qas {
		if _, dup := ix.qaByID[q.QA.ID]; !dup {
			ix.qaByID[q.QA.ID] = q
		}
	}
	return ix, nil
}

// Task returns the indexed entry for id, or nil.
func (ix *Index) Task(id string) *Entry {
	return ix.byID[id]
}

// QA returns the indexed QA entry for id, or nil.
func (ix *Index) QA(id string) *QAEntry {
	return ix.qaByID[id]
}

// Tasks returns every indexed task, sorted by id.
func (ix *Index) Tasks() []*Entry {
	return ix.tasks
}

// QAs returns every indexed QA record, sorted by id.
func (ix *Index) QAs() []*QAEntry {
	return ix.qas
}

// ByState returns the tasks currently in state, across all trees.
func (ix *Index) ByState(state string) []*Entry {
	var out []*Entry
	for _, e := range ix.tasks {
		if e.Task.State == state {
			out = append(out, e)
		}
	}
	return out
}

// BySession returns the tasks owned by a session. An empty id selects the
// global tree.
func (ix *Index) BySession(sessionID string) []*Entry {
	var out []*Entry
	for _, e := range ix.tasks {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// Children returns the tasks parented under parentID, merging explicit
// parent_id links, the parent's child_ids list, and the dotted id
// convention (201.1-worker is a child of 201-wave2-parent).
func (ix *Index) Children(parentID string) []*Entry {
	ids := map[string]bool{}
	for _, e := range ix.tasks {
		if e.Task.ParentID == parentID {
			ids[e.Task.ID] = true
		}
	}
	if parent := ix.byID[parentID]; parent != nil {
		for _, id := range parent.Task.ChildIDs {
			if ix.byID[id] != nil {
				ids[id] = true
			}
		}
	}
	if prefix := numericPrefix(parentID); prefix != "" {
		for _, e := range ix.tasks {
			child := numericPrefix(e.Task.ID)
			if strings.HasPrefix(child, prefix+".") {
				ids[e.Task.ID] = true
			}
		}
	}
	delete(ids, parentID)

	out := make([]*Entry, 0, len(ids))
	for id := range ids {
		out = append(out, ix.byID[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task.ID < out[j].Task.ID })
	return out
}

// Dependencies resolves a task's depends_on list to indexed entries.
// Ids that don't resolve are returned separately.
func (ix *Index) Dependencies(id string) (resolved []*Entry, missing []string) {
	e := ix.byID[id]
	if e == nil {
		return nil, nil
	}
	for _, dep := range e.Task.DependsOn {
		if target := ix.byID[dep]; target != nil {
			resolved = append(resolved, target)
		} else {
			missing = append(missing, dep)
		}
	}
	return resolved, missing
}

// IDs returns every known task and QA id, sorted. This is the candidate
// set for short-id expansion.
func (ix *Index) IDs() []string {
	ids := make([]string, 0, len(ix.byID)+len(ix.qaByID))
	for id := range ix.byID {
		ids = append(ids, id)
	}
	for id := range ix.qaByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Expand resolves a possibly-short token to a full task or QA id.
func (ix *Index) Expand(token string) (string, error) {
	return paths.ExpandShortID(token, ix.IDs())
}

// numericPrefix returns the leading digits-and-dots portion of an id:
// "201.1-worker" yields "201.1". Ids not starting with a digit yield "".
func numericPrefix(id string) string {
	if id == "" || id[0] < '0' || id[0] > '9' {
		return ""
	}
	end := 0
	for end < len(id) {
		c := id[end]
		if (c < '0' || c > '9') && c != '.' {
			break
		}
		end++
	}
	return strings.TrimRight(id[:end], ".")
}
