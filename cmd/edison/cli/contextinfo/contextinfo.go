// Package contextinfo assembles the payload behind `session context` and
// `session next`: where the caller is, which session and task it owns, and
// which constitution binds it. The payload is a pure function of the
// project state on disk; the text renderers gate fields through the
// session.context.render.{markdown,next}.fields lists.
package contextinfo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/denisbrodbeck/machineid"

	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/logging"
	"edison.dev/cli/cmd/edison/cli/session"
	"edison.dev/cli/cmd/edison/cli/taskindex"
)

// EnvActorID overrides the machine-derived actor identity. Agent harnesses
// set it so several agents sharing one host stay distinguishable.
const EnvActorID = "EDISON_ACTOR_ID"

// Actor identifies who is asking for context and which constitution binds
// them. Resolution records how the id was determined: env, machine-id,
// hostname, or fallback.
type Actor struct {
	Kind         string `json:"actorKind"`
	ID           string `json:"actorId"`
	Constitution string `json:"actorConstitution,omitempty"`
	ReadCmd      string `json:"actorReadCmd,omitempty"`
	Resolution   string `json:"actorResolution"`
}

// Info is the context payload. JSON output carries every known field; the
// text renderers apply the configured gates.
type Info struct {
	IsEdisonProject  bool     `json:"isEdisonProject"`
	ProjectRoot      string   `json:"projectRoot,omitempty"`
	SessionID        string   `json:"sessionId,omitempty"`
	SessionState     string   `json:"sessionState,omitempty"`
	WorktreePath     string   `json:"worktreePath,omitempty"`
	CurrentTaskID    string   `json:"currentTaskId,omitempty"`
	CurrentTaskState string   `json:"currentTaskState,omitempty"`
	ActivePacks      []string `json:"activePacks"`
	Constitutions    []string `json:"constitutions"`
	Actor            *Actor   `json:"actor,omitempty"`
}

// NotProject is the payload for a directory outside any Edison project.
func NotProject() *Info {
	return &Info{ActivePacks: []string{}, Constitutions: []string{}}
}

// Builder derives context payloads for one project.
type Builder struct {
	cfg      *config.Config
	sessions *session.Manager
	scanner  *taskindex.Scanner
}

// NewBuilder wires a builder from the project config.
func NewBuilder(cfg *config.Config) (*Builder, error) {
	sessions, err := session.NewManager(cfg)
	if err != nil {
		return nil, err
	}
	scanner, err := taskindex.NewScanner(cfg)
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, sessions: sessions, scanner: scanner}, nil
}

// Fields returns the configured gate for a render format ("markdown" or
// "next").
func (b *Builder) Fields(format string) []string {
	return b.cfg.GetStrings("session.context.render." + format + ".fields")
}

// Build assembles the payload. sessionID follows the usual resolution
// order (explicit, .session-id pin, environment); a missing explicit
// session is an error, while a stale pin degrades to a sessionless
// payload so context stays available.
func (b *Builder) Build(ctx context.Context, sessionID string) (*Info, error) {
	info := &Info{
		IsEdisonProject: true,
		ProjectRoot:     b.cfg.Root(),
		ActivePacks:     b.cfg.ActivePacks(),
		Constitutions:   b.constitutions(),
	}
	if info.ActivePacks == nil {
		info.ActivePacks = []string{}
	}
	info.Actor = b.actor(info.Constitutions)

	id, err := b.sessions.Resolve(sessionID)
	if errors.Is(err, session.ErrNoSession) {
		return info, nil
	}
	if err != nil {
		return nil, err
	}
	sess, err := b.sessions.Store().Get(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		if sessionID != "" {
			return nil, fmt.Errorf("session %s not found", id)
		}
		logging.Debug(ctx, "resolved session has no record", "session_id", id)
		return info, nil
	}
	info.SessionID = sess.ID
	info.SessionState = sess.State
	info.WorktreePath = sess.Git.WorktreePath

	if entry := b.currentTask(ctx, sess.ID); entry != nil {
		info.CurrentTaskID = entry.Task.ID
		info.CurrentTaskState = entry.Task.State
	}
	return info, nil
}

// currentTask picks the session's in-flight task: wip tasks only, most
// recent activity first, lowest id on ties. Scan failures degrade to no
// current task; `task list` is the surface that reports broken files.
func (b *Builder) currentTask(ctx context.Context, sessionID string) *taskindex.Entry {
	ix, err := b.scanner.Scan()
	if err != nil {
		logging.Warn(ctx, "task scan failed, context omits current task", "error", err)
		return nil
	}
	var current *taskindex.Entry
	for _, entry := range ix.BySession(sessionID) {
		if entry.Task.State != "wip" {
			continue
		}
		switch {
		case current == nil:
			current = entry
		case entry.Task.LastActive.After(current.Task.LastActive):
			current = entry
		case entry.Task.LastActive.Equal(current.Task.LastActive) && entry.Task.ID < current.Task.ID:
			current = entry
		}
	}
	return current
}

// constitutions lists composed constitution documents as root-relative
// slash paths, sorted.
func (b *Builder) constitutions() []string {
	gen := b.cfg.GetString("composition.generated_dir", ".edison/_generated")
	dir := filepath.Join(b.cfg.Root(), gen, "constitutions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []string{}
	}
	out := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		out = append(out, path.Join(filepath.ToSlash(gen), "constitutions", e.Name()))
	}
	sort.Strings(out)
	return out
}

// actor resolves the caller's identity stanza. Kind comes from
// session.actor.kind; the constitution is the composed document matching
// that kind, falling back to default.md, then the first available.
func (b *Builder) actor(constitutions []string) *Actor {
	a := &Actor{Kind: b.cfg.GetString("session.actor.kind", "agent")}
	a.ID, a.Resolution = resolveActorID()
	if c := constitutionFor(a.Kind, constitutions); c != "" {
		a.Constitution = c
		a.ReadCmd = "cat " + c
	}
	return a
}

// ActorID resolves the calling actor's identity: EDISON_ACTOR_ID, then the
// hashed machine id, then the hostname. Workflow transitions record it in
// state history.
func ActorID() string {
	id, _ := resolveActorID()
	return id
}

func resolveActorID() (id, resolution string) {
	if id := os.Getenv(EnvActorID); id != "" {
		return id, "env"
	}
	if id, err := machineid.ProtectedID("edison"); err == nil && id != "" {
		return id, "machine-id"
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host, "hostname"
	}
	return "unknown", "fallback"
}

func constitutionFor(kind string, constitutions []string) string {
	fallback := ""
	for _, c := range constitutions {
		switch strings.TrimSuffix(path.Base(c), ".md") {
		case kind:
			return c
		case "default":
			fallback = c
		}
	}
	if fallback == "" && len(constitutions) > 0 {
		fallback = constitutions[0]
	}
	return fallback
}

// fieldValue maps a payload field name to its rendered forms: an inline
// value and, for the actor stanza, expanded sub-lines. Unknown names and
// empty optional fields render nothing.
func fieldValue(info *Info, name string) (value string, sub []string, ok bool) {
	switch name {
	case "isEdisonProject":
		return strconv.FormatBool(info.IsEdisonProject), nil, true
	case "projectRoot":
		return info.ProjectRoot, nil, info.ProjectRoot != ""
	case "sessionId":
		return info.SessionID, nil, info.SessionID != ""
	case "sessionState":
		return info.SessionState, nil, info.SessionState != ""
	case "worktreePath":
		return info.WorktreePath, nil, info.WorktreePath != ""
	case "currentTaskId":
		return info.CurrentTaskID, nil, info.CurrentTaskID != ""
	case "currentTaskState":
		return info.CurrentTaskState, nil, info.CurrentTaskState != ""
	case "activePacks":
		return strings.Join(info.ActivePacks, ", "), nil, len(info.ActivePacks) > 0
	case "constitutions":
		return strings.Join(info.Constitutions, ", "), nil, len(info.Constitutions) > 0
	case "actor":
		if info.Actor == nil {
			return "", nil, false
		}
		a := info.Actor
		sub = []string{"kind: " + a.Kind, "id: " + a.ID}
		if a.Constitution != "" {
			sub = append(sub, "constitution: "+a.Constitution, "read: "+a.ReadCmd)
		}
		sub = append(sub, "resolution: "+a.Resolution)
		return fmt.Sprintf("%s %s (%s)", a.Kind, a.ID, a.Resolution), sub, true
	}
	return "", nil, false
}

// RenderMarkdown renders the payload as a Markdown block, one bullet per
// gated field in gate order. The actor stanza expands to sub-bullets.
func RenderMarkdown(info *Info, fields []string) string {
	var sb strings.Builder
	sb.WriteString("## Edison Context\n")
	for _, f := range fields {
		value, sub, ok := fieldValue(info, f)
		if !ok {
			continue
		}
		if len(sub) > 0 {
			fmt.Fprintf(&sb, "- **%s**:\n", f)
			for _, line := range sub {
				sb.WriteString("  - " + line + "\n")
			}
			continue
		}
		fmt.Fprintf(&sb, "- **%s**: %s\n", f, value)
	}
	return sb.String()
}

// RenderNext renders the compact bullet list behind `session next`.
// Compound fields render inline.
func RenderNext(info *Info, fields []string) string {
	var sb strings.Builder
	for _, f := range fields {
		value, _, ok := fieldValue(info, f)
		if !ok {
			continue
		}
		sb.WriteString("- " + f + ": " + value + "\n")
	}
	return sb.String()
}

// Suggestion names the single most useful next command for the payload.
func Suggestion(info *Info) string {
	switch {
	case !info.IsEdisonProject:
		return "edison init"
	case info.SessionID == "":
		return "edison session start"
	case info.CurrentTaskID == "":
		return "edison task claim <task-id>"
	default:
		return "edison evidence capture " + info.CurrentTaskID
	}
}
