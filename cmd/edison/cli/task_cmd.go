package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"edison.dev/cli/cmd/edison/cli/contextinfo"
	"edison.dev/cli/cmd/edison/cli/entity"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/session"
	"edison.dev/cli/cmd/edison/cli/taskindex"
	"edison.dev/cli/cmd/edison/cli/workflow"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and drive tasks through the workflow",
	}

	cmd.AddCommand(newTaskNewCmd())
	cmd.AddCommand(newTaskClaimCmd())
	cmd.AddCommand(newTaskCompleteCmd())
	cmd.AddCommand(newTaskAbortCmd())
	cmd.AddCommand(newTaskValidateCmd())
	cmd.AddCommand(newTaskStatusCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskLinkCmd())
	cmd.AddCommand(newTaskSimilarCmd())

	return cmd
}

// taskMetadata flattens a task into the dict shape JSON consumers get.
// Empty optionals are omitted so the payload stays diffable.
func taskMetadata(t *entity.Task, path string) map[string]any {
	meta := map[string]any{
		"id":    t.ID,
		"state": t.State,
	}
	put := func(key, value string) {
		if value != "" {
			meta[key] = value
		}
	}
	putList := func(key string, values []string) {
		if len(values) > 0 {
			meta[key] = values
		}
	}
	putTime := func(key string, at time.Time) {
		if !at.IsZero() {
			meta[key] = at.UTC().Format(time.RFC3339)
		}
	}
	put("title", t.Title)
	put("session_id", t.SessionID)
	put("parent_id", t.ParentID)
	putList("child_ids", t.ChildIDs)
	putList("depends_on", t.DependsOn)
	putList("blocks_tasks", t.BlocksTasks)
	put("owner", t.Owner)
	put("priority", t.Priority)
	putList("components", t.Components)
	putTime("created_at", t.CreatedAt)
	putTime("updated_at", t.UpdatedAt)
	putTime("last_active", t.LastActive)
	put("path", path)
	return meta
}

func printTaskMetadata(w io.Writer, meta map[string]any) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := meta[k].(type) {
		case []string:
			fmt.Fprintf(w, "%-12s %s\n", k+":", strings.Join(v, ", "))
		default:
			fmt.Fprintf(w, "%-12s %v\n", k+":", v)
		}
	}
}

func newTaskNewCmd() *cobra.Command {
	var (
		title      string
		owner      string
		parent     string
		dependsOn  []string
		components []string
		priority   string
	)

	cmd := &cobra.Command{
		Use:   "new <slug-or-id>",
		Short: "Create a task in the global tree",
		Long:  "Creates a task in the workflow's initial state. A bare slug gets the next free NNN- prefix; an argument starting with a digit is used as the id verbatim.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			svc, err := newWorkflow(cmd.Context(), cfg)
			if err != nil {
				return fail(cmd, err)
			}
			ix, err := svc.Scan()
			if err != nil {
				return fail(cmd, err)
			}
			id := nextTaskID(ix.IDs(), args[0])
			task, err := svc.CreateTask(cmd.Context(), id, workflow.CreateTaskOptions{
				Title:      title,
				Owner:      owner,
				ParentID:   parent,
				DependsOn:  dependsOn,
				Components: components,
				Priority:   priority,
			})
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, taskMetadata(task, ""), func(w io.Writer) {
				fmt.Fprintf(w, "Created task %s (%s)\n", task.ID, task.State)
			})
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Task title")
	cmd.Flags().StringVar(&owner, "owner", "", "Owning agent or person")
	cmd.Flags().StringVar(&parent, "parent", "", "Parent task id")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "Task ids this task depends on")
	cmd.Flags().StringSliceVar(&components, "component", nil, "Components this task touches")
	cmd.Flags().StringVar(&priority, "priority", "", "Task priority")

	return cmd
}

// nextTaskID allocates the NNN-slug id for a bare slug: one past the
// highest numeric prefix among existing task ids.
func nextTaskID(ids []string, arg string) string {
	if arg != "" && arg[0] >= '0' && arg[0] <= '9' {
		return arg
	}
	highest := 0
	for _, id := range ids {
		if paths.IsQAID(id) {
			continue
		}
		end := 0
		for end < len(id) && id[end] >= '0' && id[end] <= '9' {
			end++
		}
		if end == 0 {
			continue
		}
		if n, err := strconv.Atoi(id[:end]); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%03d-%s", highest+1, arg)
}

func newTaskClaimCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "claim <task>",
		Short: "Claim a task into a session",
		Long:  "Moves the task (and its QA record, if any) into the session subtree and marks it wip. Without --session the pinned or AGENTS_SESSION session is used.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			mgr, err := session.NewManager(cfg)
			if err != nil {
				return fail(cmd, err)
			}
			id, err := mgr.Resolve(sessionID)
			if err != nil {
				return fail(cmd, err)
			}
			svc, err := newWorkflow(cmd.Context(), cfg)
			if err != nil {
				return fail(cmd, err)
			}
			task, qa, err := svc.ClaimTask(cmd.Context(), args[0], id, contextinfo.ActorID())
			if err != nil {
				return fail(cmd, err)
			}
			meta := taskMetadata(task, "")
			if qa != nil {
				meta["qa_id"] = qa.ID
				meta["qa_state"] = qa.State
			}
			return emit(cmd, meta, func(w io.Writer) {
				fmt.Fprintf(w, "Claimed %s into session %s (%s)\n", task.ID, id, task.State)
				if qa != nil {
					fmt.Fprintf(w, "QA %s moved along (%s)\n", qa.ID, qa.State)
				}
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session to claim into")

	return cmd
}

func newTaskCompleteCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "complete <task>",
		Short: "Mark a claimed task done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			mgr, err := session.NewManager(cfg)
			if err != nil {
				return fail(cmd, err)
			}
			id, err := mgr.Resolve(sessionID)
			if err != nil {
				return fail(cmd, err)
			}
			svc, err := newWorkflow(cmd.Context(), cfg)
			if err != nil {
				return fail(cmd, err)
			}
			task, qa, err := svc.CompleteTask(cmd.Context(), args[0], id, contextinfo.ActorID())
			if err != nil {
				return fail(cmd, err)
			}
			meta := taskMetadata(task, "")
			if qa != nil {
				meta["qa_id"] = qa.ID
				meta["qa_state"] = qa.State
			}
			return emit(cmd, meta, func(w io.Writer) {
				fmt.Fprintf(w, "Task %s is %s\n", task.ID, task.State)
				if qa != nil {
					fmt.Fprintf(w, "QA %s is %s\n", qa.ID, qa.State)
				}
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session the task is claimed in")

	return cmd
}

func newTaskAbortCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "abort <task>",
		Short: "Release a claimed task back to the global tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			mgr, err := session.NewManager(cfg)
			if err != nil {
				return fail(cmd, err)
			}
			id, err := mgr.Resolve(sessionID)
			if err != nil {
				return fail(cmd, err)
			}
			svc, err := newWorkflow(cmd.Context(), cfg)
			if err != nil {
				return fail(cmd, err)
			}
			task, err := svc.AbortTask(cmd.Context(), args[0], id, contextinfo.ActorID())
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, taskMetadata(task, ""), func(w io.Writer) {
				fmt.Fprintf(w, "Released %s back to the global tree (%s)\n", task.ID, task.State)
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session the task is claimed in")

	return cmd
}

func newTaskValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <task>",
		Short: "Promote a done task to validated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			svc, err := newWorkflow(cmd.Context(), cfg)
			if err != nil {
				return fail(cmd, err)
			}
			task, err := svc.ValidateTask(cmd.Context(), args[0], contextinfo.ActorID())
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, taskMetadata(task, ""), func(w io.Writer) {
				fmt.Fprintf(w, "Task %s is %s\n", task.ID, task.State)
			})
		},
	}

	return cmd
}

func newTaskStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <task>",
		Short: "Show a task's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			svc, err := newWorkflow(cmd.Context(), cfg)
			if err != nil {
				return fail(cmd, err)
			}
			ix, err := svc.Scan()
			if err != nil {
				return fail(cmd, err)
			}
			entry, err := findTask(ix, args[0])
			if err != nil {
				return fail(cmd, err)
			}
			meta := taskMetadata(entry.Task, entry.Path)
			if entry.SessionID != "" {
				meta["session_id"] = entry.SessionID
			}
			return emit(cmd, meta, func(w io.Writer) {
				printTaskMetadata(w, meta)
			})
		},
	}

	return cmd
}

func newTaskListCmd() *cobra.Command {
	var (
		sessionID string
		state     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long:  "Lists global tasks. --session restricts to one session's subtree; session-scoped tasks are hidden otherwise.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			svc, err := newWorkflow(cmd.Context(), cfg)
			if err != nil {
				return fail(cmd, err)
			}
			ix, err := svc.Scan()
			if err != nil {
				return fail(cmd, err)
			}
			var entries []*taskindex.Entry
			if sessionID != "" {
				entries = ix.BySession(sessionID)
			} else {
				for _, e := range ix.Tasks() {
					if e.SessionID == "" {
						entries = append(entries, e)
					}
				}
			}
			if state != "" {
				filtered := entries[:0]
				for _, e := range entries {
					if e.Task.State == state {
						filtered = append(filtered, e)
					}
				}
				entries = filtered
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Task.ID < entries[j].Task.ID })

			metas := make([]map[string]any, 0, len(entries))
			for _, e := range entries {
				metas = append(metas, taskMetadata(e.Task, e.Path))
			}
			return emit(cmd, metas, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, "No tasks found")
					return
				}
				for _, e := range entries {
					fmt.Fprintf(w, "%-10s %-28s %s\n", e.Task.State, e.Task.ID, e.Task.Title)
				}
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "List one session's tasks instead")
	cmd.Flags().StringVar(&state, "state", "", "Only tasks in this state")

	return cmd
}

func newTaskLinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link <child> <parent>",
		Short: "Link a task under a parent",
		Long:  "Records the parent on the child, the child on the parent, and a depends_on edge from parent to child.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			svc, err := newWorkflow(cmd.Context(), cfg)
			if err != nil {
				return fail(cmd, err)
			}
			child, parent, err := svc.LinkTasks(cmd.Context(), args[0], args[1])
			if err != nil {
				return fail(cmd, err)
			}
			payload := map[string]any{
				"child":  taskMetadata(child, ""),
				"parent": taskMetadata(parent, ""),
			}
			return emit(cmd, payload, func(w io.Writer) {
				fmt.Fprintf(w, "Linked %s under %s\n", child.ID, parent.ID)
			})
		},
	}

	return cmd
}

func newTaskSimilarCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "similar <query>",
		Short: "Rank existing tasks by similarity to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			svc, err := newWorkflow(cmd.Context(), cfg)
			if err != nil {
				return fail(cmd, err)
			}
			ix, err := svc.Scan()
			if err != nil {
				return fail(cmd, err)
			}
			matches, err := ix.Similar(query, limit)
			if err != nil {
				return fail(cmd, err)
			}
			type matchView struct {
				ID    string  `json:"id"`
				Title string  `json:"title,omitempty"`
				State string  `json:"state"`
				Score float64 `json:"score"`
			}
			views := make([]matchView, 0, len(matches))
			for _, m := range matches {
				views = append(views, matchView{
					ID:    m.Entry.Task.ID,
					Title: m.Entry.Task.Title,
					State: m.Entry.Task.State,
					Score: m.Score,
				})
			}
			return emit(cmd, views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "No similar tasks")
					return
				}
				for _, v := range views {
					fmt.Fprintf(w, "%.2f  %-28s %s\n", v.Score, v.ID, v.Title)
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 5, "Maximum number of matches")

	return cmd
}
