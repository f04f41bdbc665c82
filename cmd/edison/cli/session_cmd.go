package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"edison.dev/cli/cmd/edison/cli/contextinfo"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/session"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create and drive working sessions",
		Long:  "Commands for the session lifecycle: create, start, inspect, and complete.",
	}

	cmd.AddCommand(newSessionNewCmd())
	cmd.AddCommand(newSessionStartCmd())
	cmd.AddCommand(newSessionStatusCmd())
	cmd.AddCommand(newSessionCompleteCmd())
	cmd.AddCommand(newSessionContextCmd())
	cmd.AddCommand(newSessionNextCmd())

	return cmd
}

func newSessionNewCmd() *cobra.Command {
	var (
		title      string
		owner      string
		baseBranch string
		noWorktree bool
	)

	cmd := &cobra.Command{
		Use:   "new [id]",
		Short: "Create a session",
		Long:  "Creates a session record and, when worktrees are enabled, its git checkout. Omitting the id generates one.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			mgr, err := session.NewManager(cfg)
			if err != nil {
				return fail(cmd, err)
			}
			sess, err := mgr.New(cmd.Context(), id, session.NewOptions{
				Title:      title,
				Owner:      owner,
				BaseBranch: baseBranch,
				NoWorktree: noWorktree,
			})
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, sess, func(w io.Writer) {
				fmt.Fprintf(w, "Created session %s (%s)\n", sess.ID, sess.State)
				if sess.Git.WorktreePath != "" {
					fmt.Fprintf(w, "Worktree: %s (branch %s)\n", sess.Git.WorktreePath, sess.Git.Branch)
				}
			})
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Session title")
	cmd.Flags().StringVar(&owner, "owner", "", "Owning agent or person")
	cmd.Flags().StringVar(&baseBranch, "base-branch", "", "Branch the session worktree forks from")
	cmd.Flags().BoolVar(&noWorktree, "no-worktree", false, "Skip worktree creation for this session")

	return cmd
}

func newSessionStartCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Activate a session and pin it for this checkout",
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
			sess, err := mgr.Start(cmd.Context(), args[0], session.StartOptions{
				Reason: reason,
				Actor:  contextinfo.ActorID(),
			})
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, sess, func(w io.Writer) {
				fmt.Fprintf(w, "Session %s is %s\n", sess.ID, sess.State)
				if sess.Git.WorktreePath != "" {
					fmt.Fprintf(w, "Worktree: %s\n", sess.Git.WorktreePath)
				}
				fmt.Fprintf(w, "Pinned in %s\n", paths.SessionIDFileName)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in state history")

	return cmd
}

func newSessionStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show a session's record and checkout health",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit := ""
			if len(args) > 0 {
				explicit = args[0]
			}
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			mgr, err := session.NewManager(cfg)
			if err != nil {
				return fail(cmd, err)
			}
			id, err := mgr.Resolve(explicit)
			if err != nil {
				return fail(cmd, err)
			}
			status, err := mgr.Status(cmd.Context(), id)
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, status, func(w io.Writer) {
				sess := status.Session
				fmt.Fprintf(w, "Session:  %s\n", sess.ID)
				fmt.Fprintf(w, "State:    %s\n", sess.State)
				if sess.Title != "" {
					fmt.Fprintf(w, "Title:    %s\n", sess.Title)
				}
				fmt.Fprintf(w, "Pinned:   %v\n", status.Pinned)
				if sess.Git.WorktreePath != "" {
					health := "missing"
					if status.WorktreeExists {
						health = "stale"
						if status.WorktreeHealthy {
							health = "healthy"
						}
					}
					fmt.Fprintf(w, "Worktree: %s (%s)\n", sess.Git.WorktreePath, health)
				}
			})
		},
	}

	return cmd
}

func newSessionCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete [id]",
		Short: "Finish a session and publish its work globally",
		Long:  "Moves session-scoped tasks and QA records back to the global trees, archives the worktree, and clears the pin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit := ""
			if len(args) > 0 {
				explicit = args[0]
			}
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			mgr, err := session.NewManager(cfg)
			if err != nil {
				return fail(cmd, err)
			}
			id, err := mgr.Resolve(explicit)
			if err != nil {
				return fail(cmd, err)
			}
			svc, err := newWorkflow(cmd.Context(), cfg)
			if err != nil {
				return fail(cmd, err)
			}
			result, err := svc.CompleteSession(cmd.Context(), id, contextinfo.ActorID())
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, result, func(w io.Writer) {
				fmt.Fprintf(w, "Completed session %s: moved %d tasks, %d QA records\n",
					result.Session.ID, result.TasksMoved, result.QAMoved)
				if result.ArchivedTo != "" {
					fmt.Fprintf(w, "Worktree archived to %s\n", result.ArchivedTo)
				}
			})
		},
	}

	return cmd
}

func newSessionContextCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "context",
		Short: "Print the context payload for the current location",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, b, err := buildContext(cmd, sessionID)
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, info, func(w io.Writer) {
				fields := []string{"isEdisonProject"}
				if b != nil {
					fields = b.Fields("markdown")
				}
				fmt.Fprint(w, contextinfo.RenderMarkdown(info, fields))
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session to build context for")

	return cmd
}

func newSessionNextCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print the context payload plus the suggested next action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, b, err := buildContext(cmd, sessionID)
			if err != nil {
				return fail(cmd, err)
			}
			suggestion := contextinfo.Suggestion(info)
			payload := struct {
				*contextinfo.Info
				Suggestion string `json:"suggestion"`
			}{info, suggestion}
			return emit(cmd, payload, func(w io.Writer) {
				fields := []string{"isEdisonProject"}
				if b != nil {
					fields = b.Fields("next")
				}
				fmt.Fprint(w, contextinfo.RenderNext(info, fields))
				fmt.Fprintf(w, "Next: %s\n", suggestion)
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session to build context for")

	return cmd
}

// buildContext assembles the context payload, degrading to the
// not-a-project payload outside any Edison project.
func buildContext(cmd *cobra.Command, sessionID string) (*contextinfo.Info, *contextinfo.Builder, error) {
	cfg, err := projectConfig()
	if err != nil {
		if errors.Is(err, paths.ErrNotEdisonProject) {
			return contextinfo.NotProject(), nil, nil
		}
		return nil, nil, err
	}
	b, err := contextinfo.NewBuilder(cfg)
	if err != nil {
		return nil, nil, err
	}
	info, err := b.Build(cmd.Context(), sessionID)
	if err != nil {
		return nil, nil, err
	}
	return info, b, nil
}
