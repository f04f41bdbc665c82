package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"edison.dev/cli/cmd/edison/cli/worktree"
)

func newGitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "git",
		Short: "Manage the shared-state meta worktree",
	}

	cmd.AddCommand(newWorktreeMetaInitCmd())
	cmd.AddCommand(newMetaStatusCmd())
	cmd.AddCommand(newMetaCommitCmd())

	return cmd
}

func newWorktreeMetaInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree-meta-init",
		Short: "Create the meta worktree on its dedicated branch",
		Long:  "Sets up the shared-state worktree that session checkouts use to exchange task and QA files without touching the working branch.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			mgr, err := worktree.NewManager(cfg)
			if err != nil {
				return fail(cmd, err)
			}
			wt, err := mgr.InitMeta(cmd.Context())
			if err != nil {
				return fail(cmd, err)
			}
			payload := map[string]any{"path": wt.Path, "branch": wt.Branch}
			return emit(cmd, payload, func(w io.Writer) {
				fmt.Fprintf(w, "Meta worktree ready at %s (branch %s)\n", wt.Path, wt.Branch)
			})
		},
	}

	return cmd
}

func newMetaStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meta-status",
		Short: "Show the meta worktree's health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			mgr, err := worktree.NewManager(cfg)
			if err != nil {
				return fail(cmd, err)
			}
			status, err := mgr.MetaState(cmd.Context())
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, status, func(w io.Writer) {
				if !status.Enabled {
					fmt.Fprintln(w, "Meta worktree is disabled")
					return
				}
				health := "missing"
				if status.Exists {
					health = "stale"
					if status.Healthy {
						health = "healthy"
					}
				}
				fmt.Fprintf(w, "Path:   %s\n", status.Path)
				fmt.Fprintf(w, "Branch: %s\n", status.Branch)
				fmt.Fprintf(w, "State:  %s\n", health)
				if len(status.Dirty) > 0 {
					fmt.Fprintf(w, "Dirty:  %d files\n", len(status.Dirty))
					for _, f := range status.Dirty {
						fmt.Fprintf(w, "  %s\n", f)
					}
				}
			})
		},
	}

	return cmd
}

func newMetaCommitCmd() *cobra.Command {
	var (
		message     string
		commitPaths []string
	)

	cmd := &cobra.Command{
		Use:   "meta-commit",
		Short: "Commit shared-state changes in the meta worktree",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			mgr, err := worktree.NewManager(cfg)
			if err != nil {
				return fail(cmd, err)
			}
			hash, err := mgr.MetaCommit(cmd.Context(), message, commitPaths)
			if err != nil {
				return fail(cmd, err)
			}
			payload := map[string]any{"commit": hash, "branch": mgr.MetaBranch()}
			return emit(cmd, payload, func(w io.Writer) {
				fmt.Fprintf(w, "Committed %.12s to %s\n", hash, mgr.MetaBranch())
			})
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "Commit message (required)")
	cmd.Flags().StringSliceVar(&commitPaths, "path", nil, "Restrict the commit to these paths")
	cmd.MarkFlagRequired("message") //nolint:errcheck,gosec // flag is defined above

	return cmd
}
