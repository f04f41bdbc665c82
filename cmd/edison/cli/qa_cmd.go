package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"edison.dev/cli/cmd/edison/cli/contextinfo"
	"edison.dev/cli/cmd/edison/cli/entity"
	"edison.dev/cli/cmd/edison/cli/workflow"
)

func newQACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qa",
		Short: "Create and advance QA records",
	}

	cmd.AddCommand(newQANewCmd())
	cmd.AddCommand(newQAPromoteCmd())

	return cmd
}

func qaMetadata(q *entity.QA) map[string]any {
	meta := map[string]any{
		"id":      q.ID,
		"task_id": q.TaskID,
		"state":   q.State,
	}
	if q.SessionID != "" {
		meta["session_id"] = q.SessionID
	}
	if q.Preset != "" {
		meta["preset"] = q.Preset
	}
	if !q.CreatedAt.IsZero() {
		meta["created_at"] = q.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !q.UpdatedAt.IsZero() {
		meta["updated_at"] = q.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return meta
}

func newQANewCmd() *cobra.Command {
	var preset string

	cmd := &cobra.Command{
		Use:   "new <task>",
		Short: "Create the QA record paired with a task",
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
			qa, err := svc.CreateQA(cmd.Context(), args[0], workflow.CreateQAOptions{Preset: preset})
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, qaMetadata(qa), func(w io.Writer) {
				fmt.Fprintf(w, "Created QA %s for task %s (%s)\n", qa.ID, qa.TaskID, qa.State)
			})
		},
	}

	cmd.Flags().StringVar(&preset, "preset", "", "Validation preset recorded on the QA")

	return cmd
}

func newQAPromoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote <qa-or-task>",
		Short: "Advance a QA record one step through its workflow",
		Long:  "Moves the QA record along its next edge. Completion requires the task's evidence to be present and passing.",
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
			qa, err := svc.PromoteQA(cmd.Context(), args[0], contextinfo.ActorID())
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, qaMetadata(qa), func(w io.Writer) {
				fmt.Fprintf(w, "QA %s is %s\n", qa.ID, qa.State)
			})
		},
	}

	return cmd
}
