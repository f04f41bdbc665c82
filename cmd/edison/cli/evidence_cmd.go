package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"edison.dev/cli/cmd/edison/cli/evidence"
)

func newEvidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Capture and inspect validation evidence",
	}

	cmd.AddCommand(newEvidenceCaptureCmd())
	cmd.AddCommand(newEvidenceStatusCmd())
	cmd.AddCommand(newEvidenceContext7Cmd())

	return cmd
}

func newEvidenceCaptureCmd() *cobra.Command {
	var (
		only         []string
		all          bool
		preset       string
		sessionClose bool
		continueOn   bool
		force        bool
		noLock       bool
	)

	cmd := &cobra.Command{
		Use:   "capture <task>",
		Short: "Run the validation commands for a task and record evidence",
		Long:  "Resolves the validation policy for the change set, runs the required commands, and writes v1 evidence into the task's current round. A clean matching snapshot is reused instead of re-running anything.",
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
			ev, err := evidence.NewService(cfg)
			if err != nil {
				return fail(cmd, err)
			}
			if noLock {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: --no-lock bypasses capture serialization; concurrent captures may interleave")
			}
			summary, err := ev.Capture(cmd.Context(), entry.Task, evidence.CaptureOptions{
				Only:              only,
				All:               all,
				Preset:            preset,
				SessionClose:      sessionClose,
				ContinueOnFailure: continueOn,
				Force:             force,
				NoLock:            noLock,
			})
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, summary, func(w io.Writer) {
				printCaptureSummary(w, summary)
			})
		},
	}

	cmd.Flags().StringSliceVar(&only, "only", nil, "Capture only these logical commands")
	cmd.Flags().BoolVar(&all, "all", false, "Capture every configured command and skip snapshot reuse")
	cmd.Flags().StringVar(&preset, "preset", "", "Force a validation preset instead of resolving policy")
	cmd.Flags().BoolVar(&sessionClose, "session-close", false, "Record every failure instead of stopping")
	cmd.Flags().BoolVar(&continueOn, "continue", false, "Keep capturing after a non-zero exit")
	cmd.Flags().BoolVar(&force, "force", false, "Re-run commands even when the snapshot is reusable")
	cmd.Flags().BoolVar(&noLock, "no-lock", false, "Bypass the capture lock")

	return cmd
}

func printCaptureSummary(w io.Writer, s *evidence.Summary) {
	fmt.Fprintf(w, "Task %s, round %d, preset %s\n", s.TaskID, s.Round, s.Preset)
	if s.EscalatedFrom != "" {
		fmt.Fprintf(w, "Escalated from %s: %s\n", s.EscalatedFrom, s.EscalationReason)
	}
	if s.ReusedSnapshot {
		fmt.Fprintf(w, "Reused snapshot %s\n", s.SnapshotKey)
	}
	for _, c := range s.Captures {
		verdict := "ok"
		if c.TimedOut {
			verdict = "timeout"
		} else if c.ExitCode != 0 {
			verdict = fmt.Sprintf("exit %d", c.ExitCode)
		}
		fmt.Fprintf(w, "  %-14s %-8s %dms\n", c.Name, verdict, c.DurationMs)
	}
	printEvidenceStatus(w, s.PresetEvidenceStatus)
}

func printEvidenceStatus(w io.Writer, st evidence.Status) {
	if st.OK() {
		fmt.Fprintln(w, "Evidence: complete, passed, valid")
		return
	}
	var problems []string
	if len(st.Missing) > 0 {
		problems = append(problems, "missing "+strings.Join(st.Missing, ", "))
	}
	if len(st.Failed) > 0 {
		problems = append(problems, "failed "+strings.Join(st.Failed, ", "))
	}
	if len(st.Invalid) > 0 {
		problems = append(problems, "invalid "+strings.Join(st.Invalid, ", "))
	}
	fmt.Fprintf(w, "Evidence: incomplete (%s)\n", strings.Join(problems, "; "))
}

func newEvidenceStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <task>",
		Short: "Report a task's current evidence without capturing",
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
			ev, err := evidence.NewService(cfg)
			if err != nil {
				return fail(cmd, err)
			}
			report, err := ev.Report(cmd.Context(), entry.Task.ID)
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, report, func(w io.Writer) {
				fmt.Fprintf(w, "Task %s, round %d, preset %s\n", report.TaskID, report.Round, report.Preset)
				if report.SnapshotKey != "" {
					fmt.Fprintf(w, "Snapshot: %s\n", report.SnapshotKey)
				}
				printEvidenceStatus(w, report.PresetEvidenceStatus)
				for _, p := range report.Problems {
					fmt.Fprintf(w, "  %s\n", p)
				}
			})
		},
	}

	return cmd
}

func newEvidenceContext7Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context7",
		Short: "Record upstream documentation research for a task",
	}

	cmd.AddCommand(newContext7TemplateCmd())
	cmd.AddCommand(newContext7SaveCmd())

	return cmd
}

func newContext7TemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template <task>",
		Short: "Print a research report template to fill in",
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
			// The template is JSON in both output modes; it exists to be
			// filled in and passed back to `context7 save`.
			return printJSON(cmd.OutOrStdout(), evidence.Context7Template(entry.Task.ID))
		},
	}

	return cmd
}

func newContext7SaveCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "save <task>",
		Short: "Validate and store a filled research report",
		Long:  "Reads the report from --file or stdin, validates it, and writes it into the task's current evidence round.",
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
			var raw []byte
			if file != "" {
				raw, err = os.ReadFile(file)
			} else {
				raw, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fail(cmd, err)
			}
			ev, err := evidence.NewService(cfg)
			if err != nil {
				return fail(cmd, err)
			}
			path, err := ev.SaveContext7(entry.Task.ID, raw)
			if err != nil {
				return fail(cmd, err)
			}
			payload := map[string]any{"taskId": entry.Task.ID, "path": path}
			return emit(cmd, payload, func(w io.Writer) {
				fmt.Fprintf(w, "Saved research report to %s\n", path)
			})
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Read the report from this file instead of stdin")

	return cmd
}
