package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"edison.dev/cli/cmd/edison/cli/rules"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Select and render workflow rules",
	}

	cmd.AddCommand(newRulesInjectCmd())

	return cmd
}

func newRulesInjectCmd() *cobra.Command {
	var (
		sessionID  string
		taskID     string
		role       string
		state      string
		transition string
		contexts   []string
	)

	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Build the rule payload for a workflow moment",
		Long:  "Selects the rules matching the role, transition, and contexts, and renders the Markdown block agents receive. --state maps through rules.transition_map; --transition overrides it.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			engine := rules.NewEngine(cfg)
			payload, err := engine.Inject(rules.InjectOptions{
				SessionID:  sessionID,
				TaskID:     taskID,
				Role:       role,
				State:      state,
				Transition: transition,
				Contexts:   contexts,
			})
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, payload, func(w io.Writer) {
				fmt.Fprint(w, payload.Injection)
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session id recorded in the payload")
	cmd.Flags().StringVar(&taskID, "task", "", "Task id recorded in the payload")
	cmd.Flags().StringVar(&role, "role", "", "Rule role to select for (default agent)")
	cmd.Flags().StringVar(&state, "state", "", "Workflow state, mapped to a transition")
	cmd.Flags().StringVar(&transition, "transition", "", "Explicit transition, overrides --state")
	cmd.Flags().StringSliceVar(&contexts, "context", nil, "Additional rule contexts")

	return cmd
}
