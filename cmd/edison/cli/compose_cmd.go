package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"edison.dev/cli/cmd/edison/cli/compose"
)

func newComposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Regenerate composed content under .edison/_generated",
	}

	cmd.AddCommand(newComposeAllCmd())
	for _, contentType := range []string{"agents", "validators", "guidelines", "constitutions"} {
		cmd.AddCommand(newComposeTypeCmd(contentType))
	}

	return cmd
}

func newComposeAllCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Compose every content type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			results, err := compose.New(cfg).ComposeAll(cmd.Context())
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, results, func(w io.Writer) {
				printComposeResults(w, results)
			})
		},
	}

	return cmd
}

func newComposeTypeCmd(contentType string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   contentType + " [name]",
		Short: "Compose " + contentType,
		Long:  "Composes every " + contentType + " document, or just the named one.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			c := compose.New(cfg)
			if len(args) == 0 {
				results, err := c.ComposeType(cmd.Context(), contentType)
				if err != nil {
					return fail(cmd, err)
				}
				return emit(cmd, results, func(w io.Writer) {
					printComposeResults(w, results)
				})
			}
			// A named entity prints the composed document itself.
			doc, err := c.Compose(contentType, args[0])
			if err != nil {
				return fail(cmd, err)
			}
			if jsonOutput {
				payload := map[string]any{"contentType": contentType, "name": args[0], "content": doc}
				return printJSON(cmd.OutOrStdout(), payload)
			}
			fmt.Fprint(cmd.OutOrStdout(), doc)
			return nil
		},
	}

	return cmd
}

func printComposeResults(w io.Writer, results []compose.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "Nothing to compose")
		return
	}
	for _, r := range results {
		fmt.Fprintf(w, "%s\n", r.Path)
	}
	fmt.Fprintf(w, "Composed %d documents\n", len(results))
}
