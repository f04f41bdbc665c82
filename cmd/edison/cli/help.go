package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewHelpCmd replaces cobra's default help with one that also renders the
// whole command tree behind a hidden -t flag.
func NewHelpCmd(root *cobra.Command) *cobra.Command {
	var showTree bool

	cmd := &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		Long: "Provides help for any Edison subcommand.\nType '" + root.Name() +
			" help [command]' for full details.",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			if showTree {
				fmt.Fprintln(w, root.Name())
				writeCommandTree(w, root, "")
				return
			}
			target, _, err := root.Find(args)
			if err != nil || target == nil {
				target = root
			}
			target.Help() //nolint:errcheck,gosec // Help only fails on write errors
		},
	}

	cmd.Flags().BoolVarP(&showTree, "tree", "t", false, "Show full command tree")
	cmd.Flags().MarkHidden("tree") //nolint:errcheck,gosec // flag is defined above

	return cmd
}

// writeCommandTree renders cmd's visible subcommands as a box-drawing tree.
func writeCommandTree(w io.Writer, cmd *cobra.Command, prefix string) {
	var visible []*cobra.Command
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" {
			continue
		}
		visible = append(visible, sub)
	}
	for i, sub := range visible {
		connector, childPrefix := "├── ", prefix+"│   "
		if i == len(visible)-1 {
			connector, childPrefix = "└── ", prefix+"    "
		}
		if sub.Short != "" {
			fmt.Fprintf(w, "%s%s%s - %s\n", prefix, connector, sub.Name(), sub.Short)
		} else {
			fmt.Fprintf(w, "%s%s%s\n", prefix, connector, sub.Name())
		}
		writeCommandTree(w, sub, childPrefix)
	}
}
