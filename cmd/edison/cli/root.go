package cli

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"edison.dev/cli/cmd/edison/cli/buildinfo"
	"edison.dev/cli/cmd/edison/cli/logging"
	"edison.dev/cli/cmd/edison/cli/session"
	"edison.dev/cli/cmd/edison/cli/telemetry"
	"edison.dev/cli/cmd/edison/cli/versioncheck"
)

const gettingStarted = `

Getting Started:
  Run 'edison init' inside a repository to set up the .edison management
  tree, then 'edison session new' to open your first working session.
  For more information, visit: https://edison.dev/docs/getting-started

`

const accessibilityHelp = `
Environment Variables:
  ACCESSIBLE    Any non-empty value (e.g. ACCESSIBLE=1) swaps the interactive
                TUI for plain sequential prompts, which work with screen
                readers and scripted stdin.
`

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edison",
		Short: "Orchestrate multi-agent development workflows",
		Long: "Edison coordinates sessions, tasks, QA records, and validation evidence\n" +
			"for multi-agent software development." + gettingStarted + accessibilityHelp,
		// main.go prints the error once after ExecuteContext returns.
		SilenceErrors: true,
		// Completion stays functional but out of the help listing.
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			// Outside a project there is no log directory; leave the
			// package uninitialized rather than scatter .edison trees.
			cfg, err := projectConfig()
			if err != nil {
				return
			}
			logging.SetLogLevelGetter(func() string {
				return cfg.GetString("logging.level", "")
			})
			// One log file per pinned session, cli.log otherwise.
			id := "cli"
			if mgr, mgrErr := session.NewManager(cfg); mgrErr == nil {
				if resolved, resolveErr := mgr.Resolve(""); resolveErr == nil {
					id = resolved
				}
			}
			_ = logging.Init(id)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			enabled := false
			inProject := false
			if cfg, err := projectConfig(); err == nil {
				inProject = true
				enabled = cfg.GetBool("telemetry.enabled", false)
			}
			client := telemetry.NewClient(buildinfo.Version, enabled)
			defer client.Close()
			client.TrackCommand(cmd, inProject)

			// The update notice would corrupt a JSON stream.
			if !jsonOutput {
				versioncheck.CheckAndNotify(cmd.Context(), cmd, buildinfo.Version)
			}
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of text")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newQACmd())
	cmd.AddCommand(newEvidenceCmd())
	cmd.AddCommand(newGitCmd())
	cmd.AddCommand(newRulesCmd())
	cmd.AddCommand(newComposeCmd())
	cmd.AddCommand(newVendorCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newVersionCmd())

	// Replace default help command with one that supports a -t tree flag
	cmd.SetHelpCommand(NewHelpCmd(cmd))

	return cmd
}

type versionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versionInfo{
				Version:   buildinfo.Version,
				GoVersion: runtime.Version(),
				OS:        runtime.GOOS,
				Arch:      runtime.GOARCH,
			}
			return emit(cmd, info, func(w io.Writer) {
				fmt.Fprintf(w, "Edison CLI %s\n", info.Version)
				fmt.Fprintf(w, "Go version: %s\n", info.GoVersion)
				fmt.Fprintf(w, "OS/Arch: %s/%s\n", info.OS, info.Arch)
			})
		},
	}
}
