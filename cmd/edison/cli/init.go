package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/huh"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"edison.dev/cli/cmd/edison/cli/assets"
	"edison.dev/cli/cmd/edison/cli/atomicio"
	"edison.dev/cli/cmd/edison/cli/compose"
	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/runner"
	"edison.dev/cli/cmd/edison/cli/yamlutil"
)

// projectConfigFile is the layer init owns. Numbered so later layers
// (50-, 60-) override it in merge order.
const projectConfigFile = "10-project.yaml"

const edisonGitignore = `logs/
vendor-cache/
tmp/
_generated/
`

// NewAccessibleForm builds a huh form honoring the ACCESSIBLE environment
// variable, which switches to plain stdin prompts for screen readers.
func NewAccessibleForm(groups ...*huh.Group) *huh.Form {
	return huh.NewForm(groups...).WithAccessible(os.Getenv("ACCESSIBLE") != "")
}

type initOptions struct {
	nonInteractive   bool
	force            bool
	merge            bool
	reconfigure      bool
	skipMCP          bool
	mcpScript        string
	skipCompose      bool
	enableWorktrees  bool
	disableWorktrees bool
}

type initResult struct {
	Root        string   `json:"root"`
	Initialized bool     `json:"initialized"`
	Name        string   `json:"name,omitempty"`
	Packs       []string `json:"packs,omitempty"`
	Worktrees   bool     `json:"worktrees"`
	Composed    int      `json:"composed"`
}

func newInitCmd() *cobra.Command {
	var opts initOptions

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Set up the Edison management tree",
		Long:  "Creates the .edison configuration directory and the management tree, asks a few setup questions (unless --non-interactive), and composes the bundled content. Re-running without --force, --merge, or --reconfigure changes nothing.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) > 0 {
				target = args[0]
			}
			result, err := runInit(cmd, target, opts)
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, result, func(w io.Writer) {
				if !result.Initialized {
					fmt.Fprintf(w, "Already initialized at %s (use --force, --merge, or --reconfigure to change it)\n", result.Root)
					return
				}
				fmt.Fprintf(w, "Initialized Edison project %q at %s\n", result.Name, result.Root)
				if len(result.Packs) > 0 {
					fmt.Fprintf(w, "Packs: %v\n", result.Packs)
				}
				fmt.Fprintf(w, "Worktrees: %v\n", result.Worktrees)
				if result.Composed > 0 {
					fmt.Fprintf(w, "Composed %d documents\n", result.Composed)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&opts.nonInteractive, "non-interactive", false, "Use defaults instead of the setup wizard")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Rewrite the project config layer")
	cmd.Flags().BoolVar(&opts.merge, "merge", false, "Add missing keys to an existing project config")
	cmd.Flags().BoolVar(&opts.reconfigure, "reconfigure", false, "Re-run the wizard over the existing config")
	cmd.Flags().BoolVar(&opts.skipMCP, "skip-mcp", false, "Skip the MCP registration script")
	cmd.Flags().StringVar(&opts.mcpScript, "mcp-script", "", "Script run after setup to register Edison with an agent host")
	cmd.Flags().BoolVar(&opts.skipCompose, "skip-compose", false, "Skip composing bundled content")
	cmd.Flags().BoolVar(&opts.enableWorktrees, "enable-worktrees", false, "Enable session worktrees without asking")
	cmd.Flags().BoolVar(&opts.disableWorktrees, "disable-worktrees", false, "Disable session worktrees without asking")
	cmd.MarkFlagsMutuallyExclusive("enable-worktrees", "disable-worktrees")
	cmd.MarkFlagsMutuallyExclusive("force", "merge", "reconfigure")

	return cmd
}

func runInit(cmd *cobra.Command, target string, opts initOptions) (*initResult, error) {
	root, err := filepath.Abs(target)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, err
	}

	configPath := filepath.Join(root, paths.ConfigSubdir, projectConfigFile)
	_, statErr := os.Stat(filepath.Join(root, paths.ConfigDirName))
	exists := statErr == nil
	if exists && !opts.force && !opts.merge && !opts.reconfigure {
		return &initResult{Root: root, Initialized: false}, nil
	}

	settings := defaultInitSettings(root, opts)
	if exists {
		config.ClearCache()
		seedFromExisting(root, &settings, opts)
	}
	if opts.merge {
		// Merge keeps whatever is configured and only fills gaps, so the
		// wizard has nothing to ask.
	} else if interactive(opts) {
		if err := runInitWizard(&settings, opts); err != nil {
			return nil, err
		}
	}

	if err := writeProjectScaffold(root, configPath, settings, opts.merge); err != nil {
		return nil, err
	}
	config.ClearCache()
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ManagementDir(), 0o750); err != nil {
		return nil, err
	}

	result := &initResult{
		Root:        root,
		Initialized: true,
		Name:        settings.name,
		Packs:       settings.packs,
		Worktrees:   settings.worktrees,
	}

	if !opts.skipCompose {
		results, err := compose.New(cfg).ComposeAll(cmd.Context())
		if err != nil {
			return nil, err
		}
		result.Composed = len(results)
	}

	if !opts.skipMCP && opts.mcpScript != "" {
		run := runner.New(cfg)
		res, err := run.Run(cmd.Context(), root, opts.mcpScript)
		if err != nil {
			return nil, fmt.Errorf("mcp script: %w", err)
		}
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("mcp script exited %d: %s", res.ExitCode, res.Output)
		}
	}

	return result, nil
}

type initSettings struct {
	name      string
	packs     []string
	worktrees bool
}

func defaultInitSettings(root string, opts initOptions) initSettings {
	return initSettings{
		name:      filepath.Base(root),
		worktrees: !opts.disableWorktrees,
	}
}

// seedFromExisting carries the current configuration into the wizard
// defaults for --reconfigure and --merge runs. Explicit worktree flags
// always win over the stored value.
func seedFromExisting(root string, settings *initSettings, opts initOptions) {
	cfg, err := config.Load(root)
	if err != nil {
		return
	}
	if name := cfg.GetString("project.name", ""); name != "" {
		settings.name = name
	}
	if packs := cfg.ActivePacks(); len(packs) > 0 {
		settings.packs = packs
	}
	if !opts.enableWorktrees && !opts.disableWorktrees {
		settings.worktrees = cfg.GetBool("worktrees.enabled", settings.worktrees)
	}
}

func interactive(opts initOptions) bool {
	if opts.nonInteractive {
		return false
	}
	return term.IsTerminal(int(os.Stdin.Fd())) || os.Getenv("ACCESSIBLE") != ""
}

func runInitWizard(settings *initSettings, opts initOptions) error {
	fields := []huh.Field{
		huh.NewInput().Title("Project name").Value(&settings.name),
	}
	if bundled := assets.BundledPackNames(); len(bundled) > 0 {
		options := make([]huh.Option[string], 0, len(bundled))
		for _, pack := range bundled {
			options = append(options, huh.NewOption(pack, pack))
		}
		fields = append(fields, huh.NewMultiSelect[string]().
			Title("Enable bundled packs").
			Options(options...).
			Value(&settings.packs))
	}
	if !opts.enableWorktrees && !opts.disableWorktrees {
		fields = append(fields, huh.NewConfirm().
			Title("Use git worktrees for session isolation?").
			Value(&settings.worktrees))
	}

	form := NewAccessibleForm(huh.NewGroup(fields...))
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return fmt.Errorf("setup cancelled: %w", context.Canceled)
		}
		return fmt.Errorf("setup failed: %w", err)
	}
	return nil
}

// writeProjectScaffold writes the config layer and the .edison support
// files. In merge mode existing keys win and only missing ones are added.
func writeProjectScaffold(root, configPath string, settings initSettings, merge bool) error {
	doc := yaml.MapSlice{
		{Key: "project", Value: yaml.MapSlice{{Key: "name", Value: settings.name}}},
		{Key: "packs", Value: settings.packs},
		{Key: "worktrees", Value: yaml.MapSlice{{Key: "enabled", Value: settings.worktrees}}},
	}
	if merge {
		merged, err := mergeProjectConfig(configPath, settings)
		if err != nil {
			return err
		}
		doc = merged
	}
	if err := atomicio.WriteYAML(configPath, doc, 0o644); err != nil {
		return err
	}

	gitignorePath := filepath.Join(root, paths.ConfigDirName, ".gitignore")
	if _, err := os.Stat(gitignorePath); os.IsNotExist(err) {
		if err := atomicio.WriteFile(gitignorePath, []byte(edisonGitignore), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// mergeProjectConfig loads the existing layer as a plain map and adds only
// the keys init owns that are absent.
func mergeProjectConfig(configPath string, settings initSettings) (yaml.MapSlice, error) {
	raw, err := os.ReadFile(configPath) //nolint:gosec // path is derived from the resolved root
	if os.IsNotExist(err) {
		return yaml.MapSlice{
			{Key: "project", Value: yaml.MapSlice{{Key: "name", Value: settings.name}}},
			{Key: "packs", Value: settings.packs},
			{Key: "worktrees", Value: yaml.MapSlice{{Key: "enabled", Value: settings.worktrees}}},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	existing := map[string]any{}
	if err := yamlutil.Unmarshal(raw, &existing); err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}

	doc := yaml.MapSlice{}
	if current, ok := existing["project"]; ok {
		doc = append(doc, yaml.MapItem{Key: "project", Value: current})
	} else {
		doc = append(doc, yaml.MapItem{Key: "project", Value: yaml.MapSlice{{Key: "name", Value: settings.name}}})
	}
	if current, ok := existing["packs"]; ok {
		doc = append(doc, yaml.MapItem{Key: "packs", Value: current})
	} else {
		doc = append(doc, yaml.MapItem{Key: "packs", Value: settings.packs})
	}
	if current, ok := existing["worktrees"]; ok {
		doc = append(doc, yaml.MapItem{Key: "worktrees", Value: current})
	} else {
		doc = append(doc, yaml.MapItem{Key: "worktrees", Value: yaml.MapSlice{{Key: "enabled", Value: settings.worktrees}}})
	}
	extra := make([]string, 0, len(existing))
	for key := range existing {
		switch key {
		case "project", "packs", "worktrees":
			continue
		}
		extra = append(extra, key)
	}
	sort.Strings(extra)
	for _, key := range extra {
		doc = append(doc, yaml.MapItem{Key: key, Value: existing[key]})
	}
	return doc, nil
}
