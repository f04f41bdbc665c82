package cli

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"edison.dev/cli/cmd/edison/cli/atomicio"
	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/frontmatter"
	"edison.dev/cli/cmd/edison/cli/logging"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "One-shot migrations for on-disk formats",
	}

	cmd.AddCommand(newMigrateTaskFrontmatterCmd())

	return cmd
}

func newMigrateTaskFrontmatterCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "task-frontmatter",
		Short: "Rewrite legacy comment metadata as YAML frontmatter",
		Long:  "Walks the task, QA, and session trees and rewrites documents still carrying `<!-- edison:key: value -->` comments into YAML frontmatter. Already-migrated files are left alone, so the command is safe to re-run.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := projectConfig()
			if err != nil {
				return fail(cmd, err)
			}
			migrated, err := migrateTaskFrontmatter(cmd, cfg, dryRun)
			if err != nil {
				return fail(cmd, err)
			}
			payload := map[string]any{"migrated": migrated, "dryRun": dryRun}
			return emit(cmd, payload, func(w io.Writer) {
				if len(migrated) == 0 {
					fmt.Fprintln(w, "Nothing to migrate")
					return
				}
				verb := "Migrated"
				if dryRun {
					verb = "Would migrate"
				}
				for _, path := range migrated {
					fmt.Fprintf(w, "%s %s\n", verb, path)
				}
				fmt.Fprintf(w, "%s %d files\n", verb, len(migrated))
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report files without rewriting them")

	return cmd
}

// migrateTaskFrontmatter rewrites every legacy markdown document under the
// management tree. Paths are reported relative to the project root.
func migrateTaskFrontmatter(cmd *cobra.Command, cfg *config.Config, dryRun bool) ([]string, error) {
	var migrated []string
	root := cfg.ManagementDir()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		raw, err := os.ReadFile(path) //nolint:gosec // walking the management tree
		if err != nil {
			return err
		}
		out, changed, err := frontmatter.FromLegacyComments(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if !changed {
			return nil
		}
		if !dryRun {
			if err := atomicio.WriteFile(path, out, 0o644); err != nil {
				return err
			}
		}
		rel, relErr := filepath.Rel(cfg.Root(), path)
		if relErr != nil {
			rel = path
		}
		migrated = append(migrated, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Info(cmd.Context(), "migrated legacy frontmatter", "files", len(migrated), "dryRun", dryRun)
	return migrated, nil
}
