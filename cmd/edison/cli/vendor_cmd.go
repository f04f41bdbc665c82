package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"edison.dev/cli/cmd/edison/cli/vendors"
)

func newVendorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vendor",
		Short: "Mirror and mount external content sources",
		Long:  "Manages the sources declared in vendors.yaml: their mirror cache, their pinned commits, and their mounts inside the repository.",
	}

	cmd.AddCommand(newVendorListCmd())
	cmd.AddCommand(newVendorShowCmd())
	cmd.AddCommand(newVendorSyncCmd())
	cmd.AddCommand(newVendorUpdateCmd())
	cmd.AddCommand(newVendorGCCmd())

	return cmd
}

// withSpinner runs fn behind a stderr spinner when the output is a
// terminal and not JSON.
func withSpinner(suffix string, fn func() error) error {
	if jsonOutput || !term.IsTerminal(int(os.Stderr.Fd())) {
		return fn()
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + suffix
	s.Start()
	defer s.Stop()
	return fn()
}

func newVendorService() (*vendors.Service, error) {
	cfg, err := projectConfig()
	if err != nil {
		return nil, err
	}
	return vendors.NewService(cfg)
}

func newVendorListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List declared sources with lock and cache state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newVendorService()
			if err != nil {
				return fail(cmd, err)
			}
			entries, err := svc.List()
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, entries, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, "No vendors declared")
					return
				}
				for _, e := range entries {
					fmt.Fprintf(w, "%-20s %-14s %s\n", e.Source.Name, vendorCommitLabel(e), e.Source.Path)
				}
			})
		},
	}

	return cmd
}

func vendorCommitLabel(e vendors.ListEntry) string {
	if e.Commit == "" {
		return "(unlocked)"
	}
	label := e.Commit
	if len(label) > 12 {
		label = label[:12]
	}
	if !e.Mounted {
		label += " (unmounted)"
	}
	return label
}

func newVendorShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one declared source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newVendorService()
			if err != nil {
				return fail(cmd, err)
			}
			entry, err := svc.Show(args[0])
			if err != nil {
				return fail(cmd, err)
			}
			return emit(cmd, entry, func(w io.Writer) {
				fmt.Fprintf(w, "Name:    %s\n", entry.Source.Name)
				fmt.Fprintf(w, "URL:     %s\n", vendors.StripCredentials(entry.Source.URL))
				fmt.Fprintf(w, "Ref:     %s\n", entry.Source.Ref)
				fmt.Fprintf(w, "Path:    %s\n", entry.Source.Path)
				if len(entry.Source.Sparse) > 0 {
					fmt.Fprintf(w, "Sparse:  %v\n", entry.Source.Sparse)
				}
				if entry.Commit != "" {
					fmt.Fprintf(w, "Commit:  %s\n", entry.Commit)
				}
				fmt.Fprintf(w, "Cached:  %v\n", entry.Cached)
				fmt.Fprintf(w, "Mounted: %v\n", entry.Mounted)
			})
		},
	}

	return cmd
}

func newVendorSyncCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "sync [name...]",
		Short: "Mirror, pin, and mount declared sources",
		Long:  "Clones or refreshes each source's mirror, checks out the locked commit (resolving and locking unresolved refs), and mounts it at its declared path.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVendorSync(cmd, args, vendors.SyncOptions{Mode: mode})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "Mount mode override (symlink or copy)")

	return cmd
}

func newVendorUpdateCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "update [name...]",
		Short: "Re-resolve refs and move lock entries forward",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVendorSync(cmd, args, vendors.SyncOptions{Update: true, Mode: mode})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "Mount mode override (symlink or copy)")

	return cmd
}

func runVendorSync(cmd *cobra.Command, names []string, opts vendors.SyncOptions) error {
	svc, err := newVendorService()
	if err != nil {
		return fail(cmd, err)
	}
	opts.Names = names

	var results []vendors.SyncResult
	err = withSpinner("syncing vendors...", func() error {
		var syncErr error
		results, syncErr = svc.Sync(cmd.Context(), opts)
		return syncErr
	})
	if err != nil {
		return fail(cmd, err)
	}
	return emit(cmd, results, func(w io.Writer) {
		if len(results) == 0 {
			fmt.Fprintln(w, "No vendors declared")
			return
		}
		for _, r := range results {
			verb := "pinned"
			if r.Updated {
				verb = "updated"
			}
			fmt.Fprintf(w, "%-20s %s %.12s -> %s\n", r.Name, verb, r.Commit, r.Path)
		}
	})
}

func newVendorGCCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove cached mirrors for undeclared sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newVendorService()
			if err != nil {
				return fail(cmd, err)
			}
			var removed []string
			err = withSpinner("collecting stale mirrors...", func() error {
				var gcErr error
				removed, gcErr = svc.GC(cmd.Context(), dryRun)
				return gcErr
			})
			if err != nil {
				return fail(cmd, err)
			}
			payload := map[string]any{"removed": removed, "dryRun": dryRun}
			return emit(cmd, payload, func(w io.Writer) {
				if len(removed) == 0 {
					fmt.Fprintln(w, "Cache is clean")
					return
				}
				verb := "Removed"
				if dryRun {
					verb = "Would remove"
				}
				for _, name := range removed {
					fmt.Fprintf(w, "%s %s\n", verb, name)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report stale mirrors without deleting")

	return cmd
}
