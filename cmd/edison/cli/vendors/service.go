package vendors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/gitexec"
	"edison.dev/cli/cmd/edison/cli/logging"
	"edison.dev/cli/cmd/edison/cli/paths"
)

// Service drives vendor mirrors: cloning into the cache, pinning locked
// commits, mounting content into the repo, and collecting stale mirrors.
type Service struct {
	cfg   *config.Config
	git   *gitexec.Runner
	root  string
	cache string
}

// NewService wires a vendor service, resolving and vetting the cache dir.
func NewService(cfg *config.Config) (*Service, error) {
	cache, err := CacheDir(cfg)
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, git: gitexec.New(cfg), root: cfg.Root(), cache: cache}, nil
}

// CacheRoot returns the resolved mirror cache directory.
func (s *Service) CacheRoot() string {
	return s.cache
}

// checkoutDir is where a source's working copy lives in the cache.
func (s *Service) checkoutDir(name string) string {
	return filepath.Join(s.cache, name)
}

func (s *Service) cloneTimeout() time.Duration {
	return time.Duration(s.cfg.GetInt("vendors.timeouts.clone", 300)) * time.Second
}

func (s *Service) fetchTimeout() time.Duration {
	return time.Duration(s.cfg.GetInt("vendors.timeouts.fetch", 60)) * time.Second
}

// ListEntry pairs a declared source with its lock and cache status.
type ListEntry struct {
	Source  Source `json:"source"`
	Commit  string `json:"commit,omitempty"`
	Cached  bool   `json:"cached"`
	Mounted bool   `json:"mounted"`
}

// List reports every declared source with its locked commit and whether
// its cache checkout and repo mount exist.
func (s *Service) List() ([]ListEntry, error) {
	f, err := Load(s.root)
	if err != nil {
		return nil, err
	}
	lock, err := ReadLock(s.root)
	if err != nil {
		return nil, err
	}
	entries := make([]ListEntry, 0, len(f.Sources))
	for _, src := range f.Sources {
		e := ListEntry{Source: src}
		if l := lock.Entry(src.Name); l != nil {
			e.Commit = l.Commit
		}
		if _, err := os.Stat(s.checkoutDir(src.Name)); err == nil {
			e.Cached = true
		}
		if _, err := os.Lstat(filepath.Join(s.root, filepath.FromSlash(src.Path))); err == nil {
			e.Mounted = true
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Show returns one declared source's entry.
func (s *Service) Show(name string) (*ListEntry, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Source.Name == name {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("vendor %s not declared in %s", name, paths.VendorsFileName)
}

// SyncOptions tunes Sync.
type SyncOptions struct {
	// Names restricts the sync to the given sources.
	Names []string
	// Update re-resolves refs and rewrites lock entries that already exist.
	Update bool
	// Mode overrides the configured mount mode.
	Mode string
}

// SyncResult records one synced source.
type SyncResult struct {
	Name    string `json:"name"`
	Commit  string `json:"commit"`
	Path    string `json:"path"`
	Updated bool   `json:"updated"`
}

// Sync mirrors each selected source into the cache, pins it to its locked
// commit (resolving and locking unresolved ones), mounts it at its path,
// and rewrites the lock for the declared set.
func (s *Service) Sync(ctx context.Context, opts SyncOptions) ([]SyncResult, error) {
	f, err := Load(s.root)
	if err != nil {
		return nil, err
	}
	lock, err := ReadLock(s.root)
	if err != nil {
		return nil, err
	}
	selected, err := selectSources(f, opts.Names)
	if err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = s.cfg.GetString("vendors.mountMode", ModeSymlink)
	}

	// Entries for sources no longer declared drop out of the lock here.
	merged := make(map[string]Locked, len(f.Sources))
	for _, src := range f.Sources {
		if l := lock.Entry(src.Name); l != nil {
			merged[src.Name] = *l
		}
	}

	results := make([]SyncResult, 0, len(selected))
	for _, src := range selected {
		res, entry, err := s.syncOne(ctx, src, lock.Entry(src.Name), opts.Update, mode)
		if err != nil {
			return nil, fmt.Errorf("vendor %s: %w", src.Name, err)
		}
		merged[src.Name] = entry
		results = append(results, res)
	}

	entries := make([]Locked, 0, len(merged))
	for _, e := range merged {
		entries = append(entries, e)
	}
	if err := WriteLock(s.root, entries); err != nil {
		return nil, err
	}
	return results, nil
}

// Update is Sync with forced re-resolution of every selected ref.
func (s *Service) Update(ctx context.Context, names []string) ([]SyncResult, error) {
	return s.Sync(ctx, SyncOptions{Names: names, Update: true})
}

func (s *Service) syncOne(ctx context.Context, src Source, locked *Locked, update bool, mode string) (SyncResult, Locked, error) {
	dir := s.checkoutDir(src.Name)

	fresh := false
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if err := os.MkdirAll(s.cache, 0o755); err != nil {
			return SyncResult{}, Locked{}, err
		}
		if _, err := s.git.Run(ctx, s.root, s.cloneTimeout(), "clone", "--no-checkout", "--", src.URL, dir); err != nil {
			return SyncResult{}, Locked{}, fmt.Errorf("cloning: %w", err)
		}
		fresh = true
	}
	if len(src.Sparse) > 0 {
		args := append([]string{"sparse-checkout", "set", "--"}, src.Sparse...)
		if _, err := s.git.Run(ctx, dir, s.cfg.GitTimeout(), args...); err != nil {
			return SyncResult{}, Locked{}, fmt.Errorf("configuring sparse checkout: %w", err)
		}
	}

	commit := ""
	if locked != nil && !update {
		commit = locked.Commit
	}
	if commit == "" {
		if !fresh {
			if _, err := s.git.Run(ctx, dir, s.fetchTimeout(), "fetch", "--prune", "origin"); err != nil {
				return SyncResult{}, Locked{}, fmt.Errorf("fetching: %w", err)
			}
		}
		var err error
		commit, err = s.resolveRef(ctx, dir, src.Ref)
		if err != nil {
			return SyncResult{}, Locked{}, err
		}
	}

	if err := s.checkout(ctx, dir, commit); err != nil {
		// A lock written elsewhere can pin a commit this mirror has not
		// fetched yet.
		if _, ferr := s.git.Run(ctx, dir, s.fetchTimeout(), "fetch", "--prune", "origin"); ferr != nil {
			return SyncResult{}, Locked{}, err
		}
		if err := s.checkout(ctx, dir, commit); err != nil {
			return SyncResult{}, Locked{}, err
		}
	}

	if err := NewMounter(s.root, dir).Mount(".", src.Path, mode); err != nil {
		return SyncResult{}, Locked{}, err
	}

	entry := Locked{Name: src.Name, URL: src.URL, Ref: src.Ref, Commit: commit}
	res := SyncResult{
		Name:    src.Name,
		Commit:  commit,
		Path:    src.Path,
		Updated: locked == nil || locked.Commit != commit,
	}
	logging.Info(ctx, "vendor synced", "vendor", src.Name, "commit", commit, "path", src.Path)
	return res, entry, nil
}

func (s *Service) checkout(ctx context.Context, dir, commit string) error {
	if _, err := s.git.Run(ctx, dir, s.cfg.GitTimeout(), "checkout", "--force", "--detach", commit); err != nil {
		return fmt.Errorf("checking out %s: %w", commit, err)
	}
	return nil
}

// resolveRef maps a branch or tag to a commit hash, preferring the
// remote-tracking form so a stale local ref cannot win.
func (s *Service) resolveRef(ctx context.Context, dir, ref string) (string, error) {
	for _, candidate := range []string{"refs/remotes/origin/" + ref, ref} {
		out, err := s.git.Run(ctx, dir, s.cfg.GitTimeout(), "rev-parse", "--verify", candidate+"^{commit}")
		if err == nil {
			return out, nil
		}
	}
	return "", fmt.Errorf("cannot resolve ref %q", ref)
}

// GC removes cache checkouts for sources no longer declared. With dryRun
// it only reports what would go.
func (s *Service) GC(ctx context.Context, dryRun bool) ([]string, error) {
	f, err := Load(s.root)
	if err != nil {
		return nil, err
	}
	declared := make(map[string]bool, len(f.Sources))
	for _, src := range f.Sources {
		declared[src.Name] = true
	}
	entries, err := os.ReadDir(s.cache)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		if !e.IsDir() || declared[e.Name()] {
			continue
		}
		removed = append(removed, e.Name())
		if dryRun {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.cache, e.Name())); err != nil {
			return nil, fmt.Errorf("removing stale mirror %s: %w", e.Name(), err)
		}
		logging.Info(ctx, "vendor mirror removed", "vendor", e.Name())
	}
	return removed, nil
}

func selectSources(f *File, names []string) ([]Source, error) {
	if len(names) == 0 {
		return f.Sources, nil
	}
	out := make([]Source, 0, len(names))
	for _, n := range names {
		src := f.Source(n)
		if src == nil {
			return nil, fmt.Errorf("vendor %s not declared in %s", n, paths.VendorsFileName)
		}
		out = append(out, *src)
	}
	return out, nil
}
