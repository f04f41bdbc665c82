package vendors

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"edison.dev/cli/cmd/edison/cli/atomicio"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/yamlutil"
)

// Locked is one resolved source in vendors.lock.yaml.
type Locked struct {
	Name   string `yaml:"name" json:"name"`
	URL    string `yaml:"url" json:"url"`
	Ref    string `yaml:"ref" json:"ref"`
	Commit string `yaml:"commit" json:"commit"`
}

// Lock is the resolved-commit record for a manifest.
type Lock struct {
	Sources []Locked `yaml:"sources"`
}

// Entry returns the locked record for a name, nil when absent.
func (l *Lock) Entry(name string) *Locked {
	for i := range l.Sources {
		if l.Sources[i].Name == name {
			return &l.Sources[i]
		}
	}
	return nil
}

// EncodeLock renders the lock file deterministically: sources sorted by
// name, URLs stored with credentials stripped. Identical resolved sets
// produce identical bytes.
func EncodeLock(entries []Locked) ([]byte, error) {
	sorted := slices.Clone(entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for i := range sorted {
		sorted[i].URL = StripCredentials(sorted[i].URL)
	}
	return yamlutil.Marshal(Lock{Sources: sorted})
}

// ReadLock loads <root>/vendors.lock.yaml. A missing lock is empty.
func ReadLock(root string) (*Lock, error) {
	raw, err := os.ReadFile(filepath.Join(root, paths.VendorsLockName))
	if os.IsNotExist(err) {
		return &Lock{}, nil
	}
	if err != nil {
		return nil, err
	}
	var l Lock
	if err := yamlutil.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", paths.VendorsLockName, err)
	}
	return &l, nil
}

// WriteLock writes the lock file atomically.
func WriteLock(root string, entries []Locked) error {
	data, err := EncodeLock(entries)
	if err != nil {
		return err
	}
	return atomicio.WriteFile(filepath.Join(root, paths.VendorsLockName), data, 0o644)
}

// StripCredentials removes the password from a URL, keeping the username.
// Unparseable strings return unchanged.
func StripCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, has := u.User.Password(); has {
		u.User = url.User(u.User.Username())
		return u.String()
	}
	return raw
}
