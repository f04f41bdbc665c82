// Package vendors manages vendored third-party sources: the vendors.yaml
// manifest, the vendors.lock.yaml resolved-commit record, the mirror cache,
// and the mount step that places vendor content into the repository.
// Every field that reaches a git command line or the filesystem is checked
// against option injection, embedded credentials, and path escapes first.
package vendors

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/yamlutil"
)

//go:embed vendors.schema.json
var schemaJSON []byte

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal(schemaJSON, &doc); err != nil {
			schemaErr = fmt.Errorf("parsing vendors schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("vendors.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("loading vendors schema: %w", err)
			return
		}
		schemaCompiled, schemaErr = c.Compile("vendors.schema.json")
	})
	return schemaCompiled, schemaErr
}

// Source is one vendored dependency declared in vendors.yaml.
type Source struct {
	Name   string   `yaml:"name" json:"name"`
	URL    string   `yaml:"url" json:"url"`
	Ref    string   `yaml:"ref" json:"ref"`
	Path   string   `yaml:"path" json:"path"`
	Sparse []string `yaml:"sparse,omitempty" json:"sparse,omitempty"`
}

// File is the parsed manifest.
type File struct {
	Sources []Source `yaml:"sources" json:"sources"`
}

// Source returns a declared source by name, nil when absent.
func (f *File) Source(name string) *Source {
	for i := range f.Sources {
		if f.Sources[i].Name == name {
			return &f.Sources[i]
		}
	}
	return nil
}

// Load reads <root>/vendors.yaml. A missing manifest is an empty one. The
// document is validated against the bundled JSON schema, then each source
// against the injection and escape rules the schema cannot express.
func Load(root string) (*File, error) {
	raw, err := os.ReadFile(filepath.Join(root, paths.VendorsFileName))
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, err
	}

	var doc any
	if err := yamlutil.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", paths.VendorsFileName, err)
	}
	sch, err := schema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%s: %w", paths.VendorsFileName, err)
	}

	var f File
	if err := yamlutil.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", paths.VendorsFileName, err)
	}
	seen := make(map[string]bool, len(f.Sources))
	for _, s := range f.Sources {
		if seen[s.Name] {
			return nil, fmt.Errorf("%s: duplicate vendor %s", paths.VendorsFileName, s.Name)
		}
		seen[s.Name] = true
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", paths.VendorsFileName, err)
		}
	}
	return &f, nil
}

// validate enforces the rules that keep manifest fields safe to hand to
// git and the filesystem.
func (s *Source) validate() error {
	if strings.HasPrefix(s.URL, "-") {
		return fmt.Errorf("vendor %s: url %q looks like an option", s.Name, s.URL)
	}
	if err := checkCredentials(s.URL); err != nil {
		return fmt.Errorf("vendor %s: %w", s.Name, err)
	}
	if strings.HasPrefix(s.Ref, "-") {
		return fmt.Errorf("vendor %s: ref %q looks like an option", s.Name, s.Ref)
	}
	if err := validateMountPath(s.Path); err != nil {
		return fmt.Errorf("vendor %s: %w", s.Name, err)
	}
	for _, p := range s.Sparse {
		if strings.HasPrefix(p, "-") {
			return fmt.Errorf("vendor %s: sparse pattern %q looks like an option", s.Name, p)
		}
	}
	return nil
}

// checkCredentials rejects URLs carrying a password or a non-git username.
// The git@host form is the one allowed userinfo; scp-style addresses do
// not parse as URLs and pass through untouched.
func checkCredentials(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return nil
	}
	if _, has := u.User.Password(); has {
		return fmt.Errorf("url %q embeds credentials", StripCredentials(raw))
	}
	if u.User.Username() != "git" {
		return fmt.Errorf("url %q embeds a username", raw)
	}
	return nil
}

// validateMountPath accepts only a relative path that stays inside the
// repository and does not name the repo root or the .git tree.
func validateMountPath(p string) error {
	clean := path.Clean(filepath.ToSlash(p))
	if clean == "." || clean == "" || path.IsAbs(clean) || filepath.IsAbs(p) ||
		clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q must be a relative path inside the repository", p)
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git/") {
		return fmt.Errorf("path %q may not target the .git directory", p)
	}
	return nil
}
