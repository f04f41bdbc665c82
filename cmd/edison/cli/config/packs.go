package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/semver"

	"edison.dev/cli/cmd/edison/cli/assets"
	"edison.dev/cli/cmd/edison/cli/buildinfo"
	"edison.dev/cli/cmd/edison/cli/yamlutil"
)

// projectPacksDir is where project-installed packs live, relative to root.
const projectPacksDir = ".edison/packs"

// PackManifest describes a pack's pack.yaml.
type PackManifest struct {
	Name             string `yaml:"name"`
	Version          string `yaml:"version"`
	MinEdisonVersion string `yaml:"minEdisonVersion"`
	Description      string `yaml:"description"`
}

// PackNotFoundError is returned when an active pack has neither a bundled
// nor a project directory.
type PackNotFoundError struct {
	Name      string
	Available []string
}

func (e *PackNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("pack %q not found and no packs are available", e.Name)
	}
	return fmt.Sprintf("pack %q not found; available packs: %s", e.Name, strings.Join(e.Available, ", "))
}

// PackIncompatibleError is returned when a pack requires a newer CLI.
type PackIncompatibleError struct {
	Name     string
	Requires string
	Current  string
}

func (e *PackIncompatibleError) Error() string {
	return fmt.Sprintf("pack %q requires Edison %s or newer (current %s)", e.Name, e.Requires, e.Current)
}

// AvailablePacks lists every pack visible for root: bundled packs plus
// project packs, deduplicated and sorted.
func AvailablePacks(root string) []string {
	seen := map[string]bool{}
	for _, name := range assets.BundledPackNames() {
		seen[name] = true
	}
	entries, err := os.ReadDir(filepath.Join(root, projectPacksDir))
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				seen[entry.Name()] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProjectPackDir returns the on-disk directory for a project-installed pack.
func ProjectPackDir(root, name string) string {
	return filepath.Join(root, projectPacksDir, name)
}

// LoadPackManifest reads pack.yaml for a pack, preferring the project copy
// over the bundled one. Returns nil when neither defines a manifest.
func LoadPackManifest(root, name string) (*PackManifest, error) {
	projectManifest := filepath.Join(ProjectPackDir(root, name), "pack.yaml")
	if data, err := os.ReadFile(projectManifest); err == nil { //nolint:gosec // path built from validated pack name
		return parseManifest(data, projectManifest)
	}
	if bundled, ok := assets.BundledPack(name); ok {
		if data, err := fs.ReadFile(bundled, "pack.yaml"); err == nil {
			return parseManifest(data, name+"/pack.yaml (bundled)")
		}
	}
	return nil, nil
}

func parseManifest(data []byte, origin string) (*PackManifest, error) {
	var manifest PackManifest
	if err := yamlutil.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("invalid pack manifest %s: %w", origin, err)
	}
	return &manifest, nil
}

// checkPackCompatible enforces the minEdisonVersion gate.
func checkPackCompatible(name string, manifest *PackManifest) error {
	if manifest == nil || manifest.MinEdisonVersion == "" {
		return nil
	}
	current := buildinfo.Version
	required := manifest.MinEdisonVersion
	if !semver.IsValid(required) {
		required = "v" + required
	}
	if !semver.IsValid(required) || !semver.IsValid(current) {
		return nil
	}
	if semver.Compare(semver.Canonical(current), semver.Canonical(required)) < 0 {
		return &PackIncompatibleError{Name: name, Requires: manifest.MinEdisonVersion, Current: current}
	}
	return nil
}

// packConfigLayers returns the config layers a pack contributes, bundled
// path first, then the project path.
func packConfigLayers(root, name string) ([]map[string]any, error) {
	bundled, bundledOK := assets.BundledPack(name)
	projectDir := ProjectPackDir(root, name)
	projectInfo, statErr := os.Stat(projectDir)
	projectOK := statErr == nil && projectInfo.IsDir()

	if !bundledOK && !projectOK {
		return nil, &PackNotFoundError{Name: name, Available: AvailablePacks(root)}
	}

	manifest, err := LoadPackManifest(root, name)
	if err != nil {
		return nil, err
	}
	if err := checkPackCompatible(name, manifest); err != nil {
		return nil, err
	}

	var layers []map[string]any
	if bundledOK {
		bundledLayers, err := readConfigFS(bundled, "config", name)
		if err != nil {
			return nil, err
		}
		layers = append(layers, bundledLayers...)
	}
	if projectOK {
		projectLayers, err := readConfigDir(filepath.Join(projectDir, "config"))
		if err != nil {
			return nil, err
		}
		layers = append(layers, projectLayers...)
	}
	return layers, nil
}

// readConfigFS parses sorted *.yaml / *.yml files from a bundled pack dir.
func readConfigFS(fsys fs.FS, dir, pack string) ([]map[string]any, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, nil //nolint:nilerr // bundled packs may omit config
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var layers []map[string]any
	for _, name := range names {
		data, err := fs.ReadFile(fsys, dir+"/"+name)
		if err != nil {
			return nil, fmt.Errorf("failed to read bundled config %s/%s: %w", pack, name, err)
		}
		var layer map[string]any
		if err := yamlutil.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("failed to parse bundled config %s/%s: %w", pack, name, err)
		}
		if layer != nil {
			layers = append(layers, layer)
		}
	}
	return layers, nil
}
