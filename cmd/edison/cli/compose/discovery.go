// Package compose assembles final Markdown documents from layered content:
// bundled core files, active packs, and project overrides. Layers contribute
// either whole documents or overlays that extend marked regions of an
// earlier document.
package compose

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"edison.dev/cli/cmd/edison/cli/assets"
	"edison.dev/cli/cmd/edison/cli/config"
)

// Layer names used in provenance and validation errors. Packs appear as
// "pack:<name>".
const (
	LayerCore    = "core"
	LayerProject = "project"
)

// overlaysDirName is the per-content-type subdirectory holding overlay files.
const overlaysDirName = "overlays"

// Kind says whether a file introduces an entity or extends one.
type Kind string

const (
	KindNew     Kind = "new"
	KindOverlay Kind = "overlay"
)

// Contribution is one discovered file for an entity.
type Contribution struct {
	Layer    string
	Priority int
	Kind     Kind
	Origin   string
	Content  string
}

// Entity is a composable document with its contributions in layer order:
// core, then packs in config order (bundled before project within a pack),
// then project.
type Entity struct {
	Name          string
	ContentType   string
	Contributions []Contribution
}

// ValidationError reports a structural composition problem: an overlay
// without a target, a pack shadowing core content, a malformed marker, or
// an extension into an unknown section.
type ValidationError struct {
	ContentType string
	Entity      string
	Layer       string
	Reason      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid composition for %s/%s in layer %s: %s", e.ContentType, e.Entity, e.Layer, e.Reason)
}

// Discovery lists composable content across layers for one project root.
type Discovery struct {
	root  string
	packs []string
}

// NewDiscovery builds a discovery service from the resolved configuration.
func NewDiscovery(cfg *config.Config) *Discovery {
	return &Discovery{root: cfg.Root(), packs: cfg.ActivePacks()}
}

// Entities returns the composable entities for one content type, sorted by
// name.
func (d *Discovery) Entities(contentType string) ([]*Entity, error) {
	byName := map[string]*Entity{}

	add := func(name string, c Contribution) {
		e, ok := byName[name]
		if !ok {
			e = &Entity{Name: name, ContentType: contentType}
			byName[name] = e
		}
		e.Contributions = append(e.Contributions, c)
	}

	if err := collectLayer(assets.Core(), contentType, LayerCore, 0, "core", add); err != nil {
		return nil, err
	}
	for i, pack := range d.packs {
		layer := "pack:" + pack
		priority := 1 + i
		if bundled, ok := assets.BundledPack(pack); ok {
			if err := collectLayer(bundled, contentType, layer, priority, "packs/"+pack, add); err != nil {
				return nil, err
			}
		}
		packDir := config.ProjectPackDir(d.root, pack)
		if info, err := os.Stat(packDir); err == nil && info.IsDir() {
			if err := collectLayer(os.DirFS(packDir), contentType, layer, priority, packDir, add); err != nil {
				return nil, err
			}
		}
	}
	projectDir := filepath.Join(d.root, ".edison")
	if err := collectLayer(os.DirFS(projectDir), contentType, LayerProject, 1+len(d.packs), projectDir, add); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	entities := make([]*Entity, 0, len(names))
	for _, name := range names {
		e := byName[name]
		if err := validateStructure(e); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// Entity returns one named entity, or an error when nothing defines it.
func (d *Discovery) Entity(contentType, name string) (*Entity, error) {
	entities, err := d.Entities(contentType)
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if e.Name == name {
			return e, nil
		}
	}
	return nil, fmt.Errorf("no %s named %q in any layer", strings.TrimSuffix(contentType, "s"), name)
}

// collectLayer gathers new files and overlays for one layer filesystem. A
// layer without the content type contributes nothing.
func collectLayer(fsys fs.FS, contentType, layer string, priority int, originPrefix string, add func(string, Contribution)) error {
	news, err := listMarkdown(fsys, contentType)
	if err != nil {
		return err
	}
	for _, file := range news {
		rel := path.Join(contentType, file)
		data, err := fs.ReadFile(fsys, rel)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path.Join(originPrefix, rel), err)
		}
		add(strings.TrimSuffix(file, ".md"), Contribution{
			Layer:    layer,
			Priority: priority,
			Kind:     KindNew,
			Origin:   path.Join(originPrefix, rel),
			Content:  string(data),
		})
	}

	overlays, err := listMarkdown(fsys, path.Join(contentType, overlaysDirName))
	if err != nil {
		return err
	}
	for _, file := range overlays {
		rel := path.Join(contentType, overlaysDirName, file)
		data, err := fs.ReadFile(fsys, rel)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path.Join(originPrefix, rel), err)
		}
		add(strings.TrimSuffix(file, ".md"), Contribution{
			Layer:    layer,
			Priority: priority,
			Kind:     KindOverlay,
			Origin:   path.Join(originPrefix, rel),
			Content:  string(data),
		})
	}
	return nil
}

// listMarkdown returns the .md files directly inside dir, sorted. A missing
// directory yields nothing.
func listMarkdown(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, nil //nolint:nilerr // layers may omit any content type
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// validateStructure enforces the layer rules that do not need marker
// parsing: every overlay needs an earlier definition, and packs may not
// shadow core entities.
func validateStructure(e *Entity) error {
	if e.Contributions[0].Kind == KindOverlay {
		return &ValidationError{
			ContentType: e.ContentType,
			Entity:      e.Name,
			Layer:       e.Contributions[0].Layer,
			Reason:      "overlay extends an entity no earlier layer defines",
		}
	}
	coreDefined := false
	for _, c := range e.Contributions {
		if c.Kind != KindNew {
			continue
		}
		if c.Layer == LayerCore {
			coreDefined = true
			continue
		}
		if coreDefined && strings.HasPrefix(c.Layer, "pack:") {
			return &ValidationError{
				ContentType: e.ContentType,
				Entity:      e.Name,
				Layer:       c.Layer,
				Reason:      "pack file shadows a core entity; extend it with an overlay instead",
			}
		}
	}
	return nil
}
