package compose

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"edison.dev/cli/cmd/edison/cli/atomicio"
	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/logging"
)

// segment is a run of output text tagged with the priority of the layer
// that contributed it, so deduplication can prefer higher layers.
type segment struct {
	text     string
	priority int
}

// region accumulates one named section's content: the defining blocks plus
// everything extended into it.
type region struct {
	name    string
	base    []segment
	extends []segment
	isNew   bool
	placed  bool
}

func (r *region) segments() []segment {
	out := make([]segment, 0, len(r.base)+len(r.extends))
	out = append(out, r.base...)
	out = append(out, r.extends...)
	return out
}

// sectionRegistry tracks the known regions of one entity under composition.
type sectionRegistry struct {
	regions map[string]*region
	order   []string
}

func newSectionRegistry() *sectionRegistry {
	return &sectionRegistry{regions: map[string]*region{}}
}

func (sr *sectionRegistry) get(name string) *region {
	if r, ok := sr.regions[name]; ok {
		return r
	}
	r := &region{name: name}
	sr.regions[name] = r
	sr.order = append(sr.order, name)
	return r
}

// define registers a SECTION block from the body-defining document.
func (sr *sectionRegistry) define(name string, seg segment) {
	r := sr.get(name)
	r.base = append(r.base, seg)
}

// declare registers a placeholder-only region that starts empty. Overlays
// may extend it.
func (sr *sectionRegistry) declare(name string) {
	sr.get(name)
}

// addNew registers a NEW_SECTION region. Colliding with a defined section
// is invalid; a second NEW_SECTION under the same name appends.
func (sr *sectionRegistry) addNew(name string, seg segment) error {
	if r, ok := sr.regions[name]; ok && !r.isNew && len(r.base) > 0 {
		return fmt.Errorf("NEW_SECTION %q collides with an existing section", name)
	}
	r := sr.get(name)
	r.isNew = true
	r.base = append(r.base, seg)
	return nil
}

// extend appends content to a known region.
func (sr *sectionRegistry) extend(name string, seg segment) error {
	r, ok := sr.regions[name]
	if !ok {
		return fmt.Errorf("EXTEND targets unknown section %q", name)
	}
	r.extends = append(r.extends, seg)
	return nil
}

// place renders a region's segments and marks it placed. Unknown or empty
// regions collapse to nothing.
func (sr *sectionRegistry) place(name string) []segment {
	r, ok := sr.regions[name]
	if !ok {
		return nil
	}
	r.placed = true
	var out []segment
	for _, s := range r.segments() {
		if strings.TrimSpace(s.text) != "" {
			out = append(out, s)
		}
	}
	return out
}

// placeUnplacedNew renders every NEW_SECTION region nothing has placed yet,
// in declaration order.
func (sr *sectionRegistry) placeUnplacedNew() []segment {
	var out []segment
	for _, name := range sr.order {
		r := sr.regions[name]
		if r.isNew && !r.placed {
			out = append(out, sr.place(name)...)
		}
	}
	return out
}

// Composer builds final documents from layered content and writes the
// generated tree.
type Composer struct {
	cfg       *config.Config
	discovery *Discovery
}

// New builds a composer from the resolved configuration.
func New(cfg *config.Config) *Composer {
	return &Composer{cfg: cfg, discovery: NewDiscovery(cfg)}
}

// ContentTypes returns the content types composition covers, from config.
func (c *Composer) ContentTypes() []string {
	if types := c.cfg.GetStrings("composition.content_types"); len(types) > 0 {
		return types
	}
	return []string{"agents", "validators", "guidelines", "constitutions"}
}

// GeneratedDir returns the output directory for composed documents.
func (c *Composer) GeneratedDir() string {
	return filepath.Join(c.cfg.Root(), c.cfg.GetString("composition.generated_dir", ".edison/_generated"))
}

// Compose builds the final document for one entity.
func (c *Composer) Compose(contentType, name string) (string, error) {
	e, err := c.discovery.Entity(contentType, name)
	if err != nil {
		return "", err
	}
	return c.composeEntity(e)
}

// Result records one composed document.
type Result struct {
	ContentType string `json:"contentType"`
	Name        string `json:"name"`
	Path        string `json:"path"`
}

// ComposeType composes every discoverable entity of one content type and
// writes the results under the generated tree.
func (c *Composer) ComposeType(ctx context.Context, contentType string) ([]Result, error) {
	entities, err := c.discovery.Entities(contentType)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, e := range entities {
		doc, err := c.composeEntity(e)
		if err != nil {
			return nil, err
		}
		dest := filepath.Join(c.GeneratedDir(), contentType, e.Name+".md")
		if err := atomicio.WriteFile(dest, []byte(doc), 0o644); err != nil {
			return nil, err
		}
		results = append(results, Result{ContentType: contentType, Name: e.Name, Path: dest})
	}
	logging.Debug(ctx, "composed content type", "contentType", contentType, "documents", len(results))
	return results, nil
}

// ComposeAll composes every discoverable entity and writes the generated
// tree. Content types compose concurrently.
func (c *Composer) ComposeAll(ctx context.Context) ([]Result, error) {
	outDir := c.GeneratedDir()
	p := pool.NewWithResults[[]Result]().WithErrors()
	for _, contentType := range c.ContentTypes() {
		p.Go(func() ([]Result, error) {
			return c.ComposeType(ctx, contentType)
		})
	}
	groups, err := p.Wait()
	if err != nil {
		return nil, err
	}
	var all []Result
	for _, g := range groups {
		all = append(all, g...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })
	logging.Info(ctx, "composed content", "documents", len(all), "dir", outDir)
	return all, nil
}

func (c *Composer) composeEntity(e *Entity) (string, error) {
	segs, err := c.renderSegments(e)
	if err != nil {
		return "", err
	}

	var out string
	if c.cfg.GetBool("composition.dedup", true) {
		out = dedupSegments(segs, c.cfg.GetInt("composition.shingle_size", 8))
	} else {
		out = joinSegments(segs)
	}
	out = stripMarkerTags(out)
	out = collapseBlankLines(out)
	if c.cfg.GetBool("composition.template_pass", true) {
		out = c.substituteConfig(out)
	}
	out = strings.Trim(out, "\n")
	if out != "" {
		out += "\n"
	}
	return out, nil
}

// renderSegments runs the marker strategy over an entity's contributions
// and returns the composed output as provenance-tagged segments.
func (c *Composer) renderSegments(e *Entity) ([]segment, error) {
	template, overlays := splitContributions(e)
	reg := newSectionRegistry()
	var appends []segment

	invalid := func(contrib Contribution, reason string) error {
		return &ValidationError{ContentType: e.ContentType, Entity: e.Name, Layer: contrib.Layer, Reason: reason}
	}

	process := func(contrib Contribution, isTemplate bool) error {
		doc, err := parseMarkers(contrib.Content)
		if err != nil {
			return invalid(contrib, err.Error())
		}
		if isTemplate {
			for _, s := range doc.sections {
				reg.define(s.name, segment{text: s.content, priority: contrib.Priority})
			}
			for _, m := range sectionRefRe.FindAllStringSubmatch(contrib.Content, -1) {
				reg.declare(m[1])
			}
		} else if len(doc.sections) > 0 {
			return invalid(contrib, fmt.Sprintf("overlay defines section %q; overlays may only extend, add, or append", doc.sections[0].name))
		}
		for _, ns := range doc.newSections {
			if err := reg.addNew(ns.name, segment{text: ns.content, priority: contrib.Priority}); err != nil {
				return invalid(contrib, err.Error())
			}
		}
		for _, ex := range doc.extends {
			if err := reg.extend(ex.name, segment{text: ex.content, priority: contrib.Priority}); err != nil {
				return invalid(contrib, err.Error())
			}
		}
		for _, a := range doc.appends {
			appends = append(appends, segment{text: a, priority: contrib.Priority})
		}
		return nil
	}

	if err := process(template, true); err != nil {
		return nil, err
	}
	for _, ov := range overlays {
		if err := process(ov, false); err != nil {
			return nil, err
		}
	}

	return renderTemplate(template, reg, appends), nil
}

// splitContributions separates the body-defining template from the overlay
// list. The highest "new" layer wins the body; replaced bodies do not
// participate.
func splitContributions(e *Entity) (Contribution, []Contribution) {
	var template Contribution
	var overlays []Contribution
	for _, contrib := range e.Contributions {
		if contrib.Kind == KindNew {
			template = contrib
		} else {
			overlays = append(overlays, contrib)
		}
	}
	return template, overlays
}

// renderTemplate walks the template body, expanding section blocks and
// placeholders in place and stripping marker-only blocks. Content that no
// placeholder claimed lands at the end of the document.
func renderTemplate(tmpl Contribution, reg *sectionRegistry, appends []segment) []segment {
	body := tmpl.Content
	appendsPlaced := false

	type span struct {
		start, end int
		expand     func() []segment
	}
	var spans []span
	addSpans := func(re *regexp.Regexp, expand func(match []int) func() []segment) {
		for _, idx := range re.FindAllStringSubmatchIndex(body, -1) {
			spans = append(spans, span{start: idx[0], end: idx[1], expand: expand(idx)})
		}
	}

	addSpans(sectionRe, func(idx []int) func() []segment {
		name := body[idx[2]:idx[3]]
		return func() []segment { return reg.place(name) }
	})
	addSpans(sectionRefRe, func(idx []int) func() []segment {
		name := body[idx[2]:idx[3]]
		return func() []segment { return reg.place(name) }
	})
	addSpans(extensibleRefRe, func([]int) func() []segment {
		return reg.placeUnplacedNew
	})
	addSpans(appendRefRe, func([]int) func() []segment {
		return func() []segment {
			appendsPlaced = true
			return appends
		}
	})
	// The template's own extend/new-section/append blocks render through the
	// registry, not in place.
	addSpans(extendRe, func([]int) func() []segment { return nil })
	addSpans(newSectionRe, func([]int) func() []segment { return nil })
	addSpans(appendRe, func([]int) func() []segment { return nil })

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var out []segment
	emitText := func(text string) {
		t := strings.Trim(text, "\n")
		if strings.TrimSpace(t) != "" {
			out = append(out, segment{text: t, priority: tmpl.Priority})
		}
	}

	cursor := 0
	for _, sp := range spans {
		if sp.start < cursor {
			continue
		}
		emitText(body[cursor:sp.start])
		if sp.expand != nil {
			out = append(out, sp.expand()...)
		}
		cursor = sp.end
	}
	emitText(body[cursor:])

	out = append(out, reg.placeUnplacedNew()...)
	if !appendsPlaced {
		out = append(out, appends...)
	}
	return out
}

func joinSegments(segs []segment) string {
	texts := make([]string, 0, len(segs))
	for _, s := range segs {
		if strings.TrimSpace(s.text) != "" {
			texts = append(texts, strings.Trim(s.text, "\n"))
		}
	}
	return strings.Join(texts, "\n\n")
}

var (
	configRefRe  = regexp.MustCompile(`\{\{config\.([\w.-]+)\}\}`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// substituteConfig replaces {{config.a.b.c}} references with resolved
// scalar values. Missing keys and non-scalar values stay literal so broken
// references are visible in the output.
func (c *Composer) substituteConfig(s string) string {
	return configRefRe.ReplaceAllStringFunc(s, func(match string) string {
		path := configRefRe.FindStringSubmatch(match)[1]
		v, ok := c.cfg.Get(path)
		if !ok {
			return match
		}
		switch v.(type) {
		case string, bool, int, int64, uint64, float64:
			return fmt.Sprintf("%v", v)
		}
		return match
	})
}

func collapseBlankLines(s string) string {
	return blankLinesRe.ReplaceAllString(s, "\n\n")
}
