package compose

import (
	"fmt"
	"regexp"
	"strings"
)

// Markers are HTML comments so layer files stay renderable Markdown on
// their own. SECTION defines a named region inside a document body, EXTEND
// appends to a region, NEW_SECTION declares a region that did not exist in
// the base document, and APPEND contributes free text for the catch-all
// placeholder.
var (
	sectionRe    = regexp.MustCompile(`(?s)<!--\s*SECTION:\s*([\w.-]+)\s*-->\n?(.*?)<!--\s*/SECTION:\s*([\w.-]+)\s*-->\n?`)
	extendRe     = regexp.MustCompile(`(?s)<!--\s*EXTEND:\s*([\w.-]+)\s*-->\n?(.*?)<!--\s*/EXTEND\s*-->\n?`)
	newSectionRe = regexp.MustCompile(`(?s)<!--\s*NEW_SECTION:\s*([\w.-]+)\s*-->\n?(.*?)<!--\s*/NEW_SECTION\s*-->\n?`)
	appendRe     = regexp.MustCompile(`(?s)<!--\s*APPEND\s*-->\n?(.*?)<!--\s*/APPEND\s*-->\n?`)

	sectionRefRe    = regexp.MustCompile(`\{\{SECTION:([\w.-]+)\}\}\n?`)
	extensibleRefRe = regexp.MustCompile(`\{\{EXTENSIBLE_SECTIONS\}\}\n?`)
	appendRefRe     = regexp.MustCompile(`\{\{APPEND_SECTIONS\}\}\n?`)

	markerTagRe = regexp.MustCompile(`<!--\s*/?(?:SECTION|EXTEND|NEW_SECTION|APPEND)(?::\s*[\w.-]+)?\s*-->\n?`)
)

type markerBlock struct {
	name    string
	content string
}

// parsedDoc is one layer body broken into its marker blocks.
type parsedDoc struct {
	sections    []markerBlock
	extends     []markerBlock
	newSections []markerBlock
	appends     []string
}

// parseMarkers extracts every marker block from a document body in order of
// appearance. A SECTION closed under a different name is malformed.
func parseMarkers(body string) (*parsedDoc, error) {
	doc := &parsedDoc{}
	for _, m := range sectionRe.FindAllStringSubmatch(body, -1) {
		if m[1] != m[3] {
			return nil, fmt.Errorf("section %q is closed as %q", m[1], m[3])
		}
		doc.sections = append(doc.sections, markerBlock{name: m[1], content: trimBlock(m[2])})
	}
	for _, m := range extendRe.FindAllStringSubmatch(body, -1) {
		doc.extends = append(doc.extends, markerBlock{name: m[1], content: trimBlock(m[2])})
	}
	for _, m := range newSectionRe.FindAllStringSubmatch(body, -1) {
		doc.newSections = append(doc.newSections, markerBlock{name: m[1], content: trimBlock(m[2])})
	}
	for _, m := range appendRe.FindAllStringSubmatch(body, -1) {
		doc.appends = append(doc.appends, trimBlock(m[1]))
	}
	return doc, nil
}

func trimBlock(s string) string {
	return strings.Trim(s, "\n")
}

// stripMarkerTags removes any marker comment that survived rendering,
// keeping the content between tags.
func stripMarkerTags(s string) string {
	return markerTagRe.ReplaceAllString(s, "")
}
