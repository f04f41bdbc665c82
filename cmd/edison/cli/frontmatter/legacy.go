package frontmatter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"

	"edison.dev/cli/cmd/edison/cli/yamlutil"
)

// legacyCommentRe matches the pre-frontmatter metadata form, one
// `<!-- edison:key: value -->` comment per line.
var legacyCommentRe = regexp.MustCompile(`(?m)^[ \t]*<!--\s*edison:([A-Za-z0-9_-]+):\s*(.*?)\s*-->[ \t]*\r?\n?`)

// legacyListKeys hold comma-separated values in the comment form and become
// YAML sequences.
var legacyListKeys = map[string]bool{
	"child_ids":    true,
	"depends_on":   true,
	"blocks_tasks": true,
	"components":   true,
}

// FromLegacyComments rewrites a document whose metadata lives in
// `<!-- edison:key: value -->` comments into one carrying the same keys as
// YAML frontmatter. Comment order is preserved, hyphenated keys are
// normalized to underscores, and list-valued keys split on commas.
// Documents that already start with frontmatter, or contain no legacy
// comments, come back unchanged with changed=false.
func FromLegacyComments(raw []byte) (out []byte, changed bool, err error) {
	if bytes.HasPrefix(raw, delimiter) {
		return raw, false, nil
	}
	matches := legacyCommentRe.FindAllSubmatch(raw, -1)
	if len(matches) == 0 {
		return raw, false, nil
	}

	meta := yaml.MapSlice{}
	seen := map[string]bool{}
	for _, m := range matches {
		key := strings.ReplaceAll(string(m[1]), "-", "_")
		if seen[key] {
			return nil, false, fmt.Errorf("duplicate legacy key %s", key)
		}
		seen[key] = true
		value := string(m[2])
		if legacyListKeys[key] {
			meta = append(meta, yaml.MapItem{Key: key, Value: splitLegacyList(value)})
			continue
		}
		meta = append(meta, yaml.MapItem{Key: key, Value: value})
	}

	encoded, err := yamlutil.Marshal(meta)
	if err != nil {
		return nil, false, fmt.Errorf("encoding frontmatter: %w", err)
	}
	body := legacyCommentRe.ReplaceAll(raw, nil)
	body = bytes.TrimLeft(body, "\n")
	return Join(encoded, body), true, nil
}

func splitLegacyList(value string) []string {
	var items []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}
