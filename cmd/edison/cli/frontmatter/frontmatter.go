// Package frontmatter splits and joins Markdown documents with a leading
// YAML frontmatter block delimited by "---" lines.
package frontmatter

import (
	"bytes"
	"errors"
	"fmt"

	"edison.dev/cli/cmd/edison/cli/yamlutil"
)

// ErrMissingFrontmatter indicates the document does not start with a
// frontmatter block.
var ErrMissingFrontmatter = errors.New("missing frontmatter")

var delimiter = []byte("---\n")

// Split separates a document into its raw YAML frontmatter and body.
// The returned meta excludes the delimiter lines; the body is everything
// after the closing delimiter, verbatim.
func Split(raw []byte) (meta, body []byte, err error) {
	if !bytes.HasPrefix(raw, delimiter) {
		return nil, nil, ErrMissingFrontmatter
	}
	rest := raw[len(delimiter):]

	// Empty frontmatter: "---\n---\n...".
	if bytes.HasPrefix(rest, delimiter) {
		return nil, rest[len(delimiter):], nil
	}
	if idx := bytes.Index(rest, []byte("\n---\n")); idx >= 0 {
		return rest[:idx+1], rest[idx+5:], nil
	}
	if bytes.HasSuffix(rest, []byte("\n---")) {
		return rest[:len(rest)-3], nil, nil
	}
	return nil, nil, ErrMissingFrontmatter
}

// Join rebuilds a document from raw YAML frontmatter and body.
func Join(meta, body []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(meta) + len(body) + 2*len(delimiter))
	buf.Write(delimiter)
	buf.Write(meta)
	if len(meta) > 0 && meta[len(meta)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.Write(delimiter)
	buf.Write(body)
	return buf.Bytes()
}

// Parse splits a document and decodes the frontmatter into a map.
func Parse(raw []byte) (map[string]any, string, error) {
	meta, body, err := Split(raw)
	if err != nil {
		return nil, "", err
	}
	fields := map[string]any{}
	if len(meta) > 0 {
		if err := yamlutil.Unmarshal(meta, &fields); err != nil {
			return nil, "", fmt.Errorf("parsing frontmatter: %w", err)
		}
	}
	return fields, string(body), nil
}
