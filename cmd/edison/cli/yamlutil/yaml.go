// Package yamlutil wraps the YAML codec with the encoding conventions used
// across Edison files: two-space indent, indented sequences, literal block
// style for multiline strings, and a trailing newline. Deterministic output
// matters because several files (evidence, lock files) are hashed or diffed.
package yamlutil

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

// Marshal encodes v with the standard Edison options.
func Marshal(v any) ([]byte, error) {
	data, err := yaml.MarshalWithOptions(v,
		yaml.Indent(2),
		yaml.IndentSequence(true),
		yaml.UseLiteralStyleIfMultiline(true),
	)
	if err != nil {
		return nil, fmt.Errorf("encoding YAML: %w", err)
	}
	return data, nil
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding YAML: %w", err)
	}
	return nil
}

// UnmarshalStrict decodes data into v, rejecting unknown fields.
// Used for files with a frozen schema such as the vendor manifest.
func UnmarshalStrict(data []byte, v any) error {
	if err := yaml.UnmarshalWithOptions(data, v, yaml.Strict()); err != nil {
		return fmt.Errorf("decoding YAML: %w", err)
	}
	return nil
}
