// Package jsonutil standardizes the JSON the CLI emits: two-space
// indentation and a trailing newline, for files and --json output alike.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EncodeTo writes v to w in the standard encoding.
func EncodeTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	return nil
}

// Marshal renders v in the standard encoding, for callers that hand the
// bytes to an atomic file write.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeTo(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
