// Package evidence captures and verifies validation evidence: each CI
// command run produces a v1 evidence file (YAML frontmatter plus the
// command's combined output) under the task's round directory, keyed
// snapshots let identical working trees reuse prior captures, and an
// optional HMAC seals files against after-the-fact edits.
package evidence

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"edison.dev/cli/cmd/edison/cli/frontmatter"
	"edison.dev/cli/cmd/edison/cli/yamlutil"
)

const (
	// Version is the frozen command-evidence schema version.
	Version = 1
	// KindCommand marks evidence produced by running a configured command.
	KindCommand = "command"
)

// Record is one command-evidence file. Encode and Parse round-trip it
// byte for byte: frontmatter keys are emitted sorted and the body is the
// command output, verbatim, with a trailing newline.
type Record struct {
	TaskID      string
	Round       int
	CommandName string
	Command     string
	Cwd         string
	Shell       string
	Pipefail    bool
	StartedAt   time.Time
	CompletedAt time.Time
	ExitCode    int

	// Optional fields.
	Fingerprint string
	Runner      string
	HMAC        string

	Output string

	// Raw frontmatter when parsed from disk, kept for schema checks.
	fields map[string]any
}

// Encode renders the record in the v1 format with sorted frontmatter keys.
func (r *Record) Encode() ([]byte, error) {
	meta := yaml.MapSlice{
		{Key: "command", Value: r.Command},
		{Key: "commandName", Value: r.CommandName},
		{Key: "completedAt", Value: r.CompletedAt.UTC().Format(time.RFC3339)},
		{Key: "cwd", Value: r.Cwd},
		{Key: "evidenceKind", Value: KindCommand},
		{Key: "evidenceVersion", Value: Version},
		{Key: "exitCode", Value: r.ExitCode},
	}
	if r.Fingerprint != "" {
		meta = append(meta, yaml.MapItem{Key: "fingerprint", Value: r.Fingerprint})
	}
	if r.HMAC != "" {
		meta = append(meta, yaml.MapItem{Key: "hmac", Value: r.HMAC})
	}
	meta = append(meta,
		yaml.MapItem{Key: "pipefail", Value: r.Pipefail},
		yaml.MapItem{Key: "round", Value: r.Round},
	)
	if r.Runner != "" {
		meta = append(meta, yaml.MapItem{Key: "runner", Value: r.Runner})
	}
	meta = append(meta,
		yaml.MapItem{Key: "shell", Value: r.Shell},
		yaml.MapItem{Key: "startedAt", Value: r.StartedAt.UTC().Format(time.RFC3339)},
		yaml.MapItem{Key: "taskId", Value: r.TaskID},
	)
	metaBytes, err := yamlutil.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding evidence for %s: %w", r.CommandName, err)
	}
	body := r.Output
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return frontmatter.Join(metaBytes, []byte(body)), nil
}

// Seal computes an HMAC-SHA256 signature over the record's encoding
// (without the hmac field) and stores it hex-encoded. Call last.
func (r *Record) Seal(key []byte) error {
	r.HMAC = ""
	data, err := r.Encode()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	r.HMAC = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// VerifySeal recomputes the signature and compares it to the stored one.
// Unsealed records report false.
func (r *Record) VerifySeal(key []byte) (bool, error) {
	if r.HMAC == "" {
		return false, nil
	}
	want, err := hex.DecodeString(r.HMAC)
	if err != nil {
		return false, fmt.Errorf("decoding hmac for %s: %w", r.CommandName, err)
	}
	clone := *r
	clone.HMAC = ""
	data, err := clone.Encode()
	if err != nil {
		return false, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), want), nil
}

// Parse decodes an evidence file. Only a missing frontmatter block or
// broken YAML fails here; schema problems are reported by ValidateSchema
// so callers can distinguish unreadable files from invalid ones.
func Parse(raw []byte) (*Record, error) {
	fields, body, err := frontmatter.Parse(raw)
	if err != nil {
		return nil, err
	}
	r := &Record{Output: body, fields: fields}
	r.TaskID, _ = fields["taskId"].(string)
	r.CommandName, _ = fields["commandName"].(string)
	r.Command, _ = fields["command"].(string)
	r.Cwd, _ = fields["cwd"].(string)
	r.Shell, _ = fields["shell"].(string)
	r.Pipefail, _ = fields["pipefail"].(bool)
	if v, ok := asInt(fields["round"]); ok {
		r.Round = v
	}
	if v, ok := asInt(fields["exitCode"]); ok {
		r.ExitCode = v
	}
	if ts, ok := asTime(fields["startedAt"]); ok {
		r.StartedAt = ts
	}
	if ts, ok := asTime(fields["completedAt"]); ok {
		r.CompletedAt = ts
	}
	r.Fingerprint, _ = fields["fingerprint"].(string)
	r.Runner, _ = fields["runner"].(string)
	r.HMAC, _ = fields["hmac"].(string)
	return r, nil
}

// requiredKeys lists the v1 schema in emission order with a type check
// for each.
var requiredKeys = []struct {
	name  string
	valid func(any) bool
}{
	{"command", isString},
	{"commandName", isNonEmptyString},
	{"completedAt", isTimestamp},
	{"cwd", isString},
	{"evidenceKind", func(v any) bool { s, ok := v.(string); return ok && s == KindCommand }},
	{"evidenceVersion", func(v any) bool { n, ok := asInt(v); return ok && n == Version }},
	{"exitCode", func(v any) bool { _, ok := asInt(v); return ok }},
	{"pipefail", func(v any) bool { _, ok := v.(bool); return ok }},
	{"round", func(v any) bool { n, ok := asInt(v); return ok && n >= 1 }},
	{"shell", isNonEmptyString},
	{"startedAt", isTimestamp},
	{"taskId", isNonEmptyString},
}

// ValidateSchema checks that every required v1 key is present with a
// usable value. Only meaningful on parsed records; locally built records
// are validated by their writer.
func (r *Record) ValidateSchema() error {
	if r.fields == nil {
		return nil
	}
	for _, key := range requiredKeys {
		v, ok := r.fields[key.name]
		if !ok {
			return fmt.Errorf("missing key %q", key.name)
		}
		if !key.valid(v) {
			return fmt.Errorf("invalid value for %q", key.name)
		}
	}
	return nil
}

// Validate checks the schema and requires a passing exit code.
func (r *Record) Validate() error {
	if err := r.ValidateSchema(); err != nil {
		return err
	}
	if r.ExitCode != 0 {
		return fmt.Errorf("exit code %d", r.ExitCode)
	}
	return nil
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func isNonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && s != ""
}

func isTimestamp(v any) bool {
	_, ok := asTime(v)
	return ok
}

func asTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		t, err := time.Parse(time.RFC3339, val)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

func asInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case uint64:
		return int(val), true
	case float64:
		n := int(val)
		if float64(n) != val {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
