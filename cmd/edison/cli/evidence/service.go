package evidence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	cp "github.com/otiai10/copy"

	"edison.dev/cli/cmd/edison/cli/atomicio"
	"edison.dev/cli/cmd/edison/cli/buildinfo"
	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/entity"
	"edison.dev/cli/cmd/edison/cli/frontmatter"
	"edison.dev/cli/cmd/edison/cli/gitexec"
	"edison.dev/cli/cmd/edison/cli/logging"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/policy"
	"edison.dev/cli/cmd/edison/cli/runner"
	"edison.dev/cli/redact"
)

// Service captures and inspects validation evidence for tasks.
type Service struct {
	cfg      *config.Config
	git      *gitexec.Runner
	run      *runner.Runner
	policy   *policy.Resolver
	settings config.EvidenceSettings
	ci       config.CISettings
}

// NewService builds an evidence service from the resolved config.
func NewService(cfg *config.Config) (*Service, error) {
	settings, err := cfg.Evidence()
	if err != nil {
		return nil, err
	}
	ci, err := cfg.CI()
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:      cfg,
		git:      gitexec.New(cfg),
		run:      runner.New(cfg),
		policy:   policy.NewResolver(cfg),
		settings: settings,
		ci:       ci,
	}, nil
}

func (s *Service) root() string {
	return filepath.Join(s.cfg.ManagementDir(), "qa", s.settings.Directory)
}

// fingerprintExcludes keeps Edison's own trees out of the repo
// fingerprint and the policy change set.
func (s *Service) fingerprintExcludes() []string {
	return []string{
		paths.ConfigDirName,
		s.cfg.ManagementDirName(),
		s.cfg.GetString("worktrees.baseDirectory", ".worktrees"),
	}
}

// TaskDir returns the evidence directory for one task.
func (s *Service) TaskDir(taskID string) string {
	return filepath.Join(s.root(), taskID)
}

// RoundDir returns the directory holding one capture round.
func (s *Service) RoundDir(taskID string, round int) string {
	return filepath.Join(s.TaskDir(taskID), fmt.Sprintf("round-%d", round))
}

// SnapshotDir returns the reuse-cache directory for a fingerprint key.
func (s *Service) SnapshotDir(taskID, key string) string {
	return filepath.Join(s.TaskDir(taskID), "snapshots", key)
}

// CurrentRound returns the highest existing round number, or 0 before the
// first capture.
func (s *Service) CurrentRound(taskID string) int {
	entries, err := os.ReadDir(s.TaskDir(taskID))
	if err != nil {
		return 0
	}
	current := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), "round-"))
		if err == nil && n > current {
			current = n
		}
	}
	return current
}

// Status summarizes a directory of evidence files against a required set:
// complete when every file exists, passed when every command exited zero,
// valid when every command file satisfies the v1 schema.
type Status struct {
	Complete bool     `json:"complete"`
	Passed   bool     `json:"passed"`
	Valid    bool     `json:"valid"`
	Missing  []string `json:"missing,omitempty"`
	Failed   []string `json:"failed,omitempty"`
	Invalid  []string `json:"invalid,omitempty"`
}

// OK reports whether the evidence can be relied on as-is.
func (s Status) OK() bool {
	return s.Complete && s.Passed && s.Valid
}

// isCommandEvidence separates command-evidence files from auxiliary
// artifacts (reports, bundles), which are only checked for existence.
func isCommandEvidence(name string) bool {
	return strings.HasPrefix(filepath.Base(name), "command-")
}

// StatusOf inspects dir against the required file names.
func (s *Service) StatusOf(dir string, required []string) Status {
	st := Status{Complete: true, Passed: true, Valid: true}
	for _, name := range required {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			st.Complete = false
			st.Missing = append(st.Missing, name)
			continue
		}
		if !isCommandEvidence(name) {
			continue
		}
		rec, err := Parse(raw)
		if err != nil {
			st.Valid = false
			st.Invalid = append(st.Invalid, name)
			continue
		}
		if err := rec.ValidateSchema(); err != nil {
			st.Valid = false
			st.Invalid = append(st.Invalid, name)
		}
		if rec.ExitCode != 0 {
			st.Passed = false
			st.Failed = append(st.Failed, name)
		}
	}
	return st
}

// SnapshotStatus inspects a fingerprint snapshot against the required
// files.
func (s *Service) SnapshotStatus(taskID, key string, required []string) Status {
	return s.StatusOf(s.SnapshotDir(taskID, key), required)
}

// ValidateFiles checks each required evidence file in dir and returns one
// problem string per failing file, in the given order.
func ValidateFiles(dir string, required []string) []string {
	var problems []string
	for _, name := range required {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			problems = append(problems, name+": missing file")
			continue
		}
		if !isCommandEvidence(name) {
			continue
		}
		rec, err := Parse(raw)
		if errors.Is(err, frontmatter.ErrMissingFrontmatter) {
			problems = append(problems, name+": missing frontmatter")
			continue
		}
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if err := rec.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
		}
	}
	return problems
}

// CaptureOptions control one evidence capture run.
type CaptureOptions struct {
	// Only restricts capture to these logical command names.
	Only []string
	// All captures every configured command and skips snapshot reuse.
	All bool
	// Preset forces a preset instead of resolving policy from the change
	// set.
	Preset string
	// SessionClose records every failure instead of stopping, so session
	// completion gets a full picture.
	SessionClose bool
	// ContinueOnFailure keeps capturing after a non-zero exit.
	ContinueOnFailure bool
	// Force re-runs commands even when the current snapshot is reusable.
	Force bool
	// NoLock bypasses the capture lock.
	NoLock bool
}

// CommandCapture is one executed command in a capture summary.
type CommandCapture struct {
	Name       string `json:"name"`
	File       string `json:"file"`
	Command    string `json:"command"`
	ExitCode   int    `json:"exitCode"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Summary reports a capture run. PresetEvidenceStatus always reflects the
// full preset requirement, so agents capturing --only subsets can see what
// is still missing.
type Summary struct {
	TaskID               string           `json:"taskId"`
	Round                int              `json:"round"`
	Preset               string           `json:"preset"`
	EscalatedFrom        string           `json:"escalatedFrom,omitempty"`
	EscalationReason     string           `json:"escalationReason,omitempty"`
	SnapshotKey          string           `json:"snapshotKey,omitempty"`
	ReusedSnapshot       bool             `json:"reusedSnapshot"`
	SessionClose         bool             `json:"sessionClose,omitempty"`
	Captures             []CommandCapture `json:"captures"`
	PresetEvidenceStatus Status           `json:"presetEvidenceStatus"`
}

// Capture runs the selected validation commands for task and writes v1
// evidence into the current round. With a clean matching snapshot it
// copies the cached evidence instead of re-running anything.
func (s *Service) Capture(ctx context.Context, task *entity.Task, opts CaptureOptions) (*Summary, error) {
	pol, err := s.resolvePolicy(ctx, opts.Preset)
	if err != nil {
		return nil, err
	}
	required := pol.Preset.RequiredEvidence

	round := s.CurrentRound(task.ID)
	if round == 0 {
		round = 1
	}
	roundDir := s.RoundDir(task.ID, round)

	summary := &Summary{
		TaskID:           task.ID,
		Round:            round,
		Preset:           pol.Preset.ID,
		EscalatedFrom:    pol.EscalatedFrom,
		EscalationReason: pol.EscalationReason,
		SessionClose:     opts.SessionClose,
	}

	fp, fpErr := ComputeFingerprint(ctx, s.git, s.cfg.Root(), s.fingerprintExcludes())
	if fpErr != nil {
		logging.Debug(ctx, "capturing without git fingerprint", "error", fpErr.Error())
	} else {
		summary.SnapshotKey = fp.Key()
	}

	if fpErr == nil && !opts.Force && !opts.All && len(required) > 0 {
		snapDir := s.SnapshotDir(task.ID, fp.Key())
		if s.StatusOf(snapDir, required).OK() {
			if err := cp.Copy(snapDir, roundDir); err != nil {
				return nil, fmt.Errorf("reusing snapshot %s: %w", fp.Key(), err)
			}
			logging.Info(ctx, "reused evidence snapshot",
				"taskId", task.ID,
				"snapshotKey", fp.Key(),
				"round", round)
			summary.ReusedSnapshot = true
			summary.PresetEvidenceStatus = s.StatusOf(roundDir, required)
			return summary, nil
		}
	}

	selected, err := s.selectCommands(required, opts)
	if err != nil {
		return nil, err
	}
	vars := templateVars(task)

	for _, name := range selected {
		rendered, err := renderCommand(s.ci.Commands[name], vars)
		if err != nil {
			return nil, fmt.Errorf("command %q: %w", name, err)
		}

		res, err := s.runLocked(ctx, task.SessionID, s.groupFor(name), rendered, opts.NoLock)
		if err != nil {
			return nil, err
		}

		fileName := s.fileNameFor(name)
		rec := &Record{
			TaskID:      task.ID,
			Round:       round,
			CommandName: name,
			Command:     rendered,
			Cwd:         res.Cwd,
			Shell:       res.Shell,
			Pipefail:    res.Pipefail,
			StartedAt:   res.StartedAt,
			CompletedAt: res.CompletedAt,
			ExitCode:    res.ExitCode,
			Runner:      "edison/" + buildinfo.Version,
			Output:      res.Output,
		}
		if fpErr == nil {
			rec.Fingerprint = fp.Key()
		}
		if s.settings.RedactSecrets {
			rec.Output = redact.Secrets(rec.Output)
		}
		if key := s.hmacKey(); len(key) > 0 {
			if err := rec.Seal(key); err != nil {
				return nil, err
			}
		}
		data, err := rec.Encode()
		if err != nil {
			return nil, err
		}
		if err := atomicio.WriteFile(filepath.Join(roundDir, fileName), data, 0o644); err != nil {
			return nil, fmt.Errorf("writing evidence %s: %w", fileName, err)
		}
		if fpErr == nil {
			if err := atomicio.WriteFile(filepath.Join(s.SnapshotDir(task.ID, fp.Key()), fileName), data, 0o644); err != nil {
				return nil, fmt.Errorf("writing snapshot evidence %s: %w", fileName, err)
			}
		}

		summary.Captures = append(summary.Captures, CommandCapture{
			Name:       name,
			File:       fileName,
			Command:    rendered,
			ExitCode:   res.ExitCode,
			TimedOut:   res.TimedOut,
			DurationMs: res.Duration().Milliseconds(),
		})
		logging.Info(ctx, "captured evidence",
			"taskId", task.ID,
			"command", name,
			"exitCode", res.ExitCode,
			"file", fileName)

		if res.ExitCode != 0 && !opts.ContinueOnFailure && !opts.SessionClose {
			break
		}
	}

	summary.PresetEvidenceStatus = s.StatusOf(roundDir, required)
	return summary, nil
}

// selectCommands resolves which logical commands to run: --only names,
// every configured command with --all, or the commands backing the
// preset's required files.
func (s *Service) selectCommands(required []string, opts CaptureOptions) ([]string, error) {
	if opts.All {
		names := make([]string, 0, len(s.ci.Commands))
		for name := range s.ci.Commands {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}
	if len(opts.Only) > 0 {
		var names []string
		seen := make(map[string]bool)
		for _, name := range opts.Only {
			if _, ok := s.ci.Commands[name]; !ok {
				return nil, fmt.Errorf("unknown command %q (configured: %s)", name, strings.Join(s.commandNames(), ", "))
			}
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		return names, nil
	}
	var names []string
	seen := make(map[string]bool)
	for _, file := range required {
		name, ok := s.commandForFile(file)
		if !ok {
			continue
		}
		if _, ok := s.ci.Commands[name]; !ok {
			return nil, fmt.Errorf("no command configured for %q", name)
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *Service) commandNames() []string {
	names := make([]string, 0, len(s.ci.Commands))
	for name := range s.ci.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// commandForFile reverse-maps an evidence file name to its logical
// command via validation.evidence.files.
func (s *Service) commandForFile(file string) (string, bool) {
	for name, mapped := range s.settings.Files {
		if mapped == file {
			return name, true
		}
	}
	return "", false
}

func (s *Service) fileNameFor(name string) string {
	if file, ok := s.settings.Files[name]; ok && file != "" {
		return file
	}
	return "command-" + name + ".txt"
}

func (s *Service) groupFor(name string) string {
	if group, ok := s.ci.CommandGroups[name]; ok && group != "" {
		return group
	}
	return name
}

func (s *Service) hmacKey() []byte {
	if s.settings.HMACKeyEnv == "" {
		return nil
	}
	key := os.Getenv(s.settings.HMACKeyEnv)
	if key == "" {
		return nil
	}
	return []byte(key)
}

func (s *Service) runLocked(ctx context.Context, sessionID, group, command string, noLock bool) (*runner.Result, error) {
	if noLock {
		logging.Warn(ctx, "evidence capture lock bypassed", "group", group)
		return s.run.Run(ctx, s.cfg.Root(), command)
	}
	lock, err := s.run.AcquireCaptureLock(ctx, runner.LockKey{Group: group, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	defer lock.Release() //nolint:errcheck
	return s.run.Run(ctx, s.cfg.Root(), command)
}

func (s *Service) resolvePolicy(ctx context.Context, explicit string) (*policy.Policy, error) {
	if explicit != "" {
		return s.policy.Resolve(nil, explicit)
	}
	changed, err := ChangedFiles(ctx, s.git, s.cfg.Root(), s.fingerprintExcludes())
	if err != nil {
		logging.Debug(ctx, "no git change set for policy resolution", "error", err.Error())
		changed = nil
	}
	return s.policy.Resolve(changed, "")
}

// Report describes the evidence state of a task's current round against
// the resolved preset.
type Report struct {
	TaskID               string   `json:"taskId"`
	Round                int      `json:"round"`
	Preset               string   `json:"preset"`
	SnapshotKey          string   `json:"snapshotKey,omitempty"`
	PresetEvidenceStatus Status   `json:"presetEvidenceStatus"`
	Problems             []string `json:"problems,omitempty"`
}

// Report inspects the current round for taskID.
func (s *Service) Report(ctx context.Context, taskID string) (*Report, error) {
	pol, err := s.resolvePolicy(ctx, "")
	if err != nil {
		return nil, err
	}
	required := pol.Preset.RequiredEvidence
	round := s.CurrentRound(taskID)
	roundDir := s.RoundDir(taskID, round)

	report := &Report{
		TaskID:               taskID,
		Round:                round,
		Preset:               pol.Preset.ID,
		PresetEvidenceStatus: s.StatusOf(roundDir, required),
		Problems:             ValidateFiles(roundDir, required),
	}
	if fp, err := ComputeFingerprint(ctx, s.git, s.cfg.Root(), s.fingerprintExcludes()); err == nil {
		report.SnapshotKey = fp.Key()
	}
	return report, nil
}

// Checker adapts the service to the QA workflow's evidence-complete
// condition: evidence must be complete, passing, and schema-valid for the
// preset the current change set resolves to.
func (s *Service) Checker(ctx context.Context) func(taskID string) (bool, string) {
	return func(taskID string) (bool, string) {
		report, err := s.Report(ctx, taskID)
		if err != nil {
			return false, err.Error()
		}
		if report.PresetEvidenceStatus.OK() {
			return true, ""
		}
		if len(report.Problems) == 0 {
			return false, "no evidence captured"
		}
		return false, strings.Join(report.Problems, "; ")
	}
}

var templateVarRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// renderCommand substitutes {{var}} references. Unknown variables fail
// closed; a template typo must not reach the shell.
func renderCommand(command string, vars map[string]string) (string, error) {
	var missing []string
	out := templateVarRe.ReplaceAllStringFunc(command, func(m string) string {
		name := templateVarRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unknown template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// templateVars flattens the task's frontmatter for command templates.
// Hyphenated keys get underscore aliases, list values join as CSV, and
// task_id, component, and components_csv are always defined.
func templateVars(t *entity.Task) map[string]string {
	vars := make(map[string]string)
	for k, v := range t.Frontmatter() {
		s, ok := scalarString(v)
		if !ok {
			continue
		}
		vars[k] = s
		if strings.Contains(k, "-") {
			vars[strings.ReplaceAll(k, "-", "_")] = s
		}
	}
	vars["task_id"] = t.ID
	vars["components_csv"] = strings.Join(t.Components, ",")
	component := ""
	if len(t.Components) > 0 {
		component = t.Components[0]
	}
	vars["component"] = component
	return vars
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool, int, int64, uint64, float64:
		return fmt.Sprintf("%v", val), true
	case []string:
		return strings.Join(val, ","), true
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := scalarString(item)
			if !ok {
				return "", false
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), true
	default:
		return "", false
	}
}
