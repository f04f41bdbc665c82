package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"edison.dev/cli/cmd/edison/cli/atomicio"
)

// Context7FileName is the research artifact written next to command
// evidence in a round directory.
const Context7FileName = "context7-research.json"

// Context7Library is one library whose documentation was consulted.
type Context7Library struct {
	ID    string `json:"id"`
	Topic string `json:"topic,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// Context7Report records the upstream documentation research behind a
// task's implementation. Agents fill the template and save it alongside
// command evidence; reviewers read it to see which APIs were verified
// against current docs rather than recalled.
type Context7Report struct {
	TaskID     string            `json:"taskId"`
	CapturedAt string            `json:"capturedAt,omitempty"`
	Libraries  []Context7Library `json:"libraries"`
	Summary    string            `json:"summary,omitempty"`
}

// Context7Template returns a skeleton report for agents to fill in.
func Context7Template(taskID string) *Context7Report {
	return &Context7Report{
		TaskID: taskID,
		Libraries: []Context7Library{
			{ID: "/org/project", Topic: "what was looked up", Notes: "what the docs confirmed"},
		},
		Summary: "one paragraph on how the research shaped the change",
	}
}

// SaveContext7 validates raw as a context7 report and writes it into the
// task's current round, starting round 1 when nothing was captured yet.
// The task id inside the report must match taskID when present.
func (s *Service) SaveContext7(taskID string, raw []byte) (string, error) {
	var report Context7Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return "", fmt.Errorf("parsing context7 report: %w", err)
	}
	if report.TaskID == "" {
		report.TaskID = taskID
	}
	if report.TaskID != taskID {
		return "", fmt.Errorf("context7 report is for task %s, not %s", report.TaskID, taskID)
	}
	if len(report.Libraries) == 0 {
		return "", fmt.Errorf("context7 report lists no libraries")
	}
	for i, lib := range report.Libraries {
		if lib.ID == "" {
			return "", fmt.Errorf("context7 report library %d has no id", i)
		}
	}
	if report.CapturedAt == "" {
		report.CapturedAt = time.Now().UTC().Format(time.RFC3339)
	}

	round := s.CurrentRound(taskID)
	if round == 0 {
		round = 1
	}
	dir := s.RoundDir(taskID, round)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating round directory: %w", err)
	}
	path := filepath.Join(dir, Context7FileName)
	if err := atomicio.WriteJSON(path, &report, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
