package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"edison.dev/cli/cmd/edison/cli/filelock"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/session"
	"edison.dev/cli/cmd/edison/cli/statemachine"
)

func TestErrorCode(t *testing.T) {
	badJSON := json.Unmarshal([]byte("{"), &map[string]any{})
	if badJSON == nil {
		t.Fatal("expected a syntax error from truncated JSON")
	}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unknown task id", &paths.UnknownIDError{Token: "042-auth"}, "TASK_NOT_FOUND"},
		{"unknown qa id", &paths.UnknownIDError{Token: "042-auth-qa"}, "QA_NOT_FOUND"},
		{"ambiguous id", &paths.AmbiguousIDError{Token: "4", Candidates: []string{"041-a", "042-b"}}, "AMBIGUOUS_ID"},
		{"missing session", &session.NotFoundError{ID: "sess-1"}, "SESSION_NOT_FOUND"},
		{"invalid transition", &statemachine.InvalidTransitionError{Entity: "task", From: "open", To: "completed"}, "INVALID_TRANSITION"},
		{"guard denied", &statemachine.GuardDeniedError{Guard: "single_active_task"}, "GUARD_DENIED"},
		{"condition failed", &statemachine.ConditionFailedError{Name: "evidence_complete"}, "CONDITION_FAILED"},
		{"lock timeout", &filelock.TimeoutError{Path: "/tmp/x.lock", Timeout: time.Second}, "LOCK_TIMEOUT"},
		{"bad json", badJSON, "INVALID_JSON"},
		{"no session", fmt.Errorf("resolving: %w", session.ErrNoSession), "NO_SESSION"},
		{"not a project", fmt.Errorf("looking up root: %w", paths.ErrNotEdisonProject), "NOT_A_PROJECT"},
		{"cancelled", context.Canceled, "CANCELLED"},
		{"deadline", context.DeadlineExceeded, "CANCELLED"},
		{"missing file", fmt.Errorf("open plan.md: %w", fs.ErrNotExist), "FILE_NOT_FOUND"},
		{"anything else", errors.New("boom"), "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorCode(tt.err); got != tt.want {
				t.Errorf("errorCode(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorCodeSeesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("claim task: %w", &statemachine.GuardDeniedError{Guard: "session_active", Message: "session is not active"})
	if got := errorCode(err); got != "GUARD_DENIED" {
		t.Errorf("errorCode(wrapped) = %q, want GUARD_DENIED", got)
	}
}

func TestErrorContext(t *testing.T) {
	err := &paths.AmbiguousIDError{Token: "4", Candidates: []string{"041-a", "042-b"}}
	ctx := errorContext(err)
	if ctx["token"] != "4" {
		t.Errorf("context token = %v, want 4", ctx["token"])
	}
	candidates, ok := ctx["candidates"].([]string)
	if !ok || len(candidates) != 2 {
		t.Errorf("context candidates = %v, want two entries", ctx["candidates"])
	}

	if got := errorContext(errors.New("boom")); got != nil {
		t.Errorf("plain error context = %v, want nil", got)
	}
}

func TestSilentErrorUnwraps(t *testing.T) {
	inner := &session.NotFoundError{ID: "sess-9"}
	silent := NewSilentError(inner)

	var notFound *session.NotFoundError
	if !errors.As(silent, &notFound) {
		t.Fatal("SilentError should unwrap to the original error")
	}
	if notFound.ID != "sess-9" {
		t.Errorf("unwrapped ID = %q, want sess-9", notFound.ID)
	}
}
