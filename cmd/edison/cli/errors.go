package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"

	"edison.dev/cli/cmd/edison/cli/filelock"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/session"
	"edison.dev/cli/cmd/edison/cli/statemachine"
)

// SilentError wraps an error whose message was already written to the
// user, so main prints nothing more and only sets the exit code.
type SilentError struct {
	err error
}

// NewSilentError marks err as already reported.
func NewSilentError(err error) *SilentError {
	return &SilentError{err: err}
}

func (e *SilentError) Error() string {
	return e.err.Error()
}

func (e *SilentError) Unwrap() error {
	return e.err
}

// Stable error codes carried in JSON error payloads. Agents branch on
// these instead of parsing messages.
const (
	codeTaskNotFound      = "TASK_NOT_FOUND"
	codeQANotFound        = "QA_NOT_FOUND"
	codeSessionNotFound   = "SESSION_NOT_FOUND"
	codeFileNotFound      = "FILE_NOT_FOUND"
	codeAmbiguousID       = "AMBIGUOUS_ID"
	codeNoSession         = "NO_SESSION"
	codeNotAProject       = "NOT_A_PROJECT"
	codeInvalidJSON       = "INVALID_JSON"
	codeCancelled         = "CANCELLED"
	codeLockTimeout       = "LOCK_TIMEOUT"
	codeInvalidTransition = "INVALID_TRANSITION"
	codeGuardDenied       = "GUARD_DENIED"
	codeConditionFailed   = "CONDITION_FAILED"
	codeInternal          = "INTERNAL_ERROR"
)

// errorCode classifies err into a stable code. Unrecognized errors are
// INTERNAL_ERROR.
func errorCode(err error) string {
	var (
		unknownID   *paths.UnknownIDError
		ambiguousID *paths.AmbiguousIDError
		sessionGone *session.NotFoundError
		invalid     *statemachine.InvalidTransitionError
		guard       *statemachine.GuardDeniedError
		condition   *statemachine.ConditionFailedError
		lockTimeout *filelock.TimeoutError
		jsonSyntax  *json.SyntaxError
		jsonType    *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &unknownID):
		if paths.IsQAID(unknownID.Token) {
			return codeQANotFound
		}
		return codeTaskNotFound
	case errors.As(err, &ambiguousID):
		return codeAmbiguousID
	case errors.As(err, &sessionGone):
		return codeSessionNotFound
	case errors.As(err, &invalid):
		return codeInvalidTransition
	case errors.As(err, &guard):
		return codeGuardDenied
	case errors.As(err, &condition):
		return codeConditionFailed
	case errors.As(err, &lockTimeout):
		return codeLockTimeout
	case errors.As(err, &jsonSyntax), errors.As(err, &jsonType):
		return codeInvalidJSON
	case errors.Is(err, session.ErrNoSession):
		return codeNoSession
	case errors.Is(err, paths.ErrNotEdisonProject):
		return codeNotAProject
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return codeCancelled
	case errors.Is(err, fs.ErrNotExist):
		return codeFileNotFound
	default:
		return codeInternal
	}
}
