package cli

import (
	"errors"
	"io"

	"github.com/spf13/cobra"

	"edison.dev/cli/cmd/edison/cli/jsonutil"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/statemachine"
)

// jsonOutput is bound to the persistent --json flag. Every command renders
// either its human text or one JSON document on stdout, never both.
var jsonOutput bool

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

func printJSON(w io.Writer, v any) error {
	return jsonutil.EncodeTo(w, v)
}

// emit renders a command result: the JSON document in --json mode, else
// the human writer.
func emit(cmd *cobra.Command, v any, human func(w io.Writer)) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), v)
	}
	human(cmd.OutOrStdout())
	return nil
}

// fail reports err in the selected output mode. In JSON mode the error
// envelope goes to stdout and the returned error is silent so main only
// sets the exit code.
func fail(cmd *cobra.Command, err error) error {
	if err == nil {
		return nil
	}
	if !jsonOutput {
		return err
	}
	env := errorEnvelope{Error: errorBody{Code: errorCode(err), Message: err.Error()}}
	env.Error.Context = errorContext(err)
	if encErr := printJSON(cmd.OutOrStdout(), env); encErr != nil {
		return encErr
	}
	return NewSilentError(err)
}

// errorContext extracts machine-readable detail for the JSON error
// payload, when the error type carries any.
func errorContext(err error) map[string]any {
	var (
		ambiguousID *paths.AmbiguousIDError
		unknownID   *paths.UnknownIDError
		invalid     *statemachine.InvalidTransitionError
		guard       *statemachine.GuardDeniedError
		condition   *statemachine.ConditionFailedError
	)
	switch {
	case errors.As(err, &ambiguousID):
		return map[string]any{"token": ambiguousID.Token, "candidates": ambiguousID.Candidates}
	case errors.As(err, &unknownID):
		return map[string]any{"token": unknownID.Token}
	case errors.As(err, &invalid):
		return map[string]any{"entity": invalid.Entity, "from": invalid.From, "to": invalid.To}
	case errors.As(err, &guard):
		return map[string]any{"guard": guard.Guard}
	case errors.As(err, &condition):
		return map[string]any{"condition": condition.Name}
	default:
		return nil
	}
}
