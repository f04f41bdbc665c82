// Package cli implements the edison command tree. Commands stay thin:
// they parse flags, call into the service packages, and render the result
// in text or JSON.
package cli

import (
	"context"

	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/evidence"
	"edison.dev/cli/cmd/edison/cli/paths"
	"edison.dev/cli/cmd/edison/cli/session"
	"edison.dev/cli/cmd/edison/cli/taskindex"
	"edison.dev/cli/cmd/edison/cli/workflow"
)

// projectConfig locates the project root and loads the layered config.
func projectConfig() (*config.Config, error) {
	root, err := paths.ProjectRoot()
	if err != nil {
		return nil, err
	}
	return config.Load(root)
}

// newWorkflow builds the workflow service with the evidence checker wired
// into the QA machine's conditions.
func newWorkflow(ctx context.Context, cfg *config.Config) (*workflow.Service, error) {
	sessions, err := session.NewManager(cfg)
	if err != nil {
		return nil, err
	}
	ev, err := evidence.NewService(cfg)
	if err != nil {
		return nil, err
	}
	return workflow.NewService(cfg, sessions, workflow.Options{EvidenceChecker: ev.Checker(ctx)})
}

// findTask expands a possibly-short token to an indexed task. QA tokens
// resolve to their paired task.
func findTask(ix *taskindex.Index, token string) (*taskindex.Entry, error) {
	id, err := ix.Expand(token)
	if err != nil {
		return nil, err
	}
	if paths.IsQAID(id) {
		id = paths.TaskIDForQA(id)
	}
	entry := ix.Task(id)
	if entry == nil {
		return nil, &paths.UnknownIDError{Token: token}
	}
	return entry, nil
}
