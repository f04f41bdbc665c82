package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"edison.dev/cli/cmd/edison/cli"
	"edison.dev/cli/cmd/edison/cli/logging"
)

// Exit codes: 1 for command failures, 130 when an interrupt cut the run
// short (128+SIGINT, matching shell convention).
func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cli.NewRootCmd().ExecuteContext(ctx)
	logging.Close()
	if err == nil {
		return 0
	}

	// SilentError means the command already wrote its own error output.
	var silent *cli.SilentError
	if !errors.As(err, &silent) {
		fmt.Fprintln(os.Stderr, err)
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}
