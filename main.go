// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/deskhand/cmd"
)

// main is the entry point for the deskhand application.
func main() {
	// An interrupt cancels the context instead of killing the process, so a
	// running task can finish its current action and record a terminal state.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
}
