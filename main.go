package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"cofer/internal/app"
	"cofer/internal/cli/commands"
)

func main() {
	// Cancel on interrupt so serve can tear environments down
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := app.New().RunWithContext(ctx, os.Args[1:])
	stop()
	commands.ExitOnError(err)
}
