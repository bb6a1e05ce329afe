package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/florianilch/polybridge/cmd/polybridge/commands"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	// Graceful shutdown via OS signals; cancellation propagates to all
	// commands.
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	if err := commands.Execute(ctx, os.Args, version, commit); err != nil {
		slog.ErrorContext(ctx, "application failed", "error", err)
		os.Exit(1)
	}
}
