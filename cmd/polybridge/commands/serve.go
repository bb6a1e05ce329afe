package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/polybridge/internal/app"
	"github.com/florianilch/polybridge/internal/config"
	"github.com/florianilch/polybridge/internal/observability"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the bridge server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otlp)",
			},
		},
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	level, err := logLevel(cmd)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logFormat := cfg.Logging.Format
	if flag := cmd.String("log-format"); flag != "" {
		logFormat = flag
	}

	// Observability comes up before anything that logs.
	logShutdown, err := observability.Instrument(ctx, level, logFormat)
	if err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}
	defer func() {
		if err := logShutdown(context.Background()); err != nil {
			slog.Error("log pipeline shutdown failed", "error", err)
		}
	}()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}
