// Package commands defines the polybridge CLI surface.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string, version, commit string) error {
	cmd := &cli.Command{
		Name:    "polybridge",
		Usage:   "Local bridge normalizing LLM provider streams for editor clients",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to TOML config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			accountsCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// logLevel parses the root --log-level flag.
func logLevel(cmd *cli.Command) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cmd.String("log-level"))); err != nil {
		return 0, fmt.Errorf("invalid log level: %w", err)
	}
	return level, nil
}
