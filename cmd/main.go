package main

import (
	"context"
	"os"

	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"github.com/urfave/cli/v3"
)

func main() {
	logger := shared.NewLogger(nil)
	runner := NewRunner(RunnerOpts{Logger: logger})

	if err := newApp(runner).Run(context.Background(), os.Args); err != nil {
		logger.Fatalf("application error: %v", err)
	}
}

func newApp(r *Runner) *cli.Command {
	return &cli.Command{
		Name:     "tidal-mcp",
		Usage:    "TIDAL catalog access behind per-session device logins",
		Version:  "0.1.0",
		Flags:    rootFlags(),
		Before:   r.before,
		After:    r.close,
		Commands: r.register(),
	}
}
