package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stevedimarzio/tidal-mcp/internal/server"
	"github.com/urfave/cli/v3"
)

// Serve runs the HTTP server until interrupted. Pending logins from an earlier run are resumed first.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	if cmd.IsSet("host") {
		r.config.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		r.config.Server.Port = int(cmd.Int("port"))
	}

	if err := r.open(ctx); err != nil {
		return err
	}
	if _, _, err := r.manager.Resume(ctx); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(r.config.Server, r.manager, r.catalog, r.engine, r.logger)
	r.logger.Info("starting server", "addr", srv.Addr(), "storage", r.config.Storage.Backend, "https", r.config.Server.HTTPS)
	return srv.Run(ctx)
}
