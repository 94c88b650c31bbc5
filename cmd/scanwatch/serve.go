package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/scanwatch/internal/api/debug"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduled maintenance sweep and the debug server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.serve(ctx)
			})
		},
	}
}

// serve blocks until ctx is cancelled or a component fails.
func (a *app) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.maintenance.RunScheduled(ctx, a.cfg.Maintenance.Interval)
	})

	if addr := a.cfg.Debug.Addr; addr != "" {
		h, err := debug.Mux(debug.Config{
			Build:       Version,
			Log:         a.log.With("component", "debug_server"),
			Checks:      a.checks,
			Health:      a.maintenance,
			CORSOrigins: a.cfg.Debug.CORSOrigins,
		})
		if err != nil {
			return fmt.Errorf("build debug server: %w", err)
		}
		g.Go(func() error { return debug.Serve(ctx, addr, h, a.log) })
	}

	a.log.Info(ctx, "scanwatch started",
		"backend", a.cfg.Backend,
		"sweep_interval", a.cfg.Maintenance.Interval,
		"debug_addr", a.cfg.Debug.Addr,
	)
	return g.Wait()
}
