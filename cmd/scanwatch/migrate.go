package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ahrav/scanwatch/internal/infra/storage"
	"github.com/ahrav/scanwatch/pkg/common/logger"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `migrate applies the embedded schema migrations, including the heartbeat,
terminal transition and stuck scan SQL functions, to database.url.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is required to migrate")
			}

			log := logger.New(cmd.ErrOrStderr(), logger.ParseLevel(cfg.Log.Level), cfg.Service, nil)
			pool, err := openPool(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			res, err := storage.Migrate(ctx, pool, log)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), res)
		},
	}
}

