package main

import (
	"github.com/spf13/cobra"
)

func migrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadAppConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), opts.debug)
			client, err := openPersistence(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("migrations applied", "driver", cfg.Database.GetDriver())
			return nil
		},
	}
}
