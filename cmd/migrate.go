package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the store schema and the queue table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("migrations applied",
			zap.String("store", cfg.Store.Driver),
			zap.String("queue_backend", cfg.Queue.Backend),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
