package main

import (
	"github.com/spf13/cobra"
)

func init() {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE:  runMigrate,
	}
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	// Opening a store applies its schema.
	st, _, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Ping(cmd.Context()); err != nil {
		return err
	}
	logger.Info("schema applied", "driver", cfg.Database.Driver)
	return nil
}
