package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stake-plus/govwatch/src/data"
	"github.com/stake-plus/govwatch/src/logging"
)

var (
	settingsCmd = &cobra.Command{
		Use:   "settings",
		Short: "Manage rows of the settings table",
	}

	settingsSetCmd = &cobra.Command{
		Use:     "set NAME VALUE",
		Short:   "Store an active setting; it overrides the environment on next start",
		Example: `  govwatch settings set agents_quality_threshold 0.8`,
		Args:    cobra.ExactArgs(2),
		RunE:    runSettingsSet,
	}
)

func init() {
	settingsCmd.AddCommand(settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	dsn, err := data.GetMySQLDSN()
	if err != nil {
		return err
	}
	logger := logging.New(firstNonEmpty(logLevel, "warn"), os.Stderr)
	db, err := data.ConnectMySQL(dsn, logger)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := data.Migrate(db); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	if err := data.PutSetting(cmd.Context(), db, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", args[0], args[1])
	return nil
}
