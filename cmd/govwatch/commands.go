package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/stake-plus/govwatch/src/app"
	"github.com/stake-plus/govwatch/src/config"
	"github.com/stake-plus/govwatch/src/data"
	"github.com/stake-plus/govwatch/src/logging"
)

var (
	configPath      string
	logLevel        string
	shutdownTimeout time.Duration

	investigateIntent  string
	investigateQuery   string
	investigateParams  map[string]string
	investigateUser    string
	investigateTimeout time.Duration

	rootCmd = &cobra.Command{
		Use:           "govwatch",
		Short:         "Multi-agent investigation engine for public procurement data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the investigation API",
		RunE:  runServe,
	}

	investigateCmd = &cobra.Command{
		Use:   "investigate [query text]",
		Short: "Run one investigation and print it as JSON",
		Example: `  govwatch investigate --intent anomaly_scan --param agency=36000 --param year=2024
  govwatch investigate --intent supplier_risk --param cnpj=12.345.678/0001-99`,
		RunE: runInvestigate,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GOVWATCH_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "grace period for running investigations on exit")

	investigateCmd.Flags().StringVarP(&investigateIntent, "intent", "i", "full_investigation", "anomaly_scan, spending_pattern, supplier_risk or full_investigation")
	investigateCmd.Flags().StringVarP(&investigateQuery, "query", "q", "", "free-text description of the investigation")
	investigateCmd.Flags().StringToStringVarP(&investigateParams, "param", "p", nil, "query parameter as key=value (repeatable)")
	investigateCmd.Flags().StringVar(&investigateUser, "user", os.Getenv("USER"), "user recorded as the caller")
	investigateCmd.Flags().DurationVar(&investigateTimeout, "timeout", 0, "overall deadline (default: configured investigation timeout)")

	rootCmd.AddCommand(serveCmd, investigateCmd)
}

// bootstrap loads configuration and wires the engine. The settings table is
// read when MYSQL_DSN is set.
func bootstrap(ctx context.Context) (*app.App, *slog.Logger, error) {
	boot := logging.New(firstNonEmpty(logLevel, os.Getenv("LOG_LEVEL"), "info"), os.Stderr)

	var db *gorm.DB
	if dsn, err := data.GetMySQLDSN(); err == nil {
		db, err = data.ConnectMySQL(dsn, boot)
		if err != nil {
			return nil, nil, fmt.Errorf("db: %w", err)
		}
		if err := data.Migrate(db); err != nil {
			return nil, nil, fmt.Errorf("db migrate: %w", err)
		}
	}

	cfg, err := config.Load(configPath, db, boot)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(firstNonEmpty(logLevel, cfg.LogLevel), os.Stderr)

	a, err := app.Build(ctx, cfg, app.Options{DB: db, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func stop(a *app.App, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		logger.Warn("govwatch: unclean shutdown", "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
