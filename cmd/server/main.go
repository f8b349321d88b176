/*
main.go - Application entry point

PURPOSE:
  Command-line entry point for the stock allocation ledger. Loads
  configuration, opens the configured store and dispatches to a
  subcommand.

COMMANDS:
  serve   Run the HTTP API with the background conservation audit
  seed    Reset the database and load a demo scenario
  audit   Audit every material once and print the results

CONFIGURATION:
  Environment and .env first (see package config), then flags:
  --db-driver      sqlite | postgres
  --db             SQLite database path (":memory:" allowed)
  --database-url   PostgreSQL URL
  --log-level      logrus level
  --log-format     text | json

GRACEFUL SHUTDOWN (serve):
  On SIGINT/SIGTERM:
  1. Stop the audit scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  # Run with file database
  stock-engine serve --db ./data/stock.db

  # Run against PostgreSQL
  DATABASE_URL=postgres://... stock-engine serve --db-driver postgres

  # Load demo data, then check it
  stock-engine seed --scenario shop-floor && stock-engine audit

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment variables
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/stock-engine/api"
	"github.com/warp/stock-engine/config"
	"github.com/warp/stock-engine/logging"
	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/store/postgres"
	"github.com/warp/stock-engine/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what PersistentPreRunE prepared for the subcommands.
type app struct {
	cfg    config.Config
	logger *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "stock-engine",
		Short:        "Material stock allocation ledger",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger, err := logging.NewWithOutput(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
	}

	// Flags override the environment only when given explicitly.
	pf := root.PersistentFlags()
	pf.String("db-driver", config.DriverSQLite, "Database driver: sqlite or postgres")
	pf.String("db", "stock.db", "SQLite database path")
	pf.String("database-url", "", "PostgreSQL connection URL")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-format", "text", "Log format: text or json")

	root.AddCommand(newServeCmd(a), newSeedCmd(a), newAuditCmd(a))
	return root
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("db-driver", &cfg.DBDriver)
	str("db", &cfg.DBPath)
	str("database-url", &cfg.DatabaseURL)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)

	if flags.Lookup("port") != nil && flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Lookup("audit-interval") != nil && flags.Changed("audit-interval") {
		cfg.AuditInterval, _ = flags.GetDuration("audit-interval")
	}
	if flags.Lookup("no-audit") != nil && flags.Changed("no-audit") {
		disabled, _ := flags.GetBool("no-audit")
		cfg.AuditEnabled = !disabled
	}
}

// backend is what every store implementation offers the commands.
type backend interface {
	stock.TxStore
	stock.Resetter
	Close() error
}

func openStore(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st := postgres.New(pool)
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	default:
		return sqlite.New(cfg.DBPath)
	}
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().Int("port", 8080, "HTTP server port")
	cmd.Flags().Duration("audit-interval", time.Hour, "Interval between background audits")
	cmd.Flags().Bool("no-audit", false, "Disable the background audit")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	store, err := openStore(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	metrics := api.NewMetrics()
	handler := api.NewHandler(store, a.logger, metrics)
	router := api.NewRouter(handler, a.cfg.AllowedOrigins)

	scheduler := api.NewAuditScheduler(handler.Auditor, metrics, a.logger)
	scheduler.CheckInterval = a.cfg.AuditInterval
	scheduler.Enabled = a.cfg.AuditEnabled
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.WithFields(logrus.Fields{
			"port":   a.cfg.Port,
			"driver": a.cfg.DBDriver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	a.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.logger.Info("server stopped")
	return nil
}
