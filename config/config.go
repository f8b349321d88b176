/*
Package config loads server configuration from the environment.

SOURCES (later wins):
  1. Defaults below
  2. A .env file in the working directory, if present (joho/godotenv)
  3. Process environment
  4. Command-line flags (applied by cmd/server)

VARIABLES:
  STOCK_PORT             HTTP port (default 8080)
  STOCK_DB_DRIVER        sqlite | postgres (default sqlite)
  STOCK_DB_PATH          SQLite file, ":memory:" allowed (default stock.db)
  DATABASE_URL           PostgreSQL URL, required for the postgres driver
  STOCK_LOG_LEVEL        logrus level (default info)
  STOCK_LOG_FORMAT       text | json (default text)
  STOCK_ALLOWED_ORIGINS  Comma-separated CORS origins
  STOCK_AUDIT_INTERVAL   Go duration between audit runs (default 1h)
  STOCK_AUDIT_ENABLED    Run the background audit (default true)

A .env file never overrides variables already set in the process.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all server settings.
type Config struct {
	Port           int
	DBDriver       string
	DBPath         string
	DatabaseURL    string
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string
	AuditInterval  time.Duration
	AuditEnabled   bool
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:          8080,
		DBDriver:      DriverSQLite,
		DBPath:        "stock.db",
		LogLevel:      "info",
		LogFormat:     "text",
		AuditInterval: time.Hour,
		AuditEnabled:  true,
	}
}

// Load reads .env files (missing files are ignored) and the environment.
// With no arguments it reads ./.env.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function, on top of Default.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if v, ok := lookup("STOCK_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid STOCK_PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v, ok := lookup("STOCK_DB_DRIVER"); ok && v != "" {
		cfg.DBDriver = strings.ToLower(v)
	}
	if v, ok := lookup("STOCK_DB_PATH"); ok && v != "" {
		cfg.DBPath = v
	}
	if v, ok := lookup("DATABASE_URL"); ok {
		cfg.DatabaseURL = v
	}
	if v, ok := lookup("STOCK_LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := lookup("STOCK_LOG_FORMAT"); ok && v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v, ok := lookup("STOCK_ALLOWED_ORIGINS"); ok && v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	if v, ok := lookup("STOCK_AUDIT_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid STOCK_AUDIT_INTERVAL %q: %w", v, err)
		}
		cfg.AuditInterval = d
	}
	if v, ok := lookup("STOCK_AUDIT_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid STOCK_AUDIT_ENABLED %q: %w", v, err)
		}
		cfg.AuditEnabled = b
	}
	return cfg, nil
}

// Validate checks settings that cannot be caught while parsing.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("sqlite driver requires a database path")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("postgres driver requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown database driver %q (want %s or %s)", c.DBDriver, DriverSQLite, DriverPostgres)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q (want text or json)", c.LogFormat)
	}
	if c.AuditInterval <= 0 {
		return fmt.Errorf("audit interval must be positive, got %s", c.AuditInterval)
	}
	return nil
}
