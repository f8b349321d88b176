package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(mapLookup(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(mapLookup(map[string]string{
		"STOCK_PORT":            "9090",
		"STOCK_DB_DRIVER":       "Postgres",
		"DATABASE_URL":          "postgres://stock@localhost/stock",
		"STOCK_LOG_LEVEL":       "debug",
		"STOCK_LOG_FORMAT":      "JSON",
		"STOCK_ALLOWED_ORIGINS": "https://a.example.com, ,https://b.example.com",
		"STOCK_AUDIT_INTERVAL":  "15m",
		"STOCK_AUDIT_ENABLED":   "false",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 15*time.Minute, cfg.AuditInterval)
	assert.False(t, cfg.AuditEnabled)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnv_ParseErrors(t *testing.T) {
	for key, value := range map[string]string{
		"STOCK_PORT":           "eighty",
		"STOCK_AUDIT_INTERVAL": "hourly",
		"STOCK_AUDIT_ENABLED":  "sometimes",
	} {
		t.Run(key, func(t *testing.T) {
			_, err := FromEnv(mapLookup(map[string]string{key: value}))
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }, "unknown database driver"},
		{"postgres without url", func(c *Config) { c.DBDriver = DriverPostgres }, "DATABASE_URL"},
		{"empty sqlite path", func(c *Config) { c.DBPath = "" }, "database path"},
		{"zero interval", func(c *Config) { c.AuditInterval = 0 }, "audit interval"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "out of range"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestLoad_ReadsDotEnvWithoutOverridingProcessEnv(t *testing.T) {
	// GIVEN: a .env file and one variable already set in the process
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("STOCK_DB_PATH=/var/lib/stock/from-file.db\nSTOCK_PORT=7000\n"), 0o600))

	t.Setenv("STOCK_PORT", "7100")
	if _, wasSet := os.LookupEnv("STOCK_DB_PATH"); wasSet {
		t.Skip("STOCK_DB_PATH is set in the environment")
	}
	t.Cleanup(func() { os.Unsetenv("STOCK_DB_PATH") })

	// WHEN
	cfg, err := Load(envFile)
	require.NoError(t, err)

	// THEN: the file fills gaps, the process wins
	assert.Equal(t, "/var/lib/stock/from-file.db", cfg.DBPath)
	assert.Equal(t, 7100, cfg.Port)
}

func TestLoad_MissingFileIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}
