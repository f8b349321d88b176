package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSeedThenAudit(t *testing.T) {
	// GIVEN: a fresh database file
	db := filepath.Join(t.TempDir(), "stock.db")

	// WHEN: the shop floor is seeded
	out, err := run(t, "seed", "--scenario", "shop-floor", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "loaded scenario shop-floor")

	// THEN: the audit passes and flags low coolant
	out, err = run(t, "audit", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "coolant-5l")
	assert.Contains(t, out, "LOW")
	assert.NotContains(t, out, "INCONSISTENT")

	out, err = run(t, "audit", "--db", db, "--json", "bearing-6204")
	require.NoError(t, err)
	assert.Contains(t, out, `"MaterialID": "bearing-6204"`)

	_, err = run(t, "audit", "--db", db, "ghost")
	assert.Error(t, err)
}

func TestSeed_ListAndUnknown(t *testing.T) {
	out, err := run(t, "seed", "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "worked-example")
	assert.Contains(t, out, "empty-floor")

	_, err = run(t, "seed", "--scenario", "nope", "--db", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestInvalidConfigurationIsRejected(t *testing.T) {
	_, err := run(t, "audit", "--db-driver", "postgres", "--database-url", "")
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestApplyFlags_OnlyChangedFlagsOverride(t *testing.T) {
	cmd := newRootCmd()
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serve.ParseFlags([]string{"--port", "9000", "--no-audit", "--audit-interval", "5m"}))

	cfg := config.Default()
	cfg.DBPath = "from-env.db"
	applyFlags(serve, &cfg)

	assert.Equal(t, 9000, cfg.Port)
	assert.False(t, cfg.AuditEnabled)
	assert.Equal(t, 5*time.Minute, cfg.AuditInterval)
	assert.Equal(t, "from-env.db", cfg.DBPath, "unset --db keeps the environment value")
}
