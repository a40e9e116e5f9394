package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/finagent/errdefs"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Limits.MaxIterations)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	ttl, err := cfg.ApprovalTTL()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, ttl)
	assert.InDelta(t, 0.01, cfg.Pricing.Tools["FRED"].Cost, 1e-9)
	assert.Equal(t, "@every 1m", cfg.Server.ExpirySchedule)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
  format: json
store:
  backend: memory
limits:
  maxIterations: 10
  approvalTtl: 2h
pricing:
  llmCostPer1K: 0.01
  tools:
    FRED:
      cost: 0.02
      seconds: 3
`)
	t.Setenv("FINAGENT_MAX_ITERATIONS", "12")
	t.Setenv("FRED_API_KEY", "secret")
	t.Setenv("FINAGENT_EXPIRY_SCHEDULE", "*/5 * * * *")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 12, cfg.Limits.MaxIterations)
	assert.Equal(t, "secret", cfg.FRED.APIKey)
	assert.Equal(t, "*/5 * * * *", cfg.Server.ExpirySchedule)
	assert.InDelta(t, 0.01, cfg.Pricing.LLMCostPer1K, 1e-9)
	assert.InDelta(t, 0.02, cfg.Pricing.Tools["FRED"].Cost, 1e-9)
	ttl, err := cfg.ApprovalTTL()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, ttl)
	assert.NotContains(t, cfg.String(), "secret")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = Load(writeFile(t, "limits:\n  maxIterationz: 3\n"))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = Load(writeFile(t, "store:\n  backend: postgres\n"))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = Load(writeFile(t, "limits:\n  approvalTtl: soon\n"))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = Load(writeFile(t, "server:\n  expirySchedule: hourly-ish\n"))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestStoreOptions(t *testing.T) {
	cfg := Default()
	cfg.Store.RedisTTL = "1h"
	opts := cfg.StoreOptions()
	assert.Equal(t, time.Hour, opts.RedisTTL)
	assert.Equal(t, cfg.Store.SQLitePath, opts.SQLitePath)
}
