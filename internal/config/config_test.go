package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.DevMode)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.StuckRunTimeout)
	assert.Equal(t, 300*time.Second, cfg.CacheTTLBars)
	assert.False(t, cfg.S3Backup.Enabled)
	assert.Zero(t, cfg.FinnhubBucketRPM)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PORT", "9001")
	t.Setenv("ORCHESTRATOR_MAX_CONCURRENT", "3")
	t.Setenv("STUCK_RUN_TIMEOUT_MINUTES", "25")
	t.Setenv("CACHE_TTL_BARS", "120")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, 25*time.Minute, cfg.StuckRunTimeout)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTLBars)
}

func TestMassiveKeyAliasesPolygon(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("MASSIVE_API_KEY", "massive-key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "massive-key", cfg.PolygonAPIKey)

	// Explicit POLYGON_API_KEY wins over the alias
	t.Setenv("POLYGON_API_KEY", "polygon-key")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "polygon-key", cfg.PolygonAPIKey)
}

func TestBucketOverridePrecedence(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("FINNHUB_MAX_RPM", "90")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90.0, cfg.FinnhubBucketRPM)

	// RPS is converted to per-minute and wins when both are set
	t.Setenv("FINNHUB_MAX_RPS", "2")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 120.0, cfg.FinnhubBucketRPM)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("ORCHESTRATOR_MAX_CONCURRENT", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ORCHESTRATOR_MAX_CONCURRENT")
}

func TestValidateS3BackupRequiresBucket(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("S3_BACKUP_ENABLED", "true")
	t.Setenv("S3_ACCESS_KEY_ID", "id")
	t.Setenv("S3_SECRET_ACCESS_KEY", "secret")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3_BUCKET")
}
