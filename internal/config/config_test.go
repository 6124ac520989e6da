package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/dinq-analyze-sub000/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 8, cfg.MaxWorkers())
	assert.Equal(t, 500, cfg.BatchSize())
	assert.Equal(t, int64(900), cfg.RefreshLockTTLSeconds())
	assert.Equal(t, int64(4), cfg.BackupMultiplier())
	assert.Equal(t, 24*time.Hour, cfg.CacheTTLFor("github"))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SCHEDULER_MAX_WORKERS", "999")
	t.Setenv("SSE_BATCH_SIZE", "0")
	t.Setenv("REFRESH_LOCK_TTL_SECONDS", "5")
	t.Setenv("BACKUP_TTL_MULTIPLIER", "1000")
	t.Setenv("CACHE_TTL_SECONDS", "github=3600, scholar=60")
	cfg, err := config.Load()
	require.NoError(t, err)
	// Out-of-range values clamp instead of failing.
	assert.Equal(t, 64, cfg.MaxWorkers())
	assert.Equal(t, 1, cfg.BatchSize())
	assert.Equal(t, int64(60), cfg.RefreshLockTTLSeconds())
	assert.Equal(t, int64(365), cfg.BackupMultiplier())
	assert.Equal(t, time.Hour, cfg.CacheTTLFor("github"))
	assert.Equal(t, time.Minute, cfg.CacheTTLFor("scholar"))
	assert.Equal(t, 24*time.Hour, cfg.CacheTTLFor("unknown"))
}

func TestGroupLimits_Parsing(t *testing.T) {
	t.Setenv("CONCURRENCY_GROUP_LIMITS", "llm=2,github_api=5, bad, neg=-1, zero=0")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"llm": 2, "github_api": 5}, cfg.GroupLimits())
}
