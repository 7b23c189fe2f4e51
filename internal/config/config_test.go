package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BackendPostgres, cfg.StorageBackend)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 10, cfg.RecentUnlocksLimit)
	assert.Equal(t, 5*time.Minute, cfg.LeaderboardRefresh)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.False(t, cfg.S3.Enabled())
	assert.Equal(t, "host=localhost port=5432 user=moments_user password=moments_password dbname=moments sslmode=disable", cfg.Postgres.DSN())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORAGE_BACKEND", "Mongo")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("STORAGE_TIMEOUT", "750ms")
	t.Setenv("ALLOWED_ORIGINS", "https://moments.app, https://admin.moments.app ,")
	t.Setenv("S3_BUCKET", "leaderboards")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, BackendMongo, cfg.StorageBackend)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 750*time.Millisecond, cfg.StorageTimeout)
	assert.Equal(t, []string{"https://moments.app", "https://admin.moments.app"}, cfg.AllowedOrigins)
	assert.True(t, cfg.S3.Enabled())
}

func TestFromEnvReportsEveryProblem(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STORAGE_BACKEND", "sqlite")
	t.Setenv("MAX_RETRIES", "many")
	t.Setenv("RECENT_UNLOCKS_LIMIT", "0")
	t.Setenv("LEADERBOARD_REFRESH", "soon")

	_, err := FromEnv()
	require.Error(t, err)
	for _, want := range []string{"JWT_SECRET", "STORAGE_BACKEND", "MAX_RETRIES", "RECENT_UNLOCKS_LIMIT", "LEADERBOARD_REFRESH"} {
		assert.Contains(t, err.Error(), want)
	}
}
