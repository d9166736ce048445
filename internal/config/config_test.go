package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.RedisURL)
	assert.Equal(t, "analysis-jobs", cfg.StreamName)
	assert.Equal(t, "analysis-workers", cfg.ConsumerGroup)
	assert.Equal(t, int64(100), cfg.MaxBacklog)
	assert.Equal(t, "geowatch", cfg.DBName)
	assert.Equal(t, "analysis_jobs", cfg.JobTableName)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 15*time.Minute, cfg.JobTimeout)
	assert.Equal(t, 5, cfg.ReportMaxAttempts)
	assert.Equal(t, 2*time.Hour, cfg.StaleJobTimeout)
	assert.Equal(t, 30, cfg.RecencyDays)
	assert.Equal(t, 90, cfg.BaselineOffsetDays)
	assert.Equal(t, 30, cfg.ToleranceDays)
	assert.Equal(t, "file", cfg.ArtifactBackend)
	assert.Empty(t, cfg.ServiceToken)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WORKER_COUNT", "9")
	t.Setenv("SERVICE_TOKEN", "env-token")
	t.Setenv("JOB_TIMEOUT", "3m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.WorkerCount)
	assert.Equal(t, "env-token", cfg.ServiceToken)
	assert.Equal(t, 3*time.Minute, cfg.JobTimeout)
}
