package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "./logs", cfg.LogDir)
	require.Equal(t, 5, cfg.TaskMaxTasks)
	require.Equal(t, StorageMemory, cfg.TaskStorageBackend)
	require.Equal(t, 120*time.Second, cfg.ToolTimeout)
	require.Equal(t, 30*time.Second, cfg.BackendTimeout)
	require.Equal(t, 10*time.Second, cfg.EventBusLinger)
	require.Equal(t, 64, cfg.EventBufferSize)
	require.Equal(t, 32, cfg.EventReplayLen)
	require.Equal(t, 5, cfg.ReflectorK)
	require.True(t, cfg.EnableMetrics)
}

func TestLoadReadsSpecNamedEnvironmentVariables(t *testing.T) {
	t.Setenv("LOG_DIR", "/var/log/agentcore")
	t.Setenv("TASK_MAX_TASKS", "9")
	t.Setenv("TASK_STORAGE_BACKEND", "sql")
	t.Setenv("SQL_CONNECTION_STRING", "file:test.db")
	t.Setenv("ENABLE_METRICS", "false")
	t.Setenv("METRICS_PORT", "9191")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/var/log/agentcore", cfg.LogDir)
	require.Equal(t, 9, cfg.TaskMaxTasks)
	require.Equal(t, StorageSQL, cfg.TaskStorageBackend)
	require.Equal(t, "file:test.db", cfg.SQLConnectionString)
	require.False(t, cfg.EnableMetrics)
	require.Equal(t, 9191, cfg.MetricsPort)
}

func TestLoadReadsPrefixedEnvironmentVariables(t *testing.T) {
	t.Setenv("AGENTCORE_NATS_URL", "nats://localhost:4222")
	t.Setenv("AGENTCORE_HTTP_PORT", "8888")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	require.Equal(t, 8888, cfg.HTTPPort)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("TASK_MAX_TASKS", "0")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejectsUnknownStorageBackend(t *testing.T) {
	t.Setenv("TASK_STORAGE_BACKEND", "cassandra")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateRequiresDSNForSQLBackend(t *testing.T) {
	t.Setenv("TASK_STORAGE_BACKEND", "sql")
	_, err := Load()
	require.Error(t, err)
}
