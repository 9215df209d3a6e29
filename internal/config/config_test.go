package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsFromEnvOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Address)
	require.Equal(t, "disabled", cfg.Auth.Mode)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.Equal(t, "default", cfg.Tenant.DefaultID)
	require.Equal(t, 10, cfg.Timetrack.LateToleranceMinutes)
	require.Equal(t, 120, cfg.Timetrack.MaxOvertimeMinutes)
	require.Equal(t, 660, cfg.Timetrack.MinRestMinutes)
	require.Equal(t, time.Minute, cfg.Dashboard.CacheTTL())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "medstaff.yaml", `
server:
  address: ":9090"
storage:
  driver: sqlite
auth:
  mode: jwt
  secret: "0123456789abcdef0123"
timetrack:
  late_tolerance_minutes: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Address)
	require.Equal(t, "jwt", cfg.Auth.Mode)
	require.Equal(t, 5, cfg.Timetrack.LateToleranceMinutes)
	require.Equal(t, filepath.Join(filepath.Dir(path), "data", "medstaff.db"), cfg.Storage.DSN)
}

func TestLoadJSONWithEnvOverride(t *testing.T) {
	path := writeFile(t, "medstaff.json", `{"server":{"address":":7000"},"queue":{"driver":"memory"}}`)
	t.Setenv("MEDSTAFF_SERVER_ADDRESS", ":7100")
	t.Setenv("MEDSTAFF_LOG_LEVEL", "debug")
	t.Setenv("MEDSTAFF_NOTIFY_WEBHOOK_URL", "http://hooks.local/notify")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7100", cfg.Server.Address)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "http://hooks.local/notify", cfg.Notify.Webhook.URL)
}

func TestValidateRejectsBadCombinations(t *testing.T) {
	path := writeFile(t, "bad.json", `{"auth":{"mode":"jwt","secret":"short"},"storage":{"driver":"postgres"},"queue":{"driver":"rabbitmq"}}`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "auth.secret")
	require.Contains(t, err.Error(), "storage.dsn")
	require.Contains(t, err.Error(), "rabbitmq_url")
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeFile(t, "medstaff.toml", `x = 1`)
	_, err := Load(path)
	require.Error(t, err)
}
