package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "dev", cfg.Auth.Mode)
	assert.Equal(t, 50.0, cfg.Planner.SpeedKph)
	assert.Equal(t, time.Second, cfg.GetWebhookPollInterval())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldroute.yaml")
	body := []byte(`
server:
  port: 9090
  shutdown_timeout: 3s
planner:
  speed_kph: 30
  max_parallel: 2
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("PLANNER_MAX_PARALLEL", "8")
	t.Setenv("RATE_RPS", "2.5")
	t.Setenv("AUTH_MODE", " HMAC ")
	t.Setenv("AUTH_HMAC_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, 3*time.Second, cfg.GetShutdownTimeout())
	assert.Equal(t, 30.0, cfg.Planner.SpeedKph)
	assert.Equal(t, 8, cfg.Planner.MaxParallel)
	assert.Equal(t, 2.5, cfg.RateLimit.RPS)
	assert.Equal(t, "hmac", cfg.Auth.Mode)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Auth.Mode = "hmac"
	assert.Error(t, cfg.Validate())
	cfg.Auth.HMACSecret = "x"
	assert.NoError(t, cfg.Validate())

	cfg.Auth.Mode = "saml"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Planner.SpeedKph = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [oops"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.yaml")
	cfg := Default()
	cfg.Server.Port = 7000
	require.NoError(t, cfg.Save(path))
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, back.Server.Port)
	assert.NotContains(t, back.Redacted(), "hmacSecret")
}
