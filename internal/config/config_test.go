package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

const validYAML = `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
engine:
  http_concurrency: 10
  browser_concurrency: 2
  max_steps_per_tick: 5
  owner_rpm: 30
  hourly_variance: 0.3
  timezone: Europe/Paris
  instance_name: pacer-a
proxy:
  countries:
    us: http://us.proxy:8080
    De: http://de.proxy:8080
browser:
  executor_url: http://browser:3000/visit
  challenge_signatures:
    - name: custom
      title: ["Hold tight"]
failure:
  http_threshold: 3
logging:
  development: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, 10, cfg.Engine.HTTPConcurrency)
	assert.Equal(t, 2, cfg.Engine.BrowserConcurrency)
	assert.InDelta(t, 0.3, cfg.Engine.HourlyVariance, 1e-9)
	assert.Equal(t, "pacer-a", cfg.Engine.InstanceName)
	assert.Equal(t, 1, cfg.Engine.OwnerBurst)
	assert.Equal(t, 45*time.Second, cfg.Engine.VisitTimeout)
	assert.Equal(t, map[string]string{"US": "http://us.proxy:8080", "DE": "http://de.proxy:8080"}, cfg.Proxy.Countries)
	require.Len(t, cfg.Browser.ChallengeSignatures, 1)
	assert.Equal(t, []string{"Hold tight"}, cfg.Browser.ChallengeSignatures[0].Title)

	policy := cfg.FailurePolicy()
	assert.Equal(t, 3, policy.HTTPThreshold)
	assert.Equal(t, 5, policy.BrowserThreshold)
	assert.Equal(t, 6*time.Hour, policy.Cooldown)
}

func TestLoadMissingEngineLimits(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "server:\n  port: 8080\nengine:\n  http_concurrency: 4\n"))
	require.ErrorIs(t, err, pacer.ErrConfiguration)
	assert.Contains(t, err.Error(), "engine.owner_rpm")
	assert.Contains(t, err.Error(), "engine.hourly_variance")
}

func TestValidateRejectsBadEngineValues(t *testing.T) {
	t.Parallel()

	base, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "variance", mutate: func(c *Config) { c.Engine.HourlyVariance = 0.95 }},
		{name: "http pool", mutate: func(c *Config) { c.Engine.HTTPConcurrency = 0 }},
		{name: "rpm", mutate: func(c *Config) { c.Engine.OwnerRPM = -1 }},
		{name: "lease shorter than visit", mutate: func(c *Config) { c.Engine.LeaseTTL = c.Engine.VisitTimeout }},
		{name: "timezone", mutate: func(c *Config) { c.Engine.Timezone = "Mars/Olympus" }},
		{name: "auth key", mutate: func(c *Config) { c.Auth.APIKey = "" }},
		{name: "backend", mutate: func(c *Config) { c.Storage.Backend = "sqlite" }},
		{name: "postgres dsn", mutate: func(c *Config) { c.Storage.Backend = "postgres" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), pacer.ErrConfiguration)
		})
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("TRAFFICPACER_ENGINE_HTTP_CONCURRENCY", "7")
	t.Setenv("TRAFFICPACER_ENGINE_BROWSER_CONCURRENCY", "1")
	t.Setenv("TRAFFICPACER_ENGINE_MAX_STEPS_PER_TICK", "3")
	t.Setenv("TRAFFICPACER_ENGINE_OWNER_RPM", "12")
	t.Setenv("TRAFFICPACER_ENGINE_HOURLY_VARIANCE", "0")
	t.Setenv("TRAFFICPACER_SERVER_PORT", "9999")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Engine.HTTPConcurrency)
	assert.Equal(t, 12, cfg.Engine.OwnerRPM)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "UTC", cfg.Engine.Timezone)
	assert.NotEmpty(t, cfg.Engine.InstanceName)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, pacer.ErrConfiguration)
}
