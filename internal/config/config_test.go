package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv isolates a test from variables set in the developer's shell or CI
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "SQLITE_DATABASE", "POLL_INTERVAL", "RETENTION_HOURS", "STATIC_WINDOW_MIN",
		"RT_WINDOW_MIN", "FALLBACK_MAX_DEVIATION_SEC", "AGENCY_TIMEZONE", "GTFS_STATIC_URL",
		"GTFS_ZIP_PATH", "GTFS_TRIP_UPDATES_URL", "GTFS_VEHICLE_POSITIONS_URL", "STATIC_REFRESH_DAYS",
		"HTTP_ADDR", "METRICS_ADDR", "NATS_URL", "NATS_SUBJECT_PREFIX", "CORS_ORIGINS",
	} {
		t.Setenv(key, "")
	}
	// godotenv reads .env from the working directory
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 90*time.Minute, cfg.StaticWindow)
	assert.Equal(t, 90*time.Minute, cfg.RealtimeWindow)
	assert.Equal(t, 300*time.Second, cfg.FallbackMaxDeviation)
	assert.Equal(t, time.Hour, cfg.RetentionDuration)
	assert.Equal(t, 7, cfg.StaticRefreshDays)
	assert.Equal(t, "Europe/Madrid", cfg.AgencyTimezone)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("POLL_INTERVAL", "15")
	t.Setenv("RT_WINDOW_MIN", "45")
	t.Setenv("FALLBACK_MAX_DEVIATION_SEC", "120")
	t.Setenv("RETENTION_HOURS", "6")
	t.Setenv("SQLITE_DATABASE", "/tmp/x.db")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("AGENCY_TIMEZONE", "UTC")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 45*time.Minute, cfg.RealtimeWindow)
	assert.Equal(t, 120*time.Second, cfg.FallbackMaxDeviation)
	assert.Equal(t, 6*time.Hour, cfg.RetentionDuration)
	assert.Equal(t, "/tmp/x.db", cfg.DatabasePath)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_YAMLOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
poll_interval: 10s
static_window: 2h
nats_subject_prefix: rodalies.vehicles
agency_timezone: UTC
`), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("POLL_INTERVAL", "20")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.PollInterval, "env wins over file")
	assert.Equal(t, 2*time.Hour, cfg.StaticWindow)
	assert.Equal(t, "rodalies.vehicles", cfg.NATSSubjectPrefix)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"non-numeric interval", map[string]string{"POLL_INTERVAL": "fast"}},
		{"zero interval", map[string]string{"POLL_INTERVAL": "0"}},
		{"bad url", map[string]string{"GTFS_TRIP_UPDATES_URL": "not a url"}},
		{"unknown timezone", map[string]string{"AGENCY_TIMEZONE": "Mars/Olympus"}},
		{"missing config file", map[string]string{"CONFIG_FILE": "/nonexistent/config.yml"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
