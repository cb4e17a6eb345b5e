package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no ./configs here

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 60*time.Second, cfg.Collect.Interval)
	assert.Equal(t, 100*time.Millisecond, cfg.Collect.CPUSampleInterval)
	assert.Equal(t, 3000.0, cfg.Collect.ExtendedThresholdMs)
	assert.Equal(t, 2, cfg.Database.MaxConns)
	assert.Equal(t, 2*time.Second, cfg.Database.QueryTimeout)
	assert.Equal(t, 5*time.Second, cfg.Database.LongQueryThreshold)
	assert.Equal(t, 30*time.Second, cfg.Database.IdleTxThreshold)
	assert.Equal(t, 300*time.Millisecond, cfg.Probe.InternalTimeout)
	assert.Equal(t, 30*time.Second, cfg.Window.MaxAge)
	assert.Equal(t, 100, cfg.Window.MaxCount)
	assert.True(t, cfg.Targets.TallyAppFDs)
	assert.Empty(t, cfg.Targets.Workers)
	assert.Equal(t, 15, cfg.Targets.FDTop)
	assert.False(t, cfg.SFTP.Enabled)
}

func TestEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HEALTHWATCH_COLLECT_INTERVAL", "15s")
	t.Setenv("HEALTHWATCH_COLLECT_EXTENDED_THRESHOLD_MS", "0")
	t.Setenv("HEALTHWATCH_TARGETS_APP_PATTERN", "python.*bot.py")
	t.Setenv("HEALTHWATCH_DIAGNOSIS_LAG_MS", "75")
	t.Setenv("HEALTHWATCH_TARGETS_WORKERS", "ffmpeg,ffprobe")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"ffmpeg", "ffprobe"}, cfg.Targets.Workers)
	assert.Equal(t, 15*time.Second, cfg.Collect.Interval)
	assert.Zero(t, cfg.Collect.ExtendedThresholdMs)
	assert.Equal(t, "python.*bot.py", cfg.Targets.AppPattern)
	assert.Equal(t, 75.0, cfg.Diagnosis.LagMs)
}

func TestFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
collect:
  interval: 2m
window:
  max_count: 50
probe:
  relay_base: http://127.0.0.1:8081
  direct_base: https://api.example.org
`), 0o644))
	t.Setenv("HEALTHWATCH_WINDOW_MAX_COUNT", "20")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Minute, cfg.Collect.Interval)
	assert.Equal(t, 20, cfg.Window.MaxCount, "environment wins over the file")
	assert.Equal(t, "http://127.0.0.1:8081", cfg.Probe.RelayBase)
}

func TestDefaultConfigDirIsOptionalButParsed(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.Mkdir("configs", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join("configs", "config.yaml"), []byte("server:\n  addr: \":9999\"\n"), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HEALTHWATCH_COLLECT_INTERVAL", "0s")
	t.Setenv("HEALTHWATCH_PROBE_RELAY_BASE", "http://relay")
	t.Setenv("HEALTHWATCH_SFTP_ENABLED", "true")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collect.interval must be positive")
	assert.Contains(t, err.Error(), "must be set together")
	assert.Contains(t, err.Error(), "sftp.addr and sftp.user")
}

func TestValidateResponseTimeout(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HEALTHWATCH_PROBE_RESPONSE_TIMEOUT", "0s")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe.response_timeout must be positive")
}
