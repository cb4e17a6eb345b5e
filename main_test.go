package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"healthwatch/collector"
	"healthwatch/config"
	"healthwatch/diagnosis"
	"healthwatch/storage"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	c, err := config.Load("")
	require.NoError(t, err)
	return c
}

func names(entries []collector.Entry) map[string]bool {
	out := map[string]bool{}
	for _, e := range entries {
		out[e.Collector.Name()] = e.ExtendedOnly
	}
	return out
}

func TestBuildEntriesMinimal(t *testing.T) {
	c := loadTestConfig(t)
	entries, db, err := buildEntries(c, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, db)
	assert.Equal(t, map[string]bool{"system": false, "processes": true}, names(entries))
}

func TestBuildEntriesFull(t *testing.T) {
	t.Setenv("HEALTHWATCH_TARGETS_APP_PATTERN", "bot\\.py")
	t.Setenv("HEALTHWATCH_TARGETS_RELAY_PATTERN", "telegram-bot-api")
	t.Setenv("HEALTHWATCH_TARGETS_WORKERS", "ffmpeg,ffprobe")
	t.Setenv("HEALTHWATCH_DATABASE_DSN", "postgres://u:p@127.0.0.1:5432/app?sslmode=disable")
	t.Setenv("HEALTHWATCH_PROBE_INTERNAL_URL", "http://127.0.0.1:9000/internal/metrics")
	t.Setenv("HEALTHWATCH_PROBE_RESPONSE_URL", "http://127.0.0.1:9000/ping")
	t.Setenv("HEALTHWATCH_PROBE_RELAY_BASE", "http://127.0.0.1:8081")
	t.Setenv("HEALTHWATCH_PROBE_DIRECT_BASE", "https://api.example.org")
	c := loadTestConfig(t)

	entries, db, err := buildEntries(c, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, db, "sql.Open does not connect, so no server is needed")
	defer db.Close()

	assert.Equal(t, map[string]bool{
		"system":        false,
		"process_app":   false,
		"process_relay": false,
		"processes":     false,
		"database":      false,
		"internal":      false,
		"response":      false,
		"latency":       true,
	}, names(entries))
}

func TestBuildEntriesBadPattern(t *testing.T) {
	t.Setenv("HEALTHWATCH_TARGETS_APP_PATTERN", "(")
	c := loadTestConfig(t)
	_, _, err := buildEntries(c, zap.NewNop())
	assert.Error(t, err)
}

func TestThresholdsFromConfig(t *testing.T) {
	t.Setenv("HEALTHWATCH_DIAGNOSIS_LAG_MS", "80")
	t.Setenv("HEALTHWATCH_DIAGNOSIS_TREND_SAMPLES", "8")
	c := loadTestConfig(t)

	th := thresholds(c.Diagnosis)
	assert.Equal(t, 80.0, th.LagMs)
	assert.Equal(t, 8, th.TrendSamples)
	assert.Equal(t, diagnosis.DefaultThresholds().DiskCriticalPercent, th.DiskCriticalPercent)
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "hw.db")
	t.Setenv("HEALTHWATCH_HISTORY_DB_PATH", dbPath)
	t.Chdir(dir)

	store, err := storage.NewSQLite(dbPath, zap.NewNop())
	require.NoError(t, err)
	r := &diagnosis.Report{
		CycleID:  "cycle-42",
		Trigger:  diagnosis.TriggerTick,
		Sample:   collector.NewSample(time.Now().Add(-time.Minute), false, collector.Fragment{"cpu_percent": collector.Num(3)}),
		Findings: []diagnosis.Finding{{Severity: diagnosis.SeverityWarning, Code: "disk_bound"}},
	}
	require.NoError(t, store.Save(context.Background(), r))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"history", "--limit", "5", "--log-level", "error"})
	require.NoError(t, rootCmd.Execute())

	text := out.String()
	assert.Contains(t, text, "CYCLE")
	assert.Contains(t, text, "cycle-42")
	assert.Contains(t, text, "warning")
	assert.Contains(t, text, "disk_bound")
	assert.Contains(t, text, "ago")
}
