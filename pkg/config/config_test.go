package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "local", cfg.Backend.Kind)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, 480*time.Minute, cfg.Pipeline.MaxDuration)
	assert.Equal(t, []string{"mi-transcribe"}, cfg.Backend.Local.TranscribeCmd)
	assert.Equal(t, "media.process.cmd", cfg.Queue.CommandQueue)
	assert.Equal(t, "auto", cfg.Secrets.Backend)
	assert.True(t, cfg.Secrets.FallbackToEnv)

	p := cfg.Pipeline.Retry.Policy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 2, p.QuotaMaxAttempts)
	assert.Equal(t, 4*time.Second, p.BaseDelay)
	assert.Equal(t, 60*time.Second, p.MaxDelay)
	assert.InDelta(t, 0.009, cfg.Backend.Cloud.Rates.SpeechEnhancedPer15s, 1e-12)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	dir := inTempDir(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  kind: cloud
  cloud:
    concurrency: 8
    diarize_url: http://diarizer:9000
pipeline:
  concurrent_analysis: true
  retry:
    max_attempts: 5
`), 0o644))
	t.Setenv("MEDIA_SERVER_ADDRESS", ":9999")
	t.Setenv("MEDIA_PIPELINE_RETRY_BASE_DELAY", "1s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cloud", cfg.Backend.Kind)
	assert.Equal(t, 8, cfg.Pipeline.Workers, "cloud worker count follows the service concurrency")
	assert.Equal(t, "http://diarizer:9000", cfg.Backend.Cloud.DiarizeURL)
	assert.True(t, cfg.Pipeline.ConcurrentAnalysis)
	assert.Equal(t, 5, cfg.Pipeline.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Pipeline.Retry.BaseDelay)
	assert.Equal(t, ":9999", cfg.Server.Address)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MEDIA_LOG_LEVEL=debug\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("MEDIA_LOG_LEVEL") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Rejects(t *testing.T) {
	inTempDir(t)

	t.Setenv("MEDIA_BACKEND_KIND", "gpu-farm")
	_, err := Load("")
	assert.ErrorContains(t, err, "backend.kind")

	t.Setenv("MEDIA_BACKEND_KIND", "local")
	t.Setenv("MEDIA_SECRETS_BACKEND", "gcp-kms")
	_, err = Load("")
	assert.ErrorContains(t, err, "secrets.backend")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_ConfineRoots(t *testing.T) {
	inTempDir(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Storage.ArtifactRoot)

	cfg.ConfineRoots()
	assert.Equal(t, "./audio", cfg.Backend.Local.InputRoot)
	assert.Equal(t, "./artifacts", cfg.Storage.ArtifactRoot)

	t.Setenv("MEDIA_STORAGE_ARTIFACT_ROOT", "/srv/results")
	cfg, err = Load("")
	require.NoError(t, err)
	cfg.ConfineRoots()
	assert.Equal(t, "/srv/results", cfg.Storage.ArtifactRoot)
}

func TestLogConfig_NewLogger(t *testing.T) {
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	_, err = LogConfig{Level: "loud"}.NewLogger()
	assert.Error(t, err)
}
