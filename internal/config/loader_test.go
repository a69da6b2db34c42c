package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9000
  shutdown_timeout: 30s
logging:
  level: debug
detection:
  min_match_ratio: 0.7
  extra_cues:
    - knocked out
redaction:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 0.7, cfg.Detection.MinMatchRatio)
	assert.Equal(t, []string{"knocked out"}, cfg.Detection.ExtraCues)
	// An explicit false survives the default-true overlay.
	assert.False(t, cfg.Redaction.Enabled)
	// Untouched sections keep their defaults.
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 12, cfg.Detection.MaxArbitrations)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")

	t.Setenv("TASKWISE_SERVER__PORT", "7777")
	t.Setenv("TASKWISE_DETECTION__MIN_MATCH_RATIO", "0.8")
	t.Setenv("TASKWISE_DETECTION__EXTRA_CUES", "signed off,pushed through")
	t.Setenv("TASKWISE_CLASSIFIER__PROVIDER", "anthropic")
	t.Setenv("TASKWISE_CLASSIFIER__API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 0.8, cfg.Detection.MinMatchRatio)
	assert.Equal(t, []string{"signed off", "pushed through"}, cfg.Detection.ExtraCues)
	assert.Equal(t, "anthropic", cfg.Classifier.Provider)
	assert.Equal(t, "sk-test", cfg.Classifier.APIKey.Value())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8275, cfg.Server.Port)
	assert.True(t, cfg.Redaction.Enabled)
	assert.Equal(t, "none", cfg.Embeddings.Provider)
}

func TestLoadRejectsWorldReadableFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 99999\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not: a map\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestEnvKeyMapping(t *testing.T) {
	tests := []struct{ in, want string }{
		{"TASKWISE_SERVER__PORT", "server.port"},
		{"TASKWISE_DETECTION__MIN_MATCH_RATIO", "detection.min_match_ratio"},
		{"TASKWISE_TELEMETRY__SAMPLE_RATE", "telemetry.sample_rate"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, envKey(tt.in))
	}
}
