package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp isolates Load from any .env or config.yaml in the package dir.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Server.Addr)
	assert.Equal(t, 0.987, cfg.Classifier.AttackThreshold)
	assert.Equal(t, 0.4, cfg.Classifier.UncertainBelow)
	assert.Equal(t, 300*time.Second, cfg.Rate.Retention)
	assert.Equal(t, 1024, cfg.Persistence.QueueSize)
	assert.Equal(t, 8, cfg.Replay.RepeatThreshold)
	assert.Equal(t, "open", cfg.Scorer.FailurePolicy)
	assert.True(t, cfg.Threat.AutoRegister)
	assert.Equal(t, filepath.Join("artifacts_iot_model", "model.json"), cfg.Artifacts.ModelPath)
	assert.Equal(t, filepath.Join("artifacts_iot_model", "feature_order.json"), cfg.Artifacts.FeatureOrderPath)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ATTACK_THRESHOLD", "0.9")
	t.Setenv("REPLAY_WINDOW", "10s")
	t.Setenv("QUEUE_SIZE", "16")
	t.Setenv("SCORER_FAILURE_POLICY", "Closed")
	t.Setenv("AUTO_REGISTER", "false")
	t.Setenv("MODEL_PATH", "/models/m.json")
	t.Setenv("UNRELATED_VARIABLE", "ignored")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.9, cfg.Classifier.AttackThreshold)
	assert.Equal(t, 10*time.Second, cfg.Replay.Window)
	assert.Equal(t, 16, cfg.Persistence.QueueSize)
	assert.Equal(t, "closed", cfg.Scorer.FailurePolicy)
	assert.False(t, cfg.Threat.AutoRegister)
	assert.Equal(t, "/models/m.json", cfg.Artifacts.ModelPath)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":8080\"\nreplay:\n  repeat_threshold: 3\n"), 0o644))
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("HTTP_ADDR", ":9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Replay.RepeatThreshold)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MAX_BATCH=64\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("MAX_BATCH") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Persistence.MaxBatch)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaultConfig()
	cfg.applyDerived()
	require.NoError(t, cfg.Validate())

	cfg.Classifier.AttackThreshold = 1.5
	cfg.Persistence.QueueSize = 0
	cfg.Scorer.FailurePolicy = "maybe"
	cfg.Replay.Window = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, key := range []string{"ATTACK_THRESHOLD", "QUEUE_SIZE", "SCORER_FAILURE_POLICY", "REPLAY_WINDOW"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestValidateRemoteNeedsURL(t *testing.T) {
	cfg := defaultConfig()
	cfg.applyDerived()
	cfg.Scorer.Mode = "remote"
	cfg.Scorer.URL = ""
	assert.ErrorContains(t, cfg.Validate(), "SCORER_URL")
}
