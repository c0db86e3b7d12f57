package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 80, cfg.ValidationThreshold)
	assert.Equal(t, 85, cfg.PoolMinScore)
	assert.Equal(t, 50, cfg.IncrementalBatchThreshold)
	assert.Equal(t, 2, cfg.MaxRetriesPerModel)
	assert.Equal(t, 60*time.Second, cfg.LocalTimeout())
	assert.Equal(t, 120*time.Second, cfg.CloudTimeout())
	assert.Equal(t, 60*time.Second, cfg.CheckInterval())
	assert.Equal(t, 8000, cfg.ContextMaxChars.MeetingNotes)
	assert.Equal(t, 12000, cfg.ContextMaxChars.RAG)
	assert.Equal(t, 100, cfg.ContextMaxChars.MinAssembled)
	assert.Equal(t, 16, cfg.HFTraining.LoRARank)
	assert.Equal(t, 8, cfg.HFTraining.GradientAccumulation)
	assert.False(t, cfg.HFTraining.Enabled)
	assert.ElementsMatch(t, []string{"openai", "anthropic", "gemini", "groq"}, cfg.CloudProvidersEnabled)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabrica.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
validation_threshold: 90
persistent_models:
  - ollama:llama3
hf_training:
  enabled: true
  lora_rank: 32
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.ValidationThreshold)
	assert.Equal(t, []string{"ollama:llama3"}, cfg.PersistentModels)
	assert.True(t, cfg.HFTraining.Enabled)
	assert.Equal(t, 32, cfg.HFTraining.LoRARank)
	// Untouched keys keep defaults.
	assert.Equal(t, 85, cfg.PoolMinScore)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FABRICA_VALIDATION_THRESHOLD", "75")
	t.Setenv("FABRICA_CHECK_INTERVAL_S", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.ValidationThreshold)
	assert.Equal(t, 5*time.Second, cfg.CheckInterval())
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabrica.yaml")
	require.NoError(t, os.WriteFile(path, []byte("validation_threshold: 200\n"), 0o644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "validation_threshold")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
