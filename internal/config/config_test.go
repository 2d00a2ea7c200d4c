package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Model.Provider)
	assert.Equal(t, 0.60, cfg.Scorer.Threshold)
	assert.Equal(t, 30000, cfg.Sandbox.WallMS)
	assert.Equal(t, 7, cfg.Retention.ScratchDays)
	assert.True(t, cfg.NetworkOff())
	assert.NoError(t, cfg.Validate())
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulsus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
framework_root: /opt/pulsus/framework
workflows_root: /opt/pulsus/workflows
log_root: /opt/pulsus/logs
model:
  provider: gemini
  name: gemini-2.0-flash
  temperature: 0.1
scorer:
  threshold: 0.7
  weights:
    name: 0.5
    doc: 0.3
    history: 0.2
sandbox:
  wall_ms: 5000
  network: on
retention:
  scratch_days: 3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/pulsus/framework", cfg.FrameworkRoot)
	assert.Equal(t, "gemini", cfg.Model.Provider)
	assert.Equal(t, 0.7, cfg.Scorer.Threshold)
	assert.Equal(t, 0.5, cfg.Scorer.Weights.Name)
	assert.Equal(t, 5000, cfg.Sandbox.WallMS)
	assert.False(t, cfg.NetworkOff())
	assert.Equal(t, 3, cfg.Retention.ScratchDays)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PULSUS_MODEL_ENDPOINT", "http://gpu-box:9090/v1")
	t.Setenv("PULSUS_LOG_ROOT", "/var/log/pulsus")
	t.Setenv("PULSUS_SANDBOX_WALL_MS", "1234")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://gpu-box:9090/v1", cfg.Model.Endpoint)
	assert.Equal(t, "/var/log/pulsus", cfg.LogRoot)
	assert.Equal(t, 1234, cfg.Sandbox.WallMS)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.Provider = "mystery"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Scorer.Weights = ScorerWeights{}
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Scorer.Threshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Sandbox.Network = "maybe"
	assert.Error(t, cfg.Validate())
}

func TestScriptRootsDeduplicatesFrameworkRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameworkRoot = "/a"
	cfg.Registry.ScriptRoots = []string{"/a", "/b", ""}

	assert.Equal(t, []string{"/a", "/b"}, cfg.ScriptRoots())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "pulsus.yaml")
	cfg := DefaultConfig()
	cfg.Model.Name = "qwen2.5-coder"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5-coder", loaded.Model.Name)
}
