package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "metamap", cfg.AnnotatorPath)
	assert.Equal(t, DefaultAnnotatorOptions, cfg.AnnotatorOptions)
	assert.Equal(t, 0, cfg.PoolSize)
	assert.Equal(t, time.Duration(DefaultPerFileTimeoutSec)*time.Second, cfg.PerFileTimeout)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultInputExt, cfg.InputExt)
	assert.Equal(t, DefaultTaggerPort, cfg.TaggerPort)
	assert.Equal(t, DefaultWSDPort, cfg.WSDPort)
}

func TestLoad_OverridesTakePrecedenceOverDefaults(t *testing.T) {
	cfg, err := Load("", map[string]any{
		"pool.size":                      4,
		"execution.per_file_timeout_sec": 120,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 120*time.Second, cfg.PerFileTimeout)
}

func TestLoad_EnvironmentVariableOverride(t *testing.T) {
	t.Setenv("METAMAPRUN_ANNOTATOR_PATH", "/opt/metamap/bin/metamap")
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "/opt/metamap/bin/metamap", cfg.AnnotatorPath)
}

func TestLoad_MaxAttemptsClampedWhenNonPositive(t *testing.T) {
	cfg, err := Load("", map[string]any{"execution.max_attempts": 0})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)

	cfg, err = Load("", map[string]any{"execution.max_attempts": -1})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
}

func TestLoad_ReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metamaprun.yaml")
	contents := "annotator:\n  path: /usr/local/bin/metamap\npool:\n  size: 8\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/metamap", cfg.AnnotatorPath)
	assert.Equal(t, 8, cfg.PoolSize)
}

func TestLoad_MissingConfigFileIsError(t *testing.T) {
	_, err := Load("/nonexistent/metamaprun.yaml", nil)
	assert.Error(t, err)
}
