package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateConfig points the loader at empty user and project scopes so
// only the test's own files and env are visible.
func isolateConfig(t *testing.T) (userDir, workDir string) {
	t.Helper()
	userDir = t.TempDir()
	workDir = t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", userDir)
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(workDir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
	return userDir, workDir
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	isolateConfig(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "generic", cfg.DefaultTool)
	assert.Equal(t, 2.0, cfg.PollInterval)
	assert.Equal(t, 5, cfg.HealthCheckInterval)
	assert.True(t, cfg.ProbeDetection)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 7337, cfg.Server.Port)
	assert.Empty(t, cfg.NATS.URL)
}

func TestLoadPrecedence(t *testing.T) {
	userDir, workDir := isolateConfig(t)

	// User file overrides defaults.
	writeConfig(t, filepath.Join(userDir, "cam", "config.yaml"),
		"default_tool: aider\npoll_interval: 3.5\n")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "aider", cfg.DefaultTool)
	assert.Equal(t, 3.5, cfg.PollInterval)

	// Project file overrides the user file, merging untouched keys.
	writeConfig(t, filepath.Join(workDir, ".cam.yaml"), "default_tool: claude\n")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.DefaultTool)
	assert.Equal(t, 3.5, cfg.PollInterval)

	// Environment overrides both files.
	t.Setenv("CAM_POLL_INTERVAL", "4.5")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 4.5, cfg.PollInterval)

	// Caller overrides win over everything.
	cfg, err = LoadWithOverrides(map[string]any{"poll_interval": 5.5})
	require.NoError(t, err)
	assert.Equal(t, 5.5, cfg.PollInterval)
	assert.Equal(t, "claude", cfg.DefaultTool)
}

func TestProjectConfigFoundInParentDir(t *testing.T) {
	_, workDir := isolateConfig(t)

	writeConfig(t, filepath.Join(workDir, ".cam.yaml"), "default_tool: codex\n")
	nested := filepath.Join(workDir, "src", "pkg")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.Chdir(nested))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "codex", cfg.DefaultTool)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	isolateConfig(t)

	_, err := LoadWithOverrides(map[string]any{"poll_interval": -1.0})
	assert.Error(t, err)

	_, err = LoadWithOverrides(map[string]any{"default_timeout": "5w"})
	assert.Error(t, err)

	_, err = LoadWithOverrides(map[string]any{"logging.level": "loud"})
	assert.Error(t, err)

	_, err = LoadWithOverrides(map[string]any{"server.port": 70000})
	assert.Error(t, err)
}
