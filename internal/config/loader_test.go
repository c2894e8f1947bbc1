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
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 50000, cfg.Map.MaxFiles)
	assert.Equal(t, "artifacts", cfg.Artifacts.Root)
	assert.Equal(t, 90*time.Second, cfg.Dispatch.LivenessWindow)
	assert.False(t, cfg.Store.Strict)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskmill.yaml")
	doc := `
server:
  host: 0.0.0.0
  port: 9090
map:
  roots: ["/repo"]
  max_files: 1000
artifacts:
  root: /var/lib/taskmill/artifacts
  strict: true
store:
  path: /var/lib/taskmill/map.db
  strict: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"/repo"}, cfg.Map.Roots)
	assert.Equal(t, 1000, cfg.Map.MaxFiles)
	assert.True(t, cfg.Artifacts.Strict)
	assert.True(t, cfg.Store.Strict)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TASKMILL_SERVER_PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoad_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskmill.yaml")
	require.NoError(t, os.WriteFile(path, []byte("map:\n  max_files: -1\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_files")
}

func TestLoad_MissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
