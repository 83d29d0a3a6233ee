package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfigYAML = `
appDataDir: /var/lib/myapp
baseUrl: https://updates.example.com/bundles/app
publicKey: cHVibGljLWtleS1ieXRlcy0zMi1sb25nISEhISEh
shellVersion: 1
`

func TestResolveConfigFromFlag(t *testing.T) {
	orig := configPath
	defer func() { configPath = orig }()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfigYAML), 0o644))
	configPath = path

	cfg, err := resolveConfig()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/myapp", cfg.AppDataDir)
}

func TestResolveConfigFromEnv(t *testing.T) {
	orig := configPath
	defer func() { configPath = orig }()
	configPath = ""

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfigYAML), 0o644))
	t.Setenv("BUNDLE_CONFIG_PATH", path)

	cfg, err := resolveConfig()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/myapp", cfg.AppDataDir)
}

func TestResolveConfigMissingPath(t *testing.T) {
	orig := configPath
	defer func() { configPath = orig }()
	configPath = ""
	t.Setenv("BUNDLE_CONFIG_PATH", "")

	_, err := resolveConfig()
	assert.Error(t, err)
}

func TestResolveConfigNonexistentFile(t *testing.T) {
	orig := configPath
	defer func() { configPath = orig }()
	configPath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := resolveConfig()
	assert.Error(t, err)
}
