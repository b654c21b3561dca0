package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	cfg := filepath.Join(t.TempDir(), "forge.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("log-level: error\nprefix: shop\n"), 0o644))

	root := rootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--config", cfg))
	require.NoError(t, root.Execute())
	return out.String()
}

func checkout(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "api"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "api", "go.mod"), []byte("module example.com/api\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "web"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web", "package.json"), []byte(`{"dependencies":{"vue":"3"}}`), 0o644))
	return dir
}

func TestDetectCommandPrintsApplications(t *testing.T) {
	out := run(t, "detect", checkout(t))
	assert.Contains(t, out, "SERVICE")
	assert.Contains(t, out, "api")

	out = run(t, "detect", checkout(t), "--json")
	assert.Contains(t, out, `"applications"`)
}

func TestGenerateCommandReadsPrefixFromConfig(t *testing.T) {
	dir := checkout(t)
	out := run(t, "generate", dir)
	assert.Contains(t, out, "api/Dockerfile")
	assert.FileExists(t, filepath.Join(dir, "api", "Dockerfile"))

	compose, err := os.ReadFile(filepath.Join(dir, "docker-compose.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(compose), "shop-api:latest")
}
