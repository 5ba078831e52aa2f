package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := &Config{
		Storage:  StorageConfig{Driver: "sqlite", DSN: "flow.db"},
		Event:    &EventConfig{Driver: "memory"},
		Secrets:  &SecretsConfig{Driver: "env"},
		FlowsDir: "flows",
		MCPServers: map[string]MCPServerConfig{
			"github": {Command: "npx", Args: []string{"-y", "github-mcp-server"}},
		},
	}
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", loaded.Storage.Driver)
	assert.Equal(t, "flow.db", loaded.Storage.DSN)
	assert.Equal(t, "memory", loaded.Event.Driver)
	assert.Equal(t, "npx", loaded.MCPServers["github"].Command)
}

func TestLoadConfig_FileNotExist(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_SchemaRejectsWrongType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"driver":123}}`), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestGetMergedMCPServerConfig_FlowTakesPrecedence(t *testing.T) {
	cfg := &Config{MCPServers: map[string]MCPServerConfig{
		"github": {Command: "global-cmd"},
	}}
	flow := &MCPServerLookup{Servers: map[string]MCPServerConfig{
		"github": {Command: "flow-cmd"},
	}}
	got, ok := GetMergedMCPServerConfig(cfg, flow, "github")
	require.True(t, ok)
	assert.Equal(t, "flow-cmd", got.Command)
}

func TestGetMergedMCPServerConfig_FallsBackToGlobal(t *testing.T) {
	cfg := &Config{MCPServers: map[string]MCPServerConfig{
		"github": {Command: "global-cmd"},
	}}
	got, ok := GetMergedMCPServerConfig(cfg, nil, "github")
	require.True(t, ok)
	assert.Equal(t, "global-cmd", got.Command)
}

func TestGetMergedMCPServerConfig_MissingHost(t *testing.T) {
	_, ok := GetMergedMCPServerConfig(&Config{}, nil, "nope")
	assert.False(t, ok)
}

func TestDefaultLocalRegistryFullPath(t *testing.T) {
	assert.Equal(t, DefaultLocalRegistryPath, DefaultLocalRegistryFullPath())
}
