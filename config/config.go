// Package config loads the runtime configuration for a beemflow process:
// storage backend, event bus, secrets provider, registry sources, and
// pre-registered MCP servers. It is the ambient configuration layer that
// every other package in the module is wired through.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/beemflowhq/beemflow/logger"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Sample config:
//
//	{
//	  "storage": { "driver": "sqlite", "dsn": ".beemflow/flow.db" },
//	  "event": { "driver": "memory" },
//	  "secrets": { "driver": "env" },
//	  "registries": [ { "type": "local", "path": ".beemflow/registry.json" } ],
//	  "flowsDir": "flows",
//	  "mcpServers": { "github": { "command": "npx", "args": ["-y", "github-mcp-server"] } }
//	}

// RegistryConfig names one registry source in priority order.
// type ∈ {"local", "remote", "smithery"}; "local" uses Path, "remote" uses
// URL, "smithery" uses URL (optional, defaults to registry.smithery.ai) and
// APIKey (falling back to $SMITHERY_API_KEY when unset).
type RegistryConfig struct {
	Type   string `json:"type"`
	URL    string `json:"url,omitempty"`
	Path   string `json:"path,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
}

type Config struct {
	Storage    StorageConfig              `json:"storage"`
	Event      *EventConfig               `json:"event,omitempty"`
	Secrets    *SecretsConfig             `json:"secrets,omitempty"`
	Registries []RegistryConfig           `json:"registries,omitempty"`
	Log        *LogConfig                 `json:"log,omitempty"`
	FlowsDir   string                     `json:"flowsDir,omitempty"`
	MCPServers map[string]MCPServerConfig `json:"mcpServers,omitempty"`
}

type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

const DefaultConfigPath = DefaultConfigDir + "/config.json"

// EventConfig configures the event bus. Supported drivers: "" / "memory"
// (in-process, default). Distributed backends are a non-goal of this
// engine — see DESIGN.md for why the NATS variant was dropped.
type EventConfig struct {
	Driver string `json:"driver,omitempty"`
}

type SecretsConfig struct {
	Driver string `json:"driver,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

type LogConfig struct {
	Level string `json:"level,omitempty"`
}

type MCPServerConfig struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Port      int               `json:"port,omitempty"`
	Transport string            `json:"transport,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty"`
}

// configSchema is intentionally permissive: it only pins down the types of
// fields that would otherwise fail silently (e.g. storage.driver must be a
// string), not every optional field.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "storage": {
      "type": "object",
      "properties": {
        "driver": {"type": "string"},
        "dsn": {"type": "string"}
      }
    },
    "event": {"type": "object"},
    "secrets": {"type": "object"},
    "registries": {"type": "array"},
    "log": {"type": "object"},
    "flowsDir": {"type": "string"},
    "mcpServers": {"type": "object"}
  }
}`

// ValidateConfig validates the config JSON against the embedded schema.
func ValidateConfig(raw []byte) error {
	schema, err := jsonschema.CompileString("flow.config.schema.json", configSchema)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

// LoadConfig loads the JSON config from the given path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Warn("failed to close config file: %v", closeErr)
		}
	}()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(raw); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the config to the given path.
func SaveConfig(path string, cfg *Config) error {
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0644)
}

// DefaultLocalRegistryFullPath is the default path for the user-writable
// local registry file, consulted by the Registry Manager ahead of remote
// and embedded-default sources.
func DefaultLocalRegistryFullPath() string {
	return DefaultLocalRegistryPath
}

// GetMergedMCPServerConfig resolves an mcp_servers entry for host, preferring
// the flow's own declaration over the process-wide config. A flow can pin its
// own command/args/env for a server the global config only names generically.
func GetMergedMCPServerConfig(cfg *Config, flow *MCPServerLookup, host string) (MCPServerConfig, bool) {
	if flow != nil {
		if fc, ok := flow.Servers[host]; ok {
			return fc, true
		}
	}
	if cfg != nil {
		if gc, ok := cfg.MCPServers[host]; ok {
			return gc, true
		}
	}
	return MCPServerConfig{}, false
}

// MCPServerLookup adapts a flow's mcp_servers map for GetMergedMCPServerConfig
// without importing the model package here (config sits below model).
type MCPServerLookup struct {
	Servers map[string]MCPServerConfig
}
