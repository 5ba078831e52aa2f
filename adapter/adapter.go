package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/beemflowhq/beemflow/logger"
	"github.com/beemflowhq/beemflow/registry"
	"github.com/beemflowhq/beemflow/secrets"
)

// Adapter is the interface for all BeemFlow adapters. Implement this to add new tool integrations.
type Adapter interface {
	ID() string
	Execute(ctx context.Context, inputs map[string]any) (map[string]any, error)
	Manifest() *registry.ToolManifest
}

// Registry holds registered adapters and provides lookup and registration methods.
// On a miss, Get consults registryMgr (if set) and lazily registers an
// HTTPAdapter from the resolved manifest, so a flow never has to pre-declare
// every tool it uses.
type Registry struct {
	adapters    map[string]Adapter
	registryMgr *registry.RegistryManager
	secrets     secrets.Provider
}

// NewRegistry creates a new adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// WithRegistryManager attaches a RegistryManager consulted on cache miss.
func (r *Registry) WithRegistryManager(mgr *registry.RegistryManager) *Registry {
	r.registryMgr = mgr
	return r
}

// WithSecrets attaches the secrets Provider that lazily-constructed
// HTTPAdapters use to expand "$env:NAME" tokens in their endpoint/headers.
func (r *Registry) WithSecrets(p secrets.Provider) *Registry {
	r.secrets = p
	return r
}

// Register registers an adapter with the registry.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.ID()] = a
}

// Get retrieves a registered adapter by ID. Built-in adapters (core, mcp)
// register under a bare prefix and dispatch on the full dotted id themselves
// via inputs["__use"] (see dispatchUse), so a dotted id ("core.echo") falls
// back to its prefix ("core") before consulting the RegistryManager for a
// registry-backed tool id (e.g. "slack.postMessage").
func (r *Registry) Get(id string) (Adapter, bool) {
	if a, ok := r.adapters[id]; ok {
		return a, true
	}
	if strings.HasPrefix(id, "mcp://") {
		if a, ok := r.adapters["mcp"]; ok {
			return a, true
		}
	} else if prefix, _, found := strings.Cut(id, "."); found {
		if a, ok := r.adapters[prefix]; ok {
			return a, true
		}
	}
	if r.registryMgr == nil {
		return nil, false
	}
	entry, err := r.registryMgr.GetServer(context.Background(), id)
	if err != nil || entry == nil || entry.Type != "tool" {
		return nil, false
	}
	manifest := &registry.ToolManifest{
		Name:        entry.Name,
		Description: entry.Description,
		Kind:        entry.Kind,
		Method:      entry.Method,
		Parameters:  entry.Parameters,
		Endpoint:    entry.Endpoint,
		Headers:     entry.Headers,
	}
	a := &HTTPAdapter{AdapterID: id, ToolManifest: manifest, Secrets: r.secrets}
	r.Register(a)
	return a, true
}

// appendToLocalRegistry writes entry to the JSON registry file at path,
// replacing any existing entry with the same name. Nothing in this package
// calls it.
func appendToLocalRegistry(entry registry.RegistryEntry, path string) error {
	var entries []registry.RegistryEntry
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &entries); err != nil {
			// If existing file is corrupted, log error but continue with empty entries
			// This allows recovery from corrupted registry files
			logger.Warn("Corrupted registry file %s, starting fresh: %v", path, err)
			entries = []registry.RegistryEntry{}
		}
	}
	// Remove any existing entry with the same name
	newEntries := []registry.RegistryEntry{}
	for _, e := range entries {
		if e.Name != entry.Name {
			newEntries = append(newEntries, e)
		}
	}
	newEntries = append(newEntries, entry)
	out, err := json.MarshalIndent(newEntries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry entries: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return err
	}
	// Reload entries to verify
	verifyData, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var verifyEntries []registry.RegistryEntry
	if err := json.Unmarshal(verifyData, &verifyEntries); err != nil {
		return fmt.Errorf("failed to unmarshal registry entries after write: %w", err)
	}
	return nil
}

// LoadAndRegisterTool loads a tool manifest from a local directory and registers an HTTPAdapter.
//
// The registration lasts only for this Registry: the tool is not written to
// any registry file.
func (r *Registry) LoadAndRegisterTool(name, manifestPath string) error {
	if _, exists := r.adapters[name]; exists {
		return nil
	}
	// Read the manifest file directly
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	var manifest registry.ToolManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return err
	}
	r.Register(&HTTPAdapter{AdapterID: name, ToolManifest: &manifest, Secrets: r.secrets})
	return nil
}

// CloseAll closes all adapters that implement io.Closer.
func (r *Registry) CloseAll() error {
	var firstErr error
	for _, a := range r.adapters {
		if closer, ok := a.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}
