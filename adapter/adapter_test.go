package adapter

import (
	"context"
	"reflect"
	"testing"

	"github.com/beemflowhq/beemflow/registry"
)

func TestRegistry_Get_ExactMatch(t *testing.T) {
	r := NewRegistry()
	core := &CoreAdapter{}
	r.Register(core)
	got, ok := r.Get("core")
	if !ok || got != core {
		t.Fatalf("Get(core) = %v, %v, want the registered CoreAdapter", got, ok)
	}
}

// A dotted step.Use like "core.echo" must resolve to the adapter registered
// under its prefix ("core"); CoreAdapter dispatches the dotted operation
// itself via inputs["__use"].
func TestRegistry_Get_DottedFallsBackToPrefix(t *testing.T) {
	r := NewRegistry()
	core := &CoreAdapter{}
	r.Register(core)

	for _, id := range []string{"core.echo", "core.log"} {
		got, ok := r.Get(id)
		if !ok || got != core {
			t.Errorf("Get(%q) = %v, %v, want the CoreAdapter registered under %q", id, got, ok, "core")
		}
	}
}

// An "mcp://host/tool" identifier resolves to the adapter registered under
// the bare "mcp" id, regardless of dots inside the host or tool name.
func TestRegistry_Get_MCPScheme(t *testing.T) {
	r := NewRegistry()
	mcpAdapter := &stubAdapter{id: "mcp"}
	r.Register(mcpAdapter)

	got, ok := r.Get("mcp://my.host/some.tool")
	if !ok || got != mcpAdapter {
		t.Fatalf("Get(mcp://...) = %v, %v, want the adapter registered under %q", got, ok, "mcp")
	}
}

func TestRegistry_Get_Miss(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("nonexistent.tool"); ok {
		t.Error("Get() on an empty registry with no RegistryManager should miss")
	}
}

// A lazily-constructed HTTPAdapter (registry-resolved miss) must carry the
// Registry's attached secrets.Provider, so $env: headers/endpoints it
// declares can actually be expanded at dispatch time.
func TestRegistry_Get_WiresSecretsIntoLazyHTTPAdapter(t *testing.T) {
	mgr := registry.NewRegistryManager(stubMCPRegistry{
		entry: &registry.RegistryEntry{Type: "tool", Name: "widgets.get", Endpoint: "https://example.com"},
	})
	secretsProvider := stubAdapterSecrets{"TOKEN": "abc"}
	r := NewRegistry().WithRegistryManager(mgr).WithSecrets(secretsProvider)

	got, ok := r.Get("widgets.get")
	if !ok {
		t.Fatal("expected Get to resolve via the RegistryManager")
	}
	httpAdapter, ok := got.(*HTTPAdapter)
	if !ok {
		t.Fatalf("got adapter of type %T, want *HTTPAdapter", got)
	}
	if got, isStub := httpAdapter.Secrets.(stubAdapterSecrets); !isStub || reflect.ValueOf(got).Pointer() != reflect.ValueOf(secretsProvider).Pointer() {
		t.Error("lazily-constructed HTTPAdapter did not inherit the Registry's secrets.Provider")
	}
}

type stubMCPRegistry struct{ entry *registry.RegistryEntry }

func (s stubMCPRegistry) ListServers(ctx context.Context, opts registry.ListOptions) ([]registry.RegistryEntry, error) {
	return []registry.RegistryEntry{*s.entry}, nil
}

func (s stubMCPRegistry) GetServer(ctx context.Context, name string) (*registry.RegistryEntry, error) {
	if s.entry.Name == name {
		return s.entry, nil
	}
	return nil, nil
}

type stubAdapterSecrets map[string]string

func (s stubAdapterSecrets) GetSecret(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

func (s stubAdapterSecrets) All() map[string]string { return s }

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	c := &closingStubAdapter{}
	r.Register(c)
	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll failed: %v", err)
	}
	if !c.closed {
		t.Error("CloseAll did not close an io.Closer adapter")
	}
}

type stubAdapter struct{ id string }

func (s *stubAdapter) ID() string { return s.id }
func (s *stubAdapter) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return inputs, nil
}
func (s *stubAdapter) Manifest() *registry.ToolManifest { return nil }

type closingStubAdapter struct{ closed bool }

func (c *closingStubAdapter) ID() string { return "closer" }
func (c *closingStubAdapter) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return inputs, nil
}
func (c *closingStubAdapter) Manifest() *registry.ToolManifest { return nil }
func (c *closingStubAdapter) Close() error                { c.closed = true; return nil }
