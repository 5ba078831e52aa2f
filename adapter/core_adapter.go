package adapter

import (
	"context"
	"fmt"
	"os"

	"github.com/beemflowhq/beemflow/logger"
	"github.com/beemflowhq/beemflow/registry"
)

// CoreAdapter handles the built-in tools every flow can reach without a
// registry entry: core.echo for smoke-testing wiring, core.log for writing
// a line to the run's log output.
type CoreAdapter struct{}

func (a *CoreAdapter) ID() string { return "core" }

// Execute dispatches on the __use field, mirroring how registry-backed
// adapters read it to pick a manifest entry.
func (a *CoreAdapter) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	use, ok := inputs["__use"].(string)
	if !ok {
		return nil, fmt.Errorf("missing __use for core adapter")
	}

	switch use {
	case "core.echo":
		return a.executeEcho(inputs)
	case "core.log":
		return a.executeLog(inputs)
	default:
		return nil, fmt.Errorf("unknown core tool: %s", use)
	}
}

// executeEcho returns inputs unchanged (minus __use), printing text when
// BEEMFLOW_DEBUG is set. Used to smoke-test a flow's templating and wiring.
func (a *CoreAdapter) executeEcho(inputs map[string]any) (map[string]any, error) {
	if text, ok := inputs["text"].(string); ok && os.Getenv("BEEMFLOW_DEBUG") != "" {
		logger.Debug("%s", text)
	}
	result := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if k != "__use" {
			result[k] = v
		}
	}
	return result, nil
}

// executeLog writes text at the given level (default "info") to the logger.
func (a *CoreAdapter) executeLog(inputs map[string]any) (map[string]any, error) {
	text, _ := inputs["text"].(string)
	level, _ := inputs["level"].(string)
	switch level {
	case "warn":
		logger.Warn("%s", text)
	case "error":
		logger.Error("%s", text)
	case "debug":
		logger.Debug("%s", text)
	default:
		logger.Info("%s", text)
	}
	return map[string]any{"logged": text}, nil
}

func (a *CoreAdapter) Manifest() *registry.ToolManifest { return nil }
