// Package engine drives one Flow execution: it walks the Step tree, dispatches
// each step to an adapter, persists StepRecords as it goes, and resolves
// retry/catch/parallel/foreach/await_event semantics around that dispatch.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beemflowhq/beemflow/adapter"
	"github.com/beemflowhq/beemflow/config"
	"github.com/beemflowhq/beemflow/dsl"
	"github.com/beemflowhq/beemflow/enginerr"
	"github.com/beemflowhq/beemflow/event"
	"github.com/beemflowhq/beemflow/logger"
	"github.com/beemflowhq/beemflow/mcp"
	"github.com/beemflowhq/beemflow/model"
	"github.com/beemflowhq/beemflow/registry"
	"github.com/beemflowhq/beemflow/secrets"
	"github.com/beemflowhq/beemflow/storage"
	"github.com/beemflowhq/beemflow/templater"
)

// Engine holds everything one Flow execution needs: adapters to dispatch to,
// a templater to render `with`/`if`/iterable expressions, an event bus for
// await_event, and storage for Run/StepRecord/resume-token persistence.
type Engine struct {
	Adapters  *adapter.Registry
	Templater *templater.Templater
	EventBus  event.EventBus
	Storage   storage.Storage
	Secrets   secrets.Provider
	Config    *config.Config

	outputsMu sync.Mutex
}

// NewEngine wires an Engine from already-constructed components. Used by
// callers (tests, alternative shells) that want full control over what each
// component resolves to.
func NewEngine(adapters *adapter.Registry, tmpl *templater.Templater, bus event.EventBus, store storage.Storage, secretsProvider secrets.Provider) *Engine {
	return &Engine{Adapters: adapters, Templater: tmpl, EventBus: bus, Storage: store, Secrets: secretsProvider}
}

// NewDefaultEngine builds an Engine from a loaded Config: a standard registry
// manager (local → remote → hub → embedded default), the core + HTTP + MCP
// adapters, the configured event bus, storage, and secrets provider.
func NewDefaultEngine(ctx context.Context, cfg *config.Config) (*Engine, error) {
	regMgr := registry.NewFactory().CreateStandardManager(ctx, cfg)

	var secretsCfg *config.SecretsConfig
	var eventCfg *config.EventConfig
	if cfg != nil {
		secretsCfg = cfg.Secrets
		eventCfg = cfg.Event
	}

	secretsProvider, err := secrets.NewProvider(secretsCfg)
	if err != nil {
		return nil, fmt.Errorf("secrets provider: %w", err)
	}

	adapters := adapter.NewRegistry().WithRegistryManager(regMgr).WithSecrets(secretsProvider)
	adapters.Register(&adapter.CoreAdapter{})
	adapters.Register(adapter.NewMCPAdapter(cfg, nil))
	adapters.Register(&adapter.HTTPFetchAdapter{})

	bus, err := event.NewEventBusFromConfig(eventCfg)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}

	store, err := newStorageFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	return &Engine{
		Adapters:  adapters,
		Templater: templater.NewTemplater(),
		EventBus:  bus,
		Storage:   store,
		Secrets:   secretsProvider,
		Config:    cfg,
	}, nil
}

// newStorageFromConfig resolves the configured storage backend, falling back
// to an in-memory store (no persistence across process restarts, but no
// setup required either) when no driver is configured.
func newStorageFromConfig(cfg *config.Config) (storage.Storage, error) {
	if cfg == nil || cfg.Storage.Driver == "" {
		return storage.NewMemoryStorage(), nil
	}
	switch cfg.Storage.Driver {
	case "sqlite":
		return storage.NewSqliteStorage(cfg.Storage.DSN)
	case "postgres":
		return storage.NewPostgresStorage(cfg.Storage.DSN)
	case "memory":
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}

// Close releases everything the Engine owns: adapters with open connections
// (MCP stdio subprocesses) and the storage backend.
func (e *Engine) Close() error {
	var firstErr error
	if e.Adapters != nil {
		if err := e.Adapters.CloseAll(); err != nil {
			firstErr = err
		}
	}
	if e.Storage != nil {
		if err := e.Storage.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// errSuspended signals up the call stack that a step parked the run in
// Awaiting status; it is not a failure and must not trigger catch.
var errSuspended = fmt.Errorf("engine: run suspended on await_event")

// resumeState carries replay bookkeeping through one Execute/Resume call:
// which step ids already have a terminal StepRecord (so executeStep skips
// redispatch and reuses the cached output) and, when resuming, which step id
// is the one actually being woken and with what payload.
type resumeState struct {
	done     map[string]bool
	targetID string
	payload  map[string]any
	consumed bool
}

// Execute validates flow, resolves flow.vars, allocates and persists a new
// Run, starts the MCP servers that the flow's mcp:// steps reference (only
// when the Engine has a Config; a startup failure is logged, not returned),
// then drives the step tree to a terminal (or Awaiting) status.
func (e *Engine) Execute(ctx context.Context, flow *model.Flow, evt map[string]any, callerVars map[string]any) (*model.Run, error) {
	if err := dsl.Validate(flow); err != nil {
		return nil, err
	}

	setupCtx := &templater.Context{Event: evt, Vars: callerVars, Secrets: e.Secrets}
	vars, err := renderVars(e.Templater, flow.Vars, setupCtx)
	if err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:        uuid.New(),
		FlowName:  flow.Name,
		Event:     evt,
		Vars:      vars,
		Status:    model.RunRunning,
		StartedAt: time.Now(),
	}
	if err := e.Storage.SaveRun(ctx, run); err != nil {
		return nil, enginerr.Storagef(err, "save run")
	}

	if len(mcp.FindMCPServersInFlow(flow)) > 0 && e.Config != nil {
		if err := mcp.EnsureMCPServersWithTimeout(ctx, flow, e.Config, 10*time.Second); err != nil {
			logger.Warn("mcp_servers not fully ready for flow %s: %v", flow.Name, err)
		}
	}

	tctx := &templater.Context{Outputs: map[string]any{}, Vars: vars, Event: evt, Secrets: e.Secrets}
	e.runToCompletion(ctx, flow, run, tctx, nil)
	return run, nil
}

// Resume wakes a Run suspended on await_event. It reloads the original flow
// document, rebuilds the run's output context by replaying already-terminal
// StepRecords, then re-enters the step tree with resumeState pointed at the
// awaiting step so only it (and whatever follows) actually executes.
func (e *Engine) Resume(ctx context.Context, token string, payload map[string]any, flow *model.Flow) (*model.Run, error) {
	data, ok, err := e.Storage.TakeResumeToken(ctx, token)
	if err != nil {
		return nil, enginerr.Storagef(err, "take resume token")
	}
	if !ok {
		return nil, enginerr.Validationf("no pending resume for token %q", token)
	}
	var cont continuation
	if err := json.Unmarshal(data, &cont); err != nil {
		return nil, enginerr.Storagef(err, "decode resume continuation")
	}
	if !matchesPayload(cont.Match, payload) {
		// Not the event this token was waiting for; put it back so a later,
		// matching event can still wake the run.
		if saveErr := e.Storage.SaveResumeToken(ctx, token, data); saveErr != nil {
			logger.Warn("failed to restore resume token %s: %v", token, saveErr)
		}
		return nil, enginerr.Validationf("resume payload does not match step %q's await_event match", cont.StepID)
	}

	run, err := e.Storage.GetRun(ctx, cont.RunID)
	if err != nil {
		return nil, enginerr.Storagef(err, "load run %s", cont.RunID)
	}

	records, err := e.Storage.GetStepRecords(ctx, run.ID)
	if err != nil {
		return nil, enginerr.Storagef(err, "load step records for run %s", run.ID)
	}
	done := make(map[string]bool)
	outputs := map[string]any{}
	for _, r := range records {
		if r.Status == model.StepSucceeded {
			done[r.StepID] = true
			outputs[r.StepID] = r.Output
		}
	}

	tctx := &templater.Context{Outputs: outputs, Vars: run.Vars, Event: run.Event, Secrets: e.Secrets}
	resume := &resumeState{done: done, targetID: cont.StepID, payload: payload}
	run.Status = model.RunRunning
	if err := e.Storage.UpdateRunStatus(ctx, run.ID, run.Status); err != nil {
		logger.Warn("SaveRun failed: %v", err)
	}

	e.runToCompletion(ctx, flow, run, tctx, resume)
	return run, nil
}

// runToCompletion drives flow.Steps to completion, routes any terminal
// failure through flow.Catch, and persists the run's final status. A
// suspension (errSuspended) leaves the run in Awaiting and returns without
// setting EndedAt.
func (e *Engine) runToCompletion(ctx context.Context, flow *model.Flow, run *model.Run, tctx *templater.Context, resume *resumeState) {
	failErr := e.executeList(ctx, flow, flow.Steps, tctx, run, resume, false)
	if failErr == errSuspended {
		run.Status = model.RunAwaiting
		if err := e.Storage.UpdateRunStatus(ctx, run.ID, run.Status); err != nil {
			logger.Warn("SaveRun failed: %v", err)
		}
		return
	}

	if failErr != nil {
		if len(flow.Catch) > 0 {
			errBinding := map[string]any{
				"kind":    string(enginerr.KindOf(failErr)),
				"message": failErr.Error(),
			}
			if ae, ok := failErr.(*enginerr.AdapterError); ok {
				errBinding["status"] = ae.StatusCode
			}
			catchCtx := &templater.Context{
				Outputs:         tctx.Outputs,
				Vars:            tctx.Vars,
				Event:           tctx.Event,
				Secrets:         tctx.Secrets,
				ForeachBindings: append(tctx.ForeachBindings, map[string]any{"error": errBinding}),
			}
			if catchErr := e.executeList(ctx, flow, flow.Catch, catchCtx, run, nil, false); catchErr != nil {
				run.Status = model.RunFailed
			} else {
				run.Status = model.RunSucceeded
			}
		} else {
			run.Status = model.RunFailed
		}
	} else {
		run.Status = model.RunSucceeded
	}

	now := time.Now()
	run.EndedAt = &now
	if err := e.Storage.UpdateRunStatus(ctx, run.ID, run.Status); err != nil {
		logger.Warn("SaveRun failed: %v", err)
	}
}

// renderVars template-renders every flow.vars value against the setup
// context (event + caller-supplied vars), producing the concrete vars map
// the rest of the run sees. Caller-supplied vars not named in flow.vars pass
// through unchanged.
func renderVars(t *templater.Templater, raw map[string]any, ctx *templater.Context) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		rendered, err := renderValue(t, v, ctx)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	for k, v := range ctx.Vars {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out, nil
}

// renderValue recursively renders templates inside strings, maps, and
// slices, leaving every other Go type untouched.
func renderValue(t *templater.Templater, v any, ctx *templater.Context) (any, error) {
	switch x := v.(type) {
	case string:
		return t.EvaluateExpression(x, ctx)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			rv, err := renderValue(t, vv, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			rv, err := renderValue(t, vv, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}
