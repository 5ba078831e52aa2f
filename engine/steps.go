package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/beemflowhq/beemflow/enginerr"
	"github.com/beemflowhq/beemflow/model"
	"github.com/beemflowhq/beemflow/templater"
)

// executeList runs one sibling scope to completion. concurrent distinguishes
// a `parallel` step's children (dispatched together, first error cancels the
// rest) from every other scope (flow.Steps, flow.Catch, foreach.Do,
// non-parallel nested Steps), which runs strictly in order. flow is threaded
// through purely so a nested await_event step can persist a continuation
// capable of replaying this flow on resume.
func (e *Engine) executeList(ctx context.Context, flow *model.Flow, steps []model.Step, tctx *templater.Context, run *model.Run, resume *resumeState, concurrent bool) error {
	ordered, err := topoOrder(steps)
	if err != nil {
		return err
	}

	if concurrent {
		return e.executeConcurrent(ctx, flow, ordered, tctx, run, resume)
	}
	for i := range ordered {
		if err := e.dispatchOne(ctx, flow, &ordered[i], tctx, run, resume); err != nil {
			return err
		}
	}
	return nil
}

// executeConcurrent launches every step in the list at once. The first
// failure cancels the shared context: a sibling that has not started yet, or
// is inside a `wait`, records Cancelled, while a sibling with an adapter call
// in flight receives the cancelled context and records whatever failure the
// adapter returns. The aggregate error reported is the first one by start
// order, per spec.
func (e *Engine) executeConcurrent(ctx context.Context, flow *model.Flow, steps []model.Step, tctx *templater.Context, run *model.Run, resume *resumeState) error {
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make([]error, len(steps))
	var wg sync.WaitGroup
	wg.Add(len(steps))
	for i := range steps {
		go func(i int) {
			defer wg.Done()
			err := e.dispatchOne(childCtx, flow, &steps[i], tctx, run, resume)
			if err != nil {
				errs[i] = err
				cancel()
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// dispatchOne evaluates `if`, handles resume-skip/resume-target bookkeeping,
// and dispatches by action variant, persisting a StepRecord around the call.
func (e *Engine) dispatchOne(ctx context.Context, flow *model.Flow, step *model.Step, tctx *templater.Context, run *model.Run, resume *resumeState) error {
	if ctx.Err() != nil {
		e.persistStep(ctx, run, step.ID, model.StepCancelled, 0, nil, "cancelled")
		return enginerr.Cancelledf("step %s cancelled", step.ID)
	}

	if resume != nil && resume.done[step.ID] && step.ID != resume.targetID {
		// Already completed in a prior attempt at this run; tctx.Outputs was
		// preseeded by Resume, nothing further to do.
		return nil
	}

	if step.If != "" {
		val, err := e.Templater.EvaluateExpression(step.If, tctx)
		if err != nil {
			e.persistStep(ctx, run, step.ID, model.StepFailed, 0, nil, err.Error())
			return err
		}
		if !templater.Truthy(val) {
			e.persistStep(ctx, run, step.ID, model.StepSkipped, 0, nil, "")
			return nil
		}
	}

	if resume != nil && step.ID == resume.targetID && !resume.consumed {
		resume.consumed = true
		tctx.Outputs[step.ID] = resume.payload
		e.persistStep(ctx, run, step.ID, model.StepSucceeded, 1, resume.payload, "")
		return nil
	}

	switch step.Action() {
	case "use":
		return e.dispatchUse(ctx, step, tctx, run)
	case "parallel":
		return e.dispatchParallel(ctx, flow, step, tctx, run, resume)
	case "foreach":
		return e.dispatchForeach(ctx, flow, step, tctx, run, resume)
	case "await_event":
		return e.dispatchAwaitEvent(ctx, flow, step, tctx, run)
	case "wait":
		return e.dispatchWait(ctx, step, tctx, run)
	default:
		err := enginerr.Validationf("step %q has no action", step.ID)
		e.persistStep(ctx, run, step.ID, model.StepFailed, 0, nil, err.Error())
		return err
	}
}

// dispatchParallel runs a `parallel` step's nested Steps concurrently,
// committing the first error (if any) as this step's own failure. Success
// stores no dedicated output; children already wrote their own outputs.
func (e *Engine) dispatchParallel(ctx context.Context, flow *model.Flow, step *model.Step, tctx *templater.Context, run *model.Run, resume *resumeState) error {
	e.persistStep(ctx, run, step.ID, model.StepRunning, 1, nil, "")
	children := step.Steps
	if len(step.ParallelSteps) > 0 {
		children = selectSteps(step.Steps, step.ParallelSteps)
	}
	if err := e.executeList(ctx, flow, children, tctx, run, resume, true); err != nil {
		e.persistStep(ctx, run, step.ID, model.StepFailed, 1, nil, err.Error())
		return err
	}
	e.persistStep(ctx, run, step.ID, model.StepSucceeded, 1, nil, "")
	return nil
}

func selectSteps(all []model.Step, ids []string) []model.Step {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]model.Step, 0, len(ids))
	for _, s := range all {
		if want[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

// dispatchForeach renders the iterable, then runs `do` once per item with an
// `as` binding pushed onto the context. The step's own output is the array
// of per-iteration output maps, one per do-list run.
func (e *Engine) dispatchForeach(ctx context.Context, flow *model.Flow, step *model.Step, tctx *templater.Context, run *model.Run, resume *resumeState) error {
	e.persistStep(ctx, run, step.ID, model.StepRunning, 1, nil, "")

	iterable, err := e.Templater.EvaluateExpression(step.Foreach, tctx)
	if err != nil {
		e.persistStep(ctx, run, step.ID, model.StepFailed, 1, nil, err.Error())
		return err
	}
	items, ok := iterable.([]any)
	if !ok {
		err := enginerr.Templatef("foreach expression %q did not yield a sequence", step.Foreach)
		e.persistStep(ctx, run, step.ID, model.StepFailed, 1, nil, err.Error())
		return err
	}

	results := make([]any, 0, len(items))
	for _, item := range items {
		iterCtx := &templater.Context{
			Outputs:         tctx.Outputs,
			Vars:            tctx.Vars,
			Event:           tctx.Event,
			Secrets:         tctx.Secrets,
			ForeachBindings: append(tctx.ForeachBindings, map[string]any{step.As: item}),
		}
		if err := e.executeList(ctx, flow, step.Do, iterCtx, run, resume, false); err != nil {
			e.persistStep(ctx, run, step.ID, model.StepFailed, 1, nil, err.Error())
			return err
		}
		// A single-step `do` block surfaces that step's own output directly,
		// so a caller sees [{text: "got x"}, ...] rather than an extra
		// level of nesting keyed by the child's id. A multi-step `do` block
		// keeps the per-child keying, since there's no single output to
		// promote.
		var iteration any
		if len(step.Do) == 1 {
			iteration = iterCtx.Outputs[step.Do[0].ID]
		} else {
			merged := make(map[string]any, len(step.Do))
			for _, child := range step.Do {
				if out, ok := iterCtx.Outputs[child.ID]; ok {
					merged[child.ID] = out
				}
			}
			iteration = merged
		}
		results = append(results, iteration)
	}

	output := map[string]any{"items": results}
	tctx.Outputs[step.ID] = results
	e.persistStep(ctx, run, step.ID, model.StepSucceeded, 1, output, "")
	return nil
}

// dispatchWait sleeps step.Wait.Seconds, honoring context cancellation.
func (e *Engine) dispatchWait(ctx context.Context, step *model.Step, tctx *templater.Context, run *model.Run) error {
	e.persistStep(ctx, run, step.ID, model.StepRunning, 1, nil, "")
	select {
	case <-time.After(time.Duration(step.Wait.Seconds) * time.Second):
		e.persistStep(ctx, run, step.ID, model.StepSucceeded, 1, nil, "")
		return nil
	case <-ctx.Done():
		err := enginerr.Cancelledf("wait on step %s cancelled", step.ID)
		e.persistStep(ctx, run, step.ID, model.StepCancelled, 1, nil, err.Error())
		return err
	}
}

// dispatchUse renders `with` against tctx, resolves the tool via the adapter
// registry, and applies the retry policy around the adapter call.
func (e *Engine) dispatchUse(ctx context.Context, step *model.Step, tctx *templater.Context, run *model.Run) error {
	inputs, err := renderValue(e.Templater, any(step.With), tctx)
	if err != nil {
		e.persistStep(ctx, run, step.ID, model.StepFailed, 0, nil, err.Error())
		return err
	}
	inputMap, _ := inputs.(map[string]any)
	if inputMap == nil {
		inputMap = map[string]any{}
	}
	inputMap["__use"] = step.Use

	a, ok := e.Adapters.Get(step.Use)
	if !ok {
		err := enginerr.UnknownTool(step.Use)
		e.persistStep(ctx, run, step.ID, model.StepFailed, 0, nil, err.Error())
		return err
	}

	attempts, delay := 1, 0
	if step.Retry != nil {
		attempts, delay = step.Retry.Attempts, step.Retry.DelaySec
	}

	var lastErr error
	made := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		made = attempt
		e.persistStep(ctx, run, step.ID, model.StepRunning, attempt, nil, "")
		out, err := a.Execute(ctx, inputMap)
		if err == nil {
			e.outputsMu.Lock()
			tctx.Outputs[step.ID] = out
			e.outputsMu.Unlock()
			e.persistStep(ctx, run, step.ID, model.StepSucceeded, attempt, out, "")
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt == attempts {
			break
		}
		if delay > 0 {
			select {
			case <-time.After(time.Duration(delay) * time.Second):
			case <-ctx.Done():
				lastErr = enginerr.Cancelledf("step %s cancelled during retry backoff", step.ID)
				attempt = attempts
			}
		}
	}
	e.persistStep(ctx, run, step.ID, model.StepFailed, made, nil, lastErr.Error())
	return lastErr
}

// retryable reports whether err's nature permits another attempt: only an
// AdapterError flagged Retryable (network/5xx) qualifies. Validation,
// template, unknown-tool, and 4xx adapter errors are always terminal.
func retryable(err error) bool {
	ae, ok := err.(*enginerr.AdapterError)
	return ok && ae.Retryable
}

// topoOrder returns steps reordered so every depends_on edge points from a
// later index to an earlier one, ties broken by original order. dsl.Validate
// already rejects cycles at load time, so this never needs to detect one
// itself.
func topoOrder(steps []model.Step) ([]model.Step, error) {
	hasDeps := false
	for _, s := range steps {
		if len(s.DependsOn) > 0 {
			hasDeps = true
			break
		}
	}
	if !hasDeps {
		return steps, nil
	}

	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.ID] = i
	}
	visited := make([]bool, len(steps))
	order := make([]model.Step, 0, len(steps))

	var visit func(i int) error
	visit = func(i int) error {
		if visited[i] {
			return nil
		}
		visited[i] = true
		for _, dep := range steps[i].DependsOn {
			if di, ok := index[dep]; ok {
				if err := visit(di); err != nil {
					return err
				}
			}
		}
		order = append(order, steps[i])
		return nil
	}

	for i := range steps {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// persistStep appends a StepRecord. Each (run_id, step_id, attempt) triple
// upserts in storage, so calling this twice for the same attempt (once
// Running, once terminal) updates one row rather than duplicating it.
func (e *Engine) persistStep(ctx context.Context, run *model.Run, stepID string, status model.StepStatus, attempt int, output map[string]any, errMsg string) {
	now := time.Now()
	rec := &model.StepRecord{
		StepID:    stepID,
		Status:    status,
		Attempts:  attempt,
		StartedAt: now,
		Output:    output,
		Error:     errMsg,
	}
	if status != model.StepRunning {
		rec.EndedAt = &now
	}
	if err := e.Storage.AppendStepRecord(ctx, run.ID, rec); err != nil {
		// Storage failures degrade to a log line: the spec treats StorageError
		// as retried-then-terminal at the storage layer, not something that
		// should abort an otherwise-succeeding step.
		fmt.Printf("append step record failed for %s/%s: %v\n", run.ID, stepID, err)
	}
}

// navigatePayload resolves a dotted path against an arbitrary JSON-shaped
// payload, for comparing an await_event's `match` entries against the event
// that woke it.
func navigatePayload(payload map[string]any, path string) (any, bool) {
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func matchesPayload(match map[string]any, payload map[string]any) bool {
	for k, want := range match {
		got, ok := navigatePayload(payload, k)
		if !ok || !deepEqual(got, want) {
			return false
		}
	}
	return true
}

func deepEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b) && sameKind(a, b)
}

func sameKind(a, b any) bool {
	switch a.(type) {
	case string:
		_, ok := b.(string)
		return ok
	case float64, int:
		switch b.(type) {
		case float64, int:
			return true
		}
		return false
	default:
		return true
	}
}
