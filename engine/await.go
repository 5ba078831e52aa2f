package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/beemflowhq/beemflow/enginerr"
	"github.com/beemflowhq/beemflow/model"
	"github.com/beemflowhq/beemflow/templater"
)

// continuation is the persisted shape of a suspended await_event step: the
// run/step it belongs to and the match it's waiting for. The Engine's
// in-memory context snapshot lives in tctx.Outputs, reconstructed on resume
// by replaying the run's already-succeeded StepRecords (see Resume).
type continuation struct {
	RunID    uuid.UUID      `json:"run_id"`
	FlowName string         `json:"flow_name"`
	StepID   string         `json:"step_id"`
	Source   string         `json:"source"`
	Match    map[string]any `json:"match"`
}

// dispatchAwaitEvent renders source/match, persists a resume token and an
// Awaiting StepRecord, then suspends the run: it returns errSuspended
// immediately rather than blocking, per spec ("return control to the caller
// with status=Awaiting"). A background subscription on the Event Bus
// auto-resumes the run in-process when a matching event arrives; an
// external caller can also resume explicitly via Engine.Resume (e.g. after a
// process restart, when the in-memory subscription is gone).
func (e *Engine) dispatchAwaitEvent(ctx context.Context, flow *model.Flow, step *model.Step, tctx *templater.Context, run *model.Run) error {
	spec := step.AwaitEvent

	sourceVal, err := e.Templater.EvaluateExpression(spec.Source, tctx)
	if err != nil {
		wrapped := enginerr.Templatef("await_event step %s: rendering source: %v", step.ID, err)
		e.persistStep(ctx, run, step.ID, model.StepFailed, 0, nil, wrapped.Error())
		return wrapped
	}
	source, _ := sourceVal.(string)

	matchVal, err := renderValue(e.Templater, any(spec.Match), tctx)
	if err != nil {
		wrapped := enginerr.Templatef("await_event step %s: rendering match: %v", step.ID, err)
		e.persistStep(ctx, run, step.ID, model.StepFailed, 0, nil, wrapped.Error())
		return wrapped
	}
	match, _ := matchVal.(map[string]any)

	token := uuid.NewString()
	cont := continuation{RunID: run.ID, FlowName: flow.Name, StepID: step.ID, Source: source, Match: match}
	data, err := json.Marshal(cont)
	if err != nil {
		return enginerr.Storagef(err, "marshal resume continuation")
	}
	if err := e.Storage.SaveResumeToken(ctx, token, data); err != nil {
		return enginerr.Storagef(err, "save resume token")
	}
	e.persistStep(ctx, run, step.ID, model.StepAwaiting, 0, nil, "")

	e.watchAwaitEvent(flow, run.ID, step.ID, token, source, match, spec.Timeout)

	return errSuspended
}

// watchAwaitEvent subscribes on the bus for the run's lifetime (bounded by
// timeout when set) and resolves the suspension one of two ways: a matching
// event triggers Resume; expiry marks the step/run Failed with TimeoutError,
// running flow.Catch if present.
func (e *Engine) watchAwaitEvent(flow *model.Flow, runID uuid.UUID, stepID, token, source string, match map[string]any, timeoutStr string) {
	watchCtx := context.Background()
	var cancel context.CancelFunc
	if timeoutStr != "" {
		d, err := parseDuration(timeoutStr)
		if err == nil {
			watchCtx, cancel = context.WithTimeout(watchCtx, d)
		}
	}
	if cancel == nil {
		watchCtx, cancel = context.WithCancel(watchCtx)
	}

	woke := make(chan map[string]any, 1)
	e.EventBus.Subscribe(watchCtx, source, func(payload any) {
		p, ok := toStringMap(payload)
		if !ok || !matchesPayload(match, p) {
			return
		}
		select {
		case woke <- p:
		default:
		}
	})

	go func() {
		defer cancel()
		select {
		case payload := <-woke:
			if _, err := e.Resume(context.Background(), token, payload, flow); err != nil {
				fmt.Printf("auto-resume for run %s step %s failed: %v\n", runID, stepID, err)
			}
		case <-watchCtx.Done():
			if watchCtx.Err() == context.DeadlineExceeded {
				e.expireAwait(context.Background(), flow, runID, stepID, token)
			}
		}
	}()
}

// expireAwait runs when an await_event's timeout elapses with no matching
// event. It consumes the resume token (if still present — a concurrent
// Resume may have beaten it), marks the step Failed with TimeoutError, and
// finishes the run through the normal catch/fail path.
func (e *Engine) expireAwait(ctx context.Context, flow *model.Flow, runID uuid.UUID, stepID, token string) {
	if _, ok, _ := e.Storage.TakeResumeToken(ctx, token); !ok {
		return
	}

	run, err := e.Storage.GetRun(ctx, runID)
	if err != nil {
		fmt.Printf("expireAwait: load run %s: %v\n", runID, err)
		return
	}
	if run.Status != model.RunAwaiting {
		return
	}

	timeoutErr := enginerr.Timeoutf("await_event step %s timed out", stepID)
	e.persistStep(ctx, run, stepID, model.StepFailed, 1, nil, timeoutErr.Error())

	records, err := e.Storage.GetStepRecords(ctx, runID)
	if err != nil {
		fmt.Printf("expireAwait: load step records for %s: %v\n", runID, err)
		return
	}
	outputs := map[string]any{}
	for _, r := range records {
		if r.Status == model.StepSucceeded {
			outputs[r.StepID] = r.Output
		}
	}
	tctx := &templater.Context{Outputs: outputs, Vars: run.Vars, Event: run.Event, Secrets: e.Secrets}

	if len(flow.Catch) > 0 {
		errBinding := map[string]any{"kind": string(enginerr.KindOf(timeoutErr)), "message": timeoutErr.Error()}
		catchCtx := &templater.Context{
			Outputs:         tctx.Outputs,
			Vars:            tctx.Vars,
			Event:           tctx.Event,
			Secrets:         tctx.Secrets,
			ForeachBindings: []map[string]any{{"error": errBinding}},
		}
		if catchErr := e.executeList(ctx, flow, flow.Catch, catchCtx, run, nil, false); catchErr != nil {
			run.Status = model.RunFailed
		} else {
			run.Status = model.RunSucceeded
		}
	} else {
		run.Status = model.RunFailed
	}
	now := time.Now()
	run.EndedAt = &now
	if err := e.Storage.UpdateRunStatus(ctx, run.ID, run.Status); err != nil {
		fmt.Printf("expireAwait: save run status for %s: %v\n", runID, err)
	}
}

func toStringMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// parseDuration parses the spec's "<int><unit>" duration strings (s, m, h,
// d); time.ParseDuration already understands s/m/h, so only "d" needs
// handling here.
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, enginerr.Validationf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, enginerr.Validationf("invalid duration %q: %v", s, err)
	}
	return d, nil
}
