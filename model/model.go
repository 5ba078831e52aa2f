// Package model defines the Flow DSL data model: the immutable workflow
// definition (Flow/Step) and the mutable execution record (Run/StepRecord)
// the Engine produces from it.
package model

import (
	"time"

	"github.com/beemflowhq/beemflow/config"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Flow is the immutable workflow definition loaded from YAML.
type Flow struct {
	Name        string                     `yaml:"name" json:"name"`
	Description string                     `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string                     `yaml:"version,omitempty" json:"version,omitempty"`
	On          any                        `yaml:"on" json:"on"`
	Cron        string                     `yaml:"cron,omitempty" json:"cron,omitempty"`
	Vars        map[string]any             `yaml:"vars,omitempty" json:"vars,omitempty"`
	Steps       []Step                     `yaml:"steps" json:"steps"`
	Catch       []Step                     `yaml:"catch,omitempty" json:"catch,omitempty"`
	MCPServers  map[string]config.MCPServerConfig `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`
}

// Step is a sum over five mutually-exclusive action variants, plus the
// common attributes every step carries regardless of its action.
type Step struct {
	ID        string         `yaml:"id" json:"id"`
	If        string         `yaml:"if,omitempty" json:"if,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Retry     *RetrySpec     `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Action variant 1: use a tool/adapter.
	Use  string         `yaml:"use,omitempty" json:"use,omitempty"`
	With map[string]any `yaml:"with,omitempty" json:"with,omitempty"`

	// Action variant 2: run nested Steps concurrently. ParallelBool is set
	// by `parallel: true`; ParallelSteps is set by `parallel: [id, ...]`,
	// naming the subset of Steps that runs concurrently; nested Steps not
	// named there are not run (a form the distilled spec's boolean-only grammar
	// omitted but the original source supports).
	ParallelBool  bool     `yaml:"-" json:"-"`
	ParallelSteps []string `yaml:"-" json:"-"`
	Steps         []Step   `yaml:"steps,omitempty" json:"steps,omitempty"`

	// Action variant 3: foreach.
	Foreach string `yaml:"foreach,omitempty" json:"foreach,omitempty"`
	As      string `yaml:"as,omitempty" json:"as,omitempty"`
	Do      []Step `yaml:"do,omitempty" json:"do,omitempty"`

	// Action variant 4: await an event.
	AwaitEvent *AwaitEventSpec `yaml:"await_event,omitempty" json:"await_event,omitempty"`

	// Action variant 5: unconditional wait.
	Wait *WaitSpec `yaml:"wait,omitempty" json:"wait,omitempty"`
}

// IsParallel reports whether this step is the parallel action variant, in
// either its boolean or named-subset form.
func (s *Step) IsParallel() bool {
	return s.ParallelBool || len(s.ParallelSteps) > 0
}

// Action names the single action variant this step carries, or "" if none
// is set (a validation error by itself).
func (s *Step) Action() string {
	switch {
	case s.Use != "":
		return "use"
	case s.IsParallel():
		return "parallel"
	case s.Foreach != "":
		return "foreach"
	case s.AwaitEvent != nil:
		return "await_event"
	case s.Wait != nil:
		return "wait"
	default:
		return ""
	}
}

// UnmarshalYAML handles the `parallel: bool | [id, ...]` duality that a
// plain struct tag can't express.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	type stepAlias Step
	var raw stepAlias
	if err := value.Decode(&raw); err != nil {
		return err
	}
	for i := 0; i < len(value.Content)-1; i += 2 {
		k := value.Content[i]
		if k.Value != "parallel" {
			continue
		}
		v := value.Content[i+1]
		switch v.Kind {
		case yaml.ScalarNode:
			var b bool
			if err := v.Decode(&b); err == nil {
				raw.ParallelBool = b
			}
		case yaml.SequenceNode:
			var ids []string
			if err := v.Decode(&ids); err == nil {
				raw.ParallelSteps = ids
			}
		}
	}
	*s = Step(raw)
	return nil
}

type RetrySpec struct {
	Attempts int `yaml:"attempts" json:"attempts"`
	DelaySec int `yaml:"delay_sec" json:"delay_sec"`
}

type AwaitEventSpec struct {
	Source  string         `yaml:"source" json:"source"`
	Match   map[string]any `yaml:"match" json:"match"`
	Timeout string         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

type WaitSpec struct {
	Seconds int `yaml:"seconds" json:"seconds"`
}

// RunStatus is the terminal/transitional state of a Run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunAwaiting  RunStatus = "AWAITING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// StepStatus is the state of one StepRecord.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepAwaiting  StepStatus = "AWAITING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// Run is the mutable, persisted record of one Flow execution.
type Run struct {
	ID        uuid.UUID      `json:"id"`
	FlowName  string         `json:"flow_name"`
	Event     map[string]any `json:"event"`
	Vars      map[string]any `json:"vars"`
	Status    RunStatus      `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Steps     []StepRecord   `json:"steps"`
}

// StepRecord is one append-only entry in a Run's step history.
type StepRecord struct {
	StepID    string         `json:"step_id"`
	Status    StepStatus     `json:"status"`
	Attempts  int            `json:"attempts"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
}
