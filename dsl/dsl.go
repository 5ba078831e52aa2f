// Package dsl parses and validates Flow YAML documents per the two-phase
// scheme: a template pre-render pass over the raw text, then a structural
// YAML decode into model.Flow, then pure structural validation.
package dsl

import (
	"fmt"
	"os"
	"regexp"

	"github.com/beemflowhq/beemflow/enginerr"
	"github.com/beemflowhq/beemflow/model"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Parse reads a YAML flow file from the given path and unmarshals it into a
// Flow struct without templating or validation.
func Parse(path string) (*model.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFromString(string(data))
}

// ParseFromString unmarshals a YAML string into a Flow struct.
func ParseFromString(yamlStr string) (*model.Flow, error) {
	var flow model.Flow
	if err := yaml.Unmarshal([]byte(yamlStr), &flow); err != nil {
		return nil, enginerr.Validationf("yaml parse: %v", err)
	}
	return &flow, nil
}

// Load reads, pre-renders, parses, and validates a flow file in one step.
func Load(path string, vars map[string]any) (*model.Flow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadFromString(string(raw), vars)
}

// LoadFromString is Load without a filesystem read, for callers (tests,
// in-memory flow sources) that already hold the YAML text.
func LoadFromString(raw string, vars map[string]any) (*model.Flow, error) {
	rendered, err := Render(raw, vars)
	if err != nil {
		return nil, err
	}
	flow, err := ParseFromString(rendered)
	if err != nil {
		return nil, err
	}
	if err := Validate(flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// Validate enforces the structural invariants in spec order. Validation is
// pure: no I/O, no adapter lookup — a flow referencing an uninstalled tool
// is still a valid flow; that failure surfaces lazily at execution time.
func Validate(flow *model.Flow) error {
	if flow.Name == "" {
		return enginerr.Validationf("flow name must not be empty")
	}
	if !identifierRe.MatchString(flow.Name) {
		return enginerr.Validationf("flow name %q is not a valid identifier", flow.Name)
	}
	if err := validateCron(flow); err != nil {
		return err
	}
	if err := validateStepList(flow.Steps, flow.Vars); err != nil {
		return err
	}
	if err := validateStepList(flow.Catch, flow.Vars); err != nil {
		return err
	}
	return nil
}

func validateCron(flow *model.Flow) error {
	if flow.Cron == "" || !triggerHasSchedule(flow.On) {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(flow.Cron); err != nil {
		return enginerr.Validationf("invalid cron expression %q: %v", flow.Cron, err)
	}
	return nil
}

func triggerHasSchedule(on any) bool {
	switch v := on.(type) {
	case string:
		return v == "schedule.cron"
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == "schedule.cron" {
				return true
			}
		}
	}
	return false
}

// validateStepList validates one sibling scope: id syntax/uniqueness, vars
// collisions, action-variant exclusivity, retry bounds, depends_on
// existence/acyclicity, then recurses into nested scopes (parallel.Steps,
// foreach.Do).
func validateStepList(steps []model.Step, vars map[string]any) error {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" || !identifierRe.MatchString(s.ID) {
			return enginerr.Validationf("step id %q is not a valid identifier", s.ID)
		}
		if seen[s.ID] {
			return enginerr.Validationf("duplicate step id %q in sibling scope", s.ID)
		}
		seen[s.ID] = true
		if _, collides := vars[s.ID]; collides {
			return enginerr.Validationf("step id %q collides with a vars key", s.ID)
		}
		if err := validateAction(&s); err != nil {
			return err
		}
		if s.Retry != nil {
			if s.Retry.Attempts < 1 {
				return enginerr.Validationf("step %q: retry.attempts must be >= 1", s.ID)
			}
			if s.Retry.DelaySec < 0 {
				return enginerr.Validationf("step %q: retry.delay_sec must be >= 0", s.ID)
			}
		}
	}
	if err := validateDependsOn(steps); err != nil {
		return err
	}
	for _, s := range steps {
		if s.IsParallel() {
			if err := validateStepList(s.Steps, vars); err != nil {
				return err
			}
		}
		if s.Foreach != "" {
			if err := validateStepList(s.Do, vars); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateAction(s *model.Step) error {
	set := 0
	for _, present := range []bool{s.Use != "", s.IsParallel(), s.Foreach != "", s.AwaitEvent != nil, s.Wait != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		return enginerr.Validationf("step %q carries more than one action (use/parallel/foreach/await_event/wait)", s.ID)
	}
	switch s.Action() {
	case "":
		return enginerr.Validationf("step %q has no action (use/parallel/foreach/await_event/wait)", s.ID)
	case "parallel":
		if len(s.Steps) == 0 {
			return enginerr.Validationf("step %q: parallel requires nested steps", s.ID)
		}
	case "foreach":
		if s.As == "" {
			return enginerr.Validationf("step %q: foreach requires 'as'", s.ID)
		}
		if len(s.Do) == 0 {
			return enginerr.Validationf("step %q: foreach requires non-empty 'do'", s.ID)
		}
	}
	return nil
}

// validateDependsOn checks that every depends_on target exists among
// siblings in this scope and that the resulting graph has no cycle.
func validateDependsOn(steps []model.Step) error {
	index := make(map[string]bool, len(steps))
	for _, s := range steps {
		index[s.ID] = true
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !index[dep] {
				return enginerr.Validationf("step %q: depends_on references unknown step %q", s.ID, dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	byID := make(map[string]model.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return enginerr.Validationf("depends_on cycle detected at step %q", id)
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// FlowToYAML converts a Flow struct back to YAML bytes.
func FlowToYAML(flow *model.Flow) ([]byte, error) {
	return yaml.Marshal(flow)
}

// FlowToYAMLString converts a Flow struct to a YAML string.
func FlowToYAMLString(flow *model.Flow) (string, error) {
	b, err := FlowToYAML(flow)
	if err != nil {
		return "", fmt.Errorf("marshal flow: %w", err)
	}
	return string(b), nil
}
