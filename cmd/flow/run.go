package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/beemflowhq/beemflow/config"
	"github.com/beemflowhq/beemflow/dsl"
	"github.com/beemflowhq/beemflow/engine"
	"github.com/beemflowhq/beemflow/logger"
	"github.com/beemflowhq/beemflow/model"
)

// newRunCmd creates the 'run' subcommand.
func newRunCmd() *cobra.Command {
	var eventPath, eventJSON string
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a flow document",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runFlowExecution(cmd, args[0], eventPath, eventJSON)
		},
	}
	cmd.Flags().StringVar(&eventPath, "event", "", "Path to event JSON file")
	cmd.Flags().StringVar(&eventJSON, "event-json", "", "Event as inline JSON string")
	return cmd
}

// runFlowExecution parses the flow file, loads config and the triggering
// event, drives it to completion through a default Engine, and prints the
// outputs of any core.echo steps (or, in --debug mode, the full step output
// map).
func runFlowExecution(cmd *cobra.Command, path, eventPath, eventJSON string) {
	flow, err := dsl.Parse(path)
	if err != nil {
		logger.Error("YAML parse error: %v", err)
		exit(1)
		return
	}
	if err := dsl.Validate(flow); err != nil {
		logger.Error("flow validation error: %v", err)
		exit(2)
		return
	}

	cfg, err := loadFlowConfig()
	if err != nil {
		logger.Error("failed to load config: %v", err)
		exit(2)
		return
	}
	if debug {
		cfgJSON, _ := json.MarshalIndent(cfg.MCPServers, "", "  ")
		logger.Debug("loaded MCPServers config:\n%s", cfgJSON)
	}

	evt, err := loadEvent(eventPath, eventJSON)
	if err != nil {
		logger.Error("failed to load event: %v", err)
		exit(4)
		return
	}

	eng, err := engine.NewDefaultEngine(cmd.Context(), cfg)
	if err != nil {
		logger.Error("failed to initialize engine: %v", err)
		exit(6)
		return
	}
	defer eng.Close()

	run, err := eng.Execute(cmd.Context(), flow, evt, nil)
	if err != nil {
		logger.Error("flow execution failed: %v", err)
		exit(5)
		return
	}

	outputs, err := collectOutputs(cmd, eng, run)
	if err != nil {
		logger.Error("failed to read step outputs: %v", err)
		exit(5)
		return
	}
	outputFlowResults(outputs)

	if run.Status == model.RunFailed {
		exit(1)
	}
}

// loadFlowConfig loads the flow configuration, falling back to defaults when
// no config file exists rather than treating a missing file as fatal.
func loadFlowConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("config file %s not found, using defaults", configPath)
			return &config.Config{}, nil
		}
		return nil, err
	}
	return cfg, nil
}

// loadEvent resolves the triggering event from --event-json (inline),
// --event (file path), or neither (empty event).
func loadEvent(path, inline string) (map[string]any, error) {
	var raw []byte
	switch {
	case inline != "":
		raw = []byte(inline)
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = data
	default:
		return map[string]any{}, nil
	}
	var evt map[string]any
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// collectOutputs reads back the run's persisted StepRecords and assembles
// the step_id -> output map the CLI prints.
func collectOutputs(cmd *cobra.Command, eng *engine.Engine, run *model.Run) (map[string]any, error) {
	records, err := eng.Storage.GetStepRecords(cmd.Context(), run.ID)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]any, len(records))
	for _, r := range records {
		if r.Output != nil {
			outputs[r.StepID] = r.Output
		}
	}
	return outputs, nil
}

// outputFlowResults prints the full output map in --debug mode, or just the
// text of any core.echo-shaped step outputs otherwise.
func outputFlowResults(outputs map[string]any) {
	if debug {
		outJSONBytes, _ := json.MarshalIndent(outputs, "", "  ")
		logger.User("%s", string(outJSONBytes))
		return
	}
	for _, stepOutput := range outputs {
		if outMap, ok := stepOutput.(map[string]any); ok {
			if text, ok := outMap["text"]; ok {
				logger.User("%v", text)
			}
		}
	}
}
