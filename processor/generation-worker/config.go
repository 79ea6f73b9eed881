package generationworker

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/lemmalab/lemma/document"
)

// generationWorkerSchema defines the configuration schema.
var generationWorkerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the generation-worker component.
type Config struct {
	// StreamName is the JetStream stream carrying the task queues.
	StreamName string `json:"stream_name"`

	// WorkerID identifies this worker in task claims.
	WorkerID string `json:"worker_id"`

	// PollInterval is the claim poll period (e.g. "5s") used when queue
	// notifications are lost.
	PollInterval string `json:"poll_interval,omitempty"`

	// PromptDir overrides the engine config's prompt template directory.
	PromptDir string `json:"prompt_dir,omitempty"`

	// ModelConfigPath optionally points at a models.json registry file.
	ModelConfigPath string `json:"model_config_path,omitempty"`

	// EngineConfigPath optionally points at the engine YAML config.
	EngineConfigPath string `json:"engine_config_path,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:   "DOC_ENGINE",
		WorkerID:     "generation-worker",
		PollInterval: "5s",
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "generation-tasks",
					Type:        "jetstream",
					Subject:     document.QueueSubject(document.QueueGeneration),
					StreamName:  "DOC_ENGINE",
					Description: "generate_block task notifications",
					Required:    true,
				},
				{
					Name:        "refine-tasks",
					Type:        "jetstream",
					Subject:     document.QueueSubject(document.QueueRefine),
					StreamName:  "DOC_ENGINE",
					Description: "refine_block task notifications",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "task-completions",
					Type:        "jetstream",
					Subject:     document.SubjectTaskCompletion,
					StreamName:  "DOC_ENGINE",
					Description: "Completion reports for the intake",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	if c.PollInterval != "" {
		d, err := time.ParseDuration(c.PollInterval)
		if err != nil {
			return fmt.Errorf("poll_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("poll_interval must be positive")
		}
	}
	return nil
}
