package signalintake

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"

	"github.com/lemmalab/lemma/document"
)

// intakeSchema defines the configuration schema.
var intakeSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the signal-intake component.
type Config struct {
	// StreamName is the JetStream stream carrying signals and completions.
	StreamName string `json:"stream_name"`

	// ConsumerName is the durable consumer name.
	ConsumerName string `json:"consumer_name"`

	// DedupSize bounds the in-memory delivery dedup window.
	DedupSize int `json:"dedup_size"`

	// EngineConfigPath optionally points at the engine YAML config.
	EngineConfigPath string `json:"engine_config_path,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:   "DOC_ENGINE",
		ConsumerName: "signal-intake",
		DedupSize:    4096,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "user-signals",
					Type:        "jetstream",
					Subject:     document.SubjectUserSignal,
					StreamName:  "DOC_ENGINE",
					Description: "User signals from the gateway",
					Required:    true,
				},
				{
					Name:        "task-completions",
					Type:        "jetstream",
					Subject:     document.SubjectTaskCompletion,
					StreamName:  "DOC_ENGINE",
					Description: "Worker completion reports",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "block-events",
					Type:        "jetstream",
					Subject:     document.SubjectBlockEvents,
					StreamName:  "DOC_ENGINE",
					Description: "Committed block transitions",
					Required:    false,
				},
				{
					Name:        "project-events",
					Type:        "jetstream",
					Subject:     document.SubjectProjectEvents,
					StreamName:  "DOC_ENGINE",
					Description: "Project status changes",
					Required:    false,
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
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.DedupSize <= 0 {
		return fmt.Errorf("dedup_size must be positive")
	}
	return nil
}
