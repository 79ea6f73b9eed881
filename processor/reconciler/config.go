package reconciler

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// reconcilerSchema defines the configuration schema.
var reconcilerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the reconciler component.
type Config struct {
	// Interval overrides the engine's reconcile sweep period (e.g. "30s").
	// Empty uses the engine configuration.
	Interval string `json:"interval,omitempty"`

	// EngineConfigPath optionally points at the engine YAML config.
	EngineConfigPath string `json:"engine_config_path,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Interval != "" {
		d, err := time.ParseDuration(c.Interval)
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("interval must be positive")
		}
	}
	return nil
}
