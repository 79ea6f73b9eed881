package projectapi

import (
	"reflect"

	"github.com/c360studio/semstreams/component"
)

// projectAPISchema holds the configuration schema generated from Config.
var projectAPISchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the project-api component.
type Config struct {
	// EngineConfigPath optionally points at the engine YAML config.
	EngineConfigPath string `json:"engine_config_path,omitempty"`

	// Ports declares optional HTTP port configuration.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{}
}

// Validate verifies the configuration is consistent. All fields are
// optional; the engine config falls back to its documented defaults.
func (c *Config) Validate() error {
	return nil
}
