package signalintake

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the signal-intake component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "signal-intake",
		Factory:     NewComponent,
		Schema:      intakeSchema,
		Type:        "processor",
		Protocol:    "engine",
		Domain:      "lemma",
		Description: "Routes user signals and worker completions into the workflow driver",
		Version:     "0.1.0",
	})
}
