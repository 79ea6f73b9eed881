package generationworker

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the generation-worker component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "generation-worker",
		Factory:     NewComponent,
		Schema:      generationWorkerSchema,
		Type:        "processor",
		Protocol:    "engine",
		Domain:      "lemma",
		Description: "Executes block generation and refinement tasks against the model registry",
		Version:     "0.1.0",
	})
}
