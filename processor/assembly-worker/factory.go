package assemblyworker

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the assembly-worker component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "assembly-worker",
		Factory:     NewComponent,
		Schema:      assemblyWorkerSchema,
		Type:        "processor",
		Protocol:    "engine",
		Domain:      "lemma",
		Description: "Assembles validated blocks into LaTeX artifacts and exports output formats",
		Version:     "0.1.0",
	})
}
