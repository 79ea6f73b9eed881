package qcworker

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the qc-worker component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "qc-worker",
		Factory:     NewComponent,
		Schema:      qcWorkerSchema,
		Type:        "processor",
		Protocol:    "engine",
		Domain:      "lemma",
		Description: "Executes quality-control analysis tasks against the analyzer service",
		Version:     "0.1.0",
	})
}
