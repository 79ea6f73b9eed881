package reconciler

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the reconciler component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "reconciler",
		Factory:     NewComponent,
		Schema:      reconcilerSchema,
		Type:        "processor",
		Protocol:    "engine",
		Domain:      "lemma",
		Description: "Background sweep for lost enqueues, expired tasks, and completable projects",
		Version:     "0.1.0",
	})
}
