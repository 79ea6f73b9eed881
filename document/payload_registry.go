package document

import (
	"errors"
	"fmt"

	"github.com/c360studio/semstreams/payloadregistry"
)

// RegisterPayloads registers the document payload types with the supplied
// registry so BaseMessage deserialization recreates them typed. Called from
// the binary during bootstrap, after the builtin payloads. Errors aggregate
// via errors.Join so a misconfigured boot reports every collision at once.
func RegisterPayloads(reg *payloadregistry.Registry) error {
	registrations := []*payloadregistry.Registration{
		{Domain: "doc", Category: "user-signal", Version: "v1", Description: "User signal against a project or block", Factory: func() any { return &UserSignalPayload{} }},
		{Domain: "doc", Category: "task-completion", Version: "v1", Description: "Worker task completion report", Factory: func() any { return &TaskCompletionPayload{} }},
		{Domain: "doc", Category: "task-envelope", Version: "v1", Description: "Dispatched task envelope consumed by workers", Factory: func() any { return &TaskEnvelope{} }},
	}

	var errs []error
	for _, r := range registrations {
		if err := reg.Register(r); err != nil {
			errs = append(errs, fmt.Errorf("register %s.%s.%s: %w", r.Domain, r.Category, r.Version, err))
		}
	}
	return errors.Join(errs...)
}
