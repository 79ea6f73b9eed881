package document

import (
	"encoding/json"

	"github.com/lemmalab/lemma/fault"
)

// DecodeWire unwraps a typed payload from NATS message data. Components
// publish BaseMessage envelopes; gateways and tests may post the bare
// payload, so both wire shapes are accepted.
func DecodeWire[T any](data []byte) (*T, error) {
	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Payload) > 0 {
		data = envelope.Payload
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	return &out, nil
}
