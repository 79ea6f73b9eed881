// Package model provides capability-based model selection for generation
// tasks. Instead of hardcoding model names, workers specify capabilities
// (formal, exposition, refinement) and the registry resolves them to
// available endpoints with fallback chains.
package model

import "github.com/lemmalab/lemma/document"

// Capability represents a semantic capability for model selection.
// Instead of specifying "claude-sonnet", workers specify "formal" or
// "exposition".
type Capability string

const (
	// CapabilityFormal is for definitions, theorem statements, and proof
	// skeletons, where notational precision matters most.
	CapabilityFormal Capability = "formal"

	// CapabilityExposition is for narrative text and intuition passages.
	CapabilityExposition Capability = "exposition"

	// CapabilityExamples is for worked examples and exercises.
	CapabilityExamples Capability = "examples"

	// CapabilityRefinement is for feedback-driven revision of existing
	// content.
	CapabilityRefinement Capability = "refinement"

	// CapabilityFast is for quick, structurally simple completions.
	CapabilityFast Capability = "fast"
)

// BlockCapabilities maps block types to their default capability.
// Used when no explicit capability or model is specified.
var BlockCapabilities = map[document.BlockType]Capability{
	document.BlockDefinition:    CapabilityFormal,
	document.BlockTheorem:       CapabilityFormal,
	document.BlockProofSkeleton: CapabilityFormal,
	document.BlockIntuition:     CapabilityExposition,
	document.BlockText:          CapabilityExposition,
	document.BlockExample:       CapabilityExamples,
	document.BlockExercise:      CapabilityExamples,
}

// CapabilityForBlock returns the default capability for a block type.
// Returns CapabilityExposition as fallback for unknown types.
func CapabilityForBlock(t document.BlockType) Capability {
	if cap, ok := BlockCapabilities[t]; ok {
		return cap
	}
	return CapabilityExposition
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityFormal, CapabilityExposition, CapabilityExamples, CapabilityRefinement, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for
// invalid values.
func ParseCapability(s string) Capability {
	cap := Capability(s)
	if cap.IsValid() {
		return cap
	}
	return ""
}
