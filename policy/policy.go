// Package policy implements the two mode policies that decide which side
// effects follow each committed block transition. Policies are pure
// functions of their inputs: they never touch the store or the dispatcher,
// they only name the follow-up actions for the driver to execute.
package policy

import (
	"github.com/lemmalab/lemma/document"
)

// ActionKind names a follow-up the driver must execute.
type ActionKind string

const (
	// ActionEnqueueQC submits a run_qc task for the block.
	ActionEnqueueQC ActionKind = "enqueue_qc"
	// ActionRefineSlot creates a refinement block in the same slot, archives
	// the predecessor, and submits a refine_block task.
	ActionRefineSlot ActionKind = "refine_slot"
	// ActionExhaustSlot drives the block to refinement_failed; the slot is
	// out of refinement budget.
	ActionExhaustSlot ActionKind = "exhaust_slot"
	// ActionPlanNext asks the planner for the next slots to generate.
	ActionPlanNext ActionKind = "plan_next"
	// ActionAssemble submits an assemble_document task for the version.
	ActionAssemble ActionKind = "assemble"
)

// Action is one follow-up side effect.
type Action struct {
	// Kind names the follow-up
	Kind ActionKind

	// FeedbackSource selects the refinement input for refine_slot
	FeedbackSource document.FeedbackSource
}

// Limits carries the configured bounds a policy decision depends on.
type Limits struct {
	// MaxRefinementAttempts caps refinement generations per slot
	MaxRefinementAttempts int

	// ValidationThreshold is the minimum QC score for autonomous validation
	ValidationThreshold float64
}

// Input is everything a policy may look at when deciding follow-ups.
type Input struct {
	// From is the state the block left
	From document.BlockState

	// Decision is the committed transition (effective event and target)
	Decision document.Decision

	// Attempts is the block's refinement_attempts counter
	Attempts int

	// Limits are the configured bounds
	Limits Limits
}

// Policy decides follow-up side effects for committed transitions.
// Implementations must be pure and safe for concurrent use.
type Policy interface {
	// Mode identifies which project mode the policy serves.
	Mode() document.Mode

	// AfterTransition returns the follow-ups for a committed transition.
	AfterTransition(in Input) []Action

	// OnVersionComplete returns the follow-ups when every slot of the
	// current version holds a terminal block.
	OnVersionComplete() []Action
}

// ForMode returns the policy serving the given mode, or nil for an unknown
// mode.
func ForMode(m document.Mode) Policy {
	switch m {
	case document.ModeSupervised:
		return Supervised{}
	case document.ModeAutonomous:
		return Autonomous{}
	default:
		return nil
	}
}
