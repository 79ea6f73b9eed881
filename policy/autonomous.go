package policy

import (
	"github.com/lemmalab/lemma/document"
)

// Autonomous drives blocks without user input. Passing QC at or above the
// threshold validates the block and moves planning forward; failing QC
// spends the refinement budget and, once exhausted, retires the slot
// without halting the rest of the project.
type Autonomous struct{}

// Mode implements Policy.
func (Autonomous) Mode() document.Mode {
	return document.ModeAutonomous
}

// AfterTransition implements Policy.
func (Autonomous) AfterTransition(in Input) []Action {
	switch in.Decision.Event {
	case document.EventGenerateSuccess, document.EventRefinementSuccess:
		return []Action{{Kind: ActionEnqueueQC}}

	case document.EventQCPassed:
		// The FSM already resolved the threshold check; reaching here with
		// qc_passed means the block validated.
		return []Action{{Kind: ActionPlanNext}}

	case document.EventQCFailed:
		if in.Attempts < in.Limits.MaxRefinementAttempts {
			return []Action{{Kind: ActionRefineSlot, FeedbackSource: document.FeedbackFromQC}}
		}
		// Budget spent: retire the slot and keep the project moving.
		return []Action{
			{Kind: ActionExhaustSlot},
			{Kind: ActionPlanNext},
		}

	case document.EventRefinementFailed:
		return []Action{{Kind: ActionPlanNext}}

	case document.EventUserRedo:
		// A user may still intervene in autonomous mode.
		return []Action{{Kind: ActionRefineSlot, FeedbackSource: document.FeedbackFromUser}}

	default:
		return nil
	}
}

// OnVersionComplete implements Policy. The whole version assembles without
// user involvement; export follows from the assembly completion.
func (Autonomous) OnVersionComplete() []Action {
	return []Action{{Kind: ActionAssemble}}
}
