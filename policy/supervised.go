package policy

import (
	"github.com/lemmalab/lemma/document"
)

// Supervised gates every disposition on user input. QC runs automatically
// after generation, but a block that passes QC parks in pending_validation
// and a block that fails QC parks in qc_failed; both wait for the user.
type Supervised struct{}

// Mode implements Policy.
func (Supervised) Mode() document.Mode {
	return document.ModeSupervised
}

// AfterTransition implements Policy.
func (Supervised) AfterTransition(in Input) []Action {
	switch in.Decision.Event {
	case document.EventGenerateSuccess, document.EventRefinementSuccess:
		return []Action{{Kind: ActionEnqueueQC}}
	case document.EventUserRedo:
		// The user's feedback drives the refinement.
		return []Action{{Kind: ActionRefineSlot, FeedbackSource: document.FeedbackFromUser}}
	case document.EventUserValidate:
		// Validation unblocks planning of the remaining slots.
		return []Action{{Kind: ActionPlanNext}}
	default:
		// qc_passed and qc_failed park awaiting the user's choice.
		return nil
	}
}

// OnVersionComplete implements Policy. Assembly waits for the user's
// all_approved signal; nothing is enqueued automatically.
func (Supervised) OnVersionComplete() []Action {
	return nil
}
