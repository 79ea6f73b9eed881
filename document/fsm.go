package document

import (
	"github.com/lemmalab/lemma/fault"
)

// BlockState is a state of the per-block machine.
type BlockState string

const (
	// StatePendingGeneration is the initial state of a new block.
	StatePendingGeneration BlockState = "pending_generation"
	// StateGenerationInProgress indicates a generate task is running.
	StateGenerationInProgress BlockState = "generation_in_progress"
	// StateGenerationFailed indicates generation exhausted its retries.
	StateGenerationFailed BlockState = "generation_failed"
	// StateQCPending indicates generated content awaits quality control.
	StateQCPending BlockState = "qc_pending"
	// StateQCInProgress indicates a QC task is running.
	StateQCInProgress BlockState = "qc_in_progress"
	// StateQCPassed indicates QC succeeded and the block awaits disposition.
	StateQCPassed BlockState = "qc_passed"
	// StateQCFailed indicates QC rejected the content.
	StateQCFailed BlockState = "qc_failed"
	// StateRefinementPending indicates a refinement is scheduled.
	StateRefinementPending BlockState = "refinement_pending"
	// StateRefinementInProgress indicates a refine task is running.
	StateRefinementInProgress BlockState = "refinement_in_progress"
	// StateRefinementFailed indicates the refinement budget is exhausted.
	StateRefinementFailed BlockState = "refinement_failed"
	// StatePendingValidation indicates the block awaits a user decision.
	StatePendingValidation BlockState = "pending_validation"
	// StateValidated indicates the block is accepted into the document.
	StateValidated BlockState = "validated"
	// StateArchived indicates the block was retired by refinement or revision.
	StateArchived BlockState = "archived"
	// StateCriticalError indicates an internal invariant violation stopped
	// this block. Other blocks of the project may still progress.
	StateCriticalError BlockState = "critical_error"
)

// String returns the string representation of the state.
func (s BlockState) String() string {
	return string(s)
}

// IsValid returns true if the state is a valid block state.
func (s BlockState) IsValid() bool {
	switch s {
	case StatePendingGeneration, StateGenerationInProgress, StateGenerationFailed,
		StateQCPending, StateQCInProgress, StateQCPassed, StateQCFailed,
		StateRefinementPending, StateRefinementInProgress, StateRefinementFailed,
		StatePendingValidation, StateValidated, StateArchived, StateCriticalError:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transition is possible except archive.
func (s BlockState) IsTerminal() bool {
	switch s {
	case StateValidated, StateRefinementFailed, StateArchived, StateCriticalError:
		return true
	default:
		return false
	}
}

// Event is an input to the block state machine: a user signal or a worker
// result translated by the intake.
type Event string

const (
	// EventGenerateStarted marks a generate task claimed by a worker.
	EventGenerateStarted Event = "generate_started"
	// EventGenerateSuccess carries new LaTeX content from a worker.
	EventGenerateSuccess Event = "generate_success"
	// EventGenerateFailed marks a generate task out of retries.
	EventGenerateFailed Event = "generate_failed"
	// EventQCStarted marks a QC task claimed by a worker.
	EventQCStarted Event = "qc_started"
	// EventQCPassed carries a passing QC report; its effective target is
	// resolved by the project mode (see Decide).
	EventQCPassed Event = "qc_passed"
	// EventQCFailed carries a failing QC report.
	EventQCFailed Event = "qc_failed"
	// EventRefinementStarted marks a refine task claimed by a worker.
	EventRefinementStarted Event = "refinement_started"
	// EventRefinementSuccess carries refined content from a worker.
	EventRefinementSuccess Event = "refinement_success"
	// EventRefinementFailed marks the refinement budget exhausted.
	EventRefinementFailed Event = "refinement_failed"
	// EventUserValidate is the user accepting a block.
	EventUserValidate Event = "user_validate"
	// EventUserRedo is the user requesting a refinement.
	EventUserRedo Event = "user_redo"
	// EventArchive retires a block.
	EventArchive Event = "archive"
	// EventCriticalFail records an internal invariant violation.
	EventCriticalFail Event = "critical_fail"
)

// String returns the string representation of the event.
func (e Event) String() string {
	return string(e)
}

// IsValid returns true if the event is a valid block event.
func (e Event) IsValid() bool {
	switch e {
	case EventGenerateStarted, EventGenerateSuccess, EventGenerateFailed,
		EventQCStarted, EventQCPassed, EventQCFailed,
		EventRefinementStarted, EventRefinementSuccess, EventRefinementFailed,
		EventUserValidate, EventUserRedo, EventArchive, EventCriticalFail:
		return true
	default:
		return false
	}
}

// transitions is the block transition table. Any (state, event) pair absent
// from the table is forbidden. The (qc_in_progress, qc_passed) cell is
// resolved per mode by Decide and deliberately absent here.
var transitions = map[BlockState]map[Event]BlockState{
	StatePendingGeneration: {
		EventGenerateStarted: StateGenerationInProgress,
		EventArchive:         StateArchived,
		EventCriticalFail:    StateCriticalError,
	},
	StateGenerationInProgress: {
		EventGenerateSuccess: StateQCPending,
		EventGenerateFailed:  StateGenerationFailed,
		EventCriticalFail:    StateCriticalError,
	},
	StateGenerationFailed: {
		EventArchive: StateArchived,
	},
	StateQCPending: {
		EventQCStarted: StateQCInProgress,
	},
	StateQCInProgress: {
		EventQCFailed:     StateQCFailed,
		EventCriticalFail: StateCriticalError,
	},
	StateQCPassed: {
		EventUserValidate: StateValidated,
		EventUserRedo:     StateRefinementPending,
		EventArchive:      StateArchived,
	},
	StateQCFailed: {
		EventRefinementStarted: StateRefinementInProgress,
		EventUserRedo:          StateRefinementPending,
		// A block superseded by a refinement retires here.
		EventArchive: StateArchived,
	},
	StateRefinementPending: {
		EventRefinementStarted: StateRefinementInProgress,
		EventArchive:           StateArchived,
	},
	StateRefinementInProgress: {
		EventRefinementSuccess: StateQCPending,
		EventRefinementFailed:  StateRefinementFailed,
		EventCriticalFail:      StateCriticalError,
	},
	StateRefinementFailed: {
		EventArchive: StateArchived,
	},
	StatePendingValidation: {
		EventUserValidate: StateValidated,
		EventUserRedo:     StateRefinementPending,
	},
	StateValidated: {
		EventArchive: StateArchived,
	},
}

// Decision is a resolved transition: the effective event (after any
// mode-dependent rewrite) and the target state. Via, when set, is an
// intermediate state the block passes through on its way to Target; the
// caller commits Via and Target as two consecutive writes.
type Decision struct {
	Event  Event
	Target BlockState
	Via    BlockState
}

// Decide resolves an event against the current state under the given mode.
//
// The qc_passed event from qc_in_progress is mode-dependent: in supervised
// mode the block parks in pending_validation awaiting the user; in autonomous
// mode it validates directly when the report scores at or above threshold
// with no critical problem, and is otherwise rewritten to qc_failed. Every
// other cell comes straight from the transition table.
func Decide(state BlockState, event Event, mode Mode, report *QCReport, threshold float64) (Decision, error) {
	if !state.IsValid() {
		return Decision{}, fault.Newf(fault.KindInternal, "unknown block state %q", state)
	}
	if !event.IsValid() {
		return Decision{}, fault.Newf(fault.KindInvalidTransition, "unknown event %q", event)
	}

	if state == StateQCInProgress && event == EventQCPassed {
		if report == nil {
			return Decision{}, fault.New(fault.KindInternal, "qc_passed event without a report")
		}
		switch mode {
		case ModeSupervised:
			return Decision{Event: EventQCPassed, Target: StatePendingValidation}, nil
		case ModeAutonomous:
			if report.OverallScore >= threshold && !report.HasCritical() {
				// The block is observable in qc_passed before auto-validation.
				return Decision{Event: EventQCPassed, Target: StateValidated, Via: StateQCPassed}, nil
			}
			return Decision{Event: EventQCFailed, Target: StateQCFailed}, nil
		default:
			return Decision{}, fault.Newf(fault.KindInternal, "unknown mode %q", mode)
		}
	}

	target, ok := transitions[state][event]
	if !ok {
		return Decision{}, fault.Newf(fault.KindInvalidTransition,
			"event %s is not legal from state %s", event, state)
	}
	return Decision{Event: event, Target: target}, nil
}

// CanApply reports whether the event is legal from the state in the given
// mode, without needing a report for the mode-dependent cell.
func CanApply(state BlockState, event Event, mode Mode) bool {
	if state == StateQCInProgress && event == EventQCPassed {
		return mode.IsValid()
	}
	_, ok := transitions[state][event]
	return ok
}
