package document

import (
	"testing"

	"github.com/lemmalab/lemma/fault"
)

func TestDecideTable(t *testing.T) {
	tests := []struct {
		name  string
		state BlockState
		event Event
		want  BlockState
	}{
		{"generate started", StatePendingGeneration, EventGenerateStarted, StateGenerationInProgress},
		{"archive before generation", StatePendingGeneration, EventArchive, StateArchived},
		{"critical before generation", StatePendingGeneration, EventCriticalFail, StateCriticalError},
		{"generate success", StateGenerationInProgress, EventGenerateSuccess, StateQCPending},
		{"generate failed", StateGenerationInProgress, EventGenerateFailed, StateGenerationFailed},
		{"critical during generation", StateGenerationInProgress, EventCriticalFail, StateCriticalError},
		{"archive failed generation", StateGenerationFailed, EventArchive, StateArchived},
		{"qc started", StateQCPending, EventQCStarted, StateQCInProgress},
		{"qc failed", StateQCInProgress, EventQCFailed, StateQCFailed},
		{"critical during qc", StateQCInProgress, EventCriticalFail, StateCriticalError},
		{"validate passed block", StateQCPassed, EventUserValidate, StateValidated},
		{"redo passed block", StateQCPassed, EventUserRedo, StateRefinementPending},
		{"archive passed block", StateQCPassed, EventArchive, StateArchived},
		{"refinement after qc failure", StateQCFailed, EventRefinementStarted, StateRefinementInProgress},
		{"user redo after qc failure", StateQCFailed, EventUserRedo, StateRefinementPending},
		{"archive superseded failed block", StateQCFailed, EventArchive, StateArchived},
		{"refinement started", StateRefinementPending, EventRefinementStarted, StateRefinementInProgress},
		{"archive superseded pending refinement", StateRefinementPending, EventArchive, StateArchived},
		{"refinement success", StateRefinementInProgress, EventRefinementSuccess, StateQCPending},
		{"refinement failed", StateRefinementInProgress, EventRefinementFailed, StateRefinementFailed},
		{"critical during refinement", StateRefinementInProgress, EventCriticalFail, StateCriticalError},
		{"archive exhausted slot", StateRefinementFailed, EventArchive, StateArchived},
		{"user validates parked block", StatePendingValidation, EventUserValidate, StateValidated},
		{"user redoes parked block", StatePendingValidation, EventUserRedo, StateRefinementPending},
		{"archive validated block", StateValidated, EventArchive, StateArchived},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Decide(tt.state, tt.event, ModeSupervised, nil, 70.0)
			if err != nil {
				t.Fatalf("Decide(%s, %s) error: %v", tt.state, tt.event, err)
			}
			if d.Target != tt.want {
				t.Errorf("Decide(%s, %s) = %s, want %s", tt.state, tt.event, d.Target, tt.want)
			}
			if d.Event != tt.event {
				t.Errorf("Decide(%s, %s) rewrote event to %s", tt.state, tt.event, d.Event)
			}
		})
	}
}

func TestDecideForbiddenCells(t *testing.T) {
	tests := []struct {
		name  string
		state BlockState
		event Event
	}{
		{"redo during generation", StateGenerationInProgress, EventUserRedo},
		{"validate during generation", StateGenerationInProgress, EventUserValidate},
		{"generate from qc", StateQCPending, EventGenerateStarted},
		{"qc result without qc task", StatePendingGeneration, EventQCPassed},
		{"validate archived block", StateArchived, EventUserValidate},
		{"anything from critical", StateCriticalError, EventArchive},
		{"refine a validated block", StateValidated, EventRefinementStarted},
		{"double start", StateRefinementInProgress, EventRefinementStarted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decide(tt.state, tt.event, ModeAutonomous, nil, 70.0)
			if err == nil {
				t.Fatalf("Decide(%s, %s) succeeded, want invalid_transition", tt.state, tt.event)
			}
			if !fault.IsInvalidTransition(err) {
				t.Errorf("Decide(%s, %s) error kind = %s, want invalid_transition", tt.state, tt.event, fault.KindOf(err))
			}
		})
	}
}

func TestDecideQCPassedByMode(t *testing.T) {
	tests := []struct {
		name      string
		mode      Mode
		report    QCReport
		threshold float64
		wantEvent Event
		wantState BlockState
		wantVia   BlockState
	}{
		{
			name:      "supervised parks regardless of score",
			mode:      ModeSupervised,
			report:    QCReport{OverallScore: 95, Status: QCPassed},
			threshold: 70,
			wantEvent: EventQCPassed,
			wantState: StatePendingValidation,
		},
		{
			name:      "autonomous validates above threshold",
			mode:      ModeAutonomous,
			report:    QCReport{OverallScore: 95, Status: QCPassed},
			threshold: 70,
			wantEvent: EventQCPassed,
			wantState: StateValidated,
			wantVia:   StateQCPassed,
		},
		{
			name:      "autonomous validates exactly at threshold",
			mode:      ModeAutonomous,
			report:    QCReport{OverallScore: 70, Status: QCPassed},
			threshold: 70,
			wantEvent: EventQCPassed,
			wantState: StateValidated,
			wantVia:   StateQCPassed,
		},
		{
			name:      "autonomous rewrites just below threshold",
			mode:      ModeAutonomous,
			report:    QCReport{OverallScore: 69.99, Status: QCPassed},
			threshold: 70,
			wantEvent: EventQCFailed,
			wantState: StateQCFailed,
		},
		{
			name: "autonomous rewrites on critical problem despite score",
			mode: ModeAutonomous,
			report: QCReport{OverallScore: 90, Status: QCFailed, Problems: []Problem{
				{Type: ProblemMathError, Severity: SeverityCritical, Description: "wrong sign"},
			}},
			threshold: 70,
			wantEvent: EventQCFailed,
			wantState: StateQCFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := tt.report
			d, err := Decide(StateQCInProgress, EventQCPassed, tt.mode, &report, tt.threshold)
			if err != nil {
				t.Fatalf("Decide error: %v", err)
			}
			if d.Event != tt.wantEvent {
				t.Errorf("event = %s, want %s", d.Event, tt.wantEvent)
			}
			if d.Target != tt.wantState {
				t.Errorf("target = %s, want %s", d.Target, tt.wantState)
			}
			if d.Via != tt.wantVia {
				t.Errorf("via = %s, want %s", d.Via, tt.wantVia)
			}
		})
	}
}

func TestDecideQCPassedRequiresReport(t *testing.T) {
	_, err := Decide(StateQCInProgress, EventQCPassed, ModeAutonomous, nil, 70)
	if err == nil {
		t.Fatal("Decide succeeded without a report")
	}
	if fault.KindOf(err) != fault.KindInternal {
		t.Errorf("error kind = %s, want internal", fault.KindOf(err))
	}
}

func TestBlockStateTerminal(t *testing.T) {
	terminal := []BlockState{StateValidated, StateRefinementFailed, StateArchived, StateCriticalError}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []BlockState{
		StatePendingGeneration, StateGenerationInProgress, StateGenerationFailed,
		StateQCPending, StateQCInProgress, StateQCPassed, StateQCFailed,
		StateRefinementPending, StateRefinementInProgress, StatePendingValidation,
	}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCanApply(t *testing.T) {
	if !CanApply(StateQCInProgress, EventQCPassed, ModeAutonomous) {
		t.Error("qc_passed should be applicable from qc_in_progress")
	}
	if CanApply(StateGenerationInProgress, EventUserRedo, ModeAutonomous) {
		t.Error("user_redo should not be applicable during generation")
	}
}
