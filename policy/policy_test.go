package policy

import (
	"testing"

	"github.com/lemmalab/lemma/document"
)

var limits = Limits{MaxRefinementAttempts: 5, ValidationThreshold: 70.0}

func kinds(actions []Action) []ActionKind {
	out := make([]ActionKind, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Kind)
	}
	return out
}

func TestSupervisedAfterTransition(t *testing.T) {
	p := Supervised{}

	tests := []struct {
		name  string
		event document.Event
		want  []ActionKind
	}{
		{"generation success runs qc", document.EventGenerateSuccess, []ActionKind{ActionEnqueueQC}},
		{"refinement success runs qc", document.EventRefinementSuccess, []ActionKind{ActionEnqueueQC}},
		{"qc pass parks", document.EventQCPassed, nil},
		{"qc fail parks", document.EventQCFailed, nil},
		{"user validate plans next", document.EventUserValidate, []ActionKind{ActionPlanNext}},
		{"user redo refines", document.EventUserRedo, []ActionKind{ActionRefineSlot}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.AfterTransition(Input{
				Decision: document.Decision{Event: tt.event},
				Limits:   limits,
			})
			assertKinds(t, got, tt.want)
		})
	}
}

func TestSupervisedRedoUsesUserFeedback(t *testing.T) {
	got := Supervised{}.AfterTransition(Input{
		Decision: document.Decision{Event: document.EventUserRedo, Target: document.StateRefinementPending},
		Limits:   limits,
	})
	if len(got) != 1 || got[0].FeedbackSource != document.FeedbackFromUser {
		t.Fatalf("redo actions = %+v, want one refine_slot with user feedback", got)
	}
}

func TestSupervisedNeverAssemblesAutomatically(t *testing.T) {
	if got := (Supervised{}).OnVersionComplete(); len(got) != 0 {
		t.Fatalf("OnVersionComplete = %v, want none", kinds(got))
	}
}

func TestAutonomousAfterTransition(t *testing.T) {
	p := Autonomous{}

	tests := []struct {
		name     string
		event    document.Event
		attempts int
		want     []ActionKind
	}{
		{"generation success runs qc", document.EventGenerateSuccess, 0, []ActionKind{ActionEnqueueQC}},
		{"validated plans next", document.EventQCPassed, 0, []ActionKind{ActionPlanNext}},
		{"qc fail under budget refines", document.EventQCFailed, 0, []ActionKind{ActionRefineSlot}},
		{"qc fail at last attempt refines", document.EventQCFailed, 4, []ActionKind{ActionRefineSlot}},
		{"qc fail at cap exhausts and moves on", document.EventQCFailed, 5, []ActionKind{ActionExhaustSlot, ActionPlanNext}},
		{"refinement failed moves on", document.EventRefinementFailed, 5, []ActionKind{ActionPlanNext}},
		{"user redo still allowed", document.EventUserRedo, 1, []ActionKind{ActionRefineSlot}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.AfterTransition(Input{
				Decision: document.Decision{Event: tt.event},
				Attempts: tt.attempts,
				Limits:   limits,
			})
			assertKinds(t, got, tt.want)
		})
	}
}

func TestAutonomousRefineUsesQCFeedback(t *testing.T) {
	got := Autonomous{}.AfterTransition(Input{
		Decision: document.Decision{Event: document.EventQCFailed, Target: document.StateQCFailed},
		Attempts: 2,
		Limits:   limits,
	})
	if len(got) != 1 || got[0].FeedbackSource != document.FeedbackFromQC {
		t.Fatalf("refine actions = %+v, want one refine_slot with qc feedback", got)
	}
}

func TestAutonomousAssemblesOnCompletion(t *testing.T) {
	got := Autonomous{}.OnVersionComplete()
	assertKinds(t, got, []ActionKind{ActionAssemble})
}

func TestForMode(t *testing.T) {
	if p := ForMode(document.ModeSupervised); p == nil || p.Mode() != document.ModeSupervised {
		t.Error("ForMode(supervised) wrong policy")
	}
	if p := ForMode(document.ModeAutonomous); p == nil || p.Mode() != document.ModeAutonomous {
		t.Error("ForMode(autonomous) wrong policy")
	}
	if p := ForMode("chaotic"); p != nil {
		t.Error("ForMode should return nil for unknown modes")
	}
}

func assertKinds(t *testing.T, got []Action, want []ActionKind) {
	t.Helper()
	gotKinds := kinds(got)
	if len(gotKinds) != len(want) {
		t.Fatalf("actions = %v, want %v", gotKinds, want)
	}
	for i := range want {
		if gotKinds[i] != want[i] {
			t.Fatalf("actions = %v, want %v", gotKinds, want)
		}
	}
}
