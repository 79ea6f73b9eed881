package document

// PlanOutcome is the planner's verdict for a version.
type PlanOutcome string

const (
	// PlanNext indicates at least one slot should be generated next.
	PlanNext PlanOutcome = "next"
	// PlanWait indicates slots are in flight and nothing new should start.
	PlanWait PlanOutcome = "wait"
	// PlanComplete indicates every slot is in a terminal state.
	PlanComplete PlanOutcome = "complete"
)

// Plan walks the version's structural slots in document order and selects
// the next blocks to generate in autonomous mode.
//
// A slot is skipped when its block is terminal. Slots whose blocks are in
// flight (anything between pending_generation and a terminal state, pending
// generation excluded) hold their position but do not block later slots:
// sibling slots are independent, so the planner emits every slot still in
// pending_generation, at most one per slot per sweep. When all slots are
// terminal the outcome is PlanComplete.
func Plan(structure ContentStructure, states map[string]BlockState) (PlanOutcome, []BlockRef) {
	var next []BlockRef
	inFlight := false
	for _, ref := range structure.Slots() {
		state, ok := states[ref.BlockID]
		if !ok {
			state = StatePendingGeneration
		}
		if state.IsTerminal() {
			continue
		}
		if state == StatePendingGeneration {
			next = append(next, ref)
			continue
		}
		inFlight = true
	}
	switch {
	case len(next) > 0:
		return PlanNext, next
	case inFlight:
		return PlanWait, nil
	default:
		return PlanComplete, nil
	}
}

// VersionDone reports whether every slot of the version holds a terminal
// block, and whether any slot ended in refinement_failed or critical_error.
func VersionDone(structure ContentStructure, states map[string]BlockState) (done bool, failed bool) {
	done = true
	for _, ref := range structure.Slots() {
		state, ok := states[ref.BlockID]
		if !ok || !state.IsTerminal() {
			done = false
			continue
		}
		if state == StateRefinementFailed || state == StateCriticalError {
			failed = true
		}
	}
	return done, failed
}
