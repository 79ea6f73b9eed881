package document

import (
	"github.com/c360studio/semstreams/natsclient"
)

// Subject name constants. Queue subjects live under doc.task.queue.<queue>
// so a single stream captures all five queues with one wildcard.
const (
	// SubjectUserSignal receives user signals from the gateway.
	SubjectUserSignal = "doc.signal.user"
	// SubjectTaskCompletion receives worker completion reports.
	SubjectTaskCompletion = "doc.task.completion"
	// SubjectTaskQueuePrefix prefixes the five queue subjects.
	SubjectTaskQueuePrefix = "doc.task.queue"
	// SubjectBlockEvents carries committed block transitions for observers.
	SubjectBlockEvents = "doc.events.block.transition"
	// SubjectProjectEvents carries project status changes for observers.
	SubjectProjectEvents = "doc.events.project.status"
)

// QueueSubject returns the NATS subject for a dispatch queue.
func QueueSubject(q Queue) string {
	return SubjectTaskQueuePrefix + "." + q.String()
}

// BlockTransitionEvent is published after every committed block transition.
type BlockTransitionEvent struct {
	ProjectID string     `json:"project_id"`
	BlockID   string     `json:"block_id"`
	SlotID    string     `json:"slot_id"`
	From      BlockState `json:"from"`
	Event     Event      `json:"event"`
	To        BlockState `json:"to"`
}

// ProjectStatusEvent is published when a project changes status.
type ProjectStatusEvent struct {
	ProjectID string        `json:"project_id"`
	From      ProjectStatus `json:"from"`
	To        ProjectStatus `json:"to"`
	Detail    string        `json:"detail,omitempty"`
}

// Typed subject definitions for engine events. These provide compile-time
// type safety for NATS publish/subscribe operations.
var (
	BlockTransitions = natsclient.NewSubject[BlockTransitionEvent](SubjectBlockEvents)
	ProjectStatuses  = natsclient.NewSubject[ProjectStatusEvent](SubjectProjectEvents)
)
