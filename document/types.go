// Package document provides the domain model for LLM-generated mathematical
// documents: projects, versions, content blocks, QC reports, feedback, and
// the per-block state machine that governs generation and refinement.
package document

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
)

// Mode is the project-level control policy.
type Mode string

const (
	// ModeSupervised gates block transitions on explicit user input.
	ModeSupervised Mode = "supervised"
	// ModeAutonomous gates block transitions on QC score thresholds.
	ModeAutonomous Mode = "autonomous"
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	return string(m)
}

// IsValid returns true if the mode is a recognized operating mode.
func (m Mode) IsValid() bool {
	return m == ModeSupervised || m == ModeAutonomous
}

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	// ProjectDraft indicates the project exists but work has not started.
	ProjectDraft ProjectStatus = "draft"
	// ProjectInProgress indicates blocks are being generated and reviewed.
	ProjectInProgress ProjectStatus = "in_progress"
	// ProjectNeedsManualReview indicates at least one block exhausted its
	// refinement budget and a human must intervene.
	ProjectNeedsManualReview ProjectStatus = "needs_manual_review"
	// ProjectExportPending indicates assembly succeeded and export is queued.
	ProjectExportPending ProjectStatus = "export_pending"
	// ProjectExportFailed indicates the export task exhausted its retries.
	ProjectExportFailed ProjectStatus = "export_failed"
	// ProjectCompleted indicates all blocks reached a terminal state.
	ProjectCompleted ProjectStatus = "completed"
	// ProjectCompletedExported indicates the document was exported.
	ProjectCompletedExported ProjectStatus = "completed_exported"
	// ProjectCancelled indicates the user cancelled the project.
	ProjectCancelled ProjectStatus = "cancelled"
)

// String returns the string representation of the status.
func (s ProjectStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a valid project status.
func (s ProjectStatus) IsValid() bool {
	switch s {
	case ProjectDraft, ProjectInProgress, ProjectNeedsManualReview,
		ProjectExportPending, ProjectExportFailed,
		ProjectCompleted, ProjectCompletedExported, ProjectCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further project transitions are possible.
func (s ProjectStatus) IsTerminal() bool {
	return s == ProjectCompletedExported || s == ProjectCancelled
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s ProjectStatus) CanTransitionTo(target ProjectStatus) bool {
	switch s {
	case ProjectDraft:
		return target == ProjectInProgress || target == ProjectCancelled
	case ProjectInProgress:
		return target == ProjectNeedsManualReview || target == ProjectCompleted ||
			target == ProjectExportPending || target == ProjectCancelled
	case ProjectNeedsManualReview:
		// Clears when the user redoes the failed slot.
		return target == ProjectInProgress || target == ProjectCancelled
	case ProjectExportPending:
		return target == ProjectCompletedExported || target == ProjectExportFailed ||
			target == ProjectCancelled
	case ProjectExportFailed:
		return target == ProjectExportPending || target == ProjectCancelled
	case ProjectCompleted:
		return target == ProjectExportPending || target == ProjectCancelled
	case ProjectCompletedExported, ProjectCancelled:
		return false // Terminal states
	default:
		return false
	}
}

// Project is the top-level unit of work submitted by a user.
type Project struct {
	// ID is the unique project identifier
	ID string `json:"id"`

	// OwnerID identifies the submitting user
	OwnerID string `json:"owner_id"`

	// Title is the human-readable title
	Title string `json:"title"`

	// Subject is the mathematical subject (e.g. "galois theory")
	Subject string `json:"subject"`

	// Level is the pedagogical level (e.g. "undergraduate")
	Level string `json:"level"`

	// Style is the rhetorical style (e.g. "bourbaki", "conversational")
	Style string `json:"style"`

	// Mode selects the control policy for block transitions
	Mode Mode `json:"mode"`

	// Status is the current lifecycle state
	Status ProjectStatus `json:"status"`

	// CurrentStep is a free-form progress marker surfaced to the client
	CurrentStep string `json:"current_step,omitempty"`

	// CurrentVersionID is the project's single current document version
	CurrentVersionID string `json:"current_version_id,omitempty"`

	// CreatedAt is when the project was submitted
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the project was last modified
	UpdatedAt time.Time `json:"updated_at"`

	// CancelledAt is the commit timestamp of the cancellation, if any.
	// Blocks must not transition after this instant.
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// VersionStatus represents the lifecycle state of a document version.
type VersionStatus string

const (
	// VersionDraft indicates blocks in this version are still in flight.
	VersionDraft VersionStatus = "draft"
	// VersionValidated indicates every slot reached a terminal block state.
	VersionValidated VersionStatus = "validated"
	// VersionArchived indicates a structural revision superseded this version.
	VersionArchived VersionStatus = "archived"
)

// String returns the string representation of the status.
func (s VersionStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a valid version status.
func (s VersionStatus) IsValid() bool {
	return s == VersionDraft || s == VersionValidated || s == VersionArchived
}

// DocumentVersion is an immutable snapshot of the document structure and its
// current block references. A project has exactly one current version.
type DocumentVersion struct {
	// ID is the unique version identifier
	ID string `json:"id"`

	// ProjectID is the owning project
	ProjectID string `json:"project_id"`

	// VersionNumber is monotone and unique per project
	VersionNumber int `json:"version_number"`

	// Structure is the ordered chapter/section/slot tree
	Structure ContentStructure `json:"structure"`

	// Status is the current lifecycle state
	Status VersionStatus `json:"status"`

	// CreatedAt is when the version was created
	CreatedAt time.Time `json:"created_at"`
}

// BlockType classifies the content a block holds.
type BlockType string

const (
	// BlockDefinition is a formal definition block.
	BlockDefinition BlockType = "definition"
	// BlockIntuition is an informal motivation or intuition block.
	BlockIntuition BlockType = "intuition"
	// BlockProofSkeleton is a structured proof outline.
	BlockProofSkeleton BlockType = "proof_skeleton"
	// BlockExercise is an exercise with an expected difficulty.
	BlockExercise BlockType = "exercise"
	// BlockText is free-running expository text.
	BlockText BlockType = "text"
	// BlockExample is a worked example.
	BlockExample BlockType = "example"
	// BlockTheorem is a theorem statement.
	BlockTheorem BlockType = "theorem"
)

// String returns the string representation of the block type.
func (t BlockType) String() string {
	return string(t)
}

// IsValid returns true if the block type is recognized.
func (t BlockType) IsValid() bool {
	switch t {
	case BlockDefinition, BlockIntuition, BlockProofSkeleton,
		BlockExercise, BlockText, BlockExample, BlockTheorem:
		return true
	default:
		return false
	}
}

// GenerationParams captures the LLM invocation parameters recorded on a
// block. Closed schema: unrecognized parameters are rejected at intake.
type GenerationParams struct {
	// Model is the endpoint name the generation used or should use
	Model string `json:"model,omitempty"`

	// Temperature is the sampling temperature
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens caps the completion length
	MaxTokens int `json:"max_tokens,omitempty"`

	// ContextRefs are opaque knowledge-base identifiers supplied by the
	// client; the engine never dereferences them.
	ContextRefs []string `json:"context_refs,omitempty"`
}

// ContentBlock is the smallest addressable unit of generated content. Each
// block occupies one structural slot; refinement creates a new block in the
// same slot and archives the predecessor, never mutating committed content.
type ContentBlock struct {
	// ID is the unique block identifier
	ID string `json:"id"`

	// VersionID is the owning document version
	VersionID string `json:"version_id"`

	// SlotID is the structural slot this block fills
	SlotID string `json:"slot_id"`

	// BlockType classifies the content
	BlockType BlockType `json:"block_type"`

	// Content is the LaTeX source; empty until generation succeeds
	Content string `json:"content,omitempty"`

	// SourceLLM names the endpoint that produced the content
	SourceLLM string `json:"source_llm,omitempty"`

	// GenerationParams records the invocation parameters
	GenerationParams GenerationParams `json:"generation_params,omitempty"`

	// QCReport is non-nil iff status is qc_passed, qc_failed,
	// pending_validation, or refinement_pending.
	QCReport *QCReport `json:"qc_report,omitempty"`

	// Status is the current FSM state
	Status BlockState `json:"status"`

	// RefinementAttempts counts refinement generations for this slot.
	// Never exceeds the configured cap.
	RefinementAttempts int `json:"refinement_attempts"`

	// PredecessorID is the archived block this one refines, if any
	PredecessorID string `json:"predecessor_id,omitempty"`

	// ErrorMessage holds the last failure detail when status is in the
	// failure family.
	ErrorMessage string `json:"error_message,omitempty"`

	// CreatedAt is when the block was created
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the block was last modified
	UpdatedAt time.Time `json:"updated_at"`
}

// FeedbackIntent tags what a user feedback asks the refinement to do.
type FeedbackIntent string

const (
	// IntentClarify asks for a clearer exposition of the same content.
	IntentClarify FeedbackIntent = "clarify"
	// IntentSimplify asks for a less technical treatment.
	IntentSimplify FeedbackIntent = "simplify"
	// IntentExpand asks for more detail or additional examples.
	IntentExpand FeedbackIntent = "expand"
	// IntentFixError reports a mathematical or factual error.
	IntentFixError FeedbackIntent = "fix_error"
	// IntentRestyle asks for a different rhetorical register.
	IntentRestyle FeedbackIntent = "restyle"
)

// String returns the string representation of the intent.
func (i FeedbackIntent) String() string {
	return string(i)
}

// IsValid returns true if the intent is a recognized feedback intent.
func (i FeedbackIntent) IsValid() bool {
	switch i {
	case IntentClarify, IntentSimplify, IntentExpand, IntentFixError, IntentRestyle:
		return true
	default:
		return false
	}
}

// FeedbackSource identifies who produced a feedback record.
type FeedbackSource string

const (
	// FeedbackFromUser is free-text feedback attached to a redo signal.
	FeedbackFromUser FeedbackSource = "user"
	// FeedbackFromQC embeds a QC report as refinement input.
	FeedbackFromQC FeedbackSource = "qc"
)

// Feedback is an immutable refinement input, either user-sourced free text
// or a qc-sourced report. Refinement tasks reference feedback by ID.
type Feedback struct {
	// ID is the unique feedback identifier
	ID string `json:"id"`

	// ProjectID is the owning project
	ProjectID string `json:"project_id"`

	// BlockID is the block the feedback targets
	BlockID string `json:"block_id"`

	// Source is user or qc
	Source FeedbackSource `json:"source"`

	// Text is the free-form feedback (user-sourced only)
	Text string `json:"text,omitempty"`

	// Location optionally narrows the feedback to a span of the block
	Location string `json:"location,omitempty"`

	// Intent tags what the refinement should do (user-sourced only)
	Intent FeedbackIntent `json:"intent,omitempty"`

	// Report is the embedded QC report (qc-sourced only)
	Report *QCReport `json:"report,omitempty"`

	// CreatedAt is when the feedback was recorded
	CreatedAt time.Time `json:"created_at"`
}

// Signal is a user-originated command against a project or block.
type Signal string

const (
	// SignalValidated approves a block awaiting validation.
	SignalValidated Signal = "validated"
	// SignalRedo requests a refinement of a block, with feedback.
	SignalRedo Signal = "redo"
	// SignalAddElement requests a structural revision (new version).
	SignalAddElement Signal = "add_element"
	// SignalQCOK acknowledges a QC result in supervised mode.
	SignalQCOK Signal = "qc_ok"
	// SignalProblemDetected reports a user-observed problem with a block.
	SignalProblemDetected Signal = "problem_detected"
	// SignalAllApproved approves the whole version for assembly.
	SignalAllApproved Signal = "all_approved"
	// SignalCancelProject cancels the project.
	SignalCancelProject Signal = "cancel_project"
)

// String returns the string representation of the signal.
func (s Signal) String() string {
	return string(s)
}

// IsValid returns true if the signal is a recognized user signal.
func (s Signal) IsValid() bool {
	switch s {
	case SignalValidated, SignalRedo, SignalAddElement, SignalQCOK,
		SignalProblemDetected, SignalAllApproved, SignalCancelProject:
		return true
	default:
		return false
	}
}

// ValidationError describes a payload field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// UserSignalPayload carries a user signal into the intake.
type UserSignalPayload struct {
	// SourceID deduplicates deliveries from the same client action
	SourceID string `json:"source_id"`

	// ProjectID is the target project
	ProjectID string `json:"project_id"`

	// BlockID is the target block, when the signal is block-scoped
	BlockID string `json:"block_id,omitempty"`

	// Signal is the user command
	Signal Signal `json:"signal"`

	// FeedbackText accompanies redo and problem_detected signals
	FeedbackText string `json:"feedback_text,omitempty"`

	// FeedbackIntent tags what the refinement should do
	FeedbackIntent FeedbackIntent `json:"feedback_intent,omitempty"`

	// FeedbackLocation optionally narrows the feedback to a span
	FeedbackLocation string `json:"feedback_location,omitempty"`

	// SectionTitle names the target section for add_element
	SectionTitle string `json:"section_title,omitempty"`

	// ElementType is the block type of the added slot for add_element
	ElementType BlockType `json:"element_type,omitempty"`

	// ElementTitle optionally titles the added slot
	ElementTitle string `json:"element_title,omitempty"`
}

// UserSignalType is the message type for user signal payloads.
var UserSignalType = message.Type{
	Domain:   "doc",
	Category: "user-signal",
	Version:  "v1",
}

// Schema implements message.Payload.
func (p *UserSignalPayload) Schema() message.Type {
	return UserSignalType
}

// Validate implements message.Payload.
func (p *UserSignalPayload) Validate() error {
	if p.SourceID == "" {
		return &ValidationError{Field: "source_id", Message: "source_id is required"}
	}
	if p.ProjectID == "" {
		return &ValidationError{Field: "project_id", Message: "project_id is required"}
	}
	if !p.Signal.IsValid() {
		return &ValidationError{Field: "signal", Message: "unknown signal " + p.Signal.String()}
	}
	if p.FeedbackIntent != "" && !p.FeedbackIntent.IsValid() {
		return &ValidationError{Field: "feedback_intent", Message: "unknown intent " + p.FeedbackIntent.String()}
	}
	if p.Signal == SignalAddElement {
		if p.SectionTitle == "" {
			return &ValidationError{Field: "section_title", Message: "section_title is required for add_element"}
		}
		if !p.ElementType.IsValid() {
			return &ValidationError{Field: "element_type", Message: "unknown block type " + p.ElementType.String()}
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *UserSignalPayload) MarshalJSON() ([]byte, error) {
	type Alias UserSignalPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *UserSignalPayload) UnmarshalJSON(data []byte) error {
	type Alias UserSignalPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// TaskCompletionPayload reports a worker outcome into the intake.
// Idempotent on TaskID: duplicate deliveries return the prior result.
type TaskCompletionPayload struct {
	// TaskID is the completed task
	TaskID string `json:"task_id"`

	// Success indicates whether the worker succeeded
	Success bool `json:"success"`

	// Result is the type-specific outcome (see task result schemas)
	Result json.RawMessage `json:"result,omitempty"`

	// ErrorKind classifies the failure when Success is false
	ErrorKind string `json:"error_kind,omitempty"`

	// ErrorMessage is the human-readable failure detail
	ErrorMessage string `json:"error_message,omitempty"`
}

// TaskCompletionType is the message type for task completion payloads.
var TaskCompletionType = message.Type{
	Domain:   "doc",
	Category: "task-completion",
	Version:  "v1",
}

// Schema implements message.Payload.
func (p *TaskCompletionPayload) Schema() message.Type {
	return TaskCompletionType
}

// Validate implements message.Payload.
func (p *TaskCompletionPayload) Validate() error {
	if p.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	if !p.Success && p.ErrorMessage == "" {
		return &ValidationError{Field: "error_message", Message: "error_message is required on failure"}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *TaskCompletionPayload) MarshalJSON() ([]byte, error) {
	type Alias TaskCompletionPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *TaskCompletionPayload) UnmarshalJSON(data []byte) error {
	type Alias TaskCompletionPayload
	return json.Unmarshal(data, (*Alias)(p))
}
