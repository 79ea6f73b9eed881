package document

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
)

// TaskType classifies the work a dispatched task represents.
type TaskType string

const (
	// TaskGenerateBlock generates fresh LaTeX content for a slot.
	TaskGenerateBlock TaskType = "generate_block"
	// TaskRunQC analyzes a block's content.
	TaskRunQC TaskType = "run_qc"
	// TaskRefineBlock regenerates content from feedback.
	TaskRefineBlock TaskType = "refine_block"
	// TaskAssembleDocument assembles validated blocks into an artifact.
	TaskAssembleDocument TaskType = "assemble_document"
	// TaskExportDocument exports an artifact to output formats.
	TaskExportDocument TaskType = "export_document"
)

// String returns the string representation of the task type.
func (t TaskType) String() string {
	return string(t)
}

// IsValid returns true if the task type is recognized.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskGenerateBlock, TaskRunQC, TaskRefineBlock,
		TaskAssembleDocument, TaskExportDocument:
		return true
	default:
		return false
	}
}

// Queue names a logical dispatch queue.
type Queue string

const (
	// QueueGeneration carries generate_block tasks.
	QueueGeneration Queue = "generation"
	// QueueQC carries run_qc tasks.
	QueueQC Queue = "qc"
	// QueueRefine carries refine_block tasks.
	QueueRefine Queue = "refine"
	// QueueAssemble carries assemble_document tasks.
	QueueAssemble Queue = "assemble"
	// QueueExport carries export_document tasks.
	QueueExport Queue = "export"
)

// String returns the string representation of the queue.
func (q Queue) String() string {
	return string(q)
}

// IsValid returns true if the queue is one of the five dispatch queues.
func (q Queue) IsValid() bool {
	switch q {
	case QueueGeneration, QueueQC, QueueRefine, QueueAssemble, QueueExport:
		return true
	default:
		return false
	}
}

// AllQueues lists the five dispatch queues in claim-scan order.
var AllQueues = []Queue{QueueGeneration, QueueQC, QueueRefine, QueueAssemble, QueueExport}

// QueueFor maps a task type to its dispatch queue.
func QueueFor(t TaskType) Queue {
	switch t {
	case TaskGenerateBlock:
		return QueueGeneration
	case TaskRunQC:
		return QueueQC
	case TaskRefineBlock:
		return QueueRefine
	case TaskAssembleDocument:
		return QueueAssemble
	case TaskExportDocument:
		return QueueExport
	default:
		return ""
	}
}

// TaskStatus represents the dispatch state of a task.
type TaskStatus string

const (
	// TaskPending indicates the task awaits a worker claim.
	TaskPending TaskStatus = "pending"
	// TaskInProgress indicates a worker claimed the task.
	TaskInProgress TaskStatus = "in_progress"
	// TaskCompleted indicates the worker succeeded.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed indicates the task exhausted its retries.
	TaskFailed TaskStatus = "failed"
	// TaskRetrying indicates a transient failure scheduled a retry.
	TaskRetrying TaskStatus = "retrying"
	// TaskCancelled indicates project cancellation voided the task.
	TaskCancelled TaskStatus = "cancelled"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a valid task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed, TaskRetrying, TaskCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the task will not run again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	switch s {
	case TaskPending:
		return target == TaskInProgress || target == TaskCancelled
	case TaskInProgress:
		return target == TaskCompleted || target == TaskFailed || target == TaskRetrying
	case TaskRetrying:
		return target == TaskPending || target == TaskFailed || target == TaskCancelled
	case TaskCompleted, TaskFailed, TaskCancelled:
		return false // Terminal states
	default:
		return false
	}
}

// GenerateParams parameterize a generate_block task.
type GenerateParams struct {
	BlockID   string           `json:"block_id"`
	VersionID string           `json:"version_id"`
	SlotID    string           `json:"slot_id"`
	BlockType BlockType        `json:"block_type"`
	Subject   string           `json:"subject"`
	Level     string           `json:"level"`
	Style     string           `json:"style"`
	Params    GenerationParams `json:"params,omitempty"`
}

// QCParams parameterize a run_qc task.
type QCParams struct {
	BlockID   string    `json:"block_id"`
	VersionID string    `json:"version_id"`
	BlockType BlockType `json:"block_type"`
	Level     string    `json:"level"`
	Style     string    `json:"style"`
}

// RefineParams parameterize a refine_block task. BlockID is the new block
// created for this refinement attempt; PredecessorID holds the archived
// content being refined.
type RefineParams struct {
	BlockID       string           `json:"block_id"`
	PredecessorID string           `json:"predecessor_id"`
	VersionID     string           `json:"version_id"`
	SlotID        string           `json:"slot_id"`
	BlockType     BlockType        `json:"block_type"`
	Subject       string           `json:"subject"`
	Level         string           `json:"level"`
	Style         string           `json:"style"`
	FeedbackID    string           `json:"feedback_id"`
	Params        GenerationParams `json:"params,omitempty"`
}

// AssembleParams parameterize an assemble_document task.
type AssembleParams struct {
	VersionID string `json:"version_id"`
}

// ExportParams parameterize an export_document task.
type ExportParams struct {
	VersionID   string   `json:"version_id"`
	ArtifactRef string   `json:"artifact_ref"`
	Formats     []string `json:"formats"`
}

// TaskParams is the closed union of per-type task parameters. Exactly one
// field is non-nil, selected by the task type.
type TaskParams struct {
	Generate *GenerateParams `json:"generate,omitempty"`
	QC       *QCParams       `json:"qc,omitempty"`
	Refine   *RefineParams   `json:"refine,omitempty"`
	Assemble *AssembleParams `json:"assemble,omitempty"`
	Export   *ExportParams   `json:"export,omitempty"`
}

// Validate checks that exactly the variant matching the task type is set.
func (p *TaskParams) Validate(t TaskType) error {
	set := 0
	if p.Generate != nil {
		set++
	}
	if p.QC != nil {
		set++
	}
	if p.Refine != nil {
		set++
	}
	if p.Assemble != nil {
		set++
	}
	if p.Export != nil {
		set++
	}
	if set != 1 {
		return &ValidationError{Field: "parameters", Message: fmt.Sprintf("exactly one variant required, got %d", set)}
	}
	var ok bool
	switch t {
	case TaskGenerateBlock:
		ok = p.Generate != nil
	case TaskRunQC:
		ok = p.QC != nil
	case TaskRefineBlock:
		ok = p.Refine != nil
	case TaskAssembleDocument:
		ok = p.Assemble != nil
	case TaskExportDocument:
		ok = p.Export != nil
	}
	if !ok {
		return &ValidationError{Field: "parameters", Message: "variant does not match task type " + t.String()}
	}
	return nil
}

// BlockID returns the block the parameters target, or empty for
// document-scoped tasks.
func (p *TaskParams) BlockID() string {
	switch {
	case p.Generate != nil:
		return p.Generate.BlockID
	case p.QC != nil:
		return p.QC.BlockID
	case p.Refine != nil:
		return p.Refine.BlockID
	default:
		return ""
	}
}

// VersionID returns the document version the parameters target.
func (p *TaskParams) VersionID() string {
	switch {
	case p.Generate != nil:
		return p.Generate.VersionID
	case p.QC != nil:
		return p.QC.VersionID
	case p.Refine != nil:
		return p.Refine.VersionID
	case p.Assemble != nil:
		return p.Assemble.VersionID
	case p.Export != nil:
		return p.Export.VersionID
	default:
		return ""
	}
}

// WorkflowTask is a unit of dispatched work. Exactly one task exists per
// idempotency key until it completes or fails.
type WorkflowTask struct {
	// ID is the unique task identifier
	ID string `json:"id"`

	// ProjectID is the owning project
	ProjectID string `json:"project_id"`

	// Type classifies the work
	Type TaskType `json:"type"`

	// Queue is the dispatch queue, derived from Type
	Queue Queue `json:"queue"`

	// Priority is 0..9, higher first, FIFO within a priority
	Priority int `json:"priority"`

	// Status is the dispatch state
	Status TaskStatus `json:"status"`

	// Params are the type-specific parameters
	Params TaskParams `json:"params"`

	// IdempotencyKey collapses duplicate submissions
	IdempotencyKey string `json:"idempotency_key"`

	// Attempt counts executions of this task, starting at 1
	Attempt int `json:"attempt"`

	// MaxAttempts caps transient-failure retries
	MaxAttempts int `json:"max_attempts"`

	// WorkerID identifies the worker holding the claim
	WorkerID string `json:"worker_id,omitempty"`

	// Deadline is the wall-clock execution deadline of the current attempt
	Deadline time.Time `json:"deadline"`

	// NotBefore delays claiming until the backoff elapses
	NotBefore time.Time `json:"not_before,omitempty"`

	// ErrorKind classifies the last failure
	ErrorKind string `json:"error_kind,omitempty"`

	// ErrorMessage is the last failure detail
	ErrorMessage string `json:"error_message,omitempty"`

	// CreatedAt is when the task was submitted
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the current attempt was claimed
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the task reached a terminal status
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IdempotencyKey derives the dedup key for a task submission. Block-scoped
// tasks key on (block, event, attempts); document-scoped tasks key on
// (version, type).
func IdempotencyKey(t TaskType, params TaskParams, refinementAttempts int) string {
	switch t {
	case TaskGenerateBlock:
		return fmt.Sprintf("%s:%s:%d", params.Generate.BlockID, EventGenerateStarted, refinementAttempts)
	case TaskRunQC:
		return fmt.Sprintf("%s:%s:%d", params.QC.BlockID, EventQCStarted, refinementAttempts)
	case TaskRefineBlock:
		return fmt.Sprintf("%s:%s:%d", params.Refine.BlockID, EventRefinementStarted, refinementAttempts)
	case TaskAssembleDocument:
		return fmt.Sprintf("%s:%s", params.Assemble.VersionID, t)
	case TaskExportDocument:
		return fmt.Sprintf("%s:%s", params.Export.VersionID, t)
	default:
		return ""
	}
}

// TaskEnvelope is the wire record a worker receives when claiming a task.
type TaskEnvelope struct {
	// TaskID identifies the task
	TaskID string `json:"task_id"`

	// TaskType classifies the work
	TaskType TaskType `json:"task_type"`

	// Parameters are the type-specific parameters
	Parameters TaskParams `json:"parameters"`

	// Attempt is the execution attempt, starting at 1
	Attempt int `json:"attempt"`

	// DeadlineUnixS is the wall-clock deadline as a unix timestamp
	DeadlineUnixS int64 `json:"deadline_unix_s"`

	// IdempotencyKey is the dedup unit workers must honor when caching
	IdempotencyKey string `json:"idempotency_key"`
}

// TaskEnvelopeType is the message type for task envelopes.
var TaskEnvelopeType = message.Type{
	Domain:   "doc",
	Category: "task-envelope",
	Version:  "v1",
}

// Schema implements message.Payload.
func (e *TaskEnvelope) Schema() message.Type {
	return TaskEnvelopeType
}

// Validate implements message.Payload.
func (e *TaskEnvelope) Validate() error {
	if e.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	if !e.TaskType.IsValid() {
		return &ValidationError{Field: "task_type", Message: "unknown task type " + e.TaskType.String()}
	}
	if e.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key", Message: "idempotency_key is required"}
	}
	return e.Parameters.Validate(e.TaskType)
}

// MarshalJSON implements json.Marshaler.
func (e *TaskEnvelope) MarshalJSON() ([]byte, error) {
	type Alias TaskEnvelope
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *TaskEnvelope) UnmarshalJSON(data []byte) error {
	type Alias TaskEnvelope
	return json.Unmarshal(data, (*Alias)(e))
}

// GenerateResult is the success result of generate_block and refine_block.
type GenerateResult struct {
	Content   string `json:"content"`
	SourceLLM string `json:"source_llm"`
}

// QCResult is the success result of run_qc.
type QCResult struct {
	Report QCReport `json:"report"`
}

// AssembleResult is the success result of assemble_document.
type AssembleResult struct {
	ArtifactRef string `json:"artifact_ref"`
}

// ExportResult is the success result of export_document.
type ExportResult struct {
	Files []string `json:"files"`
}
