// Package storage provides durable state for the workflow engine using
// NATS KV. Every row update is revision-checked: callers pass the revision
// they loaded and the update fails with a conflict when the row moved.
package storage

import (
	"context"
	"time"

	"github.com/lemmalab/lemma/document"
)

// TaskOutcome finalizes a task attempt. Status must be completed, failed,
// retrying, or cancelled.
type TaskOutcome struct {
	// Status is the resulting task status
	Status document.TaskStatus

	// ErrorKind classifies the failure, if any
	ErrorKind string

	// ErrorMessage is the failure detail, if any
	ErrorMessage string

	// NotBefore delays the next claim when Status is retrying
	NotBefore time.Time
}

// Repository is the persistence contract of the engine. All operations fail
// with a fault kind: not_found, conflict, unavailable, or internal.
//
// Reads return the row revision alongside the entity; updates take the
// expected revision and return the new one. The store guarantees
// linearizable single-row updates; cross-row transactions are not provided.
type Repository interface {
	// Projects

	CreateProject(ctx context.Context, p *document.Project) error
	GetProject(ctx context.Context, id string) (*document.Project, uint64, error)
	UpdateProject(ctx context.Context, p *document.Project, expectedRevision uint64) (uint64, error)
	ListProjects(ctx context.Context) ([]*document.Project, error)

	// Versions

	CreateVersion(ctx context.Context, v *document.DocumentVersion) error
	GetVersion(ctx context.Context, id string) (*document.DocumentVersion, uint64, error)
	UpdateVersion(ctx context.Context, v *document.DocumentVersion, expectedRevision uint64) (uint64, error)

	// Blocks

	CreateBlock(ctx context.Context, b *document.ContentBlock) error
	GetBlock(ctx context.Context, id string) (*document.ContentBlock, uint64, error)
	UpdateBlock(ctx context.Context, b *document.ContentBlock, expectedRevision uint64) (uint64, error)
	// ListBlocksByVersion returns the version's blocks, optionally filtered
	// to the given states.
	ListBlocksByVersion(ctx context.Context, versionID string, filter ...document.BlockState) ([]*document.ContentBlock, error)

	// Tasks

	UpsertTask(ctx context.Context, t *document.WorkflowTask) error
	GetTask(ctx context.Context, id string) (*document.WorkflowTask, uint64, error)
	// ClaimTask atomically flips the best eligible pending task of the queue
	// to in_progress and stamps the worker. Returns nil with no error when
	// the queue has no eligible task. Eligibility: status pending and
	// NotBefore at or before now; best: highest priority, then oldest.
	ClaimTask(ctx context.Context, queue document.Queue, workerID string, now time.Time) (*document.WorkflowTask, error)
	// CompleteTask finalizes a task attempt. Rejects outcomes the task
	// status machine forbids.
	CompleteTask(ctx context.Context, taskID string, outcome TaskOutcome, completedAt time.Time) (*document.WorkflowTask, error)
	ListTasks(ctx context.Context, queue document.Queue, status document.TaskStatus) ([]*document.WorkflowTask, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]*document.WorkflowTask, error)

	// Feedback

	CreateFeedback(ctx context.Context, f *document.Feedback) error
	GetFeedback(ctx context.Context, id string) (*document.Feedback, error)
}
