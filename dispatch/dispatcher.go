// Package dispatch maintains the five typed task queues: submission with
// idempotency-key dedup, priority-ordered claims, transient-failure retries
// with exponential backoff, and cancellation at claim time.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/message"

	"github.com/lemmalab/lemma/config"
	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/fault"
	"github.com/lemmalab/lemma/storage"

	"github.com/google/uuid"
)

// Publisher pushes queue notifications onto NATS so idle workers wake
// without polling. The store remains the source of truth for claims.
type Publisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Dispatcher owns task submission and the retry policy. It is safe for
// concurrent use; all shared state lives in the repository.
type Dispatcher struct {
	repo    storage.Repository
	cfg     *config.Config
	pub     Publisher
	backoff BackoffPolicy
	metrics *Metrics
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPublisher sets the NATS publisher for queue notifications.
func WithPublisher(p Publisher) Option {
	return func(d *Dispatcher) { d.pub = p }
}

// WithMetrics sets the prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock sets the time source. Tests inject a fixed clock.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithBackoff overrides the backoff policy.
func WithBackoff(p BackoffPolicy) Option {
	return func(d *Dispatcher) { d.backoff = p }
}

// New creates a Dispatcher over the repository with the configured retry
// shape and queue priorities.
func New(repo storage.Repository, cfg *config.Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo: repo,
		cfg:  cfg,
		backoff: BackoffPolicy{
			Base:   cfg.BackoffBase(),
			Factor: cfg.Engine.BackoffFactor,
			Cap:    cfg.BackoffCap(),
			Jitter: 0.2,
		},
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}
	return d
}

// Submission describes one task to enqueue.
type Submission struct {
	// ProjectID is the owning project
	ProjectID string

	// Type classifies the work
	Type document.TaskType

	// Params are the type-specific parameters
	Params document.TaskParams

	// RefinementAttempts is the target block's attempt counter, part of the
	// idempotency key for block-scoped tasks
	RefinementAttempts int

	// Priority overrides the configured queue priority when non-nil
	Priority *int

	// MaxAttempts overrides the configured retry cap when positive
	MaxAttempts int
}

// Submit enqueues a task, collapsing duplicates by idempotency key.
//
// A submission whose key matches a task that is pending, in progress,
// retrying, or already completed is absorbed and the existing task returned.
// A re-submission after failure is admitted: the task returns to pending
// with its attempt counter incremented. The returned bool reports whether
// the submission was absorbed.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (*document.WorkflowTask, bool, error) {
	if !sub.Type.IsValid() {
		return nil, false, fault.Newf(fault.KindInternal, "unknown task type %q", sub.Type)
	}
	if err := sub.Params.Validate(sub.Type); err != nil {
		return nil, false, fault.Wrap(fault.KindInternal, err)
	}
	key := document.IdempotencyKey(sub.Type, sub.Params, sub.RefinementAttempts)
	now := d.clock()
	queue := document.QueueFor(sub.Type)

	existing, err := d.findByKey(ctx, sub.ProjectID, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		switch existing.Status {
		case document.TaskPending, document.TaskInProgress, document.TaskRetrying,
			document.TaskCompleted, document.TaskCancelled:
			d.metrics.Absorbed.WithLabelValues(queue.String()).Inc()
			return existing, true, nil
		case document.TaskFailed:
			existing.Status = document.TaskPending
			existing.Attempt++
			existing.NotBefore = time.Time{}
			existing.WorkerID = ""
			existing.ErrorKind = ""
			existing.ErrorMessage = ""
			existing.Deadline = now.Add(d.cfg.DeadlineFor(sub.Type))
			existing.CompletedAt = nil
			if err := d.repo.UpsertTask(ctx, existing); err != nil {
				return nil, false, err
			}
			d.metrics.Submitted.WithLabelValues(queue.String()).Inc()
			d.notify(ctx, existing)
			return existing, false, nil
		}
	}

	maxAttempts := sub.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.Engine.MaxTaskRetries
	}
	priority := d.cfg.PriorityFor(sub.Type)
	if sub.Priority != nil {
		priority = *sub.Priority
	}
	task := &document.WorkflowTask{
		ID:             uuid.New().String(),
		ProjectID:      sub.ProjectID,
		Type:           sub.Type,
		Queue:          queue,
		Priority:       priority,
		Status:         document.TaskPending,
		Params:         sub.Params,
		IdempotencyKey: key,
		Attempt:        1,
		MaxAttempts:    maxAttempts,
		Deadline:       now.Add(d.cfg.DeadlineFor(sub.Type)),
		CreatedAt:      now,
	}
	if err := d.repo.UpsertTask(ctx, task); err != nil {
		return nil, false, err
	}
	d.metrics.Submitted.WithLabelValues(queue.String()).Inc()
	d.notify(ctx, task)
	d.logger.Debug("task submitted",
		slog.String("task_id", task.ID),
		slog.String("type", task.Type.String()),
		slog.String("idempotency_key", key))
	return task, false, nil
}

// Claim hands the best eligible task of the queue to a worker. Pending tasks
// of cancelled projects are marked cancelled here, at claim time, and the
// scan moves on. Returns nil without error when the queue is empty.
func (d *Dispatcher) Claim(ctx context.Context, queue document.Queue, workerID string) (*document.TaskEnvelope, error) {
	for {
		now := d.clock()
		task, err := d.repo.ClaimTask(ctx, queue, workerID, now)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, nil
		}

		project, _, err := d.repo.GetProject(ctx, task.ProjectID)
		if err != nil && !fault.IsNotFound(err) {
			return nil, err
		}
		if project == nil || project.Status == document.ProjectCancelled {
			if _, err := d.repo.CompleteTask(ctx, task.ID, storage.TaskOutcome{
				Status:       document.TaskCancelled,
				ErrorMessage: "project cancelled",
			}, now); err != nil {
				return nil, err
			}
			d.metrics.Finished.WithLabelValues(queue.String(), string(document.TaskCancelled)).Inc()
			continue
		}

		// The deadline runs from the claim, not the submission.
		task.Deadline = now.Add(d.cfg.DeadlineFor(task.Type))
		if err := d.repo.UpsertTask(ctx, task); err != nil {
			return nil, err
		}
		return &document.TaskEnvelope{
			TaskID:         task.ID,
			TaskType:       task.Type,
			Parameters:     task.Params,
			Attempt:        task.Attempt,
			DeadlineUnixS:  task.Deadline.Unix(),
			IdempotencyKey: task.IdempotencyKey,
		}, nil
	}
}

// Complete marks a task completed.
func (d *Dispatcher) Complete(ctx context.Context, taskID string) (*document.WorkflowTask, error) {
	task, err := d.repo.CompleteTask(ctx, taskID, storage.TaskOutcome{
		Status: document.TaskCompleted,
	}, d.clock())
	if err != nil {
		return nil, err
	}
	d.metrics.Finished.WithLabelValues(task.Queue.String(), string(document.TaskCompleted)).Inc()
	return task, nil
}

// Fail records a task failure. Transient kinds with retry budget left return
// the task to pending after the backoff window; deterministic kinds and
// exhausted budgets finalize it as failed. The returned bool reports whether
// a retry was scheduled.
func (d *Dispatcher) Fail(ctx context.Context, taskID string, kind fault.Kind, detail string) (*document.WorkflowTask, bool, error) {
	task, _, err := d.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	now := d.clock()

	if kind.Transient() && task.Attempt < task.MaxAttempts {
		notBefore := now.Add(d.backoff.Delay(task.Attempt))
		task, err = d.repo.CompleteTask(ctx, taskID, storage.TaskOutcome{
			Status:       document.TaskRetrying,
			ErrorKind:    kind.String(),
			ErrorMessage: detail,
			NotBefore:    notBefore,
		}, now)
		if err != nil {
			return nil, false, err
		}
		task.Status = document.TaskPending
		task.Attempt++
		task.Deadline = notBefore.Add(d.cfg.DeadlineFor(task.Type))
		if err := d.repo.UpsertTask(ctx, task); err != nil {
			return nil, false, err
		}
		d.metrics.Retries.WithLabelValues(task.Queue.String()).Inc()
		d.logger.Info("task retry scheduled",
			slog.String("task_id", task.ID),
			slog.Int("attempt", task.Attempt),
			slog.String("error_kind", kind.String()),
			slog.Time("not_before", notBefore))
		return task, true, nil
	}

	task, err = d.repo.CompleteTask(ctx, taskID, storage.TaskOutcome{
		Status:       document.TaskFailed,
		ErrorKind:    kind.String(),
		ErrorMessage: detail,
	}, now)
	if err != nil {
		return nil, false, err
	}
	d.metrics.Finished.WithLabelValues(task.Queue.String(), string(document.TaskFailed)).Inc()
	d.logger.Warn("task failed",
		slog.String("task_id", task.ID),
		slog.String("error_kind", kind.String()),
		slog.String("detail", detail))
	return task, false, nil
}

// CancelProject marks every pending and retrying task of the project
// cancelled. In-progress tasks run to completion; their results are
// discarded by the intake.
func (d *Dispatcher) CancelProject(ctx context.Context, projectID string) error {
	tasks, err := d.repo.ListTasksByProject(ctx, projectID)
	if err != nil {
		return err
	}
	now := d.clock()
	for _, t := range tasks {
		if t.Status != document.TaskPending && t.Status != document.TaskRetrying {
			continue
		}
		if _, err := d.repo.CompleteTask(ctx, t.ID, storage.TaskOutcome{
			Status:       document.TaskCancelled,
			ErrorMessage: "project cancelled",
		}, now); err != nil && !fault.IsConflict(err) {
			return err
		}
		d.metrics.Finished.WithLabelValues(t.Queue.String(), string(document.TaskCancelled)).Inc()
	}
	return nil
}

func (d *Dispatcher) findByKey(ctx context.Context, projectID, key string) (*document.WorkflowTask, error) {
	tasks, err := d.repo.ListTasksByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var latest *document.WorkflowTask
	for _, t := range tasks {
		if t.IdempotencyKey != key {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	return latest, nil
}

func (d *Dispatcher) notify(ctx context.Context, task *document.WorkflowTask) {
	if d.pub == nil {
		return
	}
	envelope := &document.TaskEnvelope{
		TaskID:         task.ID,
		TaskType:       task.Type,
		Parameters:     task.Params,
		Attempt:        task.Attempt,
		DeadlineUnixS:  task.Deadline.Unix(),
		IdempotencyKey: task.IdempotencyKey,
	}
	msg := message.NewBaseMessage(document.TaskEnvelopeType, envelope, "task-dispatcher")
	data, err := json.Marshal(msg)
	if err != nil {
		d.logger.Error("marshal task envelope", slog.String("error", err.Error()))
		return
	}
	subject := document.QueueSubject(task.Queue)
	if err := d.pub.PublishToStream(ctx, subject, data); err != nil {
		// The reconciler re-scans lost enqueues; a missed notification only
		// delays pickup.
		d.logger.Warn("queue notification failed",
			slog.String("subject", subject),
			slog.String("error", fmt.Sprintf("%v", err)))
	}
}
