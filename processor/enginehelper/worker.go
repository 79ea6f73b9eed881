package enginehelper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/fault"
)

// TaskHandler executes one claimed task and returns its type-specific result.
// A nil error posts a success completion; a non-nil error posts a failure
// whose kind drives the dispatcher's retry decision.
type TaskHandler func(ctx context.Context, env *document.TaskEnvelope) (any, error)

// Worker runs the claim loop for one dispatch queue: it wakes on queue
// notifications, claims eligible tasks from the store, executes them under
// their wall-clock deadline, and posts completion reports for the intake.
type Worker struct {
	Engine       *Engine
	Queue        document.Queue
	WorkerID     string
	StreamName   string
	PollInterval time.Duration
	Logger       *slog.Logger
	Handle       TaskHandler
}

// Run claims and executes tasks until the context ends. Queue notifications
// only shorten the wait; the poll ticker guarantees progress when a
// notification is lost.
func (w *Worker) Run(ctx context.Context) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	wake := w.subscribeWake(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			w.drain(ctx)
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// subscribeWake consumes the queue's notification subject into a wake
// channel. A worker without a consumer still functions on the poll ticker.
func (w *Worker) subscribeWake(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)

	js, err := w.Engine.NC.JetStream()
	if err != nil {
		w.Logger.Warn("Queue notifications unavailable, polling only",
			"queue", w.Queue.String(), "error", err)
		return wake
	}
	stream, err := js.Stream(ctx, w.StreamName)
	if err != nil {
		w.Logger.Warn("Queue notifications unavailable, polling only",
			"queue", w.Queue.String(), "error", err)
		return wake
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        fmt.Sprintf("%s-%s", w.WorkerID, w.Queue),
		FilterSubjects: []string{document.QueueSubject(w.Queue)},
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        time.Minute,
	})
	if err != nil {
		w.Logger.Warn("Queue notifications unavailable, polling only",
			"queue", w.Queue.String(), "error", err)
		return wake
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			msgs, err := consumer.Fetch(16, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			woken := false
			for msg := range msgs.Messages() {
				// The claim goes to the store; the notification only wakes us.
				if err := msg.Ack(); err != nil {
					w.Logger.Warn("Failed to ACK queue notification", "error", err)
				}
				woken = true
			}
			if woken {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake
}

// drain claims and executes tasks until the queue has no eligible work.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := w.Engine.Disp.Claim(ctx, w.Queue, w.WorkerID)
		if err != nil {
			w.Logger.Warn("Claim failed",
				"queue", w.Queue.String(), "error", err)
			return
		}
		if env == nil {
			return
		}
		w.execute(ctx, env)
	}
}

// execute runs one claimed task under its deadline and posts the completion.
func (w *Worker) execute(ctx context.Context, env *document.TaskEnvelope) {
	deadline := time.Unix(env.DeadlineUnixS, 0)
	taskCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	w.Logger.Debug("Executing task",
		"task_id", env.TaskID,
		"task_type", env.TaskType.String(),
		"attempt", env.Attempt)

	result, err := w.Handle(taskCtx, env)
	if err != nil {
		kind := fault.KindOf(err)
		if taskCtx.Err() != nil && kind != fault.KindTimeout {
			kind = fault.KindTimeout
		}
		w.Logger.Warn("Task execution failed",
			"task_id", env.TaskID,
			"task_type", env.TaskType.String(),
			"kind", kind.String(),
			"error", err)
		w.post(ctx, &document.TaskCompletionPayload{
			TaskID:       env.TaskID,
			Success:      false,
			ErrorKind:    kind.String(),
			ErrorMessage: err.Error(),
		})
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		w.post(ctx, &document.TaskCompletionPayload{
			TaskID:       env.TaskID,
			Success:      false,
			ErrorKind:    fault.KindInternal.String(),
			ErrorMessage: fmt.Sprintf("marshal result: %v", err),
		})
		return
	}
	w.post(ctx, &document.TaskCompletionPayload{
		TaskID:  env.TaskID,
		Success: true,
		Result:  data,
	})
}

// post publishes a completion report onto the intake subject. The intake is
// idempotent on task id, so at-least-once delivery here is safe.
func (w *Worker) post(ctx context.Context, payload *document.TaskCompletionPayload) {
	msg := message.NewBaseMessage(document.TaskCompletionType, payload, w.WorkerID)
	data, err := json.Marshal(msg)
	if err != nil {
		w.Logger.Error("Marshal completion report", "task_id", payload.TaskID, "error", err)
		return
	}
	if err := w.Engine.NC.PublishToStream(ctx, document.SubjectTaskCompletion, data); err != nil {
		// The reconciler fails the task at its deadline and the retry policy
		// takes over, so a lost report delays but never strands the block.
		w.Logger.Warn("Completion report not delivered",
			"task_id", payload.TaskID, "error", err)
	}
}
