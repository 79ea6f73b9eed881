package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/fault"
)

// Bucket names for each entity type.
const (
	BucketProjects = "LEMMA_PROJECTS"
	BucketVersions = "LEMMA_VERSIONS"
	BucketBlocks   = "LEMMA_BLOCKS"
	BucketTasks    = "LEMMA_TASKS"
	BucketFeedback = "LEMMA_FEEDBACK"
)

// Store implements Repository on NATS KV buckets. Row revisions are the KV
// entry revisions, so optimistic concurrency rides on jetstream's
// Update-with-revision primitive.
type Store struct {
	projects jetstream.KeyValue
	versions jetstream.KeyValue
	blocks   jetstream.KeyValue
	tasks    jetstream.KeyValue
	feedback jetstream.KeyValue
}

// NewStore creates a Store with the given JetStream context, creating the
// KV buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	projects, err := getOrCreateBucket(ctx, js, BucketProjects)
	if err != nil {
		return nil, fmt.Errorf("create projects bucket: %w", err)
	}
	versions, err := getOrCreateBucket(ctx, js, BucketVersions)
	if err != nil {
		return nil, fmt.Errorf("create versions bucket: %w", err)
	}
	blocks, err := getOrCreateBucket(ctx, js, BucketBlocks)
	if err != nil {
		return nil, fmt.Errorf("create blocks bucket: %w", err)
	}
	tasks, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}
	feedback, err := getOrCreateBucket(ctx, js, BucketFeedback)
	if err != nil {
		return nil, fmt.Errorf("create feedback bucket: %w", err)
	}

	return &Store{
		projects: projects,
		versions: versions,
		blocks:   blocks,
		tasks:    tasks,
		feedback: feedback,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Lemma %s storage", strings.ToLower(strings.TrimPrefix(name, "LEMMA_"))),
		History:     5, // Keep last 5 revisions
	})
}

// CreateProject stores a new project row. Fails if the ID already exists.
func (s *Store) CreateProject(ctx context.Context, p *document.Project) error {
	return createRow(ctx, s.projects, p.ID, p, "project")
}

// GetProject loads a project and its row revision.
func (s *Store) GetProject(ctx context.Context, id string) (*document.Project, uint64, error) {
	return getRow[document.Project](ctx, s.projects, id, "project")
}

// UpdateProject commits a project row if the revision still matches.
func (s *Store) UpdateProject(ctx context.Context, p *document.Project, expectedRevision uint64) (uint64, error) {
	return updateRow(ctx, s.projects, p.ID, p, expectedRevision, "project")
}

// ListProjects returns all project rows.
func (s *Store) ListProjects(ctx context.Context) ([]*document.Project, error) {
	return listRows[document.Project](ctx, s.projects)
}

// CreateVersion stores a new document version row.
func (s *Store) CreateVersion(ctx context.Context, v *document.DocumentVersion) error {
	return createRow(ctx, s.versions, v.ID, v, "version")
}

// GetVersion loads a version and its row revision.
func (s *Store) GetVersion(ctx context.Context, id string) (*document.DocumentVersion, uint64, error) {
	return getRow[document.DocumentVersion](ctx, s.versions, id, "version")
}

// UpdateVersion commits a version row if the revision still matches.
func (s *Store) UpdateVersion(ctx context.Context, v *document.DocumentVersion, expectedRevision uint64) (uint64, error) {
	return updateRow(ctx, s.versions, v.ID, v, expectedRevision, "version")
}

// CreateBlock stores a new block row.
func (s *Store) CreateBlock(ctx context.Context, b *document.ContentBlock) error {
	return createRow(ctx, s.blocks, b.ID, b, "block")
}

// GetBlock loads a block and its row revision.
func (s *Store) GetBlock(ctx context.Context, id string) (*document.ContentBlock, uint64, error) {
	return getRow[document.ContentBlock](ctx, s.blocks, id, "block")
}

// UpdateBlock commits a block row if the revision still matches.
func (s *Store) UpdateBlock(ctx context.Context, b *document.ContentBlock, expectedRevision uint64) (uint64, error) {
	return updateRow(ctx, s.blocks, b.ID, b, expectedRevision, "block")
}

// ListBlocksByVersion returns the version's blocks, optionally filtered to
// the given states.
func (s *Store) ListBlocksByVersion(ctx context.Context, versionID string, filter ...document.BlockState) ([]*document.ContentBlock, error) {
	all, err := listRows[document.ContentBlock](ctx, s.blocks)
	if err != nil {
		return nil, err
	}
	var out []*document.ContentBlock
	for _, b := range all {
		if b.VersionID != versionID {
			continue
		}
		if len(filter) > 0 && !containsState(filter, b.Status) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// UpsertTask stores a task row, creating or overwriting by ID.
func (s *Store) UpsertTask(ctx context.Context, t *document.WorkflowTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fault.Wrap(fault.KindInternal, fmt.Errorf("marshal task: %w", err))
	}
	if _, err := s.tasks.Put(ctx, t.ID, data); err != nil {
		return fault.Wrap(fault.KindUnavailable, fmt.Errorf("store task: %w", err))
	}
	return nil
}

// GetTask loads a task and its row revision.
func (s *Store) GetTask(ctx context.Context, id string) (*document.WorkflowTask, uint64, error) {
	return getRow[document.WorkflowTask](ctx, s.tasks, id, "task")
}

// ClaimTask atomically flips the best eligible pending task of the queue to
// in_progress. The revision-checked update is the atomicity point: when two
// workers race for the same task, exactly one update lands and the loser
// moves on to the next candidate.
func (s *Store) ClaimTask(ctx context.Context, queue document.Queue, workerID string, now time.Time) (*document.WorkflowTask, error) {
	keys, err := s.tasks.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.KindUnavailable, fmt.Errorf("list task keys: %w", err))
	}

	type candidate struct {
		task     *document.WorkflowTask
		revision uint64
	}
	var candidates []candidate
	for _, key := range keys {
		entry, err := s.tasks.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var t document.WorkflowTask
		if err := json.Unmarshal(entry.Value(), &t); err != nil {
			continue
		}
		if t.Queue != queue || t.Status != document.TaskPending {
			continue
		}
		if !t.NotBefore.IsZero() && t.NotBefore.After(now) {
			continue
		}
		candidates = append(candidates, candidate{task: &t, revision: entry.Revision()})
	}

	// Higher priority first, FIFO within a priority.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].task.Priority != candidates[j].task.Priority {
			return candidates[i].task.Priority > candidates[j].task.Priority
		}
		return candidates[i].task.CreatedAt.Before(candidates[j].task.CreatedAt)
	})

	for _, c := range candidates {
		t := c.task
		t.Status = document.TaskInProgress
		t.WorkerID = workerID
		started := now
		t.StartedAt = &started

		data, err := json.Marshal(t)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, fmt.Errorf("marshal task: %w", err))
		}
		if _, err := s.tasks.Update(ctx, t.ID, data, c.revision); err != nil {
			if isWrongRevision(err) {
				continue // Lost the race for this task
			}
			return nil, fault.Wrap(fault.KindUnavailable, fmt.Errorf("claim task: %w", err))
		}
		return t, nil
	}
	return nil, nil
}

// CompleteTask finalizes a task attempt. The transition is validated against
// the task status machine so duplicate completions fail with a conflict.
func (s *Store) CompleteTask(ctx context.Context, taskID string, outcome TaskOutcome, completedAt time.Time) (*document.WorkflowTask, error) {
	for attempt := 0; attempt < 2; attempt++ {
		t, revision, err := s.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if !t.Status.CanTransitionTo(outcome.Status) {
			return nil, fault.Newf(fault.KindConflict,
				"task %s cannot move from %s to %s", taskID, t.Status, outcome.Status)
		}

		t.Status = outcome.Status
		t.ErrorKind = outcome.ErrorKind
		t.ErrorMessage = outcome.ErrorMessage
		switch outcome.Status {
		case document.TaskRetrying:
			t.NotBefore = outcome.NotBefore
			t.WorkerID = ""
		case document.TaskCompleted, document.TaskFailed, document.TaskCancelled:
			done := completedAt
			t.CompletedAt = &done
		}

		data, err := json.Marshal(t)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, fmt.Errorf("marshal task: %w", err))
		}
		if _, err := s.tasks.Update(ctx, taskID, data, revision); err != nil {
			if isWrongRevision(err) {
				continue // Row moved under us; reload once
			}
			return nil, fault.Wrap(fault.KindUnavailable, fmt.Errorf("complete task: %w", err))
		}
		return t, nil
	}
	return nil, fault.Newf(fault.KindConflict, "task %s kept moving during completion", taskID)
}

// ListTasks returns tasks of a queue in a given status. An empty status
// matches everything.
func (s *Store) ListTasks(ctx context.Context, queue document.Queue, status document.TaskStatus) ([]*document.WorkflowTask, error) {
	all, err := listRows[document.WorkflowTask](ctx, s.tasks)
	if err != nil {
		return nil, err
	}
	var out []*document.WorkflowTask
	for _, t := range all {
		if t.Queue != queue {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ListTasksByProject returns all tasks of a project.
func (s *Store) ListTasksByProject(ctx context.Context, projectID string) ([]*document.WorkflowTask, error) {
	all, err := listRows[document.WorkflowTask](ctx, s.tasks)
	if err != nil {
		return nil, err
	}
	var out []*document.WorkflowTask
	for _, t := range all {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out, nil
}

// CreateFeedback stores an immutable feedback row.
func (s *Store) CreateFeedback(ctx context.Context, f *document.Feedback) error {
	return createRow(ctx, s.feedback, f.ID, f, "feedback")
}

// GetFeedback loads a feedback row.
func (s *Store) GetFeedback(ctx context.Context, id string) (*document.Feedback, error) {
	f, _, err := getRow[document.Feedback](ctx, s.feedback, id, "feedback")
	return f, err
}

func createRow[T any](ctx context.Context, kv jetstream.KeyValue, id string, row *T, kind string) error {
	if id == "" {
		return fault.Newf(fault.KindInternal, "%s id is empty", kind)
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fault.Wrap(fault.KindInternal, fmt.Errorf("marshal %s: %w", kind, err))
	}
	if _, err := kv.Create(ctx, id, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fault.Newf(fault.KindConflict, "%s %s already exists", kind, id)
		}
		return fault.Wrap(fault.KindUnavailable, fmt.Errorf("store %s: %w", kind, err))
	}
	return nil
}

func getRow[T any](ctx context.Context, kv jetstream.KeyValue, id string, kind string) (*T, uint64, error) {
	entry, err := kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fault.Newf(fault.KindNotFound, "%s %s not found", kind, id)
		}
		return nil, 0, fault.Wrap(fault.KindUnavailable, fmt.Errorf("get %s: %w", kind, err))
	}
	var row T
	if err := json.Unmarshal(entry.Value(), &row); err != nil {
		return nil, 0, fault.Wrap(fault.KindInternal, fmt.Errorf("unmarshal %s: %w", kind, err))
	}
	return &row, entry.Revision(), nil
}

func updateRow[T any](ctx context.Context, kv jetstream.KeyValue, id string, row *T, expectedRevision uint64, kind string) (uint64, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return 0, fault.Wrap(fault.KindInternal, fmt.Errorf("marshal %s: %w", kind, err))
	}
	rev, err := kv.Update(ctx, id, data, expectedRevision)
	if err != nil {
		if isWrongRevision(err) {
			return 0, fault.Newf(fault.KindConflict, "%s %s moved past revision %d", kind, id, expectedRevision)
		}
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, fault.Newf(fault.KindNotFound, "%s %s not found", kind, id)
		}
		return 0, fault.Wrap(fault.KindUnavailable, fmt.Errorf("update %s: %w", kind, err))
	}
	return rev, nil
}

func listRows[T any](ctx context.Context, kv jetstream.KeyValue) ([]*T, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.KindUnavailable, fmt.Errorf("list keys: %w", err))
	}
	out := make([]*T, 0, len(keys))
	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var row T
		if err := json.Unmarshal(entry.Value(), &row); err != nil {
			continue
		}
		out = append(out, &row)
	}
	return out, nil
}

func containsState(states []document.BlockState, s document.BlockState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// isWrongRevision checks if an error indicates a revision mismatch on a
// KV update.
func isWrongRevision(err error) bool {
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}
