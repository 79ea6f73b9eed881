package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/fault"
)

// Memory is an in-memory Repository for tests. It mirrors the Store's
// revision semantics so driver and dispatcher tests exercise the same
// conflict paths without a broker.
type Memory struct {
	mu sync.Mutex

	projects map[string]memRow
	versions map[string]memRow
	blocks   map[string]memRow
	tasks    map[string]memRow
	feedback map[string]memRow
}

type memRow struct {
	data     []byte
	revision uint64
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		projects: make(map[string]memRow),
		versions: make(map[string]memRow),
		blocks:   make(map[string]memRow),
		tasks:    make(map[string]memRow),
		feedback: make(map[string]memRow),
	}
}

func memCreate[T any](m *Memory, rows map[string]memRow, id string, row *T, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		return fault.Newf(fault.KindInternal, "%s id is empty", kind)
	}
	if _, ok := rows[id]; ok {
		return fault.Newf(fault.KindConflict, "%s %s already exists", kind, id)
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	rows[id] = memRow{data: data, revision: 1}
	return nil
}

func memGet[T any](m *Memory, rows map[string]memRow, id string, kind string) (*T, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memGetLocked[T](rows, id, kind)
}

func memGetLocked[T any](rows map[string]memRow, id string, kind string) (*T, uint64, error) {
	r, ok := rows[id]
	if !ok {
		return nil, 0, fault.Newf(fault.KindNotFound, "%s %s not found", kind, id)
	}
	var row T
	if err := json.Unmarshal(r.data, &row); err != nil {
		return nil, 0, fault.Wrap(fault.KindInternal, err)
	}
	return &row, r.revision, nil
}

func memUpdate[T any](m *Memory, rows map[string]memRow, id string, row *T, expected uint64, kind string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := rows[id]
	if !ok {
		return 0, fault.Newf(fault.KindNotFound, "%s %s not found", kind, id)
	}
	if r.revision != expected {
		return 0, fault.Newf(fault.KindConflict, "%s %s moved past revision %d", kind, id, expected)
	}
	data, err := json.Marshal(row)
	if err != nil {
		return 0, fault.Wrap(fault.KindInternal, err)
	}
	rows[id] = memRow{data: data, revision: r.revision + 1}
	return r.revision + 1, nil
}

func memList[T any](m *Memory, rows map[string]memRow) []*T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*T, 0, len(rows))
	for _, r := range rows {
		var row T
		if err := json.Unmarshal(r.data, &row); err != nil {
			continue
		}
		out = append(out, &row)
	}
	return out
}

// CreateProject implements Repository.
func (m *Memory) CreateProject(_ context.Context, p *document.Project) error {
	return memCreate(m, m.projects, p.ID, p, "project")
}

// GetProject implements Repository.
func (m *Memory) GetProject(_ context.Context, id string) (*document.Project, uint64, error) {
	return memGet[document.Project](m, m.projects, id, "project")
}

// UpdateProject implements Repository.
func (m *Memory) UpdateProject(_ context.Context, p *document.Project, expected uint64) (uint64, error) {
	return memUpdate(m, m.projects, p.ID, p, expected, "project")
}

// ListProjects implements Repository.
func (m *Memory) ListProjects(_ context.Context) ([]*document.Project, error) {
	return memList[document.Project](m, m.projects), nil
}

// CreateVersion implements Repository.
func (m *Memory) CreateVersion(_ context.Context, v *document.DocumentVersion) error {
	return memCreate(m, m.versions, v.ID, v, "version")
}

// GetVersion implements Repository.
func (m *Memory) GetVersion(_ context.Context, id string) (*document.DocumentVersion, uint64, error) {
	return memGet[document.DocumentVersion](m, m.versions, id, "version")
}

// UpdateVersion implements Repository.
func (m *Memory) UpdateVersion(_ context.Context, v *document.DocumentVersion, expected uint64) (uint64, error) {
	return memUpdate(m, m.versions, v.ID, v, expected, "version")
}

// CreateBlock implements Repository.
func (m *Memory) CreateBlock(_ context.Context, b *document.ContentBlock) error {
	return memCreate(m, m.blocks, b.ID, b, "block")
}

// GetBlock implements Repository.
func (m *Memory) GetBlock(_ context.Context, id string) (*document.ContentBlock, uint64, error) {
	return memGet[document.ContentBlock](m, m.blocks, id, "block")
}

// UpdateBlock implements Repository.
func (m *Memory) UpdateBlock(_ context.Context, b *document.ContentBlock, expected uint64) (uint64, error) {
	return memUpdate(m, m.blocks, b.ID, b, expected, "block")
}

// ListBlocksByVersion implements Repository.
func (m *Memory) ListBlocksByVersion(_ context.Context, versionID string, filter ...document.BlockState) ([]*document.ContentBlock, error) {
	var out []*document.ContentBlock
	for _, b := range memList[document.ContentBlock](m, m.blocks) {
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

// UpsertTask implements Repository.
func (m *Memory) UpsertTask(_ context.Context, t *document.WorkflowTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := json.Marshal(t)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	prev := m.tasks[t.ID]
	m.tasks[t.ID] = memRow{data: data, revision: prev.revision + 1}
	return nil
}

// GetTask implements Repository.
func (m *Memory) GetTask(_ context.Context, id string) (*document.WorkflowTask, uint64, error) {
	return memGet[document.WorkflowTask](m, m.tasks, id, "task")
}

// ClaimTask implements Repository.
func (m *Memory) ClaimTask(_ context.Context, queue document.Queue, workerID string, now time.Time) (*document.WorkflowTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*document.WorkflowTask
	for _, r := range m.tasks {
		var t document.WorkflowTask
		if err := json.Unmarshal(r.data, &t); err != nil {
			continue
		}
		if t.Queue != queue || t.Status != document.TaskPending {
			continue
		}
		if !t.NotBefore.IsZero() && t.NotBefore.After(now) {
			continue
		}
		candidates = append(candidates, &t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	t := candidates[0]
	t.Status = document.TaskInProgress
	t.WorkerID = workerID
	started := now
	t.StartedAt = &started

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	prev := m.tasks[t.ID]
	m.tasks[t.ID] = memRow{data: data, revision: prev.revision + 1}
	return t, nil
}

// CompleteTask implements Repository.
func (m *Memory) CompleteTask(_ context.Context, taskID string, outcome TaskOutcome, completedAt time.Time) (*document.WorkflowTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, _, err := memGetLocked[document.WorkflowTask](m.tasks, taskID, "task")
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
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	prev := m.tasks[taskID]
	m.tasks[taskID] = memRow{data: data, revision: prev.revision + 1}
	return t, nil
}

// ListTasks implements Repository.
func (m *Memory) ListTasks(_ context.Context, queue document.Queue, status document.TaskStatus) ([]*document.WorkflowTask, error) {
	var out []*document.WorkflowTask
	for _, t := range memList[document.WorkflowTask](m, m.tasks) {
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

// ListTasksByProject implements Repository.
func (m *Memory) ListTasksByProject(_ context.Context, projectID string) ([]*document.WorkflowTask, error) {
	var out []*document.WorkflowTask
	for _, t := range memList[document.WorkflowTask](m, m.tasks) {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out, nil
}

// CreateFeedback implements Repository.
func (m *Memory) CreateFeedback(_ context.Context, f *document.Feedback) error {
	return memCreate(m, m.feedback, f.ID, f, "feedback")
}

// GetFeedback implements Repository.
func (m *Memory) GetFeedback(_ context.Context, id string) (*document.Feedback, error) {
	f, _, err := memGet[document.Feedback](m, m.feedback, id, "feedback")
	return f, err
}
