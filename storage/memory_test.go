package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/fault"
)

func TestMemoryRevisionConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	block := &document.ContentBlock{
		ID:        "b1",
		VersionID: "v1",
		SlotID:    "s1",
		BlockType: document.BlockDefinition,
		Status:    document.StatePendingGeneration,
	}
	require.NoError(t, repo.CreateBlock(ctx, block))

	loaded, rev, err := repo.GetBlock(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	loaded.Status = document.StateGenerationInProgress
	newRev, err := repo.UpdateBlock(ctx, loaded, rev)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), newRev)

	// Second writer still holding the old revision must conflict.
	loaded.Status = document.StateArchived
	_, err = repo.UpdateBlock(ctx, loaded, rev)
	require.Error(t, err)
	assert.True(t, fault.IsConflict(err))

	// The winning write is what persisted.
	current, _, err := repo.GetBlock(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, document.StateGenerationInProgress, current.Status)
}

func TestMemoryCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	p := &document.Project{ID: "p1", Mode: document.ModeAutonomous, Status: document.ProjectDraft}
	require.NoError(t, repo.CreateProject(ctx, p))
	err := repo.CreateProject(ctx, p)
	require.Error(t, err)
	assert.True(t, fault.IsConflict(err))
}

func TestMemoryGetMissing(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	_, _, err := repo.GetProject(ctx, "nope")
	require.Error(t, err)
	assert.True(t, fault.IsNotFound(err))
}

func TestClaimTaskPriorityAndFIFO(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mkTask := func(id string, priority int, createdAt time.Time) *document.WorkflowTask {
		return &document.WorkflowTask{
			ID:        id,
			ProjectID: "p1",
			Type:      document.TaskGenerateBlock,
			Queue:     document.QueueGeneration,
			Priority:  priority,
			Status:    document.TaskPending,
			Params:    document.TaskParams{Generate: &document.GenerateParams{BlockID: id, VersionID: "v1"}},
			CreatedAt: createdAt,
		}
	}
	require.NoError(t, repo.UpsertTask(ctx, mkTask("low-old", 2, now.Add(-2*time.Minute))))
	require.NoError(t, repo.UpsertTask(ctx, mkTask("high", 7, now.Add(-time.Minute))))
	require.NoError(t, repo.UpsertTask(ctx, mkTask("low-new", 2, now.Add(-time.Second))))

	first, err := repo.ClaimTask(ctx, document.QueueGeneration, "w1", now)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "high", first.ID)
	assert.Equal(t, document.TaskInProgress, first.Status)
	assert.Equal(t, "w1", first.WorkerID)

	second, err := repo.ClaimTask(ctx, document.QueueGeneration, "w2", now)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "low-old", second.ID)

	third, err := repo.ClaimTask(ctx, document.QueueGeneration, "w3", now)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, "low-new", third.ID)

	empty, err := repo.ClaimTask(ctx, document.QueueGeneration, "w4", now)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestClaimTaskHonorsBackoffWindow(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	task := &document.WorkflowTask{
		ID:        "t1",
		ProjectID: "p1",
		Type:      document.TaskRunQC,
		Queue:     document.QueueQC,
		Status:    document.TaskPending,
		Params:    document.TaskParams{QC: &document.QCParams{BlockID: "b1", VersionID: "v1"}},
		NotBefore: now.Add(30 * time.Second),
		CreatedAt: now,
	}
	require.NoError(t, repo.UpsertTask(ctx, task))

	claimed, err := repo.ClaimTask(ctx, document.QueueQC, "w1", now)
	require.NoError(t, err)
	assert.Nil(t, claimed, "task inside its backoff window must not be claimable")

	claimed, err = repo.ClaimTask(ctx, document.QueueQC, "w1", now.Add(31*time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "t1", claimed.ID)
}

func TestCompleteTaskRejectsDoubleCompletion(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	now := time.Now()

	task := &document.WorkflowTask{
		ID:        "t1",
		ProjectID: "p1",
		Type:      document.TaskGenerateBlock,
		Queue:     document.QueueGeneration,
		Status:    document.TaskPending,
		Params:    document.TaskParams{Generate: &document.GenerateParams{BlockID: "b1", VersionID: "v1"}},
		CreatedAt: now,
	}
	require.NoError(t, repo.UpsertTask(ctx, task))

	claimed, err := repo.ClaimTask(ctx, document.QueueGeneration, "w1", now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	done, err := repo.CompleteTask(ctx, "t1", TaskOutcome{Status: document.TaskCompleted}, now)
	require.NoError(t, err)
	assert.Equal(t, document.TaskCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, err = repo.CompleteTask(ctx, "t1", TaskOutcome{Status: document.TaskCompleted}, now)
	require.Error(t, err)
	assert.True(t, fault.IsConflict(err))
}

func TestCompleteTaskRetrying(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	now := time.Now()

	task := &document.WorkflowTask{
		ID:        "t1",
		ProjectID: "p1",
		Type:      document.TaskExportDocument,
		Queue:     document.QueueExport,
		Status:    document.TaskPending,
		Params:    document.TaskParams{Export: &document.ExportParams{VersionID: "v1", Formats: []string{"pdf"}}},
		CreatedAt: now,
	}
	require.NoError(t, repo.UpsertTask(ctx, task))

	_, err := repo.ClaimTask(ctx, document.QueueExport, "w1", now)
	require.NoError(t, err)

	notBefore := now.Add(time.Minute)
	retried, err := repo.CompleteTask(ctx, "t1", TaskOutcome{
		Status:       document.TaskRetrying,
		ErrorKind:    string(fault.KindUnavailable),
		ErrorMessage: "exporter down",
		NotBefore:    notBefore,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, document.TaskRetrying, retried.Status)
	assert.Empty(t, retried.WorkerID)
	assert.Equal(t, notBefore, retried.NotBefore)
}

func TestListBlocksByVersionFilter(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	mk := func(id string, version string, state document.BlockState) *document.ContentBlock {
		return &document.ContentBlock{
			ID: id, VersionID: version, SlotID: id, BlockType: document.BlockText, Status: state,
		}
	}
	require.NoError(t, repo.CreateBlock(ctx, mk("b1", "v1", document.StateValidated)))
	require.NoError(t, repo.CreateBlock(ctx, mk("b2", "v1", document.StateQCPending)))
	require.NoError(t, repo.CreateBlock(ctx, mk("b3", "v2", document.StateValidated)))

	all, err := repo.ListBlocksByVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	validated, err := repo.ListBlocksByVersion(ctx, "v1", document.StateValidated)
	require.NoError(t, err)
	require.Len(t, validated, 1)
	assert.Equal(t, "b1", validated[0].ID)
}
