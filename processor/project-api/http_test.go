package projectapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemmalab/lemma/config"
	"github.com/lemmalab/lemma/dispatch"
	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/driver"
	"github.com/lemmalab/lemma/storage"
)

type testAPI struct {
	mux  *http.ServeMux
	repo *storage.Memory
	disp *dispatch.Dispatcher
	drv  *driver.Driver
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	repo := storage.NewMemory()
	cfg := config.DefaultConfig()
	disp := dispatch.New(repo, cfg)
	drv := driver.New(repo, disp, cfg)

	c := &Component{
		name:   "project-api",
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		drv:    drv,
		repo:   repo,
	}
	mux := http.NewServeMux()
	c.RegisterHTTPHandlers("v1", mux)
	return &testAPI{mux: mux, repo: repo, disp: disp, drv: drv}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func createRequest(mode document.Mode, slots int) CreateProjectRequest {
	refs := make([]document.BlockRef, slots)
	for i := range refs {
		refs[i] = document.BlockRef{
			SlotID:    fmt.Sprintf("s%d", i+1),
			BlockType: document.BlockDefinition,
			Title:     fmt.Sprintf("Definition 1.%d", i+1),
		}
	}
	return CreateProjectRequest{
		OwnerID: "u1",
		Title:   "An Invitation to Group Theory",
		Subject: "group theory",
		Level:   "undergraduate",
		Style:   "plain",
		Mode:    mode,
		Structure: document.ContentStructure{Chapters: []document.Chapter{{
			Title:    "Groups",
			Sections: []document.Section{{Title: "Basics", Blocks: refs}},
		}}},
	}
}

func (a *testAPI) createAndStart(t *testing.T, mode document.Mode, slots int) *document.Project {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/v1/projects", createRequest(mode, slots))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	project := decode[*document.Project](t, rec)

	rec = a.do(t, http.MethodPost, "/v1/projects/"+project.ID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[*document.Project](t, rec)
}

func TestCreateProject(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/v1/projects", createRequest(document.ModeAutonomous, 2))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	project := decode[*document.Project](t, rec)
	assert.NotEmpty(t, project.ID)
	assert.Equal(t, document.ProjectDraft, project.Status)
	assert.Equal(t, document.ModeAutonomous, project.Mode)
	assert.NotEmpty(t, project.CurrentVersionID)
}

func TestCreateProjectRejectsUnknownMode(t *testing.T) {
	api := newTestAPI(t)

	req := createRequest(document.Mode("freestyle"), 1)
	rec := api.do(t, http.MethodPost, "/v1/projects", req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body := decode[faultBody](t, rec)
	assert.Equal(t, "invalid_transition", body.Kind)
}

func TestCreateProjectRequiresTitle(t *testing.T) {
	api := newTestAPI(t)

	req := createRequest(document.ModeAutonomous, 1)
	req.Title = ""
	rec := api.do(t, http.MethodPost, "/v1/projects", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartProject(t *testing.T) {
	api := newTestAPI(t)

	project := api.createAndStart(t, document.ModeAutonomous, 1)
	assert.Equal(t, document.ProjectInProgress, project.Status)

	// The planner submitted the first generation.
	env, err := api.disp.Claim(context.Background(), document.QueueGeneration, "w1")
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, document.TaskGenerateBlock, env.TaskType)
}

func TestGetProjectWithBlockSummary(t *testing.T) {
	api := newTestAPI(t)
	project := api.createAndStart(t, document.ModeAutonomous, 2)

	rec := api.do(t, http.MethodGet, "/v1/projects/"+project.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	view := decode[ProjectView](t, rec)
	require.NotNil(t, view.Project)
	assert.Equal(t, project.ID, view.Project.ID)
	require.Len(t, view.Blocks, 2)
	assert.Equal(t, "s1", view.Blocks[0].SlotID)
	assert.NotEmpty(t, view.Blocks[0].BlockID)
	assert.Equal(t, document.StateGenerationInProgress, view.Blocks[0].Status)
	assert.False(t, view.Blocks[0].HasContent)
}

func TestGetProjectNotFound(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/v1/projects/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decode[faultBody](t, rec)
	assert.Equal(t, "not_found", body.Kind)
}

func TestSignalCancelProject(t *testing.T) {
	api := newTestAPI(t)
	project := api.createAndStart(t, document.ModeAutonomous, 1)

	rec := api.do(t, http.MethodPost, "/v1/projects/"+project.ID+"/signal",
		SignalRequest{Signal: document.SignalCancelProject})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	updated := decode[*document.Project](t, rec)
	assert.Equal(t, document.ProjectCancelled, updated.Status)
}

func TestSignalIllegalTransition(t *testing.T) {
	api := newTestAPI(t)
	project := api.createAndStart(t, document.ModeSupervised, 1)

	version, _, err := api.repo.GetVersion(context.Background(), project.CurrentVersionID)
	require.NoError(t, err)
	blockID := version.Structure.Slots()[0].BlockID

	// Validating a block still generating is illegal and must not move state.
	rec := api.do(t, http.MethodPost, "/v1/projects/"+project.ID+"/signal",
		SignalRequest{Signal: document.SignalValidated, BlockID: blockID})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	body := decode[faultBody](t, rec)
	assert.Equal(t, "invalid_transition", body.Kind)

	block, _, err := api.repo.GetBlock(context.Background(), blockID)
	require.NoError(t, err)
	assert.Equal(t, document.StateGenerationInProgress, block.Status)
}

func TestSignalRejectsUnknownSignal(t *testing.T) {
	api := newTestAPI(t)
	project := api.createAndStart(t, document.ModeSupervised, 1)

	rec := api.do(t, http.MethodPost, "/v1/projects/"+project.ID+"/signal",
		SignalRequest{Signal: document.Signal("launch")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskCompletionDrivesBlock(t *testing.T) {
	api := newTestAPI(t)
	api.createAndStart(t, document.ModeAutonomous, 1)

	env, err := api.disp.Claim(context.Background(), document.QueueGeneration, "w1")
	require.NoError(t, err)
	require.NotNil(t, env)

	result, err := json.Marshal(document.GenerateResult{
		Content:   "A group is a set with an associative operation.",
		SourceLLM: "mock",
	})
	require.NoError(t, err)

	rec := api.do(t, http.MethodPost, "/v1/tasks/"+env.TaskID+"/completion",
		CompletionRequest{Success: true, Result: result})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	block, _, err := api.repo.GetBlock(context.Background(), env.Parameters.BlockID())
	require.NoError(t, err)
	assert.Equal(t, document.StateQCInProgress, block.Status)
}

func TestTaskCompletionUnknownTask(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/v1/tasks/missing/completion",
		CompletionRequest{Success: false, ErrorKind: "timeout", ErrorMessage: "deadline elapsed"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskCompletionDuplicateAccepted(t *testing.T) {
	api := newTestAPI(t)
	api.createAndStart(t, document.ModeAutonomous, 1)

	env, err := api.disp.Claim(context.Background(), document.QueueGeneration, "w1")
	require.NoError(t, err)
	require.NotNil(t, env)

	result, err := json.Marshal(document.GenerateResult{Content: "Content.", SourceLLM: "mock"})
	require.NoError(t, err)
	body := CompletionRequest{Success: true, Result: result}

	rec := api.do(t, http.MethodPost, "/v1/tasks/"+env.TaskID+"/completion", body)
	require.Equal(t, http.StatusOK, rec.Code)

	// The intake is idempotent on task id.
	rec = api.do(t, http.MethodPost, "/v1/tasks/"+env.TaskID+"/completion", body)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/v1/projects", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = api.do(t, http.MethodDelete, "/v1/projects/p1/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlersBeforeStartReturnUnavailable(t *testing.T) {
	c := &Component{
		name:   "project-api",
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
	mux := http.NewServeMux()
	c.RegisterHTTPHandlers("v1", mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/projects/p1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decode[faultBody](t, rec)
	assert.Equal(t, "unavailable", body.Kind)
}

func TestStartProjectTwiceRejected(t *testing.T) {
	api := newTestAPI(t)
	project := api.createAndStart(t, document.ModeAutonomous, 1)

	rec := api.do(t, http.MethodPost, "/v1/projects/"+project.ID+"/start", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
}
