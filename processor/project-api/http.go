package projectapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/driver"
	"github.com/lemmalab/lemma/fault"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// RegisterHTTPHandlers registers all project-api HTTP handlers under the
// given prefix. The prefix should be the path segment without a trailing
// slash (e.g. "v1"). Handlers are registered as:
//
//	POST <prefix>/projects                  create a draft project
//	GET  <prefix>/projects/{id}             project state with block summary
//	POST <prefix>/projects/{id}/start       start generation
//	POST <prefix>/projects/{id}/signal      user signal (validate, redo, ...)
//	POST <prefix>/tasks/{id}/completion     worker completion report
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	// Normalise: ensure leading slash and trailing slash.
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}

	mux.HandleFunc(prefix+"projects", c.handleProjects)
	mux.HandleFunc(prefix+"projects/", c.prefixed(prefix+"projects/", c.handleProjectByID))
	mux.HandleFunc(prefix+"tasks/", c.prefixed(prefix+"tasks/", c.handleTaskByID))
}

// prefixed strips the route prefix from the URL path and passes the rest to
// the handler.
func (c *Component) prefixed(prefix string, h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, r, strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	}
}

// ----------------------------------------------------------------------------
// POST /v1/projects
// ----------------------------------------------------------------------------

// CreateProjectRequest is the request body for POST /v1/projects.
type CreateProjectRequest struct {
	// OwnerID identifies the submitting user.
	OwnerID string `json:"owner_id"`

	// Title is the document title.
	Title string `json:"title"`

	// Subject is the mathematical subject (e.g. "galois theory").
	Subject string `json:"subject"`

	// Level is the audience level (e.g. "undergraduate").
	Level string `json:"level"`

	// Style is the rhetorical style (e.g. "rigorous").
	Style string `json:"style"`

	// Mode selects supervised or autonomous control.
	Mode document.Mode `json:"mode"`

	// Structure is the ordered chapter/section/slot tree.
	Structure document.ContentStructure `json:"structure"`
}

// handleProjects creates a draft project with its initial version.
func (c *Component) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	drv, _, ok := c.handles()
	if !ok {
		writeFault(w, fault.New(fault.KindUnavailable, "engine not started"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}

	project, err := drv.CreateProject(r.Context(), driver.NewProject{
		OwnerID:   req.OwnerID,
		Title:     req.Title,
		Subject:   req.Subject,
		Level:     req.Level,
		Style:     req.Style,
		Mode:      req.Mode,
		Structure: req.Structure,
	})
	if err != nil {
		c.logger.Warn("Project creation rejected", "error", err)
		writeFault(w, err)
		return
	}

	c.logger.Info("Project created via API",
		"project_id", project.ID,
		"mode", project.Mode.String())
	writeJSON(w, http.StatusCreated, project)
}

// ----------------------------------------------------------------------------
// GET  /v1/projects/{id}
// POST /v1/projects/{id}/start
// POST /v1/projects/{id}/signal
// ----------------------------------------------------------------------------

// BlockSummary is the per-slot view in a project response.
type BlockSummary struct {
	SlotID             string              `json:"slot_id"`
	BlockID            string              `json:"block_id"`
	BlockType          document.BlockType  `json:"block_type"`
	Title              string              `json:"title,omitempty"`
	Status             document.BlockState `json:"status"`
	RefinementAttempts int                 `json:"refinement_attempts"`
	HasContent         bool                `json:"has_content"`
}

// ProjectView is the response body for GET /v1/projects/{id}.
type ProjectView struct {
	Project *document.Project `json:"project"`
	Blocks  []BlockSummary    `json:"blocks"`
}

func (c *Component) handleProjectByID(w http.ResponseWriter, r *http.Request, rest string) {
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "project id is required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		c.handleGetProject(w, r, id)
	case action == "start" && r.Method == http.MethodPost:
		c.handleStartProject(w, r, id)
	case action == "signal" && r.Method == http.MethodPost:
		c.handleSignal(w, r, id)
	case action == "" || action == "start" || action == "signal":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

// handleGetProject returns the project with a summary of its current slots.
func (c *Component) handleGetProject(w http.ResponseWriter, r *http.Request, id string) {
	_, repo, ok := c.handles()
	if !ok {
		writeFault(w, fault.New(fault.KindUnavailable, "engine not started"))
		return
	}

	project, _, err := repo.GetProject(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}

	view := ProjectView{Project: project, Blocks: []BlockSummary{}}
	if version, _, err := repo.GetVersion(r.Context(), project.CurrentVersionID); err == nil {
		for _, ref := range version.Structure.Slots() {
			summary := BlockSummary{
				SlotID:    ref.SlotID,
				BlockID:   ref.BlockID,
				BlockType: ref.BlockType,
				Title:     ref.Title,
				Status:    document.StatePendingGeneration,
			}
			if ref.BlockID != "" {
				if block, _, err := repo.GetBlock(r.Context(), ref.BlockID); err == nil {
					summary.Status = block.Status
					summary.RefinementAttempts = block.RefinementAttempts
					summary.HasContent = block.Content != ""
				}
			}
			view.Blocks = append(view.Blocks, summary)
		}
	}

	writeJSON(w, http.StatusOK, view)
}

// handleStartProject moves a draft into progress and plans the first
// generations.
func (c *Component) handleStartProject(w http.ResponseWriter, r *http.Request, id string) {
	drv, _, ok := c.handles()
	if !ok {
		writeFault(w, fault.New(fault.KindUnavailable, "engine not started"))
		return
	}

	project, err := drv.StartProject(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}

	c.logger.Info("Project started via API", "project_id", id)
	writeJSON(w, http.StatusOK, project)
}

// SignalRequest is the request body for POST /v1/projects/{id}/signal. The
// project id comes from the path; the rest mirrors the signal payload.
type SignalRequest struct {
	SourceID         string                  `json:"source_id,omitempty"`
	BlockID          string                  `json:"block_id,omitempty"`
	Signal           document.Signal         `json:"signal"`
	FeedbackText     string                  `json:"feedback_text,omitempty"`
	FeedbackIntent   document.FeedbackIntent `json:"feedback_intent,omitempty"`
	FeedbackLocation string                  `json:"feedback_location,omitempty"`
	SectionTitle     string                  `json:"section_title,omitempty"`
	ElementType      document.BlockType      `json:"element_type,omitempty"`
	ElementTitle     string                  `json:"element_title,omitempty"`
}

// handleSignal applies a user signal synchronously and returns the updated
// project. Illegal signals map to 422 without touching state.
func (c *Component) handleSignal(w http.ResponseWriter, r *http.Request, id string) {
	drv, _, ok := c.handles()
	if !ok {
		writeFault(w, fault.New(fault.KindUnavailable, "engine not started"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	payload := &document.UserSignalPayload{
		SourceID:         req.SourceID,
		ProjectID:        id,
		BlockID:          req.BlockID,
		Signal:           req.Signal,
		FeedbackText:     req.FeedbackText,
		FeedbackIntent:   req.FeedbackIntent,
		FeedbackLocation: req.FeedbackLocation,
		SectionTitle:     req.SectionTitle,
		ElementType:      req.ElementType,
		ElementTitle:     req.ElementTitle,
	}
	if err := payload.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	project, err := drv.HandleUserSignal(r.Context(), payload)
	if err != nil {
		writeFault(w, err)
		return
	}

	c.logger.Info("Signal applied via API",
		"project_id", id,
		"signal", req.Signal.String(),
		"block_id", req.BlockID)
	writeJSON(w, http.StatusOK, project)
}

// ----------------------------------------------------------------------------
// POST /v1/tasks/{id}/completion
// ----------------------------------------------------------------------------

// CompletionRequest is the request body for POST /v1/tasks/{id}/completion.
// The task id comes from the path.
type CompletionRequest struct {
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// handleTaskByID accepts a worker completion report over HTTP. The intake is
// idempotent on task id, so workers may retry this call safely.
func (c *Component) handleTaskByID(w http.ResponseWriter, r *http.Request, rest string) {
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "completion" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	drv, _, ok := c.handles()
	if !ok {
		writeFault(w, fault.New(fault.KindUnavailable, "engine not started"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	payload := &document.TaskCompletionPayload{
		TaskID:       id,
		Success:      req.Success,
		Result:       req.Result,
		ErrorKind:    req.ErrorKind,
		ErrorMessage: req.ErrorMessage,
	}
	if err := payload.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := drv.HandleTaskCompletion(r.Context(), payload); err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// faultStatus maps an error kind to an HTTP status code.
func faultStatus(kind fault.Kind) int {
	switch kind {
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindUnavailable:
		return http.StatusServiceUnavailable
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// faultBody is the error response shape.
type faultBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// writeFault renders a kinded error as JSON with its mapped status code.
func writeFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	detail := err.Error()
	var fe *fault.Error
	if errors.As(err, &fe) {
		detail = fe.Detail
	}
	writeJSON(w, faultStatus(kind), faultBody{
		Kind:   kind.String(),
		Detail: detail,
	})
}

// writeJSON marshals v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
