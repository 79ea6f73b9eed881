package driver

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lemmalab/lemma/dispatch"
	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/fault"
	"github.com/lemmalab/lemma/policy"
)

// NewProject describes a project submission.
type NewProject struct {
	OwnerID   string
	Title     string
	Subject   string
	Level     string
	Style     string
	Mode      document.Mode
	Structure document.ContentStructure
}

// CreateProject records a draft project with its initial document version.
// Blocks are created lazily by the planner when the project starts.
func (d *Driver) CreateProject(ctx context.Context, spec NewProject) (*document.Project, error) {
	if !spec.Mode.IsValid() {
		return nil, fault.Newf(fault.KindInvalidTransition, "unknown mode %q", spec.Mode)
	}
	if err := spec.Structure.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindInvalidTransition, err)
	}
	now := d.clock()
	version := &document.DocumentVersion{
		ID:            uuid.New().String(),
		VersionNumber: 1,
		Structure:     spec.Structure,
		Status:        document.VersionDraft,
		CreatedAt:     now,
	}
	project := &document.Project{
		ID:               uuid.New().String(),
		OwnerID:          spec.OwnerID,
		Title:            spec.Title,
		Subject:          spec.Subject,
		Level:            spec.Level,
		Style:            spec.Style,
		Mode:             spec.Mode,
		Status:           document.ProjectDraft,
		CurrentVersionID: version.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	version.ProjectID = project.ID
	if err := d.repo.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	if err := d.repo.CreateVersion(ctx, version); err != nil {
		return nil, err
	}
	d.logger.Info("project created",
		slog.String("project_id", project.ID),
		slog.String("mode", project.Mode.String()),
		slog.Int("slots", len(spec.Structure.Slots())))
	return project, nil
}

// StartProject moves a draft project into progress and plans the first
// generations. Only a draft can start; starting twice is rejected rather
// than treated as a no-op.
func (d *Driver) StartProject(ctx context.Context, projectID string) (*document.Project, error) {
	project, _, err := d.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != document.ProjectDraft {
		return nil, fault.Newf(fault.KindInvalidTransition,
			"project %s is %s, only a draft can start", projectID, project.Status)
	}
	project, err = d.setProjectStatus(ctx, projectID, document.ProjectInProgress, "started")
	if err != nil {
		return nil, err
	}
	if err := d.planNext(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// CancelProject cancels the project and voids its queued tasks. In-progress
// tasks run to completion; their results are discarded because no block may
// transition after the cancellation commit.
func (d *Driver) CancelProject(ctx context.Context, projectID string) (*document.Project, error) {
	project, err := d.setProjectStatus(ctx, projectID, document.ProjectCancelled, "cancelled by user")
	if err != nil {
		return nil, err
	}
	if err := d.disp.CancelProject(ctx, projectID); err != nil {
		return nil, err
	}
	return project, nil
}

// ApproveAll handles the supervised all_approved signal: every slot must
// hold a terminal block with no failures, then assembly is submitted.
func (d *Driver) ApproveAll(ctx context.Context, projectID string) (*document.Project, error) {
	project, _, err := d.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status.IsTerminal() {
		return nil, fault.Newf(fault.KindInvalidTransition, "project %s is %s", projectID, project.Status)
	}
	version, vrev, err := d.repo.GetVersion(ctx, project.CurrentVersionID)
	if err != nil {
		return nil, err
	}
	states, err := d.blockStates(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	done, failed := document.VersionDone(version.Structure, states)
	if !done {
		return nil, fault.New(fault.KindInvalidTransition, "blocks are still in flight")
	}
	if failed {
		return nil, fault.New(fault.KindInvalidTransition, "a slot ended in failure; redo it before approving")
	}

	version.Status = document.VersionValidated
	if _, err := d.repo.UpdateVersion(ctx, version, vrev); err != nil && !fault.IsConflict(err) {
		return nil, err
	}
	if project.Status == document.ProjectInProgress {
		project, err = d.setProjectStatus(ctx, projectID, document.ProjectCompleted, "all blocks approved")
		if err != nil {
			return nil, err
		}
	}
	if err := d.submitAssemble(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// AddElement performs a structural revision: a new version is created with
// an extra slot appended to the named section, the old version is archived,
// and generation of the new slot is planned. Existing blocks carry over.
func (d *Driver) AddElement(ctx context.Context, projectID string, sectionTitle string, blockType document.BlockType, title string) (*document.Project, error) {
	if !blockType.IsValid() {
		return nil, fault.Newf(fault.KindInvalidTransition, "unknown block type %q", blockType)
	}
	project, _, err := d.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status.IsTerminal() {
		return nil, fault.Newf(fault.KindInvalidTransition, "project %s is %s", projectID, project.Status)
	}
	old, oldRev, err := d.repo.GetVersion(ctx, project.CurrentVersionID)
	if err != nil {
		return nil, err
	}

	now := d.clock()
	structure := old.Structure.Rebind("", "") // deep copy
	ref := document.BlockRef{
		SlotID:    uuid.New().String(),
		BlockType: blockType,
		Title:     title,
	}
	placed := false
	for i := range structure.Chapters {
		for j := range structure.Chapters[i].Sections {
			if structure.Chapters[i].Sections[j].Title == sectionTitle {
				structure.Chapters[i].Sections[j].Blocks = append(structure.Chapters[i].Sections[j].Blocks, ref)
				placed = true
			}
		}
	}
	if !placed {
		return nil, fault.Newf(fault.KindNotFound, "section %q not found", sectionTitle)
	}

	next := &document.DocumentVersion{
		ID:            uuid.New().String(),
		ProjectID:     project.ID,
		VersionNumber: old.VersionNumber + 1,
		Structure:     structure,
		Status:        document.VersionDraft,
		CreatedAt:     now,
	}
	if err := d.repo.CreateVersion(ctx, next); err != nil {
		return nil, err
	}
	old.Status = document.VersionArchived
	if _, err := d.repo.UpdateVersion(ctx, old, oldRev); err != nil && !fault.IsConflict(err) {
		return nil, err
	}

	// Blocks of the old version stay bound to their slots; only the version
	// row moves. The project may have been completed; the revision reopens it.
	for attempt := 0; ; attempt++ {
		p, rev, err := d.repo.GetProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		p.CurrentVersionID = next.ID
		if p.Status == document.ProjectCompleted || p.Status == document.ProjectNeedsManualReview {
			p.Status = document.ProjectInProgress
		}
		p.UpdatedAt = now
		if _, err := d.repo.UpdateProject(ctx, p, rev); err != nil {
			if fault.IsConflict(err) && attempt == 0 {
				continue
			}
			return nil, err
		}
		project = p
		break
	}
	if err := d.rehomeBlocks(ctx, old.ID, next.ID); err != nil {
		return nil, err
	}
	if err := d.planNext(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// rehomeBlocks copies the old version's blocks into the new version so slot
// bindings survive a structural revision.
func (d *Driver) rehomeBlocks(ctx context.Context, oldVersionID, newVersionID string) error {
	blocks, err := d.repo.ListBlocksByVersion(ctx, oldVersionID)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		for attempt := 0; ; attempt++ {
			fresh, rev, err := d.repo.GetBlock(ctx, b.ID)
			if err != nil {
				return err
			}
			fresh.VersionID = newVersionID
			fresh.UpdatedAt = d.clock()
			if _, err := d.repo.UpdateBlock(ctx, fresh, rev); err != nil {
				if fault.IsConflict(err) && attempt == 0 {
					continue
				}
				return err
			}
			break
		}
	}
	return nil
}

// CompleteAssembly handles a successful assemble_document task: the project
// moves to export_pending and the export task is submitted.
func (d *Driver) CompleteAssembly(ctx context.Context, projectID, versionID, artifactRef string) (*document.Project, error) {
	project, err := d.setProjectStatus(ctx, projectID, document.ProjectExportPending, "assembled")
	if err != nil {
		return nil, err
	}
	_, _, err = d.disp.Submit(ctx, dispatch.Submission{
		ProjectID: projectID,
		Type:      document.TaskExportDocument,
		Params: document.TaskParams{Export: &document.ExportParams{
			VersionID:   versionID,
			ArtifactRef: artifactRef,
			Formats:     d.cfg.Export.Formats,
		}},
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// CompleteExport handles a successful export_document task.
func (d *Driver) CompleteExport(ctx context.Context, projectID string, files []string) (*document.Project, error) {
	project, err := d.setProjectStatus(ctx, projectID, document.ProjectCompletedExported, "exported")
	if err != nil {
		return nil, err
	}
	d.logger.Info("project exported",
		slog.String("project_id", projectID),
		slog.Int("files", len(files)))
	return project, nil
}

// FailExport handles an export_document task out of retries. The project
// parks in export_failed; a later retry_export moves it back.
func (d *Driver) FailExport(ctx context.Context, projectID, detail string) (*document.Project, error) {
	return d.setProjectStatus(ctx, projectID, document.ProjectExportFailed, detail)
}

// RetryExport re-queues the export of a project parked in export_failed.
// The failed export task is resubmitted under its original key, which
// readmits it with a fresh retry budget.
func (d *Driver) RetryExport(ctx context.Context, projectID string) (*document.Project, error) {
	project, _, err := d.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != document.ProjectExportFailed {
		return nil, fault.Newf(fault.KindInvalidTransition,
			"project %s is %s, not export_failed", projectID, project.Status)
	}
	tasks, err := d.repo.ListTasksByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var export *document.WorkflowTask
	for _, t := range tasks {
		if t.Type != document.TaskExportDocument {
			continue
		}
		if export == nil || t.CreatedAt.After(export.CreatedAt) {
			export = t
		}
	}
	if export == nil {
		return nil, fault.New(fault.KindNotFound, "no export task to retry")
	}
	project, err = d.setProjectStatus(ctx, projectID, document.ProjectExportPending, "export retried")
	if err != nil {
		return nil, err
	}
	if _, _, err := d.disp.Submit(ctx, dispatch.Submission{
		ProjectID: projectID,
		Type:      document.TaskExportDocument,
		Params:    export.Params,
	}); err != nil {
		return nil, err
	}
	return project, nil
}

// Reconcile is one background sweep: it resubmits tasks implied by block
// states but missing from the queues, fails tasks past their deadline, and
// drives completion of projects whose blocks are all terminal.
func (d *Driver) Reconcile(ctx context.Context) error {
	projects, err := d.repo.ListProjects(ctx)
	if err != nil {
		return err
	}
	now := d.clock()
	for _, project := range projects {
		if project.Status.IsTerminal() || project.Status == document.ProjectDraft {
			continue
		}
		if err := d.reconcileDeadlines(ctx, project, now); err != nil {
			d.logger.Warn("deadline sweep failed",
				slog.String("project_id", project.ID),
				slog.String("error", err.Error()))
		}
		if project.Status != document.ProjectInProgress {
			continue
		}
		if err := d.reconcileLostEnqueues(ctx, project); err != nil {
			d.logger.Warn("lost-enqueue sweep failed",
				slog.String("project_id", project.ID),
				slog.String("error", err.Error()))
		}
		// A slot stuck in pending_generation is a crash remnant between
		// block creation and its generate_started commit.
		if err := d.planNext(ctx, project); err != nil {
			d.logger.Warn("plan sweep failed",
				slog.String("project_id", project.ID),
				slog.String("error", err.Error()))
		}
		pol := policy.ForMode(project.Mode)
		if pol == nil {
			continue
		}
		if _, err := d.evaluateProgress(ctx, project.ID, pol); err != nil {
			d.logger.Warn("completion sweep failed",
				slog.String("project_id", project.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// reconcileLostEnqueues resubmits the task implied by a block sitting in an
// in-progress state with no live task row. Submission is idempotent, so a
// task that merely lost its queue notification is absorbed.
func (d *Driver) reconcileLostEnqueues(ctx context.Context, project *document.Project) error {
	blocks, err := d.repo.ListBlocksByVersion(ctx, project.CurrentVersionID,
		document.StateGenerationInProgress, document.StateQCInProgress, document.StateRefinementInProgress)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}
	tasks, err := d.repo.ListTasksByProject(ctx, project.ID)
	if err != nil {
		return err
	}
	live := make(map[string]bool)
	for _, t := range tasks {
		if t.Status == document.TaskPending || t.Status == document.TaskInProgress || t.Status == document.TaskRetrying {
			live[t.IdempotencyKey] = true
		}
	}
	for _, block := range blocks {
		sub, ok := d.impliedTask(project, block)
		if !ok {
			continue
		}
		key := document.IdempotencyKey(sub.Type, sub.Params, sub.RefinementAttempts)
		if live[key] {
			continue
		}
		if _, _, err := d.disp.Submit(ctx, sub); err != nil {
			return err
		}
		d.logger.Info("lost enqueue resubmitted",
			slog.String("project_id", project.ID),
			slog.String("block_id", block.ID),
			slog.String("state", block.Status.String()))
	}
	return nil
}

// impliedTask maps an in-progress block state to the task that must exist
// for it.
func (d *Driver) impliedTask(project *document.Project, block *document.ContentBlock) (dispatch.Submission, bool) {
	switch block.Status {
	case document.StateGenerationInProgress:
		return dispatch.Submission{
			ProjectID: project.ID,
			Type:      document.TaskGenerateBlock,
			Params: document.TaskParams{Generate: &document.GenerateParams{
				BlockID:   block.ID,
				VersionID: block.VersionID,
				SlotID:    block.SlotID,
				BlockType: block.BlockType,
				Subject:   project.Subject,
				Level:     project.Level,
				Style:     project.Style,
				Params:    block.GenerationParams,
			}},
			RefinementAttempts: block.RefinementAttempts,
		}, true
	case document.StateQCInProgress:
		return dispatch.Submission{
			ProjectID: project.ID,
			Type:      document.TaskRunQC,
			Params: document.TaskParams{QC: &document.QCParams{
				BlockID:   block.ID,
				VersionID: block.VersionID,
				BlockType: block.BlockType,
				Level:     project.Level,
				Style:     project.Style,
			}},
			RefinementAttempts: block.RefinementAttempts,
		}, true
	case document.StateRefinementInProgress:
		return dispatch.Submission{
			ProjectID: project.ID,
			Type:      document.TaskRefineBlock,
			Params: document.TaskParams{Refine: &document.RefineParams{
				BlockID:       block.ID,
				PredecessorID: block.PredecessorID,
				VersionID:     block.VersionID,
				SlotID:        block.SlotID,
				BlockType:     block.BlockType,
				Subject:       project.Subject,
				Level:         project.Level,
				Style:         project.Style,
				Params:        block.GenerationParams,
			}},
			RefinementAttempts: block.RefinementAttempts,
		}, true
	default:
		return dispatch.Submission{}, false
	}
}

// reconcileDeadlines fails tasks that ran past their wall-clock deadline.
// The dispatcher's retry policy decides whether they run again.
func (d *Driver) reconcileDeadlines(ctx context.Context, project *document.Project, now time.Time) error {
	tasks, err := d.repo.ListTasksByProject(ctx, project.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != document.TaskInProgress || t.Deadline.IsZero() || now.Before(t.Deadline) {
			continue
		}
		task, retried, err := d.disp.Fail(ctx, t.ID, fault.KindTimeout, "task deadline exceeded")
		if err != nil {
			if fault.IsConflict(err) {
				continue // finished between list and fail
			}
			return err
		}
		if !retried {
			if err := d.failBlockForTask(ctx, project, task); err != nil {
				return err
			}
		}
	}
	return nil
}

// failBlockForTask drives the block's failure event once its task is out of
// retries.
func (d *Driver) failBlockForTask(ctx context.Context, project *document.Project, task *document.WorkflowTask) error {
	blockID := task.Params.BlockID()
	if blockID == "" {
		return nil
	}
	event, ok := failureEventFor(task.Type)
	if !ok {
		return nil
	}
	_, err := d.Drive(ctx, Request{
		ProjectID:    project.ID,
		BlockID:      blockID,
		Event:        event,
		ErrorMessage: task.ErrorMessage,
	})
	if fault.IsInvalidTransition(err) {
		// The block already moved on; the stale task needs no follow-up.
		return nil
	}
	return err
}

// failureEventFor maps a task type to the block event committed when the
// task exhausts its retries. QC tasks that cannot run at all are an
// engine-side failure, not a content verdict.
func failureEventFor(t document.TaskType) (document.Event, bool) {
	switch t {
	case document.TaskGenerateBlock:
		return document.EventGenerateFailed, true
	case document.TaskRunQC:
		return document.EventCriticalFail, true
	case document.TaskRefineBlock:
		return document.EventRefinementFailed, true
	default:
		return "", false
	}
}
