package driver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/fault"
)

// HandleUserSignal translates a user signal into the driver call it names.
// An illegal signal against the current state returns invalid_transition;
// the project is left untouched and no task is submitted.
func (d *Driver) HandleUserSignal(ctx context.Context, p *document.UserSignalPayload) (*document.Project, error) {
	if err := p.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindInvalidTransition, err)
	}

	switch p.Signal {
	case document.SignalValidated, document.SignalQCOK:
		res, err := d.Drive(ctx, Request{
			ProjectID: p.ProjectID,
			BlockID:   p.BlockID,
			Event:     document.EventUserValidate,
		})
		if err != nil {
			return nil, err
		}
		return res.Project, nil

	case document.SignalRedo, document.SignalProblemDetected:
		res, err := d.Drive(ctx, Request{
			ProjectID: p.ProjectID,
			BlockID:   p.BlockID,
			Event:     document.EventUserRedo,
			Feedback: &UserFeedback{
				Text:     p.FeedbackText,
				Intent:   p.FeedbackIntent,
				Location: p.FeedbackLocation,
			},
		})
		if err != nil {
			return nil, err
		}
		return res.Project, nil

	case document.SignalAllApproved:
		return d.ApproveAll(ctx, p.ProjectID)

	case document.SignalCancelProject:
		return d.CancelProject(ctx, p.ProjectID)

	case document.SignalAddElement:
		return d.AddElement(ctx, p.ProjectID, p.SectionTitle, p.ElementType, p.ElementTitle)

	default:
		return nil, fault.Newf(fault.KindInvalidTransition, "unknown signal %q", p.Signal)
	}
}

// HandleTaskCompletion applies a worker's completion report. The task row is
// the dedup anchor: a report against a task already in a terminal status is a
// duplicate delivery and returns without re-driving anything. A success whose
// block moved on in the meantime (project cancelled, slot rebound) is
// discarded the same way.
func (d *Driver) HandleTaskCompletion(ctx context.Context, p *document.TaskCompletionPayload) error {
	if err := p.Validate(); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	task, _, err := d.repo.GetTask(ctx, p.TaskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		d.logger.Debug("duplicate task completion absorbed",
			slog.String("task_id", task.ID),
			slog.String("status", task.Status.String()))
		return nil
	}

	if !p.Success {
		return d.FailTask(ctx, task.ID, parseKind(p.ErrorKind), p.ErrorMessage)
	}

	switch task.Type {
	case document.TaskGenerateBlock, document.TaskRefineBlock:
		var res document.GenerateResult
		if err := json.Unmarshal(p.Result, &res); err != nil {
			return fault.Wrap(fault.KindInternal, err)
		}
		event := document.EventGenerateSuccess
		if task.Type == document.TaskRefineBlock {
			event = document.EventRefinementSuccess
		}
		return d.completeBlockTask(ctx, task, Request{
			ProjectID: task.ProjectID,
			BlockID:   task.Params.BlockID(),
			Event:     event,
			Content:   &res,
		})

	case document.TaskRunQC:
		var res document.QCResult
		if err := json.Unmarshal(p.Result, &res); err != nil {
			return fault.Wrap(fault.KindInternal, err)
		}
		res.Report.Normalize()
		event := document.EventQCPassed
		if res.Report.Status == document.QCFailed {
			event = document.EventQCFailed
		}
		return d.completeBlockTask(ctx, task, Request{
			ProjectID: task.ProjectID,
			BlockID:   task.Params.BlockID(),
			Event:     event,
			Report:    &res.Report,
		})

	case document.TaskAssembleDocument:
		var res document.AssembleResult
		if err := json.Unmarshal(p.Result, &res); err != nil {
			return fault.Wrap(fault.KindInternal, err)
		}
		_, err := d.CompleteAssembly(ctx, task.ProjectID, task.Params.VersionID(), res.ArtifactRef)
		if err := absorbStale(err); err != nil {
			return err
		}
		return d.finalizeTask(ctx, task.ID)

	case document.TaskExportDocument:
		var res document.ExportResult
		if err := json.Unmarshal(p.Result, &res); err != nil {
			return fault.Wrap(fault.KindInternal, err)
		}
		_, err := d.CompleteExport(ctx, task.ProjectID, res.Files)
		if err := absorbStale(err); err != nil {
			return err
		}
		return d.finalizeTask(ctx, task.ID)

	default:
		return fault.Newf(fault.KindInternal, "unknown task type %q", task.Type)
	}
}

// completeBlockTask drives the block event, then finalizes the task row. The
// block transition commits first so a crash or transient storage failure in
// between leaves a live task row for redelivery, never a stuck block: the
// redelivered Drive is rejected as an invalid transition and discarded here,
// and the row is completed on that second pass. A block that already moved on
// for other reasons (project cancelled, slot rebound) discards the result the
// same way.
func (d *Driver) completeBlockTask(ctx context.Context, task *document.WorkflowTask, req Request) error {
	_, err := d.Drive(ctx, req)
	if fault.IsInvalidTransition(err) {
		d.logger.Info("stale task result discarded",
			slog.String("task_id", task.ID),
			slog.String("block_id", req.BlockID),
			slog.String("detail", err.Error()))
		err = nil
	}
	if err != nil {
		return err
	}
	return d.finalizeTask(ctx, task.ID)
}

// finalizeTask marks the row completed after its effect has been committed.
// A concurrent delivery that finished the row first surfaces as a status
// conflict and is absorbed.
func (d *Driver) finalizeTask(ctx context.Context, taskID string) error {
	if _, err := d.disp.Complete(ctx, taskID); err != nil {
		if fault.IsConflict(err) {
			return nil
		}
		return err
	}
	return nil
}

// FailTask records a worker failure against the task. When the dispatcher
// exhausts the retry budget the failure propagates to the task's subject:
// block tasks drive the block's failure event, export tasks park the project
// in export_failed. A terminally failed assemble leaves the project as is; a
// fresh all_approved resubmits it.
func (d *Driver) FailTask(ctx context.Context, taskID string, kind fault.Kind, detail string) error {
	task, retried, err := d.disp.Fail(ctx, taskID, kind, detail)
	if err != nil {
		if fault.IsConflict(err) {
			return nil // finished concurrently
		}
		return err
	}
	if retried {
		return nil
	}

	switch task.Type {
	case document.TaskExportDocument:
		_, err := d.FailExport(ctx, task.ProjectID, detail)
		return absorbStale(err)
	case document.TaskAssembleDocument:
		d.logger.Warn("assembly failed terminally",
			slog.String("project_id", task.ProjectID),
			slog.String("detail", detail))
		return nil
	default:
		project, _, err := d.repo.GetProject(ctx, task.ProjectID)
		if err != nil {
			return err
		}
		return d.failBlockForTask(ctx, project, task)
	}
}

// parseKind maps a wire error kind onto the taxonomy, defaulting unknown
// strings to internal so they never retry forever.
func parseKind(s string) fault.Kind {
	switch k := fault.Kind(s); k {
	case fault.KindNotFound, fault.KindInvalidTransition, fault.KindConflict,
		fault.KindUnavailable, fault.KindTimeout, fault.KindRateLimited,
		fault.KindContentFiltered, fault.KindInternal:
		return k
	default:
		return fault.KindInternal
	}
}

// absorbStale drops invalid_transition errors from project-level follow-ups:
// the project moved (typically cancelled) and the late result has nowhere to
// land.
func absorbStale(err error) error {
	if fault.IsInvalidTransition(err) {
		return nil
	}
	return err
}
