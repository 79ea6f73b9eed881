// Package driver is the stateless workflow driver: it turns block events
// into committed state transitions, executes the mode policy's follow-up
// actions through the dispatcher, and evaluates project-level progress after
// every commit. All state lives in the repository; the driver's
// linearization point is the revision-checked block update.
package driver

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lemmalab/lemma/config"
	"github.com/lemmalab/lemma/dispatch"
	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/fault"
	"github.com/lemmalab/lemma/policy"
	"github.com/lemmalab/lemma/storage"
)

// Sink receives committed transitions for observers. Emission is
// best-effort; a lost event never blocks a commit.
type Sink interface {
	BlockTransition(ctx context.Context, ev document.BlockTransitionEvent)
	ProjectStatus(ctx context.Context, ev document.ProjectStatusEvent)
}

// Driver coordinates block transitions, policy actions, and project
// progress. It holds no per-project state and is safe for concurrent use.
type Driver struct {
	repo   storage.Repository
	disp   *dispatch.Dispatcher
	cfg    *config.Config
	clock  func() time.Time
	logger *slog.Logger
	sink   Sink
}

// Option configures a Driver.
type Option func(*Driver)

// WithClock sets the time source. Tests inject a fixed clock.
func WithClock(clock func() time.Time) Option {
	return func(d *Driver) { d.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithSink sets the transition event sink.
func WithSink(s Sink) Option {
	return func(d *Driver) { d.sink = s }
}

// New creates a Driver over the repository and dispatcher.
func New(repo storage.Repository, disp *dispatch.Dispatcher, cfg *config.Config, opts ...Option) *Driver {
	d := &Driver{
		repo:   repo,
		disp:   disp,
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// UserFeedback is the free-text refinement input accompanying a redo.
type UserFeedback struct {
	Text     string
	Intent   document.FeedbackIntent
	Location string
}

// Request is one block event to drive.
type Request struct {
	// ProjectID is the target project
	ProjectID string

	// BlockID is the target block
	BlockID string

	// Event is the block event to apply
	Event document.Event

	// Content accompanies generate_success and refinement_success
	Content *document.GenerateResult

	// Report accompanies qc_passed and qc_failed
	Report *document.QCReport

	// Feedback accompanies user_redo
	Feedback *UserFeedback

	// ErrorMessage accompanies failure events
	ErrorMessage string
}

// Result is the outcome of a driven event.
type Result struct {
	Project  *document.Project
	Block    *document.ContentBlock
	Decision document.Decision
}

// Drive applies one block event end to end: load, decide, commit with
// optimistic concurrency, execute the policy follow-ups, and evaluate
// project progress. A commit lost to a concurrent writer is reloaded and
// retried exactly once; a second conflict surfaces to the caller.
func (d *Driver) Drive(ctx context.Context, req Request) (*Result, error) {
	res, err := d.driveOnce(ctx, req)
	if err != nil && fault.IsConflict(err) {
		res, err = d.driveOnce(ctx, req)
	}
	return res, err
}

func (d *Driver) driveOnce(ctx context.Context, req Request) (*Result, error) {
	project, _, err := d.repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.Status == document.ProjectCancelled || project.Status.IsTerminal() {
		return nil, fault.Newf(fault.KindInvalidTransition,
			"project %s is %s; no further block transitions", project.ID, project.Status)
	}
	pol := policy.ForMode(project.Mode)
	if pol == nil {
		return nil, fault.Newf(fault.KindInternal, "project %s has unknown mode %q", project.ID, project.Mode)
	}

	block, rev, err := d.repo.GetBlock(ctx, req.BlockID)
	if err != nil {
		return nil, err
	}

	report := req.Report
	if report != nil {
		copied := *report
		copied.Normalize()
		report = &copied
	}
	decision, err := document.Decide(block.Status, req.Event, project.Mode, report, d.cfg.Engine.ValidationThreshold)
	if err != nil {
		return nil, err
	}

	from := block.Status
	d.mutate(block, decision.Event, req, report)

	if decision.Via != "" {
		block.Status = decision.Via
		block.UpdatedAt = d.clock()
		rev, err = d.repo.UpdateBlock(ctx, block, rev)
		if err != nil {
			return nil, err
		}
		d.emitBlock(ctx, project.ID, block, from, decision.Event)
		from = decision.Via
	}

	block.Status = decision.Target
	block.UpdatedAt = d.clock()
	if _, err := d.repo.UpdateBlock(ctx, block, rev); err != nil {
		return nil, err
	}
	d.emitBlock(ctx, project.ID, block, from, decision.Event)

	d.logger.Info("block transition committed",
		slog.String("project_id", project.ID),
		slog.String("block_id", block.ID),
		slog.String("event", decision.Event.String()),
		slog.String("to", decision.Target.String()))

	// A user acting on the project lifts it out of manual review.
	if project.Status == document.ProjectNeedsManualReview &&
		(req.Event == document.EventUserRedo || req.Event == document.EventUserValidate) {
		project, err = d.setProjectStatus(ctx, project.ID, document.ProjectInProgress, "user resumed")
		if err != nil {
			return nil, err
		}
	}

	in := policy.Input{
		From:     from,
		Decision: decision,
		Attempts: block.RefinementAttempts,
		Limits:   d.limits(),
	}
	for _, action := range pol.AfterTransition(in) {
		if err := d.execute(ctx, project, block, action, req.Feedback); err != nil {
			return nil, err
		}
	}

	project, err = d.evaluateProgress(ctx, project.ID, pol)
	if err != nil {
		return nil, err
	}
	return &Result{Project: project, Block: block, Decision: decision}, nil
}

// mutate applies the event's field changes to the block in place.
func (d *Driver) mutate(block *document.ContentBlock, event document.Event, req Request, report *document.QCReport) {
	switch event {
	case document.EventGenerateSuccess, document.EventRefinementSuccess:
		if req.Content != nil {
			block.Content = req.Content.Content
			block.SourceLLM = req.Content.SourceLLM
		}
		block.ErrorMessage = ""
		block.QCReport = nil
	case document.EventQCPassed, document.EventQCFailed:
		block.QCReport = report
	case document.EventGenerateFailed, document.EventRefinementFailed, document.EventCriticalFail:
		block.ErrorMessage = req.ErrorMessage
	}
}

func (d *Driver) limits() policy.Limits {
	return policy.Limits{
		MaxRefinementAttempts: d.cfg.Engine.MaxRefinementAttempts,
		ValidationThreshold:   d.cfg.Engine.ValidationThreshold,
	}
}

// execute runs one policy follow-up. State commits precede task dispatch:
// if dispatch is lost after a commit, the reconciler re-scans block states
// that imply a task and resubmits it.
func (d *Driver) execute(ctx context.Context, project *document.Project, block *document.ContentBlock, action policy.Action, fb *UserFeedback) error {
	switch action.Kind {
	case policy.ActionEnqueueQC:
		return d.enqueueQC(ctx, project, block)
	case policy.ActionRefineSlot:
		return d.refineSlot(ctx, project, block, action.FeedbackSource, fb)
	case policy.ActionExhaustSlot:
		return d.exhaustBlock(ctx, project, block.ID)
	case policy.ActionPlanNext:
		return d.planNext(ctx, project)
	case policy.ActionAssemble:
		return d.submitAssemble(ctx, project)
	default:
		return fault.Newf(fault.KindInternal, "unknown policy action %q", action.Kind)
	}
}

// enqueueQC commits qc_started and submits the run_qc task.
func (d *Driver) enqueueQC(ctx context.Context, project *document.Project, block *document.ContentBlock) error {
	advanced, err := d.advance(ctx, project, block.ID, document.EventQCStarted, "")
	if err != nil {
		return err
	}
	_, _, err = d.disp.Submit(ctx, dispatch.Submission{
		ProjectID: project.ID,
		Type:      document.TaskRunQC,
		Params: document.TaskParams{QC: &document.QCParams{
			BlockID:   advanced.ID,
			VersionID: advanced.VersionID,
			BlockType: advanced.BlockType,
			Level:     project.Level,
			Style:     project.Style,
		}},
		RefinementAttempts: advanced.RefinementAttempts,
	})
	return err
}

// refineSlot creates the successor block for a refinement attempt, records
// the feedback, rebinds the structural slot, and archives the predecessor.
// A successor born past the refinement budget is retired immediately and no
// task is submitted for its slot.
func (d *Driver) refineSlot(ctx context.Context, project *document.Project, block *document.ContentBlock, source document.FeedbackSource, fb *UserFeedback) error {
	now := d.clock()
	feedback := &document.Feedback{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		BlockID:   block.ID,
		Source:    source,
		CreatedAt: now,
	}
	if source == document.FeedbackFromQC {
		feedback.Report = block.QCReport
	}
	if source == document.FeedbackFromUser && fb != nil {
		feedback.Text = fb.Text
		feedback.Intent = fb.Intent
		feedback.Location = fb.Location
	}
	if err := d.repo.CreateFeedback(ctx, feedback); err != nil {
		return err
	}

	successor := &document.ContentBlock{
		ID:                 uuid.New().String(),
		VersionID:          block.VersionID,
		SlotID:             block.SlotID,
		BlockType:          block.BlockType,
		GenerationParams:   block.GenerationParams,
		Status:             document.StateRefinementPending,
		RefinementAttempts: block.RefinementAttempts + 1,
		PredecessorID:      block.ID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := d.repo.CreateBlock(ctx, successor); err != nil {
		return err
	}
	if err := d.rebindSlot(ctx, block.VersionID, block.SlotID, successor.ID); err != nil {
		return err
	}
	if _, err := d.advance(ctx, project, block.ID, document.EventArchive, ""); err != nil {
		return err
	}

	if successor.RefinementAttempts >= d.cfg.Engine.MaxRefinementAttempts {
		return d.exhaustBlock(ctx, project, successor.ID)
	}

	if _, err := d.advance(ctx, project, successor.ID, document.EventRefinementStarted, ""); err != nil {
		return err
	}
	_, _, err := d.disp.Submit(ctx, dispatch.Submission{
		ProjectID: project.ID,
		Type:      document.TaskRefineBlock,
		Params: document.TaskParams{Refine: &document.RefineParams{
			BlockID:       successor.ID,
			PredecessorID: block.ID,
			VersionID:     successor.VersionID,
			SlotID:        successor.SlotID,
			BlockType:     successor.BlockType,
			Subject:       project.Subject,
			Level:         project.Level,
			Style:         project.Style,
			FeedbackID:    feedback.ID,
			Params:        successor.GenerationParams,
		}},
		RefinementAttempts: successor.RefinementAttempts,
	})
	return err
}

// exhaustBlock retires a block whose slot is out of refinement budget.
func (d *Driver) exhaustBlock(ctx context.Context, project *document.Project, blockID string) error {
	if _, err := d.advance(ctx, project, blockID, document.EventRefinementStarted, ""); err != nil {
		return err
	}
	_, err := d.advance(ctx, project, blockID, document.EventRefinementFailed, "refinement budget exhausted")
	return err
}

// planNext asks the planner for the slots to generate and starts each one:
// missing blocks are created, the generate_started transition committed, and
// the generate task submitted.
func (d *Driver) planNext(ctx context.Context, project *document.Project) error {
	version, _, err := d.repo.GetVersion(ctx, project.CurrentVersionID)
	if err != nil {
		return err
	}
	states, err := d.blockStates(ctx, version.ID)
	if err != nil {
		return err
	}
	outcome, refs := document.Plan(version.Structure, states)
	if outcome != document.PlanNext {
		return nil
	}
	for _, ref := range refs {
		blockID := ref.BlockID
		if _, known := states[blockID]; !known {
			created, err := d.createSlotBlock(ctx, version.ID, ref)
			if err != nil {
				return err
			}
			blockID = created.ID
		}
		block, err := d.advance(ctx, project, blockID, document.EventGenerateStarted, "")
		if err != nil {
			return err
		}
		if _, _, err := d.disp.Submit(ctx, dispatch.Submission{
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
		}); err != nil {
			return err
		}
	}
	return nil
}

// createSlotBlock creates the initial block for an unfilled slot and binds
// the slot to it.
func (d *Driver) createSlotBlock(ctx context.Context, versionID string, ref document.BlockRef) (*document.ContentBlock, error) {
	now := d.clock()
	block := &document.ContentBlock{
		ID:        uuid.New().String(),
		VersionID: versionID,
		SlotID:    ref.SlotID,
		BlockType: ref.BlockType,
		Status:    document.StatePendingGeneration,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.repo.CreateBlock(ctx, block); err != nil {
		return nil, err
	}
	if err := d.rebindSlot(ctx, versionID, ref.SlotID, block.ID); err != nil {
		return nil, err
	}
	return block, nil
}

func (d *Driver) submitAssemble(ctx context.Context, project *document.Project) error {
	_, _, err := d.disp.Submit(ctx, dispatch.Submission{
		ProjectID: project.ID,
		Type:      document.TaskAssembleDocument,
		Params: document.TaskParams{Assemble: &document.AssembleParams{
			VersionID: project.CurrentVersionID,
		}},
	})
	return err
}

// evaluateProgress checks whether every slot of the current version holds a
// terminal block and moves the project forward accordingly.
func (d *Driver) evaluateProgress(ctx context.Context, projectID string, pol policy.Policy) (*document.Project, error) {
	project, _, err := d.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.CurrentVersionID == "" || project.Status != document.ProjectInProgress {
		return project, nil
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
		return project, nil
	}

	if failed {
		return d.setProjectStatus(ctx, project.ID, document.ProjectNeedsManualReview,
			"a slot exhausted its refinement budget")
	}

	version.Status = document.VersionValidated
	if _, err := d.repo.UpdateVersion(ctx, version, vrev); err != nil && !fault.IsConflict(err) {
		return nil, err
	}
	project, err = d.setProjectStatus(ctx, project.ID, document.ProjectCompleted, "all slots terminal")
	if err != nil {
		return nil, err
	}
	for _, action := range pol.OnVersionComplete() {
		if err := d.execute(ctx, project, nil, action, nil); err != nil {
			return nil, err
		}
	}
	return project, nil
}

// advance loads, decides, and commits a single driver-originated event on a
// block, retrying once on a lost revision.
func (d *Driver) advance(ctx context.Context, project *document.Project, blockID string, event document.Event, errMsg string) (*document.ContentBlock, error) {
	for attempt := 0; ; attempt++ {
		block, rev, err := d.repo.GetBlock(ctx, blockID)
		if err != nil {
			return nil, err
		}
		decision, err := document.Decide(block.Status, event, project.Mode, block.QCReport, d.cfg.Engine.ValidationThreshold)
		if err != nil {
			return nil, err
		}
		from := block.Status
		block.Status = decision.Target
		if errMsg != "" {
			block.ErrorMessage = errMsg
		}
		block.UpdatedAt = d.clock()
		if _, err := d.repo.UpdateBlock(ctx, block, rev); err != nil {
			if fault.IsConflict(err) && attempt == 0 {
				continue
			}
			return nil, err
		}
		d.emitBlock(ctx, project.ID, block, from, decision.Event)
		return block, nil
	}
}

// setProjectStatus commits a project status change, retrying once on a lost
// revision. A no-op when the project already holds the target status.
func (d *Driver) setProjectStatus(ctx context.Context, projectID string, target document.ProjectStatus, detail string) (*document.Project, error) {
	for attempt := 0; ; attempt++ {
		project, rev, err := d.repo.GetProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if project.Status == target {
			return project, nil
		}
		if !project.Status.CanTransitionTo(target) {
			return nil, fault.Newf(fault.KindInvalidTransition,
				"project %s cannot move from %s to %s", projectID, project.Status, target)
		}
		from := project.Status
		project.Status = target
		project.UpdatedAt = d.clock()
		if target == document.ProjectCancelled {
			t := project.UpdatedAt
			project.CancelledAt = &t
		}
		if _, err := d.repo.UpdateProject(ctx, project, rev); err != nil {
			if fault.IsConflict(err) && attempt == 0 {
				continue
			}
			return nil, err
		}
		d.emitProject(ctx, project.ID, from, target, detail)
		d.logger.Info("project status changed",
			slog.String("project_id", project.ID),
			slog.String("from", from.String()),
			slog.String("to", target.String()),
			slog.String("detail", detail))
		return project, nil
	}
}

func (d *Driver) blockStates(ctx context.Context, versionID string) (map[string]document.BlockState, error) {
	blocks, err := d.repo.ListBlocksByVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	states := make(map[string]document.BlockState, len(blocks))
	for _, b := range blocks {
		states[b.ID] = b.Status
	}
	return states, nil
}

// rebindSlot points the version's slot at a new block, retrying once on a
// lost revision.
func (d *Driver) rebindSlot(ctx context.Context, versionID, slotID, blockID string) error {
	for attempt := 0; ; attempt++ {
		version, rev, err := d.repo.GetVersion(ctx, versionID)
		if err != nil {
			return err
		}
		version.Structure = version.Structure.Rebind(slotID, blockID)
		if _, err := d.repo.UpdateVersion(ctx, version, rev); err != nil {
			if fault.IsConflict(err) && attempt == 0 {
				continue
			}
			return err
		}
		return nil
	}
}

func (d *Driver) emitBlock(ctx context.Context, projectID string, block *document.ContentBlock, from document.BlockState, event document.Event) {
	if d.sink == nil {
		return
	}
	d.sink.BlockTransition(ctx, document.BlockTransitionEvent{
		ProjectID: projectID,
		BlockID:   block.ID,
		SlotID:    block.SlotID,
		From:      from,
		Event:     event,
		To:        block.Status,
	})
}

func (d *Driver) emitProject(ctx context.Context, projectID string, from, to document.ProjectStatus, detail string) {
	if d.sink == nil {
		return
	}
	d.sink.ProjectStatus(ctx, document.ProjectStatusEvent{
		ProjectID: projectID,
		From:      from,
		To:        to,
		Detail:    detail,
	})
}
