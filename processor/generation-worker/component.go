// Package generationworker executes generate_block and refine_block tasks:
// it claims work from the generation and refine queues, renders block-type
// prompts, calls the model through the capability registry, and posts the
// cleaned LaTeX back as a task completion.
package generationworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/fault"
	"github.com/lemmalab/lemma/llm"
	_ "github.com/lemmalab/lemma/llm/providers" // register provider adapters
	"github.com/lemmalab/lemma/model"
	"github.com/lemmalab/lemma/processor/enginehelper"
)

// Component implements the generation-worker processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	engine  *enginehelper.Engine
	llm     *llm.Client
	prompts *PromptBuilder

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// Metrics
	generated      atomic.Int64
	refined        atomic.Int64
	failures       atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent creates a new generation-worker processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "generation-worker",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized generation-worker", "worker_id", c.config.WorkerID)
	return nil
}

// Start builds the engine and launches the claim loops for the generation
// and refine queues.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	workCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return err
	}

	engine, err := enginehelper.Build(workCtx, c.natsClient, c.config.EngineConfigPath, c.logger)
	if err != nil {
		return fail(err)
	}
	c.engine = engine

	registry := model.NewDefaultRegistry()
	if c.config.ModelConfigPath != "" {
		registry, err = model.LoadFromFile(c.config.ModelConfigPath)
		if err != nil {
			return fail(fmt.Errorf("load model config: %w", err))
		}
	}
	c.llm = llm.NewClient(registry, llm.WithLogger(c.logger))

	promptDir := c.config.PromptDir
	if promptDir == "" {
		promptDir = engine.Cfg.LLM.PromptDir
	}
	c.prompts, err = NewPromptBuilder(promptDir, c.logger)
	if err != nil {
		return fail(fmt.Errorf("load prompt templates: %w", err))
	}
	if err := c.prompts.Watch(); err != nil {
		c.logger.Warn("Prompt hot-reload unavailable", "error", err)
	}

	pollInterval, _ := time.ParseDuration(c.config.PollInterval)

	loops := []struct {
		queue  document.Queue
		handle enginehelper.TaskHandler
	}{
		{document.QueueGeneration, c.handleGenerate},
		{document.QueueRefine, c.handleRefine},
	}
	for _, loop := range loops {
		worker := &enginehelper.Worker{
			Engine:       engine,
			Queue:        loop.queue,
			WorkerID:     c.config.WorkerID,
			StreamName:   c.config.StreamName,
			PollInterval: pollInterval,
			Logger:       c.logger,
			Handle:       loop.handle,
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			worker.Run(workCtx)
		}()
	}

	c.logger.Info("generation-worker started",
		"worker_id", c.config.WorkerID,
		"prompt_dir", promptDir)
	return nil
}

// handleGenerate executes one generate_block task.
func (c *Component) handleGenerate(ctx context.Context, env *document.TaskEnvelope) (any, error) {
	params := env.Parameters.Generate
	c.updateLastActivity()

	messages, err := c.prompts.Generate(params, c.slotTitle(ctx, params.VersionID, params.SlotID))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}

	resp, err := c.complete(ctx, model.CapabilityForBlock(params.BlockType), messages, params.Params)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}

	c.generated.Add(1)
	return &document.GenerateResult{
		Content:   resp.Content,
		SourceLLM: resp.Model,
	}, nil
}

// handleRefine executes one refine_block task: the predecessor's content and
// the recorded feedback are folded into the prompt.
func (c *Component) handleRefine(ctx context.Context, env *document.TaskEnvelope) (any, error) {
	params := env.Parameters.Refine
	c.updateLastActivity()

	predecessor, _, err := c.engine.Repo.GetBlock(ctx, params.PredecessorID)
	if err != nil {
		return nil, fmt.Errorf("load predecessor block: %w", err)
	}

	feedback, err := c.engine.Repo.GetFeedback(ctx, params.FeedbackID)
	if err != nil && !fault.IsNotFound(err) {
		return nil, fmt.Errorf("load feedback: %w", err)
	}

	messages, err := c.prompts.Refine(params,
		c.slotTitle(ctx, params.VersionID, params.SlotID),
		predecessor.Content,
		FeedbackText(feedback))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}

	resp, err := c.complete(ctx, model.CapabilityRefinement, messages, params.Params)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}

	c.refined.Add(1)
	return &document.GenerateResult{
		Content:   resp.Content,
		SourceLLM: resp.Model,
	}, nil
}

// complete runs one model call and post-processes the output.
func (c *Component) complete(ctx context.Context, capability model.Capability, messages []llm.Message, gen document.GenerationParams) (*llm.Response, error) {
	req := llm.Request{
		Capability: capability.String(),
		Messages:   messages,
		MaxTokens:  gen.MaxTokens,
	}
	if gen.Temperature != 0 {
		t := gen.Temperature
		req.Temperature = &t
	}

	resp, err := c.llm.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	resp.Content = CleanLaTeX(resp.Content)
	if strings.TrimSpace(resp.Content) == "" {
		return nil, fault.New(fault.KindUnavailable, "model returned empty content")
	}
	return resp, nil
}

// slotTitle resolves the slot's display title. A missing title only weakens
// the prompt, so lookup failures degrade to an untitled prompt.
func (c *Component) slotTitle(ctx context.Context, versionID, slotID string) string {
	version, _, err := c.engine.Repo.GetVersion(ctx, versionID)
	if err != nil {
		c.logger.Debug("Version lookup for slot title failed",
			"version_id", versionID, "error", err)
		return ""
	}
	if ref, ok := version.Structure.SlotByID(slotID); ok {
		return ref.Title
	}
	return ""
}

// Stop gracefully stops the component.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("Timed out waiting for claim loops to stop")
	}

	if c.prompts != nil {
		if err := c.prompts.Close(); err != nil {
			c.logger.Warn("Failed to close template watcher", "error", err)
		}
	}

	c.logger.Info("generation-worker stopped",
		"generated", c.generated.Load(),
		"refined", c.refined.Load(),
		"failures", c.failures.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "generation-worker",
		Type:        "processor",
		Description: "Executes block generation and refinement tasks against the model registry",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	return portsOf(c.config.Ports, component.DirectionInput)
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	return portsOf(c.config.Ports, component.DirectionOutput)
}

func portsOf(cfg *component.PortConfig, dir component.Direction) []component.Port {
	if cfg == nil {
		return []component.Port{}
	}
	defs := cfg.Inputs
	if dir == component.DirectionOutput {
		defs = cfg.Outputs
	}
	ports := make([]component.Port, len(defs))
	for i, def := range defs {
		ports[i] = component.Port{
			Name:        def.Name,
			Direction:   dir,
			Required:    def.Required,
			Description: def.Description,
			Config: component.NATSPort{
				Subject: def.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return generationWorkerSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}
	return component.HealthStatus{
		Healthy:   running,
		LastCheck: time.Now(),
		Uptime:    time.Since(startTime),
		Status:    status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	handled := c.generated.Load() + c.refined.Load()
	failures := c.failures.Load()
	var errorRate float64
	if total := handled + failures; total > 0 {
		errorRate = float64(failures) / float64(total)
	}
	return component.FlowMetrics{
		ErrorRate:    errorRate,
		LastActivity: c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
