// Package qcworker executes run_qc tasks: it claims work from the qc queue,
// sends the block's content to the analyzer service, normalizes the report,
// and posts it back as a task completion.
package qcworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/processor/enginehelper"
	"github.com/lemmalab/lemma/qc"
)

// Component implements the qc-worker processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	engine   *enginehelper.Engine
	analyzer *qc.Client

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// Metrics
	analyzed       atomic.Int64
	failures       atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent creates a new qc-worker processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "qc-worker",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized qc-worker", "worker_id", c.config.WorkerID)
	return nil
}

// Start builds the engine and launches the claim loop for the qc queue.
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

	engine, err := enginehelper.Build(workCtx, c.natsClient, c.config.EngineConfigPath, c.logger)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return err
	}
	c.engine = engine

	analyzerURL := c.config.AnalyzerURL
	if analyzerURL == "" {
		analyzerURL = engine.Cfg.QC.URL
	}
	c.analyzer = qc.NewClient(analyzerURL, engine.Cfg.QC.Timeout, qc.WithLogger(c.logger))

	pollInterval, _ := time.ParseDuration(c.config.PollInterval)

	worker := &enginehelper.Worker{
		Engine:       engine,
		Queue:        document.QueueQC,
		WorkerID:     c.config.WorkerID,
		StreamName:   c.config.StreamName,
		PollInterval: pollInterval,
		Logger:       c.logger,
		Handle:       c.handleQC,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		worker.Run(workCtx)
	}()

	c.logger.Info("qc-worker started",
		"worker_id", c.config.WorkerID,
		"analyzer_url", analyzerURL)
	return nil
}

// handleQC executes one run_qc task.
func (c *Component) handleQC(ctx context.Context, env *document.TaskEnvelope) (any, error) {
	params := env.Parameters.QC
	c.updateLastActivity()

	block, _, err := c.engine.Repo.GetBlock(ctx, params.BlockID)
	if err != nil {
		return nil, fmt.Errorf("load block: %w", err)
	}

	report, err := c.analyzer.Analyze(ctx, qc.AnalyzeRequest{
		BlockID:   params.BlockID,
		BlockType: params.BlockType,
		Content:   block.Content,
		Subject:   c.subjectOf(ctx, params.VersionID),
		Level:     params.Level,
		Style:     params.Style,
	})
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}
	report.Normalize()

	c.analyzed.Add(1)
	c.logger.Debug("Block analyzed",
		"block_id", params.BlockID,
		"status", report.Status.String(),
		"score", report.OverallScore,
		"problems", len(report.Problems))
	return &document.QCResult{Report: *report}, nil
}

// subjectOf resolves the project subject for analyzer context. The subject
// only informs the analysis, so lookup failures degrade to empty.
func (c *Component) subjectOf(ctx context.Context, versionID string) string {
	version, _, err := c.engine.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return ""
	}
	project, _, err := c.engine.Repo.GetProject(ctx, version.ProjectID)
	if err != nil {
		return ""
	}
	return project.Subject
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
		c.logger.Warn("Timed out waiting for claim loop to stop")
	}

	c.logger.Info("qc-worker stopped",
		"analyzed", c.analyzed.Load(),
		"failures", c.failures.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "qc-worker",
		Type:        "processor",
		Description: "Executes quality-control analysis tasks against the analyzer service",
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
	return qcWorkerSchema
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
	analyzed := c.analyzed.Load()
	failures := c.failures.Load()
	var errorRate float64
	if total := analyzed + failures; total > 0 {
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
