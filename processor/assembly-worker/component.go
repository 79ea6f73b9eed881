// Package assemblyworker executes assemble_document and export_document
// tasks: it renders the validated blocks of a version into a LaTeX artifact,
// writes it under the export output directory, and converts artifacts into
// the requested output formats.
package assemblyworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/lemmalab/lemma/assemble"
	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/export"
	"github.com/lemmalab/lemma/fault"
	"github.com/lemmalab/lemma/processor/enginehelper"
)

// Component implements the assembly-worker processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	engine    *enginehelper.Engine
	exporter  *export.Exporter
	outputDir string

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// Metrics
	assembled      atomic.Int64
	exported       atomic.Int64
	failures       atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent creates a new assembly-worker processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "assembly-worker",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized assembly-worker", "worker_id", c.config.WorkerID)
	return nil
}

// Start builds the engine and launches the claim loops for the assemble and
// export queues.
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

	c.outputDir = c.config.OutputDir
	if c.outputDir == "" {
		c.outputDir = engine.Cfg.Export.OutputDir
	}
	c.exporter = export.New(c.outputDir, engine.Cfg.Export.TemplateDir,
		export.WithLogger(c.logger),
		export.WithLatexmk(engine.Cfg.Export.LatexmkPath))

	pollInterval, _ := time.ParseDuration(c.config.PollInterval)

	loops := []struct {
		queue  document.Queue
		handle enginehelper.TaskHandler
	}{
		{document.QueueAssemble, c.handleAssemble},
		{document.QueueExport, c.handleExport},
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

	c.logger.Info("assembly-worker started",
		"worker_id", c.config.WorkerID,
		"output_dir", c.outputDir)
	return nil
}

// handleAssemble executes one assemble_document task: it renders the
// version's validated blocks into a .tex artifact on disk.
func (c *Component) handleAssemble(ctx context.Context, env *document.TaskEnvelope) (any, error) {
	params := env.Parameters.Assemble
	c.updateLastActivity()

	version, _, err := c.engine.Repo.GetVersion(ctx, params.VersionID)
	if err != nil {
		return nil, fmt.Errorf("load version: %w", err)
	}
	project, _, err := c.engine.Repo.GetProject(ctx, version.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}

	blocks := make(map[string]*document.ContentBlock)
	for _, ref := range version.Structure.Slots() {
		block, _, err := c.engine.Repo.GetBlock(ctx, ref.BlockID)
		if err != nil {
			return nil, fmt.Errorf("load block %s: %w", ref.BlockID, err)
		}
		blocks[ref.SlotID] = block
	}

	latex, err := assemble.Build(assemble.Input{
		Project: project,
		Version: version,
		Blocks:  blocks,
	})
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}

	path := filepath.Join(c.outputDir, artifactName(version))
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		c.failures.Add(1)
		return nil, fault.Wrap(fault.KindUnavailable, err)
	}
	if err := os.WriteFile(path, []byte(latex), 0o644); err != nil {
		c.failures.Add(1)
		return nil, fault.Wrap(fault.KindUnavailable, err)
	}

	c.assembled.Add(1)
	c.logger.Info("Document assembled",
		"version_id", params.VersionID,
		"artifact", path,
		"blocks", len(blocks))
	return &document.AssembleResult{ArtifactRef: path}, nil
}

// handleExport executes one export_document task against an assembled
// artifact.
func (c *Component) handleExport(ctx context.Context, env *document.TaskEnvelope) (any, error) {
	params := env.Parameters.Export
	c.updateLastActivity()

	latex, err := os.ReadFile(params.ArtifactRef)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Newf(fault.KindNotFound, "artifact %s not found", params.ArtifactRef)
		}
		return nil, fault.Wrap(fault.KindUnavailable, err)
	}

	formats := params.Formats
	if len(formats) == 0 {
		formats = c.engine.Cfg.Export.Formats
	}

	baseName := strings.TrimSuffix(filepath.Base(params.ArtifactRef), ".tex")
	artifacts, err := c.exporter.Export(ctx, baseName, string(latex), formats)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}

	files := make([]string, len(artifacts))
	for i, a := range artifacts {
		files[i] = a.Path
	}

	c.exported.Add(1)
	c.logger.Info("Document exported",
		"version_id", params.VersionID,
		"formats", formats,
		"files", len(files))
	return &document.ExportResult{Files: files}, nil
}

// artifactName derives the on-disk name of a version's assembled source.
func artifactName(version *document.DocumentVersion) string {
	return fmt.Sprintf("%s-v%d.tex", version.ProjectID, version.VersionNumber)
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

	c.logger.Info("assembly-worker stopped",
		"assembled", c.assembled.Load(),
		"exported", c.exported.Load(),
		"failures", c.failures.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "assembly-worker",
		Type:        "processor",
		Description: "Assembles validated blocks into LaTeX artifacts and exports output formats",
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
	return assemblyWorkerSchema
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
	handled := c.assembled.Load() + c.exported.Load()
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
