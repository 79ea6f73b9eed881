// Package projectapi provides the HTTP ingress of the workflow engine:
// project creation and start, project state reads, user signals, and an
// HTTP path for worker completion reports. Signals are applied synchronously
// so the response carries the updated project record.
package projectapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/lemmalab/lemma/driver"
	"github.com/lemmalab/lemma/processor/enginehelper"
	"github.com/lemmalab/lemma/storage"
)

// Component implements the project-api processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	// Set in Start; handlers registered before Start answer 503 until then.
	drv  *driver.Driver
	repo storage.Repository

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
}

// NewComponent constructs a project-api Component from raw JSON config and deps.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "project-api",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component for startup.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized project-api")
	return nil
}

// Start builds the engine and makes the HTTP handlers live.
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

	apiCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	engine, err := enginehelper.Build(apiCtx, c.natsClient, c.config.EngineConfigPath, c.logger)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return err
	}

	c.mu.Lock()
	c.drv = engine.Drv
	c.repo = engine.Repo
	c.mu.Unlock()

	c.logger.Info("project-api started")
	return nil
}

// handles returns the driver and repository once Start has built them.
func (c *Component) handles() (*driver.Driver, storage.Repository, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.drv, c.repo, c.drv != nil && c.repo != nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	c.logger.Info("project-api stopped")
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "project-api",
		Type:        "processor",
		Description: "HTTP ingress for projects, signals, and completion reports",
		Version:     "0.1.0",
	}
}

// InputPorts returns an empty port list; ingress is HTTP only.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns an empty port list.
func (c *Component) OutputPorts() []component.Port {
	return []component.Port{}
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return projectAPISchema
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
	return component.FlowMetrics{}
}
