// Package reconciler runs the background repair sweep of the workflow
// engine: it resubmits tasks implied by block states but missing from the
// queues, fails tasks stuck past their wall-clock deadline, and drives
// project completion when every slot is terminal. The sweep makes the
// driver's commit-then-dispatch sequence safe: anything lost between the two
// steps is found here.
package reconciler

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

	"github.com/lemmalab/lemma/processor/enginehelper"
)

// Component implements the reconciler processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	engine   *enginehelper.Engine
	interval time.Duration

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	sweeps         atomic.Int64
	sweepFailures  atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent creates a new reconciler processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "reconciler",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized reconciler", "interval", c.config.Interval)
	return nil
}

// Start begins the sweep loop.
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

	sweepCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	engine, err := enginehelper.Build(sweepCtx, c.natsClient, c.config.EngineConfigPath, c.logger)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return err
	}
	c.engine = engine

	c.interval = engine.Cfg.ReconcileInterval()
	if c.config.Interval != "" {
		// Validated in Validate.
		c.interval, _ = time.ParseDuration(c.config.Interval)
	}

	go c.sweepLoop(sweepCtx)

	c.logger.Info("reconciler started", "interval", c.interval)
	return nil
}

// sweepLoop runs one sweep per interval until the context ends.
func (c *Component) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Component) sweep(ctx context.Context) {
	c.updateLastActivity()
	c.sweeps.Add(1)

	start := time.Now()
	if err := c.engine.Drv.Reconcile(ctx); err != nil {
		c.sweepFailures.Add(1)
		c.logger.Warn("Reconcile sweep failed", "error", err)
		return
	}
	c.logger.Debug("Reconcile sweep complete", "elapsed", time.Since(start))
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
	c.logger.Info("reconciler stopped",
		"sweeps", c.sweeps.Load(),
		"sweep_failures", c.sweepFailures.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "reconciler",
		Type:        "processor",
		Description: "Background sweep for lost enqueues, expired tasks, and completable projects",
		Version:     "0.1.0",
	}
}

// InputPorts returns an empty port list; the reconciler reads only the store.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns an empty port list.
func (c *Component) OutputPorts() []component.Port {
	return []component.Port{}
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return reconcilerSchema
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
	return component.FlowMetrics{
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
