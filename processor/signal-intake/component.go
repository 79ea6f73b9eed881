// Package signalintake is the single writer of block and project state: it
// consumes user signals and worker completion reports off the engine stream,
// deduplicates deliveries, and routes each one into the workflow driver.
package signalintake

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
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/fault"
	"github.com/lemmalab/lemma/processor/enginehelper"
)

// Component implements the signal-intake processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	engine *enginehelper.Engine
	dedup  *lru.Cache[string, deliveryOutcome]

	consumer jetstream.Consumer

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	signalsHandled     atomic.Int64
	completionsHandled atomic.Int64
	duplicatesAbsorbed atomic.Int64
	lastActivityMu     sync.RWMutex
	lastActivity       time.Time
}

// deliveryOutcome is the recorded result of a handled delivery. Duplicate
// deliveries replay it instead of re-driving the state machine.
type deliveryOutcome struct {
	ErrorKind string
	Detail    string
}

// NewComponent creates a new signal-intake processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.DedupSize == 0 {
		config.DedupSize = defaults.DedupSize
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dedup, err := lru.New[string, deliveryOutcome](config.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	return &Component{
		name:       "signal-intake",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		dedup:      dedup,
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized signal-intake",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"dedup_size", c.config.DedupSize)
	return nil
}

// Start begins consuming signals and completions.
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

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	engine, err := enginehelper.Build(subCtx, c.natsClient, c.config.EngineConfigPath, c.logger)
	if err != nil {
		c.rollbackStart(cancel)
		return err
	}
	c.engine = engine

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}
	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:        c.config.ConsumerName,
		FilterSubjects: []string{document.SubjectUserSignal, document.SubjectTaskCompletion},
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        time.Minute,
		MaxDeliver:     5,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	go c.consumeLoop(subCtx)

	c.logger.Info("signal-intake started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName)
	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLoop continuously fetches deliveries from the consumer.
func (c *Component) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(16, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}
		for msg := range msgs.Messages() {
			c.handleMessage(ctx, msg)
		}
	}
}

// handleMessage routes one delivery by subject. Deterministic failures are
// acked: redelivering an invalid signal can never make it valid. Transient
// failures are nacked so JetStream redelivers after the ack wait.
func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) {
	c.updateLastActivity()

	var key string
	var err error
	switch msg.Subject() {
	case document.SubjectUserSignal:
		key, err = c.handleUserSignal(ctx, msg.Data())
	case document.SubjectTaskCompletion:
		key, err = c.handleTaskCompletion(ctx, msg.Data())
	default:
		c.logger.Warn("Unexpected subject", "subject", msg.Subject())
		c.ack(msg)
		return
	}

	if err != nil && fault.IsTransient(err) {
		c.logger.Warn("Delivery deferred",
			"subject", msg.Subject(),
			"error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			c.logger.Warn("Failed to NAK message", "error", nakErr)
		}
		return
	}

	if key != "" {
		outcome := deliveryOutcome{}
		if err != nil {
			outcome.ErrorKind = fault.KindOf(err).String()
			outcome.Detail = err.Error()
		}
		c.dedup.Add(key, outcome)
	}
	if err != nil {
		c.logger.Info("Delivery rejected",
			"subject", msg.Subject(),
			"kind", fault.KindOf(err).String(),
			"error", err)
	}
	c.ack(msg)
}

// handleUserSignal drives one user signal. Deliveries are deduplicated on
// the client-provided source id; a duplicate replays the recorded outcome.
func (c *Component) handleUserSignal(ctx context.Context, data []byte) (string, error) {
	payload, err := document.DecodeWire[document.UserSignalPayload](data)
	if err != nil {
		return "", err
	}
	key := "signal:" + payload.SourceID
	if prior, ok := c.dedup.Get(key); ok {
		c.duplicatesAbsorbed.Add(1)
		c.logger.Debug("Duplicate user signal absorbed",
			"source_id", payload.SourceID,
			"prior_kind", prior.ErrorKind)
		return "", nil
	}

	c.signalsHandled.Add(1)
	_, err = c.engine.Drv.HandleUserSignal(ctx, payload)
	return key, err
}

// handleTaskCompletion applies one worker report. The task row itself is the
// durable dedup anchor; the cache only short-circuits hot redeliveries.
func (c *Component) handleTaskCompletion(ctx context.Context, data []byte) (string, error) {
	payload, err := document.DecodeWire[document.TaskCompletionPayload](data)
	if err != nil {
		return "", err
	}
	key := "task:" + payload.TaskID
	if _, ok := c.dedup.Get(key); ok {
		c.duplicatesAbsorbed.Add(1)
		return "", nil
	}

	c.completionsHandled.Add(1)
	err = c.engine.Drv.HandleTaskCompletion(ctx, payload)
	return key, err
}

func (c *Component) ack(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
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
	c.logger.Info("signal-intake stopped",
		"signals_handled", c.signalsHandled.Load(),
		"completions_handled", c.completionsHandled.Load(),
		"duplicates_absorbed", c.duplicatesAbsorbed.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "signal-intake",
		Type:        "processor",
		Description: "Routes user signals and worker completions into the workflow driver",
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
	return intakeSchema
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
