// Package enginehelper wires the engine core (store, dispatcher, driver)
// for processor components. Every processor that touches engine state builds
// its collaborators here so they share one construction path.
package enginehelper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/semstreams/natsclient"

	"github.com/lemmalab/lemma/config"
	"github.com/lemmalab/lemma/dispatch"
	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/driver"
	"github.com/lemmalab/lemma/storage"
)

// Engine bundles the shared engine collaborators.
type Engine struct {
	Cfg  *config.Config
	NC   *natsclient.Client
	Repo storage.Repository
	Disp *dispatch.Dispatcher
	Drv  *driver.Driver
}

// Build constructs the engine core over the NATS-backed store. An empty
// configPath uses the documented defaults.
func Build(ctx context.Context, nc *natsclient.Client, configPath string, logger *slog.Logger) (*Engine, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load engine config: %w", err)
		}
		cfg = loaded
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	repo, err := storage.NewStore(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("create engine store: %w", err)
	}

	disp := dispatch.New(repo, cfg,
		dispatch.WithPublisher(nc),
		dispatch.WithLogger(logger),
	)
	drv := driver.New(repo, disp, cfg,
		driver.WithLogger(logger),
		driver.WithSink(NewEventSink(nc, logger)),
	)
	return &Engine{Cfg: cfg, NC: nc, Repo: repo, Disp: disp, Drv: drv}, nil
}

// EventSink publishes committed transitions onto the engine event subjects.
// Emission is best-effort; failures are logged, never propagated.
type EventSink struct {
	nc     *natsclient.Client
	logger *slog.Logger
}

// NewEventSink creates an EventSink over the NATS client.
func NewEventSink(nc *natsclient.Client, logger *slog.Logger) *EventSink {
	return &EventSink{nc: nc, logger: logger}
}

// BlockTransition implements driver.Sink.
func (s *EventSink) BlockTransition(ctx context.Context, ev document.BlockTransitionEvent) {
	s.publish(ctx, document.SubjectBlockEvents, ev)
}

// ProjectStatus implements driver.Sink.
func (s *EventSink) ProjectStatus(ctx context.Context, ev document.ProjectStatusEvent) {
	s.publish(ctx, document.SubjectProjectEvents, ev)
}

func (s *EventSink) publish(ctx context.Context, subject string, ev any) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal engine event", "subject", subject, "error", err)
		return
	}
	if err := s.nc.PublishToStream(ctx, subject, data); err != nil {
		s.logger.Warn("engine event dropped", "subject", subject, "error", err)
	}
}
