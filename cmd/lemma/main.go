// Package main provides the lemma binary entry point. Lemma is a workflow
// engine that orchestrates LLM generation of long-form mathematical
// documents: per-block state machines, mode policies, a typed task
// dispatcher, and the workers that execute generation, quality control,
// assembly, and export.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/lemmalab/lemma/llm/providers"

	"github.com/lemmalab/lemma/document"
	assemblyworker "github.com/lemmalab/lemma/processor/assembly-worker"
	generationworker "github.com/lemmalab/lemma/processor/generation-worker"
	projectapi "github.com/lemmalab/lemma/processor/project-api"
	qcworker "github.com/lemmalab/lemma/processor/qc-worker"
	"github.com/lemmalab/lemma/processor/reconciler"
	signalintake "github.com/lemmalab/lemma/processor/signal-intake"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/componentregistry"
	"github.com/c360studio/semstreams/config"
	"github.com/c360studio/semstreams/metric"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/payloadbuiltins"
	"github.com/c360studio/semstreams/payloadregistry"
	"github.com/c360studio/semstreams/service"
	"github.com/c360studio/semstreams/types"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "lemma"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath       string
		engineConfigPath string
		logLevel         string
	)

	cmd := &cobra.Command{
		Use:   "lemma",
		Short: "Document workflow engine",
		Long: `Lemma orchestrates LLM generation of long-form mathematical documents.

It provides:
- Per-block state machines with supervised and autonomous control modes
- A typed task dispatcher with idempotent submission and retry backoff
- Workers for generation, quality control, assembly, and export
- An HTTP ingress for projects, user signals, and completion reports

All components communicate via NATS using the semstreams framework.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, engineConfigPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Platform config file path (JSON)")
	cmd.Flags().StringVar(&engineConfigPath, "engine-config", "", "Engine config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, engineConfigPath, logLevel string) error {
	printBanner()

	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, engineConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	if err := ensureStreams(ctx, cfg, natsClient, logger); err != nil {
		return err
	}

	slog.Info("Lemma ready", "version", Version)

	metricsRegistry := metric.NewMetricsRegistry()
	platform := extractPlatformMeta(cfg)

	configManager, err := config.NewConfigManager(cfg, natsClient, logger)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := configManager.Start(ctx); err != nil {
		return fmt.Errorf("start config manager: %w", err)
	}
	defer configManager.Stop(5 * time.Second)

	slog.Info("Platform identity configured",
		"org", platform.Org,
		"platform", platform.Platform)

	payloadRegistry := payloadregistry.New()

	slog.Debug("Registering payload factories")
	if err := payloadbuiltins.Register(payloadRegistry); err != nil {
		return fmt.Errorf("register builtin payloads: %w", err)
	}
	if err := document.RegisterPayloads(payloadRegistry); err != nil {
		return fmt.Errorf("register document payloads: %w", err)
	}

	componentRegistry := component.NewRegistry()

	slog.Debug("Registering semstreams component factories")
	if err := componentregistry.Register(componentRegistry); err != nil {
		return fmt.Errorf("register semstreams components: %w", err)
	}

	slog.Debug("Registering lemma component factories")
	if err := signalintake.Register(componentRegistry); err != nil {
		return fmt.Errorf("register signal-intake: %w", err)
	}
	if err := reconciler.Register(componentRegistry); err != nil {
		return fmt.Errorf("register reconciler: %w", err)
	}
	if err := generationworker.Register(componentRegistry); err != nil {
		return fmt.Errorf("register generation-worker: %w", err)
	}
	if err := qcworker.Register(componentRegistry); err != nil {
		return fmt.Errorf("register qc-worker: %w", err)
	}
	if err := assemblyworker.Register(componentRegistry); err != nil {
		return fmt.Errorf("register assembly-worker: %w", err)
	}
	if err := projectapi.Register(componentRegistry); err != nil {
		return fmt.Errorf("register project-api: %w", err)
	}

	factories := componentRegistry.ListFactories()
	slog.Info("Component factories registered", "count", len(factories))

	serviceRegistry := service.NewServiceRegistry()
	if err := service.RegisterAll(serviceRegistry); err != nil {
		return fmt.Errorf("register services: %w", err)
	}

	manager := service.NewServiceManager(serviceRegistry)
	ensureServiceManagerConfig(cfg)

	svcDeps := &service.Dependencies{
		NATSClient:        natsClient,
		MetricsRegistry:   metricsRegistry,
		Logger:            logger,
		Platform:          platform,
		Manager:           configManager,
		ComponentRegistry: componentRegistry,
		PayloadRegistry:   payloadRegistry,
	}

	if err := configureAndCreateServices(cfg, manager, svcDeps); err != nil {
		return err
	}

	slog.Info("All services configured")

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("Starting all services")
	if err := manager.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	slog.Info("All services started successfully")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownTimeout := 30 * time.Second
	if err := manager.StopAll(shutdownTimeout); err != nil {
		slog.Error("Error stopping services", "error", err)
	}

	slog.Info("Lemma shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║              Lemma v" + Version + "                      ║")
	fmt.Println("║      Document Workflow Engine                 ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

func loadConfig(configPath, engineConfigPath string) (*config.Config, error) {
	if configPath != "" {
		return loadConfigWithEnvSubstitution(configPath)
	}
	return buildDefaultConfig(engineConfigPath)
}

// loadConfigWithEnvSubstitution reads a config file and expands environment
// variables before parsing. Supports ${VAR} and $VAR syntax.
func loadConfigWithEnvSubstitution(configPath string) (*config.Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := config.ExpandEnvWithDefaults(string(data))

	loader := config.NewLoader()
	return loader.LoadFromBytes([]byte(expanded))
}

// buildDefaultConfig enables the full engine: intake, reconciler, the three
// workers, and the HTTP ingress, all reading the same engine YAML.
func buildDefaultConfig(engineConfigPath string) (*config.Config, error) {
	components := make(config.ComponentConfigs)

	add := func(name string, cfg any) error {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal %s config: %w", name, err)
		}
		components[name] = types.ComponentConfig{
			Name:    name,
			Type:    types.ComponentTypeProcessor,
			Enabled: true,
			Config:  raw,
		}
		return nil
	}

	intakeCfg := signalintake.DefaultConfig()
	intakeCfg.EngineConfigPath = engineConfigPath

	reconcilerCfg := reconciler.DefaultConfig()
	reconcilerCfg.EngineConfigPath = engineConfigPath

	genCfg := generationworker.DefaultConfig()
	genCfg.EngineConfigPath = engineConfigPath

	qcCfg := qcworker.DefaultConfig()
	qcCfg.EngineConfigPath = engineConfigPath

	asmCfg := assemblyworker.DefaultConfig()
	asmCfg.EngineConfigPath = engineConfigPath

	apiCfg := projectapi.DefaultConfig()
	apiCfg.EngineConfigPath = engineConfigPath

	for name, cfg := range map[string]any{
		"signal-intake":     intakeCfg,
		"reconciler":        reconcilerCfg,
		"generation-worker": genCfg,
		"qc-worker":         qcCfg,
		"assembly-worker":   asmCfg,
		"project-api":       apiCfg,
	} {
		if err := add(name, cfg); err != nil {
			return nil, err
		}
	}

	return &config.Config{
		Version: "1.0.0",
		Platform: config.PlatformConfig{
			Org:         "lemmalab",
			ID:          "lemma-local",
			Environment: "dev",
		},
		NATS: config.NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			JetStream: config.JetStreamConfig{
				Enabled: true,
			},
		},
		Services:   types.ServiceConfigs{},
		Components: components,
		Streams: config.StreamConfigs{
			"DOC_ENGINE": config.StreamConfig{
				Subjects: []string{
					"doc.>",
				},
				MaxAge:   "168h",
				Storage:  "file",
				Replicas: 1,
			},
		},
	}, nil
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURLs := "nats://localhost:4222"

	// Environment variable override takes precedence
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		natsURLs = envURL
	} else if envURL := os.Getenv("LEMMA_NATS_URL"); envURL != "" {
		natsURLs = envURL
	} else if len(cfg.NATS.URLs) > 0 {
		natsURLs = strings.Join(cfg.NATS.URLs, ",")
	}

	logger.Info("Connecting to NATS", "url", natsURLs)

	client, err := natsclient.NewClient(natsURLs,
		natsclient.WithName("lemma"),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURLs)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURLs)
	}

	logger.Info("Connected to NATS", "url", natsURLs)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func ensureStreams(ctx context.Context, cfg *config.Config, natsClient *natsclient.Client, logger *slog.Logger) error {
	logger.Debug("Creating JetStream streams")
	streamsManager := config.NewStreamsManager(natsClient, logger)

	if err := streamsManager.EnsureStreams(ctx, cfg); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	logger.Debug("JetStream streams ready")
	return nil
}

func extractPlatformMeta(cfg *config.Config) types.PlatformMeta {
	platformID := cfg.Platform.InstanceID
	if platformID == "" {
		platformID = cfg.Platform.ID
	}

	return types.PlatformMeta{
		Org:      cfg.Platform.Org,
		Platform: platformID,
	}
}

// ensureServiceManagerConfig ensures service-manager config exists with defaults
func ensureServiceManagerConfig(cfg *config.Config) {
	if cfg.Services == nil {
		cfg.Services = make(types.ServiceConfigs)
	}

	if _, exists := cfg.Services["service-manager"]; !exists {
		slog.Debug("Adding default service-manager config")
		defaultConfig := map[string]any{
			"http_port":  8080,
			"swagger_ui": false,
			"server_info": map[string]string{
				"title":       "Lemma API",
				"description": "document workflow engine - projects, signals, and exports",
				"version":     Version,
			},
		}
		defaultConfigJSON, _ := json.Marshal(defaultConfig)
		cfg.Services["service-manager"] = types.ServiceConfig{
			Name:    "service-manager",
			Enabled: true,
			Config:  defaultConfigJSON,
		}
		slog.Debug("Service-manager config added", "enabled", true)
	}
}

// configureAndCreateServices configures the manager and creates all services
func configureAndCreateServices(
	cfg *config.Config,
	manager *service.Manager,
	svcDeps *service.Dependencies,
) error {
	slog.Debug("Configuring Manager")
	if err := manager.ConfigureFromServices(cfg.Services, svcDeps); err != nil {
		return fmt.Errorf("configure service manager: %w", err)
	}

	slog.Debug("Creating services from config", "count", len(cfg.Services))
	for name, svcConfig := range cfg.Services {
		if name == "service-manager" {
			slog.Debug("Skipping service-manager (configured directly)")
			continue
		}

		if err := createServiceIfEnabled(manager, name, svcConfig, svcDeps); err != nil {
			return err
		}
	}

	return nil
}

// createServiceIfEnabled creates a service if it's enabled and registered
func createServiceIfEnabled(
	manager *service.Manager,
	name string,
	svcConfig types.ServiceConfig,
	svcDeps *service.Dependencies,
) error {
	slog.Debug("Processing service config", "key", name, "name", svcConfig.Name, "enabled", svcConfig.Enabled)

	if !svcConfig.Enabled {
		slog.Info("Service disabled in config", "name", name)
		return nil
	}

	if !manager.HasConstructor(name) {
		slog.Warn("Service configured but not registered", "key", name, "available_constructors", manager.ListConstructors())
		return nil
	}

	slog.Debug("Creating service", "name", name, "has_constructor", true)
	if _, err := manager.CreateService(name, svcConfig.Config, svcDeps); err != nil {
		return fmt.Errorf("create service %s: %w", name, err)
	}

	slog.Info("Created service", "name", name, "config_name", svcConfig.Name)
	return nil
}
