// Package config provides engine configuration loading for lemma.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lemmalab/lemma/document"
)

// Config represents the complete engine configuration.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	NATS   NATSConfig   `yaml:"nats"`
	LLM    LLMConfig    `yaml:"llm"`
	QC     QCConfig     `yaml:"qc"`
	Export ExportConfig `yaml:"export"`
}

// EngineConfig holds the workflow engine's recognized options.
type EngineConfig struct {
	// MaxRefinementAttempts caps refinement retries per structural slot
	MaxRefinementAttempts int `yaml:"max_refinement_attempts"`

	// MaxTaskRetries caps transient-failure retries per task
	MaxTaskRetries int `yaml:"max_task_retries"`

	// ValidationThreshold is the minimum QC overall_score for autonomous
	// validation
	ValidationThreshold float64 `yaml:"validation_threshold"`

	// ReconcileIntervalS is the reconciler sweep period in seconds
	ReconcileIntervalS int `yaml:"reconcile_interval_s"`

	// TaskDeadlineDefaultS is the default wall-clock deadline per task
	TaskDeadlineDefaultS int `yaml:"task_deadline_default_s"`

	// TaskDeadlineExportS is the wall-clock deadline for export tasks
	TaskDeadlineExportS int `yaml:"task_deadline_export_s"`

	// BackoffBaseS, BackoffFactor and BackoffCapS shape the retry backoff
	BackoffBaseS  int     `yaml:"backoff_base_s"`
	BackoffFactor float64 `yaml:"backoff_factor"`
	BackoffCapS   int     `yaml:"backoff_cap_s"`

	// QueuePriorities maps task type to default priority 0..9
	QueuePriorities map[string]int `yaml:"queue_priorities"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
}

// LLMConfig configures the LLM provider adapters.
type LLMConfig struct {
	// Endpoint is the default provider endpoint
	Endpoint string `yaml:"endpoint"`
	// Provider selects the adapter: anthropic, openai, or ollama
	Provider string `yaml:"provider"`
	// Model is the default model name
	Model string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the API key
	APIKeyEnv string `yaml:"api_key_env"`
	// Timeout is the maximum time to wait for completions
	Timeout time.Duration `yaml:"timeout"`
	// PromptDir is the prompt template directory for the generation worker
	PromptDir string `yaml:"prompt_dir"`
}

// QCConfig configures the QC analyzer client.
type QCConfig struct {
	// URL is the analyzer base URL
	URL string `yaml:"url"`
	// Timeout is the maximum time to wait for an analysis
	Timeout time.Duration `yaml:"timeout"`
}

// ExportConfig configures the assembly and export workers.
type ExportConfig struct {
	// OutputDir receives exported files
	OutputDir string `yaml:"output_dir"`
	// TemplateDir holds LaTeX preamble templates and assets
	TemplateDir string `yaml:"template_dir"`
	// LatexmkPath is the latexmk binary for pdf export
	LatexmkPath string `yaml:"latexmk_path"`
	// Formats are the output formats requested on export
	Formats []string `yaml:"formats"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxRefinementAttempts: 5,
			MaxTaskRetries:        3,
			ValidationThreshold:   70.0,
			ReconcileIntervalS:    60,
			TaskDeadlineDefaultS:  300,
			TaskDeadlineExportS:   900,
			BackoffBaseS:          30,
			BackoffFactor:         2.0,
			BackoffCapS:           900,
			QueuePriorities: map[string]int{
				string(document.TaskGenerateBlock):    5,
				string(document.TaskRunQC):            5,
				string(document.TaskRefineBlock):      6,
				string(document.TaskAssembleDocument): 7,
				string(document.TaskExportDocument):   7,
			},
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		LLM: LLMConfig{
			Endpoint:  "http://localhost:11434/v1",
			Provider:  "ollama",
			Model:     "llama3.1:70b",
			APIKeyEnv: "LEMMA_LLM_API_KEY",
			Timeout:   5 * time.Minute,
			PromptDir: "prompts",
		},
		QC: QCConfig{
			URL:     "http://localhost:8091",
			Timeout: 2 * time.Minute,
		},
		Export: ExportConfig{
			OutputDir:   "out",
			TemplateDir: "templates",
			LatexmkPath: "latexmk",
			Formats:     []string{"tex", "markdown", "html", "pdf"},
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	e := c.Engine
	if e.MaxRefinementAttempts < 0 {
		return fmt.Errorf("engine.max_refinement_attempts must be non-negative")
	}
	if e.MaxTaskRetries < 1 {
		return fmt.Errorf("engine.max_task_retries must be at least 1")
	}
	if e.ValidationThreshold < 0 || e.ValidationThreshold > 100 {
		return fmt.Errorf("engine.validation_threshold must be in [0, 100]")
	}
	if e.BackoffBaseS <= 0 || e.BackoffFactor < 1 || e.BackoffCapS < e.BackoffBaseS {
		return fmt.Errorf("engine backoff shape is invalid")
	}
	for taskType, prio := range e.QueuePriorities {
		if !document.TaskType(taskType).IsValid() {
			return fmt.Errorf("engine.queue_priorities: unknown task type %q", taskType)
		}
		if prio < 0 || prio > 9 {
			return fmt.Errorf("engine.queue_priorities.%s must be 0..9", taskType)
		}
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	return nil
}

// PriorityFor returns the configured priority for a task type, defaulting
// to 5 for unmapped types.
func (c *Config) PriorityFor(t document.TaskType) int {
	if p, ok := c.Engine.QueuePriorities[string(t)]; ok {
		return p
	}
	return 5
}

// DeadlineFor returns the wall-clock deadline duration for a task type.
func (c *Config) DeadlineFor(t document.TaskType) time.Duration {
	if t == document.TaskExportDocument {
		return time.Duration(c.Engine.TaskDeadlineExportS) * time.Second
	}
	return time.Duration(c.Engine.TaskDeadlineDefaultS) * time.Second
}

// ReconcileInterval returns the reconciler sweep period.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Engine.ReconcileIntervalS) * time.Second
}

// BackoffBase returns the first retry delay.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Engine.BackoffBaseS) * time.Second
}

// BackoffCap returns the maximum retry delay.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Engine.BackoffCapS) * time.Second
}

// LoadFromFile loads configuration from a YAML file, expanding ${VAR}
// references from the environment before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
