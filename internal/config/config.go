// Package config holds the orchestrator's process configuration, loaded
// from a YAML file with environment-variable overrides layered on top.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all orchestrator configuration.
type Config struct {
	// Name/Version identify this orchestrator instance in logs and traces.
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	LLM       LLMConfig       `yaml:"llm"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Verify    VerifyConfig    `yaml:"verify"`
	Timeline  TimelineConfig  `yaml:"timeline"`
	ContextEngine ContextEngineConfig `yaml:"context"`
	Conflict  ConflictConfig  `yaml:"conflict"`
	Bus       BusConfig       `yaml:"bus"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DefaultConfig returns the baseline configuration, mirroring the defaults
// named throughout spec.md (§4, §6).
func DefaultConfig() *Config {
	return &Config{
		Name:    "luminara-orchestrator",
		Version: "0.1.0",

		LLM: LLMConfig{
			Provider: "genai",
			Model:    "gemini-2.5-flash",
			Timeout:  "60s",
		},

		Scheduler: SchedulerConfig{
			Workers:  0, // 0 means min(cores, 8) at runtime
			TaskDeadline: "120s",
		},

		Verify: VerifyConfig{
			StaticAnalysisEnabled: true,
			SandboxTimeoutMS:      5000,
			SandboxMemoryMiB:      64,
			SandboxMaxSpawn:       1000,
			SandboxMaxAPICalls:    10000,
			SandboxMaxInstructions: 1_000_000,
			MonitorWindow:         "2s",
		},

		Timeline: TimelineConfig{
			SnapshotInterval: 64,
		},

		ContextEngine: ContextEngineConfig{
			DefaultBudgetTokens: 4000,
			RecencyWindow:       "60s",
		},

		Conflict: ConflictConfig{
			DefaultStrategy: "prompt_user",
		},

		Bus: BusConfig{
			QueueBound: 1024,
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads YAML configuration from path, falling back to defaults for any
// field left unset, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if c.Timeline.SnapshotInterval < 1 {
		return fmt.Errorf("timeline.snapshot_interval must be >= 1")
	}
	if c.ContextEngine.DefaultBudgetTokens < 1 {
		return fmt.Errorf("context.default_budget_tokens must be >= 1")
	}
	if c.Bus.QueueBound < 1 {
		return fmt.Errorf("bus.queue_bound must be >= 1")
	}
	return nil
}
