package config

// SchedulerConfig configures the C4 Scheduler's worker pool and deadlines.
type SchedulerConfig struct {
	// Workers is the worker pool size. 0 means min(runtime cores, 8).
	Workers int `yaml:"workers"`
	// TaskDeadline is the default per-task deadline, parsed with time.ParseDuration.
	TaskDeadline string `yaml:"task_deadline"`
}

// VerifyConfig configures the C6 Verification Pipeline's sandbox bounds,
// named directly after the limits in spec.md §4.6.
type VerifyConfig struct {
	StaticAnalysisEnabled  bool   `yaml:"static_analysis_enabled"`
	SandboxTimeoutMS       int    `yaml:"sandbox_timeout_ms"`
	SandboxMemoryMiB       int    `yaml:"sandbox_memory_mib"`
	SandboxMaxSpawn        int    `yaml:"sandbox_max_spawn"`
	SandboxMaxAPICalls     int    `yaml:"sandbox_max_api_calls"`
	SandboxMaxInstructions int    `yaml:"sandbox_max_instructions"`
	MonitorWindow          string `yaml:"monitor_window"`
}

// TimelineConfig configures the C7 Operation Timeline.
type TimelineConfig struct {
	SnapshotInterval int    `yaml:"snapshot_interval"`
	PersistencePath  string `yaml:"persistence_path"`
}

// ContextEngineConfig configures the C1 Context Engine's token budgeting
// and semantic index backing store.
type ContextEngineConfig struct {
	DefaultBudgetTokens int    `yaml:"default_budget_tokens"`
	RecencyWindow       string `yaml:"recency_window"`
	// IndexPath is the sqlite file backing the persistent semantic index;
	// empty selects the in-memory keyword index.
	IndexPath string `yaml:"index_path"`
}

// ConflictConfig configures the C5 Conflict Detector's default resolution.
type ConflictConfig struct {
	// DefaultStrategy is applied when a component type registers no
	// explicit merge policy: "last_write_wins" or "prompt_user".
	DefaultStrategy string `yaml:"default_strategy"`
}

// BusConfig configures the C8 Message Bus's bounded queues.
type BusConfig struct {
	QueueBound int `yaml:"queue_bound"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// LLMConfig configures the Language Model Client adapter.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}
