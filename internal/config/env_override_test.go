package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides_Scheduler(t *testing.T) {
	t.Run("workers override applies when set", func(t *testing.T) {
		t.Setenv("LUMINARA_SCHEDULER_WORKERS", "4")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, 4, cfg.Scheduler.Workers)
	})

	t.Run("non-numeric value is ignored", func(t *testing.T) {
		t.Setenv("LUMINARA_SCHEDULER_WORKERS", "not-a-number")
		cfg := DefaultConfig()
		cfg.Scheduler.Workers = 3
		cfg.applyEnvOverrides()
		assert.Equal(t, 3, cfg.Scheduler.Workers)
	})

	t.Run("zero value is ignored (workers must be >= 1)", func(t *testing.T) {
		t.Setenv("LUMINARA_SCHEDULER_WORKERS", "0")
		cfg := DefaultConfig()
		cfg.Scheduler.Workers = 5
		cfg.applyEnvOverrides()
		assert.Equal(t, 5, cfg.Scheduler.Workers)
	})
}

func TestEnvOverrides_SandboxAndTimeline(t *testing.T) {
	t.Setenv("LUMINARA_SANDBOX_TIMEOUT_MS", "9000")
	t.Setenv("LUMINARA_TIMELINE_SNAPSHOT_INTERVAL", "128")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, 9000, cfg.Verify.SandboxTimeoutMS)
	assert.Equal(t, 128, cfg.Timeline.SnapshotInterval)
}

func TestLoadAppliesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assert.Equal(t, DefaultConfig().Scheduler.TaskDeadline, cfg.Scheduler.TaskDeadline)
}
