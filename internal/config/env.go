package config

import (
	"os"
	"strconv"
)

// applyEnvOverrides layers the environment variables named in spec.md §6
// over whatever was loaded from YAML. Unset or unparsable variables leave
// the existing value untouched.
func (c *Config) applyEnvOverrides() {
	if v, ok := lookupInt("LUMINARA_SCHEDULER_WORKERS"); ok && v >= 1 {
		c.Scheduler.Workers = v
	}
	if v, ok := lookupInt("LUMINARA_SANDBOX_TIMEOUT_MS"); ok && v >= 1 {
		c.Verify.SandboxTimeoutMS = v
	}
	if v, ok := lookupInt("LUMINARA_TIMELINE_SNAPSHOT_INTERVAL"); ok && v >= 1 {
		c.Timeline.SnapshotInterval = v
	}

	if key := os.Getenv("LUMINARA_LLM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if provider := os.Getenv("LUMINARA_LLM_PROVIDER"); provider != "" {
		c.LLM.Provider = provider
	}
}

func lookupInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
