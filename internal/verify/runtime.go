// Package verify implements the Verification Pipeline (C6): static
// analysis of generated script source, resource-bounded sandbox execution
// against a disposable World, a dry-run diff preview, and the monitored
// commit stage that derives inverse commands and records operations on the
// timeline.
package verify

import (
	"context"
	"fmt"
	"time"

	"luminara.dev/orchestrator/internal/intent"
)

// LimitKind names one sandbox resource bound.
type LimitKind string

const (
	LimitTime            LimitKind = "time"
	LimitMemory          LimitKind = "memory"
	LimitInstructions    LimitKind = "instructions"
	LimitAPICalls        LimitKind = "api_calls"
	LimitSpawnedEntities LimitKind = "spawned_entities"
)

// LimitExceeded is returned when a sandbox execution crosses a resource
// bound; Limit names the first bound violated.
type LimitExceeded struct {
	Limit LimitKind
}

func (e LimitExceeded) Error() string {
	return fmt.Sprintf("verify: sandbox limit exceeded: %s", e.Limit)
}

// Limits are the sandbox resource bounds, defaults per spec.md §4.6.
type Limits struct {
	WallClock       time.Duration
	MemoryBytes     int64
	SpawnedEntities int
	APICalls        int
	Instructions    int64
}

// DefaultLimits returns the spec defaults: 5 s, 64 MiB, 1 000 spawns,
// 10 000 host-API calls, 1 000 000 instructions.
func DefaultLimits() Limits {
	return Limits{
		WallClock:       5 * time.Second,
		MemoryBytes:     64 << 20,
		SpawnedEntities: 1000,
		APICalls:        10000,
		Instructions:    1_000_000,
	}
}

// ScriptRuntime is the sandboxable executor interface both script language
// variants expose. The bytecode VM is host-provided; YaegiRuntime is the
// in-tree adapter for the portable-binary variant. A runtime must return
// LimitExceeded (naming the first-violated bound) when execution crosses a
// limit set via SetLimits, and must guarantee no effect escapes the host
// API it was handed.
type ScriptRuntime interface {
	Load(source []byte, language intent.ScriptLanguage) (string, error)
	Reload(id string, source []byte) error
	Call(ctx context.Context, id, function string, args ...interface{}) (interface{}, error)
	SetLimits(id string, limits Limits) error
	Abort(id string) error
}

// SandboxHost is the API surface scripts see during sandbox execution. All
// mutations land on the disposable sandbox world; the counters feed limit
// enforcement.
type SandboxHost interface {
	SpawnEntity(name string) (string, error)
	SetComponent(entity, typeTag string, valueJSON string) error
	GetComponent(entity, typeTag string) (string, error)
	DestroyEntity(entity string) error
}
