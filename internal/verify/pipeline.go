package verify

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/logging"
	"luminara.dev/orchestrator/internal/role"
	"luminara.dev/orchestrator/internal/timeline"
	"luminara.dev/orchestrator/internal/world"
)

// DefaultMonitorWindow is the post-commit anomaly-observation window.
const DefaultMonitorWindow = 2 * time.Second

// DefaultWorldBound is the coordinate magnitude past which an entity is
// considered out of world bounds by the commit monitor.
const DefaultWorldBound = 1e6

// PerfProbe lets the hosting engine report frame-time regressions into the
// commit monitor. Nil disables the check.
type PerfProbe interface {
	FrameTimeRegression() bool
}

// CommitMeta carries the provenance recorded on the resulting Operation.
type CommitMeta struct {
	Prompt   string
	Response string
	Role     role.AgentRole
	Intent   string
	Tags     []string
}

// ErrWorldRejected wraps a command the World refused during commit; every
// already-applied command of the operation has been reverted.
type ErrWorldRejected struct {
	Command intent.EngineCommand
	Err     error
}

func (e ErrWorldRejected) Error() string {
	return fmt.Sprintf("verify: world rejected %T: %v", e.Command, e.Err)
}

func (e ErrWorldRejected) Unwrap() error { return e.Err }

// ErrMonitoredRollback reports that the operation committed, tripped the
// anomaly monitor, and was rolled back. The operation remains in the log
// tagged RolledBack.
type ErrMonitoredRollback struct {
	OpID   timeline.OpID
	Reason string
}

func (e ErrMonitoredRollback) Error() string {
	return fmt.Sprintf("verify: monitored rollback of op %d: %s", e.OpID, e.Reason)
}

// Pipeline is the four-stage verification gate every intent passes on its
// way to the timeline.
type Pipeline struct {
	World    world.World
	Scripts  *ScriptManager
	Log      *timeline.Timeline
	Static   *StaticAnalyzer
	Runtimes map[intent.ScriptLanguage]ScriptRuntime

	Limits        Limits
	StaticEnabled bool
	MonitorWindow time.Duration
	MonitorPoll   time.Duration
	WorldBound    float64
	Perf          PerfProbe
}

// New constructs a Pipeline with spec-default limits and monitor settings.
func New(w world.World, scripts *ScriptManager, log *timeline.Timeline, runtimes map[intent.ScriptLanguage]ScriptRuntime) *Pipeline {
	return &Pipeline{
		World:         w,
		Scripts:       scripts,
		Log:           log,
		Static:        NewStaticAnalyzer(),
		Runtimes:      runtimes,
		Limits:        DefaultLimits(),
		StaticEnabled: true,
		MonitorWindow: DefaultMonitorWindow,
		MonitorPoll:   50 * time.Millisecond,
		WorldBound:    DefaultWorldBound,
	}
}

// VerifyAndCommit runs it and its resolved commands through all four
// stages. On success the appended Operation is returned. On a monitored
// rollback the Operation is returned alongside ErrMonitoredRollback; every
// other failure returns a nil Operation and leaves the World untouched.
func (p *Pipeline) VerifyAndCommit(ctx context.Context, meta CommitMeta, it intent.Intent, cmds []intent.EngineCommand) (*timeline.Operation, error) {
	timer := logging.StartTimer(logging.CategoryVerify, "VerifyAndCommit")
	defer timer.Stop()

	// S1: static analysis for script-bearing intents.
	if err := p.staticStage(it); err != nil {
		return nil, err
	}

	// S2: sandbox execution against a disposable world.
	if err := p.sandbox(ctx, it, cmds); err != nil {
		return nil, err
	}

	// S3: dry-run diff against the real world's current state.
	preview, err := p.dryRun(cmds)
	if err != nil {
		return nil, err
	}

	// S4: commit with pre-state capture and post-commit monitoring.
	return p.commit(ctx, meta, cmds, preview)
}

func (p *Pipeline) staticStage(it intent.Intent) error {
	if !p.StaticEnabled || p.Static == nil {
		return nil
	}

	var source []byte
	var caps map[string]bool
	switch v := it.(type) {
	case intent.CreateScript:
		source = v.Source
		caps = ParseCapabilities(v.Source)
	case intent.ModifyScript:
		source = v.Source
		caps = ParseCapabilities(v.Source)
	default:
		return nil
	}

	issues, err := p.Static.Analyze(source, caps)
	if err != nil {
		return fmt.Errorf("verify: static analysis failed: %w", err)
	}
	if HasBlocking(issues) {
		var blocking []StaticIssue
		for _, issue := range issues {
			if issue.Severity >= SeverityError {
				blocking = append(blocking, issue)
			}
		}
		logging.VerifyWarn("static analysis blocked script: %v", blocking)
		return ErrStaticRejected{Issues: blocking}
	}
	return nil
}

// commit applies the commands to the real World, capturing each command's
// inverse against the observed pre-state immediately before applying it.
// The stage is transactional: a rejected command aborts by replaying the
// captured inverses, so a half-applied operation never reaches the log.
func (p *Pipeline) commit(ctx context.Context, meta CommitMeta, cmds []intent.EngineCommand, preview *DiffPreview) (*timeline.Operation, error) {
	checkpoint := p.Log.Head()
	logging.VerifyDebug("commit: checkpoint at op %d, %d commands", checkpoint, len(cmds))

	inverses := make([]intent.EngineCommand, 0, len(cmds))
	for _, cmd := range cmds {
		inv, err := intent.CaptureInverse(p.World, p.Scripts, cmd)
		if err != nil {
			p.abort(inverses)
			return nil, ErrWorldRejected{Command: cmd, Err: err}
		}
		if err := intent.Apply(p.World, p.Scripts, cmd); err != nil {
			p.abort(inverses)
			return nil, ErrWorldRejected{Command: cmd, Err: err}
		}
		inverses = append(inverses, inv)
	}

	op := &timeline.Operation{
		Timestamp:     time.Now(),
		Prompt:        meta.Prompt,
		Response:      meta.Response,
		Role:          meta.Role,
		IntentSummary: meta.Intent,
		Commands:      cmds,
		Inverse:       inverses,
		ChangeSummary: preview.Summary(),
		Tags:          meta.Tags,
	}
	opID := p.Log.Append(op)

	if reason := p.monitor(ctx); reason != "" {
		p.abort(inverses)
		if err := p.Log.MarkRolledBack(opID); err != nil {
			logging.Get(logging.CategoryVerify).Error("marking op %d rolled back: %v", opID, err)
		}
		logging.VerifyWarn("monitored rollback of op %d: %s", opID, reason)
		return op, ErrMonitoredRollback{OpID: opID, Reason: reason}
	}
	return op, nil
}

// abort reverses already-applied commands, newest first.
func (p *Pipeline) abort(inverses []intent.EngineCommand) {
	for i := len(inverses) - 1; i >= 0; i-- {
		if err := intent.Apply(p.World, p.Scripts, inverses[i]); err != nil {
			logging.VerifyWarn("abort: applying inverse %T failed: %v", inverses[i], err)
		}
	}
}

// monitor observes the World for the configured window and returns a
// non-empty reason on the first anomaly: NaN sentinels in numeric
// components, out-of-bounds entities, or a reported frame-time regression.
func (p *Pipeline) monitor(ctx context.Context) string {
	deadline := time.Now().Add(p.MonitorWindow)
	for {
		if reason := p.scanAnomalies(); reason != "" {
			return reason
		}
		if time.Now().After(deadline) {
			return ""
		}
		select {
		case <-ctx.Done():
			// Cancellation ends the window early; the commit stands.
			return ""
		case <-time.After(p.MonitorPoll):
		}
	}
}

func (p *Pipeline) scanAnomalies() string {
	if p.Perf != nil && p.Perf.FrameTimeRegression() {
		return "frame-time regression"
	}
	for _, snap := range p.World.IterAll() {
		for t, v := range snap.Components {
			switch c := v.(type) {
			case intent.Transform:
				if hasNaN(c) {
					return fmt.Sprintf("NaN in %s of entity %s", t, snap.ID)
				}
				if p.WorldBound > 0 && outOfBounds(c.Position, p.WorldBound) {
					return fmt.Sprintf("entity %s out of world bounds", snap.ID)
				}
			case intent.Raw:
				if containsNaNToken(c) {
					return fmt.Sprintf("NaN sentinel in %s of entity %s", t, snap.ID)
				}
			}
		}
	}
	return ""
}

func hasNaN(tr intent.Transform) bool {
	for _, f := range []float64{
		tr.Position.X, tr.Position.Y, tr.Position.Z,
		tr.Forward.X, tr.Forward.Y, tr.Forward.Z,
		tr.Rotation.X, tr.Rotation.Y, tr.Rotation.Z, tr.Rotation.W,
	} {
		if math.IsNaN(f) {
			return true
		}
	}
	return false
}

func outOfBounds(p intent.Vec3, bound float64) bool {
	return math.Abs(p.X) > bound || math.Abs(p.Y) > bound || math.Abs(p.Z) > bound
}

func containsNaNToken(raw intent.Raw) bool {
	s := string(raw)
	return strings.Contains(s, "NaN") || strings.Contains(s, "Infinity")
}
