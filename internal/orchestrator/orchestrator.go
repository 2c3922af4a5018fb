// Package orchestrator wires the eight components into the single surface
// the hosting editor consumes: Run takes a natural-language request through
// context digestion, planning, scheduled execution, verification, and the
// timeline, returning a structured OrchestrationResult.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"luminara.dev/orchestrator/internal/bus"
	"luminara.dev/orchestrator/internal/config"
	"luminara.dev/orchestrator/internal/conflict"
	"luminara.dev/orchestrator/internal/contextengine"
	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/llmclient"
	"luminara.dev/orchestrator/internal/logging"
	"luminara.dev/orchestrator/internal/planner"
	"luminara.dev/orchestrator/internal/resolver"
	"luminara.dev/orchestrator/internal/scheduler"
	"luminara.dev/orchestrator/internal/timeline"
	"luminara.dev/orchestrator/internal/verify"
	"luminara.dev/orchestrator/internal/world"
)

// Orchestrator composes C1-C8 over one World. Construct with New; the zero
// value is unusable.
type Orchestrator struct {
	cfg *config.Config

	World    world.World
	Schemas  *contextengine.MapRegistry
	Index    contextengine.SemanticIndex
	Context  *contextengine.Engine
	Resolver *resolver.Resolver
	Planner  *planner.Planner
	Detector *conflict.Detector
	Scripts  *verify.ScriptManager
	Timeline *timeline.Timeline
	Pipeline *verify.Pipeline
	Bus      *bus.Bus
	Sched    *scheduler.Scheduler
	LLM      llmclient.Client
}

// Option adjusts construction, used mainly by tests and the hosting editor
// to swap in its own runtimes and probes.
type Option func(*Orchestrator)

// WithRuntime registers a script runtime for a language before the
// verification pipeline is built.
func WithRuntime(lang intent.ScriptLanguage, rt verify.ScriptRuntime) Option {
	return func(o *Orchestrator) {
		o.Pipeline.Runtimes[lang] = rt
	}
}

// WithPerfProbe wires the hosting engine's frame-time probe into the
// commit monitor.
func WithPerfProbe(p verify.PerfProbe) Option {
	return func(o *Orchestrator) {
		o.Pipeline.Perf = p
	}
}

// WithNavigable wires the World's navigability predicate into the
// resolver's RandomReachable sampling.
func WithNavigable(n resolver.Navigable) Option {
	return func(o *Orchestrator) {
		o.Resolver.Navigable = n
	}
}

// New builds a fully wired Orchestrator over w using llm as the language
// model backend. sink may be nil (no timeline persistence).
func New(cfg *config.Config, w world.World, llm llmclient.Client, sink timeline.Sink, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	detector, err := conflict.New(conflict.Strategy(cfg.Conflict.DefaultStrategy))
	if err != nil {
		return nil, err
	}

	var index contextengine.SemanticIndex = contextengine.NewKeywordIndex()
	if cfg.ContextEngine.IndexPath != "" {
		index, err = contextengine.NewSQLiteIndex(cfg.ContextEngine.IndexPath)
		if err != nil {
			return nil, err
		}
	}

	o := &Orchestrator{
		cfg:      cfg,
		World:    w,
		Schemas:  contextengine.NewMapRegistry(),
		Index:    index,
		Detector: detector,
		Bus:      bus.New(cfg.Bus.QueueBound),
		LLM:      llm,
	}

	runtimes := map[intent.ScriptLanguage]verify.ScriptRuntime{
		intent.LanguagePortableBinary: verify.NewYaegiRuntime(nil),
	}
	o.Scripts = verify.NewScriptManager(runtimes)
	o.Timeline = timeline.New(w, o.Scripts, cfg.Timeline.SnapshotInterval, sink)

	o.Context = contextengine.New(w, o.Schemas, historyAdapter{tl: o.Timeline}, o.Index)
	o.Resolver = resolver.New(o.Context, nil)
	o.Planner = planner.New(llm)

	o.Pipeline = verify.New(w, o.Scripts, o.Timeline, runtimes)
	o.Pipeline.Limits.WallClock = time.Duration(cfg.Verify.SandboxTimeoutMS) * time.Millisecond
	o.Pipeline.Limits.MemoryBytes = int64(cfg.Verify.SandboxMemoryMiB) << 20
	o.Pipeline.Limits.SpawnedEntities = cfg.Verify.SandboxMaxSpawn
	o.Pipeline.Limits.APICalls = cfg.Verify.SandboxMaxAPICalls
	o.Pipeline.Limits.Instructions = int64(cfg.Verify.SandboxMaxInstructions)
	o.Pipeline.StaticEnabled = cfg.Verify.StaticAnalysisEnabled
	if window, err := time.ParseDuration(cfg.Verify.MonitorWindow); err == nil {
		o.Pipeline.MonitorWindow = window
	}

	deadline := time.Duration(0)
	if d, err := time.ParseDuration(cfg.Scheduler.TaskDeadline); err == nil {
		deadline = d
	}
	agent := &roleAgent{
		llm:    llm,
		engine: o.Context,
		world:  w,
		budget: cfg.ContextEngine.DefaultBudgetTokens,
	}
	o.Sched = scheduler.New(
		scheduler.Config{Workers: cfg.Scheduler.Workers, TaskDeadline: deadline},
		detector, o.Bus, agent, o,
	)

	registerCoreComponents(o)
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// registerCoreComponents declares the component types the orchestration
// core itself interprets, with their schemas and conflict policies.
func registerCoreComponents(o *Orchestrator) {
	for _, t := range []world.ComponentType{intent.ComponentName, intent.ComponentTransform, intent.ComponentTags} {
		if err := o.World.RegisterComponentType(t); err != nil {
			logging.Get(logging.CategoryBoot).Error("registering %s: %v", t, err)
		}
	}
	o.Schemas.Register(intent.ComponentName, "entity display name", []string{"value: string"}, `"tower-1"`)
	o.Schemas.Register(intent.ComponentTransform, "position, forward vector and rotation",
		[]string{"Position: vec3", "Forward: vec3", "Rotation: quat"},
		`{"Position":{"X":0,"Y":0,"Z":0},"Forward":{"X":0,"Y":0,"Z":1},"Rotation":{"W":1}}`)
	o.Schemas.Register(intent.ComponentTags, "free-form string tags", []string{"values: []string"}, `["enemy","flying"]`)
}

// RegisterComponentType declares a game component type across the World,
// the schema registry, and the conflict policy in one call.
func (o *Orchestrator) RegisterComponentType(t world.ComponentType, summary string, fields []string, example string, commutative bool, merge conflict.MergeFunc) error {
	if err := o.World.RegisterComponentType(t); err != nil {
		return err
	}
	o.Schemas.Register(t, summary, fields, example)
	if merge != nil {
		return o.Detector.RegisterMerge(t, merge)
	}
	if commutative {
		return o.Detector.RegisterCommutative(t)
	}
	return nil
}

// Run executes one natural-language request end to end.
func (o *Orchestrator) Run(ctx context.Context, request string) (*OrchestrationResult, error) {
	timer := logging.StartTimer(logging.CategoryScheduler, "Orchestrator.Run")
	defer timer.Stop()

	wc, err := o.Context.Digest(request, o.cfg.ContextEngine.DefaultBudgetTokens)
	if err != nil {
		return nil, err
	}

	graph, err := o.Planner.Plan(ctx, request, renderContext(wc))
	if err != nil {
		return nil, err
	}

	res, err := o.Sched.Execute(ctx, graph)
	if err != nil {
		return nil, err
	}

	if err := o.persistIfConfigured(); err != nil {
		return nil, err
	}
	return o.wrapResult(res), nil
}

// ApplyIntents commits a batch of pre-built intents directly, bypassing
// planning and scheduling. The editor's scripted tooling and the tests use
// this path; each intent still passes the full verification pipeline.
func (o *Orchestrator) ApplyIntents(ctx context.Context, prompt string, intents []intent.Intent) (*OrchestrationResult, error) {
	res := &scheduler.Result{States: map[planner.TaskID]scheduler.TaskState{}}
	for i, it := range intents {
		taskID := fmt.Sprintf("direct-%d", i)
		op, err := o.CommitIntent(ctx, taskID, prompt, "", it)
		if op != nil {
			res.Committed = append(res.Committed, op)
		}
		if err != nil {
			res.Failed = append(res.Failed, scheduler.TaskFailure{Task: planner.TaskID(taskID), Err: err})
		}
	}
	if err := o.persistIfConfigured(); err != nil {
		return nil, err
	}
	return o.wrapResult(res), nil
}

// CommitIntent implements scheduler.Committer: resolve, then verify and
// commit, then index the touched entities for semantic search.
func (o *Orchestrator) CommitIntent(ctx context.Context, taskID, prompt, response string, it intent.Intent) (*timeline.Operation, error) {
	opSeed := fmt.Sprintf("op-%d", o.Timeline.NextOpID())
	cmds, err := o.Resolver.Resolve(opSeed, it, o.World)
	if err != nil {
		return nil, err
	}

	meta := verify.CommitMeta{
		Prompt:   prompt,
		Response: response,
		Role:     it.EmittedBy(),
		Intent:   intent.Describe(it),
		Tags:     []string{taskID},
	}
	op, err := o.Pipeline.VerifyAndCommit(ctx, meta, it, cmds)
	if op != nil && err == nil {
		o.reindex(cmds)
	}
	return op, err
}

// reindex refreshes the semantic index for entities the commands touched.
func (o *Orchestrator) reindex(cmds []intent.EngineCommand) {
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case intent.SpawnCommand:
			o.indexEntity(c.EntityID)
		case intent.ModifyCommand:
			o.indexEntity(c.EntityID)
		case intent.DestroyCommand:
			_ = o.Index.Remove(c.EntityID)
		}
	}
}

func (o *Orchestrator) indexEntity(id world.EntityID) {
	name := ""
	if c, err := o.World.Get(id, intent.ComponentName); err == nil {
		name, _ = c.(string)
	}
	text := name
	if c, err := o.World.Get(id, intent.ComponentTags); err == nil {
		if tags, ok := c.(intent.Tags); ok {
			for _, t := range tags {
				text += " " + t
			}
		}
	}
	_ = o.Index.Index(id, name, text)
}

// StartCorruptionWatch begins watching the file-backed timeline for
// external modification between persists. onEvent receives an
// ErrCorruption per suspect event; the hosting editor decides whether to
// halt. The watch is wired onto the Timeline so every subsequent Persist
// call tells it to expect its own write; callers must not bypass
// o.Timeline.Persist while the watch is active. Returns the watch so the
// caller can Close it.
func (o *Orchestrator) StartCorruptionWatch(onEvent func(error)) (*timeline.CorruptionWatch, error) {
	if o.cfg.Timeline.PersistencePath == "" {
		return nil, fmt.Errorf("orchestrator: no timeline persistence path configured")
	}
	cw, err := timeline.NewCorruptionWatch(o.cfg.Timeline.PersistencePath, onEvent)
	if err != nil {
		return nil, err
	}
	o.Timeline.SetCorruptionWatch(cw)
	return cw, nil
}

func (o *Orchestrator) persistIfConfigured() error {
	if o.cfg.Timeline.PersistencePath == "" {
		return nil
	}
	if err := o.Timeline.Persist(); err != nil {
		return err
	}
	return nil
}

// historyAdapter exposes the timeline to the context engine's recency
// scoring without the two packages importing each other.
type historyAdapter struct {
	tl *timeline.Timeline
}

func (h historyAdapter) RecentChanges(since time.Time, maxEntries int) []contextengine.ChangeEntry {
	var out []contextengine.ChangeEntry
	for _, op := range h.tl.Recent(maxEntries) {
		if op.Timestamp.Before(since) {
			break
		}
		out = append(out, contextengine.ChangeEntry{
			OperationID: fmt.Sprintf("%d", op.ID),
			Timestamp:   op.Timestamp,
			Summary:     op.ChangeSummary,
		})
	}
	return out
}

func (h historyAdapter) RecentlyTouched(since time.Time) map[world.EntityID]time.Time {
	return h.tl.TouchedSince(since)
}
