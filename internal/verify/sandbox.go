package verify

import (
	"context"
	"errors"
	"fmt"

	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/logging"
	"luminara.dev/orchestrator/internal/world"
)

// ErrSandboxCrash wraps a script failure inside stage S2 that is not a
// resource-limit violation.
type ErrSandboxCrash struct {
	Err error
}

func (e ErrSandboxCrash) Error() string {
	return fmt.Sprintf("verify: sandbox crash: %v", e.Err)
}

func (e ErrSandboxCrash) Unwrap() error { return e.Err }

// ErrSandboxUnavailable is returned for script intents in a language with
// no registered runtime; an unverifiable script never reaches commit.
type ErrSandboxUnavailable struct {
	Language intent.ScriptLanguage
}

func (e ErrSandboxUnavailable) Error() string {
	return fmt.Sprintf("verify: no runtime registered for language %s", e.Language)
}

// worldHost adapts a disposable World into the SandboxHost surface scripts
// call through the injected "world" package.
type worldHost struct {
	w world.World
}

func (h *worldHost) SpawnEntity(name string) (string, error) {
	components := map[world.ComponentType]world.Component{}
	if name != "" {
		components[intent.ComponentName] = name
	}
	id, err := h.w.Spawn(components)
	return string(id), err
}

func (h *worldHost) SetComponent(entity, typeTag, valueJSON string) error {
	return h.w.Set(world.EntityID(entity), world.ComponentType(typeTag), intent.Materialize(world.ComponentType(typeTag), []byte(valueJSON)))
}

func (h *worldHost) GetComponent(entity, typeTag string) (string, error) {
	c, err := h.w.Get(world.EntityID(entity), world.ComponentType(typeTag))
	if err != nil {
		return "", err
	}
	b, err := intent.Serialize(c)
	return string(b), err
}

func (h *worldHost) DestroyEntity(entity string) error {
	return h.w.Despawn(world.EntityID(entity))
}

// sandbox is stage S2: execute the intent against a disposable copy of the
// World inside resource bounds. Nothing done here can escape to the real
// World; the sandbox world is discarded when the stage returns.
func (p *Pipeline) sandbox(ctx context.Context, it intent.Intent, cmds []intent.EngineCommand) error {
	sandboxWorld := world.New()
	sandboxWorld.Restore(p.World.Snapshot())

	switch v := it.(type) {
	case intent.CreateScript:
		return p.sandboxScript(ctx, v.Language, v.Source)
	case intent.ModifyScript:
		_, lang, _, err := p.Scripts.GetScript(v.ScriptID)
		if err != nil {
			return ErrSandboxCrash{Err: err}
		}
		return p.sandboxScript(ctx, lang, v.Source)
	default:
		return p.sandboxCommands(ctx, sandboxWorld, cmds)
	}
}

// sandboxScript loads the source into a fresh runtime handle pointed at a
// disposable world and invokes each declared hook once.
func (p *Pipeline) sandboxScript(ctx context.Context, lang intent.ScriptLanguage, source []byte) error {
	rt, ok := p.Runtimes[lang]
	if !ok {
		return ErrSandboxUnavailable{Language: lang}
	}

	sandboxWorld := world.New()
	sandboxWorld.Restore(p.World.Snapshot())
	if hostable, canHost := rt.(interface{ SetHost(SandboxHost) }); canHost {
		hostable.SetHost(&worldHost{w: sandboxWorld})
	}

	handle, err := rt.Load(source, lang)
	if err != nil {
		return ErrSandboxCrash{Err: err}
	}
	defer func() { _ = rt.Abort(handle) }()

	if err := rt.SetLimits(handle, p.Limits); err != nil {
		return ErrSandboxCrash{Err: err}
	}

	hooks := ParseHooks(source)
	if len(hooks) == 0 {
		hooks = []string{"main"}
	}
	for _, hook := range hooks {
		if _, err := rt.Call(ctx, handle, hook); err != nil {
			var limit LimitExceeded
			if errors.As(err, &limit) {
				return limit
			}
			return ErrSandboxCrash{Err: err}
		}
	}
	logging.VerifyDebug("sandbox: script executed %d hooks clean", len(hooks))
	return nil
}

// sandboxCommands applies resolved mutation commands to the disposable
// world, enforcing the spawn bound and honoring cancellation between
// commands.
func (p *Pipeline) sandboxCommands(ctx context.Context, sandboxWorld world.World, cmds []intent.EngineCommand) error {
	spawned := 0
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return LimitExceeded{Limit: LimitTime}
		}
		// Script commands are exercised by sandboxScript; applying them
		// here would mutate the real script store.
		if isScriptCommand(cmd) {
			continue
		}
		if _, isSpawn := cmd.(intent.SpawnCommand); isSpawn {
			spawned++
			if p.Limits.SpawnedEntities > 0 && spawned > p.Limits.SpawnedEntities {
				return LimitExceeded{Limit: LimitSpawnedEntities}
			}
		}
		if err := intent.Apply(sandboxWorld, nil, cmd); err != nil {
			return ErrSandboxCrash{Err: err}
		}
	}
	return nil
}

func isScriptCommand(cmd intent.EngineCommand) bool {
	switch cmd.(type) {
	case intent.CreateScriptCommand, intent.ModifyScriptCommand, intent.DeleteScriptCommand:
		return true
	}
	return false
}
