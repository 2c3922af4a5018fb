package intent

import "luminara.dev/orchestrator/internal/world"

// EngineCommand is the ground-truth, fully-resolved mutation submitted to
// the World: absolute entity IDs, absolute positions, serialized component
// bytes. Every EngineCommand has a uniquely determined inverse command,
// derived by CaptureInverse in this package, which the verification
// pipeline's commit stage (internal/verify) calls before applying each
// command.
type EngineCommand interface {
	// Footprint returns the (entity, component-type) pairs this command
	// writes, used by the Conflict Detector for admission checks.
	Footprint() []Footprint
	commandMarker()
}

// Footprint is one (entity, component-type) pair a command reads or
// writes. Spawn/Destroy use the wildcard type tag "*" to denote "the whole
// entity," matching the spec's rule that Spawn/Destroy of E conflicts with
// any access to (E, *).
type Footprint struct {
	Entity world.EntityID
	Type   world.ComponentType
	Write  bool
}

// WildcardType marks a Footprint that covers every component of an entity,
// used by SpawnCommand and DestroyCommand.
const WildcardType world.ComponentType = "*"

type SpawnCommand struct {
	EntityID   world.EntityID
	Components map[world.ComponentType][]byte
}

func (c SpawnCommand) Footprint() []Footprint {
	return []Footprint{{Entity: c.EntityID, Type: WildcardType, Write: true}}
}
func (SpawnCommand) commandMarker() {}

type DestroyCommand struct {
	EntityID world.EntityID

	// Captured holds the bytes of every component the entity carried when
	// this command was derived as an inverse (of a Spawn) or captured as a
	// pre-state (before a forward Destroy). Inverting a DestroyCommand
	// rebuilds the entity from these bytes.
	Captured map[world.ComponentType][]byte
}

func (c DestroyCommand) Footprint() []Footprint {
	return []Footprint{{Entity: c.EntityID, Type: WildcardType, Write: true}}
}
func (DestroyCommand) commandMarker() {}

type ModifyCommand struct {
	EntityID world.EntityID
	TypeTag  world.ComponentType
	NewValue []byte
}

func (c ModifyCommand) Footprint() []Footprint {
	return []Footprint{{Entity: c.EntityID, Type: c.TypeTag, Write: true}}
}
func (ModifyCommand) commandMarker() {}

type RemoveCommand struct {
	EntityID world.EntityID
	TypeTag  world.ComponentType
}

func (c RemoveCommand) Footprint() []Footprint {
	return []Footprint{{Entity: c.EntityID, Type: c.TypeTag, Write: true}}
}
func (RemoveCommand) commandMarker() {}

// scriptEntityID is a sentinel pseudo-entity used to express script
// commands' footprints in the same (entity, type) vocabulary the Conflict
// Detector expects, keyed by script ID rather than a World entity.
func scriptEntityID(scriptID string) world.EntityID {
	return world.EntityID("script:" + scriptID)
}

const scriptComponentType world.ComponentType = "ScriptSource"

type CreateScriptCommand struct {
	ScriptID string
	Path     string
	Language ScriptLanguage
	Source   []byte
}

func (c CreateScriptCommand) Footprint() []Footprint {
	return []Footprint{{Entity: scriptEntityID(c.ScriptID), Type: scriptComponentType, Write: true}}
}
func (CreateScriptCommand) commandMarker() {}

type ModifyScriptCommand struct {
	ScriptID string
	Source   []byte
}

func (c ModifyScriptCommand) Footprint() []Footprint {
	return []Footprint{{Entity: scriptEntityID(c.ScriptID), Type: scriptComponentType, Write: true}}
}
func (ModifyScriptCommand) commandMarker() {}

type DeleteScriptCommand struct {
	ScriptID string

	// Captured* hold the script's state before deletion so the inverse
	// (a CreateScriptCommand) can rebuild it.
	CapturedPath     string
	CapturedLanguage ScriptLanguage
	CapturedSource   []byte
}

func (c DeleteScriptCommand) Footprint() []Footprint {
	return []Footprint{{Entity: scriptEntityID(c.ScriptID), Type: scriptComponentType, Write: true}}
}
func (DeleteScriptCommand) commandMarker() {}
