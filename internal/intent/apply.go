package intent

import (
	"encoding/json"
	"errors"
	"fmt"

	"luminara.dev/orchestrator/internal/world"
)

// Raw is the storage form for component payloads the orchestration core has
// no native type for (or that failed to decode): the bytes are kept verbatim
// and round-trip unchanged through Serialize.
type Raw []byte

// ScriptStore is the script-side counterpart of the World: keyed storage of
// ScriptAssets mutated exclusively through the commit path. The verification
// pipeline's script manager satisfies this.
type ScriptStore interface {
	CreateScript(id, path string, language ScriptLanguage, source []byte) error
	ModifyScript(id string, source []byte) error
	DeleteScript(id string) error
	// GetScript returns (path, language, source) for a live script.
	GetScript(id string) (string, ScriptLanguage, []byte, error)
}

// Materialize decodes command payload bytes into the native value the World
// stores for that component type. The three well-known types decode to their
// native structs; anything else, and anything that fails to decode, is kept
// as Raw bytes so unknown game components still round-trip.
func Materialize(t world.ComponentType, data []byte) world.Component {
	switch t {
	case ComponentName:
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return s
		}
	case ComponentTransform:
		var tr Transform
		if err := json.Unmarshal(data, &tr); err == nil {
			return tr
		}
	case ComponentTags:
		var tags Tags
		if err := json.Unmarshal(data, &tags); err == nil {
			return tags
		}
	}
	return Raw(append([]byte(nil), data...))
}

// Serialize is the inverse of Materialize: it renders a stored component
// value back to the byte form commands and timeline records carry.
func Serialize(c world.Component) ([]byte, error) {
	if raw, ok := c.(Raw); ok {
		return append([]byte(nil), raw...), nil
	}
	return json.Marshal(c)
}

// Apply executes one EngineCommand against w and scripts. It is the single
// write path shared by the verification pipeline's commit stage and the
// timeline's undo/redo/checkout walks; nothing else mutates the World.
func Apply(w world.World, scripts ScriptStore, c EngineCommand) error {
	switch cmd := c.(type) {
	case SpawnCommand:
		components := make(map[world.ComponentType]world.Component, len(cmd.Components))
		for t, b := range cmd.Components {
			components[t] = Materialize(t, b)
		}
		return w.SpawnWithID(cmd.EntityID, components)
	case DestroyCommand:
		return w.Despawn(cmd.EntityID)
	case ModifyCommand:
		return w.Set(cmd.EntityID, cmd.TypeTag, Materialize(cmd.TypeTag, cmd.NewValue))
	case RemoveCommand:
		return w.Remove(cmd.EntityID, cmd.TypeTag)
	case CreateScriptCommand:
		if scripts == nil {
			return fmt.Errorf("intent: no script store wired for CreateScript %s", cmd.ScriptID)
		}
		return scripts.CreateScript(cmd.ScriptID, cmd.Path, cmd.Language, cmd.Source)
	case ModifyScriptCommand:
		if scripts == nil {
			return fmt.Errorf("intent: no script store wired for ModifyScript %s", cmd.ScriptID)
		}
		return scripts.ModifyScript(cmd.ScriptID, cmd.Source)
	case DeleteScriptCommand:
		if scripts == nil {
			return fmt.Errorf("intent: no script store wired for DeleteScript %s", cmd.ScriptID)
		}
		return scripts.DeleteScript(cmd.ScriptID)
	default:
		return fmt.Errorf("intent: unknown engine command %T", c)
	}
}

// CaptureInverse derives the inverse of c against the state w/scripts hold
// right now, before c is applied. Applying the returned command to the
// post-state of c reproduces this observed pre-state. Called per command, in
// order, during the commit stage so inverses stay correct even when commands
// within one operation depend on each other.
func CaptureInverse(w world.World, scripts ScriptStore, c EngineCommand) (EngineCommand, error) {
	switch cmd := c.(type) {
	case SpawnCommand:
		captured := make(map[world.ComponentType][]byte, len(cmd.Components))
		for t, b := range cmd.Components {
			captured[t] = append([]byte(nil), b...)
		}
		return DestroyCommand{EntityID: cmd.EntityID, Captured: captured}, nil

	case DestroyCommand:
		if !w.Exists(cmd.EntityID) {
			return nil, world.ErrEntityNotFound{ID: cmd.EntityID}
		}
		components := map[world.ComponentType][]byte{}
		for _, snap := range w.IterAll() {
			if snap.ID != cmd.EntityID {
				continue
			}
			for t, v := range snap.Components {
				b, err := Serialize(v)
				if err != nil {
					return nil, fmt.Errorf("intent: capturing %s/%s before destroy: %w", cmd.EntityID, t, err)
				}
				components[t] = b
			}
		}
		return SpawnCommand{EntityID: cmd.EntityID, Components: components}, nil

	case ModifyCommand:
		old, err := w.Get(cmd.EntityID, cmd.TypeTag)
		if err != nil {
			var notFound world.ErrComponentNotFound
			if errors.As(err, &notFound) {
				// Component did not previously exist: the inverse removes it.
				return RemoveCommand{EntityID: cmd.EntityID, TypeTag: cmd.TypeTag}, nil
			}
			return nil, err
		}
		b, err := Serialize(old)
		if err != nil {
			return nil, fmt.Errorf("intent: capturing %s/%s before modify: %w", cmd.EntityID, cmd.TypeTag, err)
		}
		return ModifyCommand{EntityID: cmd.EntityID, TypeTag: cmd.TypeTag, NewValue: b}, nil

	case RemoveCommand:
		old, err := w.Get(cmd.EntityID, cmd.TypeTag)
		if err != nil {
			return nil, err
		}
		b, err := Serialize(old)
		if err != nil {
			return nil, fmt.Errorf("intent: capturing %s/%s before remove: %w", cmd.EntityID, cmd.TypeTag, err)
		}
		return ModifyCommand{EntityID: cmd.EntityID, TypeTag: cmd.TypeTag, NewValue: b}, nil

	case CreateScriptCommand:
		return DeleteScriptCommand{
			ScriptID:         cmd.ScriptID,
			CapturedPath:     cmd.Path,
			CapturedLanguage: cmd.Language,
			CapturedSource:   append([]byte(nil), cmd.Source...),
		}, nil

	case ModifyScriptCommand:
		if scripts == nil {
			return nil, fmt.Errorf("intent: no script store wired for ModifyScript %s", cmd.ScriptID)
		}
		_, _, prior, err := scripts.GetScript(cmd.ScriptID)
		if err != nil {
			return nil, err
		}
		return ModifyScriptCommand{ScriptID: cmd.ScriptID, Source: append([]byte(nil), prior...)}, nil

	case DeleteScriptCommand:
		if scripts == nil {
			return nil, fmt.Errorf("intent: no script store wired for DeleteScript %s", cmd.ScriptID)
		}
		path, lang, source, err := scripts.GetScript(cmd.ScriptID)
		if err != nil {
			return nil, err
		}
		return CreateScriptCommand{ScriptID: cmd.ScriptID, Path: path, Language: lang, Source: append([]byte(nil), source...)}, nil

	default:
		return nil, fmt.Errorf("intent: unknown engine command %T", c)
	}
}
