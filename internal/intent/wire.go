package intent

import (
	"encoding/json"
	"fmt"
	"strings"

	"luminara.dev/orchestrator/internal/role"
	"luminara.dev/orchestrator/internal/world"
)

// Envelope is the structured response shape agent roles emit: the intents
// they want applied plus the write footprint they declare up front so the
// scheduler can run its conflict admission check before dispatching work
// that would collide.
type Envelope struct {
	Intents   []Intent
	Footprint []DeclaredWrite
}

// DeclaredWrite is one (entity, component-type) pair an agent declares it
// will write. Entity may be a name or a literal ID; the orchestrator maps
// names to IDs against the live World at admission time.
type DeclaredWrite struct {
	Entity    string `json:"entity"`
	Component string `json:"component"`
}

type wireEnvelope struct {
	Footprint []DeclaredWrite `json:"footprint"`
	Intents   []wireIntent    `json:"intents"`
}

type wireIntent struct {
	Kind     string           `json:"kind"`
	Anchor   *wireRef         `json:"anchor,omitempty"`
	Target   *wireRef         `json:"target,omitempty"`
	Offset   *wirePos         `json:"offset,omitempty"`
	Template *wireTemplate    `json:"template,omitempty"`
	TypeTag  string           `json:"type_tag,omitempty"`
	Mutation json.RawMessage  `json:"mutation,omitempty"`
	Path     string           `json:"path,omitempty"`
	Language string           `json:"language,omitempty"`
	Source   string           `json:"source,omitempty"`
	ScriptID string           `json:"script_id,omitempty"`
}

type wireRef struct {
	Kind  string   `json:"kind"`
	Name  string   `json:"name,omitempty"`
	ID    string   `json:"id,omitempty"`
	Tag   string   `json:"tag,omitempty"`
	Type  string   `json:"type,omitempty"`
	To    *wireRef `json:"to,omitempty"`
	Query string   `json:"query,omitempty"`
}

type wirePos struct {
	Kind     string  `json:"kind"`
	Distance float64 `json:"distance,omitempty"`
	Radius   float64 `json:"radius,omitempty"`
	X        float64 `json:"x,omitempty"`
	Y        float64 `json:"y,omitempty"`
	Z        float64 `json:"z,omitempty"`
}

type wireTemplate struct {
	Name       string                     `json:"name,omitempty"`
	Components map[string]json.RawMessage `json:"components"`
}

// ParseEnvelope decodes the JSON an agent role returned into typed intents
// tagged with r. Unknown kinds and malformed references fail the whole
// envelope; a half-parsed intent list must never reach the scheduler.
func ParseEnvelope(r role.AgentRole, jsonText string) (*Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal([]byte(strings.TrimSpace(jsonText)), &wire); err != nil {
		return nil, fmt.Errorf("intent: decoding envelope: %w", err)
	}

	env := &Envelope{Footprint: wire.Footprint}
	for idx, wi := range wire.Intents {
		it, err := decodeIntent(r, wi)
		if err != nil {
			return nil, fmt.Errorf("intent: envelope entry %d: %w", idx, err)
		}
		env.Intents = append(env.Intents, it)
	}
	return env, nil
}

func decodeIntent(r role.AgentRole, wi wireIntent) (Intent, error) {
	switch wi.Kind {
	case "spawn_relative":
		if wi.Anchor == nil || wi.Offset == nil || wi.Template == nil {
			return nil, fmt.Errorf("spawn_relative requires anchor, offset, template")
		}
		anchor, err := decodeRef(*wi.Anchor)
		if err != nil {
			return nil, err
		}
		pos, err := decodePos(*wi.Offset)
		if err != nil {
			return nil, err
		}
		components := make(map[world.ComponentType][]byte, len(wi.Template.Components))
		for t, raw := range wi.Template.Components {
			components[world.ComponentType(t)] = append([]byte(nil), raw...)
		}
		return SpawnRelative{
			Role:     r,
			Anchor:   anchor,
			Offset:   pos,
			Template: EntityTemplate{Name: wi.Template.Name, Components: components},
		}, nil

	case "modify_component":
		if wi.Target == nil || wi.TypeTag == "" {
			return nil, fmt.Errorf("modify_component requires target and type_tag")
		}
		target, err := decodeRef(*wi.Target)
		if err != nil {
			return nil, err
		}
		return ModifyComponent{Role: r, Target: target, TypeTag: world.ComponentType(wi.TypeTag), Mutation: append([]byte(nil), wi.Mutation...)}, nil

	case "remove_component":
		if wi.Target == nil || wi.TypeTag == "" {
			return nil, fmt.Errorf("remove_component requires target and type_tag")
		}
		target, err := decodeRef(*wi.Target)
		if err != nil {
			return nil, err
		}
		return RemoveComponent{Role: r, Target: target, TypeTag: world.ComponentType(wi.TypeTag)}, nil

	case "destroy":
		if wi.Target == nil {
			return nil, fmt.Errorf("destroy requires target")
		}
		target, err := decodeRef(*wi.Target)
		if err != nil {
			return nil, err
		}
		return Destroy{Role: r, Target: target}, nil

	case "create_script":
		lang := ScriptLanguage(wi.Language)
		if lang != LanguageVMBytecode && lang != LanguagePortableBinary {
			return nil, fmt.Errorf("create_script has unknown language %q", wi.Language)
		}
		if wi.Path == "" {
			return nil, fmt.Errorf("create_script requires path")
		}
		return CreateScript{Role: r, Path: wi.Path, Language: lang, Source: []byte(wi.Source)}, nil

	case "modify_script":
		if wi.ScriptID == "" {
			return nil, fmt.Errorf("modify_script requires script_id")
		}
		return ModifyScript{Role: r, ScriptID: wi.ScriptID, Source: []byte(wi.Source)}, nil

	default:
		return nil, fmt.Errorf("unknown intent kind %q", wi.Kind)
	}
}

func decodeRef(wr wireRef) (EntityRef, error) {
	switch wr.Kind {
	case "by_name":
		return EntityRef{Kind: ByName, Name: wr.Name}, nil
	case "by_id":
		return EntityRef{Kind: ById, ID: world.EntityID(wr.ID)}, nil
	case "by_tag":
		return EntityRef{Kind: ByTag, Tag: wr.Tag}, nil
	case "by_component":
		return EntityRef{Kind: ByComponent, Type: world.ComponentType(wr.Type)}, nil
	case "nearest":
		if wr.To == nil {
			return EntityRef{}, fmt.Errorf("nearest reference requires to")
		}
		to, err := decodeRef(*wr.To)
		if err != nil {
			return EntityRef{}, err
		}
		return EntityRef{Kind: Nearest, NearestTo: &to, Tag: wr.Tag}, nil
	case "semantic":
		return EntityRef{Kind: Semantic, Query: wr.Query}, nil
	default:
		return EntityRef{}, fmt.Errorf("unknown entity reference kind %q", wr.Kind)
	}
}

func decodePos(wp wirePos) (RelativePos, error) {
	switch wp.Kind {
	case "forward":
		return RelativePos{Kind: Forward, Distance: wp.Distance}, nil
	case "above":
		return RelativePos{Kind: Above, Distance: wp.Distance}, nil
	case "at_offset":
		return RelativePos{Kind: AtOffset, Offset: Vec3{X: wp.X, Y: wp.Y, Z: wp.Z}}, nil
	case "random_in_radius":
		return RelativePos{Kind: RandomInRadius, Radius: wp.Radius}, nil
	case "random_reachable":
		return RelativePos{Kind: RandomReachable, Radius: wp.Radius}, nil
	default:
		return RelativePos{}, fmt.Errorf("unknown relative position kind %q", wp.Kind)
	}
}

// Describe renders a one-line human summary of an intent for timeline
// records and log lines.
func Describe(i Intent) string {
	switch v := i.(type) {
	case SpawnRelative:
		return fmt.Sprintf("spawn %q near %s", v.Template.Name, v.Anchor)
	case ModifyComponent:
		return fmt.Sprintf("modify %s on %s", v.TypeTag, v.Target)
	case RemoveComponent:
		return fmt.Sprintf("remove %s from %s", v.TypeTag, v.Target)
	case Destroy:
		return fmt.Sprintf("destroy %s", v.Target)
	case CreateScript:
		return fmt.Sprintf("create script %s (%s)", v.Path, v.Language)
	case ModifyScript:
		return fmt.Sprintf("modify script %s", v.ScriptID)
	default:
		return fmt.Sprintf("%T", i)
	}
}
