// Package intent defines the semantic, pre-resolution vocabulary agents use
// to describe requested changes (Intent and its EntityRef/RelativePos
// sub-types) and the fully-resolved vocabulary the World actually executes
// (EngineCommand). The Intent Resolver (internal/resolver) translates the
// former into the latter; nothing else constructs an EngineCommand by hand.
package intent

import (
	"fmt"

	"luminara.dev/orchestrator/internal/role"
	"luminara.dev/orchestrator/internal/world"
)

// Vec3 is a plain 3-component vector, used for offsets and positions.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns the component-wise sum of v and o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// EntityRefKind discriminates the EntityRef sum type.
type EntityRefKind string

const (
	ByName      EntityRefKind = "by_name"
	ById        EntityRefKind = "by_id"
	ByTag       EntityRefKind = "by_tag"
	ByComponent EntityRefKind = "by_component"
	Nearest     EntityRefKind = "nearest"
	Semantic    EntityRefKind = "semantic"
)

// EntityRef is a tagged union naming one or more entities indirectly; it is
// resolved against live World state at apply time, never baked into a
// stored Intent as a literal ID.
type EntityRef struct {
	Kind EntityRefKind

	Name string        // ByName
	ID   world.EntityID // ById
	Tag  string        // ByTag, Nearest.WithTag
	Type world.ComponentType // ByComponent

	NearestTo *EntityRef // Nearest.To (resolved first)

	Query string // Semantic
}

func (r EntityRef) String() string {
	switch r.Kind {
	case ByName:
		return fmt.Sprintf("ByName(%s)", r.Name)
	case ById:
		return fmt.Sprintf("ById(%s)", r.ID)
	case ByTag:
		return fmt.Sprintf("ByTag(%s)", r.Tag)
	case ByComponent:
		return fmt.Sprintf("ByComponent(%s)", r.Type)
	case Nearest:
		return fmt.Sprintf("Nearest(to=%v, withTag=%s)", r.NearestTo, r.Tag)
	case Semantic:
		return fmt.Sprintf("Semantic(%q)", r.Query)
	default:
		return "EntityRef(invalid)"
	}
}

// RelativePosKind discriminates the RelativePos sum type.
type RelativePosKind string

const (
	Forward        RelativePosKind = "forward"
	Above          RelativePosKind = "above"
	AtOffset       RelativePosKind = "at_offset"
	RandomInRadius RelativePosKind = "random_in_radius"
	RandomReachable RelativePosKind = "random_reachable"
)

// RelativePos is a tagged union describing a position relative to an anchor
// transform, resolved by the Intent Resolver's position-resolution rules.
type RelativePos struct {
	Kind     RelativePosKind
	Distance float64 // Forward, Above
	Offset   Vec3    // AtOffset
	Radius   float64 // RandomInRadius, RandomReachable
}

// EntityTemplate is the initial component set for a SpawnRelative intent.
// Values are pre-serialized so the template can be copied verbatim into the
// resulting SpawnCommand without re-encoding.
type EntityTemplate struct {
	Name       string
	Components map[world.ComponentType][]byte
}

// ScriptLanguage names one of the two sandboxable script runtimes the
// orchestrator targets.
type ScriptLanguage string

const (
	LanguageVMBytecode     ScriptLanguage = "vm-bytecode"
	LanguagePortableBinary ScriptLanguage = "portable-binary"
)

// Intent is a typed, role-tagged description of a requested change. Every
// variant below implements this interface; callers type-switch on the
// concrete type rather than inspecting a discriminant field, the idiomatic
// Go rendering of the spec's tagged-union Intent.
type Intent interface {
	// EmittedBy is the agent role that produced this intent, used by the
	// resolver and scheduler to enforce capability checks.
	EmittedBy() role.AgentRole
	intentMarker()
}

type SpawnRelative struct {
	Role     role.AgentRole
	Anchor   EntityRef
	Offset   RelativePos
	Template EntityTemplate
}

func (i SpawnRelative) EmittedBy() role.AgentRole { return i.Role }
func (SpawnRelative) intentMarker()                {}

type ModifyComponent struct {
	Role     role.AgentRole
	Target   EntityRef
	TypeTag  world.ComponentType
	Mutation []byte
}

func (i ModifyComponent) EmittedBy() role.AgentRole { return i.Role }
func (ModifyComponent) intentMarker()                {}

type RemoveComponent struct {
	Role    role.AgentRole
	Target  EntityRef
	TypeTag world.ComponentType
}

func (i RemoveComponent) EmittedBy() role.AgentRole { return i.Role }
func (RemoveComponent) intentMarker()                {}

type Destroy struct {
	Role   role.AgentRole
	Target EntityRef
}

func (i Destroy) EmittedBy() role.AgentRole { return i.Role }
func (Destroy) intentMarker()                {}

type CreateScript struct {
	Role     role.AgentRole
	Path     string
	Language ScriptLanguage
	Source   []byte
}

func (i CreateScript) EmittedBy() role.AgentRole { return i.Role }
func (CreateScript) intentMarker()                {}

type ModifyScript struct {
	Role     role.AgentRole
	ScriptID string
	Source   []byte
}

func (i ModifyScript) EmittedBy() role.AgentRole { return i.Role }
func (ModifyScript) intentMarker()                {}

// RequiredCapability returns the capability an intent of this kind demands
// of its emitting role. The Intent Resolver rejects intents whose declared
// role lacks the capability before attempting resolution.
func RequiredCapability(i Intent) role.Capability {
	switch v := i.(type) {
	case SpawnRelative:
		return role.WriteScene
	case ModifyComponent:
		return role.WriteScene
	case RemoveComponent:
		return role.WriteScene
	case Destroy:
		return role.WriteScene
	case CreateScript:
		return role.WriteScript
	case ModifyScript:
		return role.WriteScript
	default:
		_ = v
		return 0
	}
}
