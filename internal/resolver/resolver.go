// Package resolver implements the Intent Resolver (C2): translating a
// role-tagged, semantically-addressed Intent into concrete EngineCommands
// against the current World state at execution time.
package resolver

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"sync/atomic"

	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/logging"
	"luminara.dev/orchestrator/internal/role"
	"luminara.dev/orchestrator/internal/world"
)

// SemanticSearch resolves a natural-language entity reference to candidate
// entities, ranked best-first, with a confidence score per candidate. It is
// satisfied by the Context Engine's semantic index.
type SemanticSearch interface {
	SearchEntities(query string, topK int) ([]SemanticMatch, error)
}

// SemanticMatch is one candidate returned by SemanticSearch.
type SemanticMatch struct {
	Entity world.EntityID
	Name   string
	Score  float64
}

// Navigable reports whether a point is reachable by pathing/physics rules
// the host engine owns; used by RandomReachable rejection sampling.
type Navigable interface {
	IsReachable(p intent.Vec3) bool
}

// SemanticAcceptThreshold is the minimum top-1 score Semantic(s) accepts
// before falling back to an Ambiguous error with suggestions.
const SemanticAcceptThreshold = 0.6

// maxRandomReachableAttempts bounds RandomReachable's rejection sampling
// loop so an unreachable region can't spin the resolver forever.
const maxRandomReachableAttempts = 64

// ResolveError is the base error type for every Intent Resolver failure
// mode named in the spec: UnresolvedEntity, Ambiguous, PositionUnreachable,
// InvalidTemplate.
type ResolveError struct {
	Kind    string
	Message string
}

func (e *ResolveError) Error() string { return fmt.Sprintf("resolver: %s: %s", e.Kind, e.Message) }

func errUnresolvedEntity(ref intent.EntityRef) *ResolveError {
	return &ResolveError{Kind: "UnresolvedEntity", Message: ref.String()}
}

func errAmbiguous(ref intent.EntityRef, candidates []world.EntityID) *ResolveError {
	return &ResolveError{Kind: "Ambiguous", Message: fmt.Sprintf("%s matches %v", ref, candidates)}
}

func errPositionUnreachable(pos intent.RelativePos) *ResolveError {
	return &ResolveError{Kind: "PositionUnreachable", Message: fmt.Sprintf("%+v", pos)}
}

func errInvalidTemplate(reason string) *ResolveError {
	return &ResolveError{Kind: "InvalidTemplate", Message: reason}
}

func errInsufficientCapability(r role.AgentRole, want role.Capability) *ResolveError {
	return &ResolveError{Kind: "InsufficientCapability", Message: fmt.Sprintf("role %s lacks %s", r, want)}
}

// Resolver implements resolve(intent, world) -> []EngineCommand.
type Resolver struct {
	Semantic  SemanticSearch
	Navigable Navigable
}

// New constructs a Resolver. Semantic and nav may be nil. With a nil
// Semantic, Semantic(...) references fail with a descriptive error instead
// of panicking; with a nil nav, RandomReachable accepts the first sampled
// position without a reachability check.
func New(semantic SemanticSearch, nav Navigable) *Resolver {
	return &Resolver{Semantic: semantic, Navigable: nav}
}

// Resolve translates intent i into the EngineCommands that realize it
// against w's current state. opID seeds the deterministic PRNG used by
// RandomInRadius/RandomReachable so repeated resolution of the same
// (opID, intent) against the same World snapshot reproduces identical
// draws.
func (r *Resolver) Resolve(opID string, i intent.Intent, w world.World) ([]intent.EngineCommand, error) {
	if !role.Grants(i.EmittedBy(), intent.RequiredCapability(i)) {
		return nil, errInsufficientCapability(i.EmittedBy(), intent.RequiredCapability(i))
	}

	switch v := i.(type) {
	case intent.SpawnRelative:
		return r.resolveSpawnRelative(opID, v, w)
	case intent.ModifyComponent:
		return r.resolveModifyComponent(v, w)
	case intent.RemoveComponent:
		return r.resolveRemoveComponent(v, w)
	case intent.Destroy:
		return r.resolveDestroy(v, w)
	case intent.CreateScript:
		return []intent.EngineCommand{intent.CreateScriptCommand{
			ScriptID: newScriptID(v.Path), Path: v.Path, Language: v.Language, Source: v.Source,
		}}, nil
	case intent.ModifyScript:
		return []intent.EngineCommand{intent.ModifyScriptCommand{ScriptID: v.ScriptID, Source: v.Source}}, nil
	default:
		return nil, &ResolveError{Kind: "InvalidTemplate", Message: fmt.Sprintf("unknown intent type %T", i)}
	}
}

// originTransform anchors spawns issued with a zero Anchor reference: the
// world origin, facing +Z. This is how the first entity enters an empty
// world, where no anchor entity can exist yet.
var originTransform = intent.Transform{Forward: intent.Vec3{Z: 1}, Rotation: intent.Identity}

func (r *Resolver) resolveSpawnRelative(opID string, v intent.SpawnRelative, w world.World) ([]intent.EngineCommand, error) {
	anchorID := world.EntityID("origin")
	anchorTransform := originTransform
	if v.Anchor.Kind != "" {
		var err error
		anchorID, err = r.resolveSingle(v.Anchor, w)
		if err != nil {
			return nil, err
		}
		anchorTransform, err = getTransform(w, anchorID)
		if err != nil {
			return nil, err
		}
	}

	pos, err := r.resolvePosition(opID, anchorID, anchorTransform, v.Offset)
	if err != nil {
		return nil, err
	}

	if v.Template.Components == nil {
		return nil, errInvalidTemplate("template has no components")
	}

	components := make(map[world.ComponentType][]byte, len(v.Template.Components)+2)
	for t, b := range v.Template.Components {
		components[t] = b
	}
	if v.Template.Name != "" {
		nameBytes, encErr := intent.EncodeComponent(v.Template.Name)
		if encErr != nil {
			return nil, errInvalidTemplate(encErr.Error())
		}
		components[intent.ComponentName] = nameBytes
	}
	transformBytes, err := intent.EncodeComponent(intent.Transform{Position: pos, Forward: anchorTransform.Forward, Rotation: anchorTransform.Rotation})
	if err != nil {
		return nil, errInvalidTemplate(err.Error())
	}
	components[intent.ComponentTransform] = transformBytes

	newID := world.NewEntityID()
	logging.ResolverDebug("resolved SpawnRelative anchor=%s -> new entity %s at %+v", anchorID, newID, pos)
	return []intent.EngineCommand{intent.SpawnCommand{EntityID: newID, Components: components}}, nil
}

func (r *Resolver) resolveModifyComponent(v intent.ModifyComponent, w world.World) ([]intent.EngineCommand, error) {
	ids, err := r.resolveRef(v.Target, w)
	if err != nil {
		return nil, err
	}
	cmds := make([]intent.EngineCommand, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, intent.ModifyCommand{EntityID: id, TypeTag: v.TypeTag, NewValue: v.Mutation})
	}
	return cmds, nil
}

func (r *Resolver) resolveRemoveComponent(v intent.RemoveComponent, w world.World) ([]intent.EngineCommand, error) {
	ids, err := r.resolveRef(v.Target, w)
	if err != nil {
		return nil, err
	}
	cmds := make([]intent.EngineCommand, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, intent.RemoveCommand{EntityID: id, TypeTag: v.TypeTag})
	}
	return cmds, nil
}

func (r *Resolver) resolveDestroy(v intent.Destroy, w world.World) ([]intent.EngineCommand, error) {
	ids, err := r.resolveRef(v.Target, w)
	if err != nil {
		return nil, err
	}
	cmds := make([]intent.EngineCommand, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, intent.DestroyCommand{EntityID: id})
	}
	return cmds, nil
}

// resolveSingle resolves ref and requires exactly one entity to result.
func (r *Resolver) resolveSingle(ref intent.EntityRef, w world.World) (world.EntityID, error) {
	ids, err := r.resolveRef(ref, w)
	if err != nil {
		return "", err
	}
	if len(ids) != 1 {
		return "", errAmbiguous(ref, ids)
	}
	return ids[0], nil
}

// resolveRef expands an EntityRef to every matching entity. ByName, Nearest,
// and Semantic always require singularity; ByTag and ByComponent fan out.
func (r *Resolver) resolveRef(ref intent.EntityRef, w world.World) ([]world.EntityID, error) {
	switch ref.Kind {
	case intent.ByName:
		return r.byName(ref, w)
	case intent.ById:
		if !w.Exists(ref.ID) {
			return nil, errUnresolvedEntity(ref)
		}
		return []world.EntityID{ref.ID}, nil
	case intent.ByTag:
		ids := entitiesWithTag(w, ref.Tag)
		if len(ids) == 0 {
			return nil, errUnresolvedEntity(ref)
		}
		return ids, nil
	case intent.ByComponent:
		rows, err := w.IterByType(ref.Type)
		if err != nil {
			return nil, errUnresolvedEntity(ref)
		}
		if len(rows) == 0 {
			return nil, errUnresolvedEntity(ref)
		}
		ids := make([]world.EntityID, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		return ids, nil
	case intent.Nearest:
		id, err := r.nearest(ref, w)
		if err != nil {
			return nil, err
		}
		return []world.EntityID{id}, nil
	case intent.Semantic:
		id, err := r.semantic(ref)
		if err != nil {
			return nil, err
		}
		return []world.EntityID{id}, nil
	default:
		return nil, errUnresolvedEntity(ref)
	}
}

func (r *Resolver) byName(ref intent.EntityRef, w world.World) ([]world.EntityID, error) {
	rows, err := w.IterByType(intent.ComponentName)
	if err != nil {
		return nil, errUnresolvedEntity(ref)
	}
	var matches []world.EntityID
	for _, row := range rows {
		var name string
		if s, ok := row.Component.(string); ok {
			name = s
		} else {
			continue
		}
		if name == ref.Name {
			matches = append(matches, row.ID)
		}
	}
	if len(matches) == 0 {
		return nil, errUnresolvedEntity(ref)
	}
	if len(matches) > 1 {
		sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })
		return nil, errAmbiguous(ref, matches)
	}
	return matches, nil
}

func entitiesWithTag(w world.World, tag string) []world.EntityID {
	rows, err := w.IterByType(intent.ComponentTags)
	if err != nil {
		return nil
	}
	var out []world.EntityID
	for _, row := range rows {
		tags, ok := row.Component.(intent.Tags)
		if !ok || !tags.Has(tag) {
			continue
		}
		out = append(out, row.ID)
	}
	return out
}

func (r *Resolver) nearest(ref intent.EntityRef, w world.World) (world.EntityID, error) {
	if ref.NearestTo == nil {
		return "", errInvalidTemplate("Nearest requires a To reference")
	}
	anchor, err := r.resolveSingle(*ref.NearestTo, w)
	if err != nil {
		return "", err
	}
	anchorT, err := getTransform(w, anchor)
	if err != nil {
		return "", err
	}
	candidates := entitiesWithTag(w, ref.Tag)
	if len(candidates) == 0 {
		return "", errUnresolvedEntity(ref)
	}

	best := world.EntityID("")
	bestDist := math.Inf(1)
	for _, c := range candidates {
		ct, err := getTransform(w, c)
		if err != nil {
			continue
		}
		d := distance(anchorT.Position, ct.Position)
		if d < bestDist {
			bestDist = d
			best = c
		}
	}
	if best == "" {
		return "", errUnresolvedEntity(ref)
	}
	return best, nil
}

func (r *Resolver) semantic(ref intent.EntityRef) (world.EntityID, error) {
	if r.Semantic == nil {
		return "", errUnresolvedEntity(ref)
	}
	matches, err := r.Semantic.SearchEntities(ref.Query, 5)
	if err != nil || len(matches) == 0 {
		return "", errUnresolvedEntity(ref)
	}
	if matches[0].Score < SemanticAcceptThreshold {
		ids := make([]world.EntityID, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.Entity)
		}
		return "", errAmbiguous(ref, ids)
	}
	return matches[0].Entity, nil
}

// resolvePosition implements the five RelativePos resolution rules.
func (r *Resolver) resolvePosition(opID string, anchorID world.EntityID, anchor intent.Transform, pos intent.RelativePos) (intent.Vec3, error) {
	switch pos.Kind {
	case intent.Forward:
		return anchor.Position.Add(scale(anchor.Forward, pos.Distance)), nil
	case intent.Above:
		return anchor.Position.Add(intent.Vec3{Y: pos.Distance}), nil
	case intent.AtOffset:
		return anchor.Position.Add(anchor.Rotation.Rotate(pos.Offset)), nil
	case intent.RandomInRadius:
		rng := seededRand(opID, anchorID)
		return sampleDisk(anchor.Position, pos.Radius, rng), nil
	case intent.RandomReachable:
		rng := seededRand(opID, anchorID)
		for attempt := 0; attempt < maxRandomReachableAttempts; attempt++ {
			candidate := sampleDisk(anchor.Position, pos.Radius, rng)
			if r.Navigable == nil || r.Navigable.IsReachable(candidate) {
				return candidate, nil
			}
		}
		return intent.Vec3{}, errPositionUnreachable(pos)
	default:
		return intent.Vec3{}, errInvalidTemplate(fmt.Sprintf("unknown RelativePos kind %q", pos.Kind))
	}
}

func scale(v intent.Vec3, s float64) intent.Vec3 {
	return intent.Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

func distance(a, b intent.Vec3) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func sampleDisk(center intent.Vec3, radius float64, rng *rand.Rand) intent.Vec3 {
	theta := rng.Float64() * 2 * math.Pi
	r := radius * math.Sqrt(rng.Float64())
	return intent.Vec3{X: center.X + r*math.Cos(theta), Y: center.Y, Z: center.Z + r*math.Sin(theta)}
}

// seededRand derives a deterministic PRNG from (opID, anchorID) so that
// resolving the same intent against the same World snapshot always draws
// the same random position, satisfying the resolver's determinism
// guarantee.
func seededRand(opID string, anchorID world.EntityID) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(opID))
	h.Write([]byte(anchorID))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

func getTransform(w world.World, id world.EntityID) (intent.Transform, error) {
	c, err := w.Get(id, intent.ComponentTransform)
	if err != nil {
		return intent.Transform{}, &ResolveError{Kind: "UnresolvedEntity", Message: err.Error()}
	}
	t, ok := c.(intent.Transform)
	if !ok {
		return intent.Transform{}, errInvalidTemplate(fmt.Sprintf("entity %s Transform component has unexpected type %T", id, c))
	}
	return t, nil
}

var scriptIDSeq uint64

// newScriptID derives a script ID from its path plus a process-local
// counter; uniqueness only needs to hold within one orchestrator run.
func newScriptID(path string) string {
	seq := atomic.AddUint64(&scriptIDSeq, 1)
	h := fnv.New32a()
	h.Write([]byte(path))
	return fmt.Sprintf("script-%x-%d", h.Sum32(), seq)
}
