// Package contextengine implements the Context Engine (C1): compressing
// World state and component schemas into a token-budgeted WorldContext for
// a natural-language query, and exposing an on-demand schema/semantic
// search surface that C2 and C3 consult.
package contextengine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/logging"
	"luminara.dev/orchestrator/internal/resolver"
	"luminara.dev/orchestrator/internal/world"
)

// DigestLevel selects how much detail is serialized for one entity or
// component schema into a WorldContext.
type DigestLevel int

const (
	L0 DigestLevel = iota // world/schema summary
	L1                     // catalog entry / field list
	L2                     // detail / full schema + example
	L3                     // full entity dump
)

// Approximate per-level token costs named in spec.md §4.1. These are
// budgeting heuristics, not hard per-entity caps: EstimateTokens on the
// actual serialized digest is what's charged against budget.
const (
	approxL0Tokens = 500
	approxL1Tokens = 2000
	approxL2Tokens = 5000
	approxL3Tokens = 1000
)

// AttentionWeights are the tunable scoring hyperparameters spec.md §9 flags
// as not fixed by source material.
type AttentionWeights struct {
	Mention   float64
	Tag       float64
	Component float64
	Recency   float64
	Spatial   float64
}

// DefaultAttentionWeights favors explicit mentions heavily, with recency
// and spatial proximity as tiebreakers.
func DefaultAttentionWeights() AttentionWeights {
	return AttentionWeights{Mention: 10, Tag: 4, Component: 3, Recency: 2, Spatial: 1.5}
}

// RecencyWindow is how far back into operation history W_recency looks.
const RecencyWindow = 60 * time.Second

// EntityDigest is one entity's contribution to a WorldContext.
type EntityDigest struct {
	ID         world.EntityID
	Level      DigestLevel
	Name       string
	Position   *intent.Vec3
	Components map[world.ComponentType]interface{}
	Score      float64
}

// ComponentSchema describes a registered component type at a given level.
type ComponentSchema struct {
	Type    world.ComponentType
	Level   DigestLevel
	Summary string
	Fields  []string
	Example string
}

// ChangeEntry is one line of the recent-changes diff appended to a digest.
type ChangeEntry struct {
	OperationID string
	Timestamp   time.Time
	Summary     string
}

// WorldContext is the token-budgeted digest handed to an agent's LLM call.
type WorldContext struct {
	Summary          string
	EntityDigests    []EntityDigest
	ComponentSchemas []ComponentSchema
	ChangeSet        []ChangeEntry
	PerfContext      string
	TokenUsage       int
}

// ErrBudgetExhausted is returned when budget is too small for even an L0
// summary.
type ErrBudgetExhausted struct {
	Budget   int
	Required int
}

func (e ErrBudgetExhausted) Error() string {
	return fmt.Sprintf("contextengine: budget %d insufficient for L0 summary (needs ~%d)", e.Budget, e.Required)
}

// SchemaRegistry supplies field lists and examples for registered
// component types; the orchestrator wires it to the same registration
// calls that configure the World.
type SchemaRegistry interface {
	Fields(t world.ComponentType) []string
	Example(t world.ComponentType) string
	Summary(t world.ComponentType) string
}

// HistorySource supplies the recent-changes window. The Operation Timeline
// satisfies this.
type HistorySource interface {
	RecentChanges(since time.Time, maxEntries int) []ChangeEntry
	RecentlyTouched(since time.Time) map[world.EntityID]time.Time
}

// Engine implements digest(query, budget, world) -> WorldContext.
type Engine struct {
	World   world.World
	Schemas SchemaRegistry
	History HistorySource
	Weights AttentionWeights
	Index   SemanticIndex

	// EstimateTokens measures the serialized size of a digest in model
	// tokens. Defaults to a 4-bytes-per-token heuristic; there is no
	// tokenizer library in the dependency surface this module draws from,
	// so this stays a plain word/byte-count approximation rather than
	// reaching for an external tokenizer.
	EstimateTokens func(s string) int
}

// New constructs an Engine with default weights and token estimator.
func New(w world.World, schemas SchemaRegistry, history HistorySource, index SemanticIndex) *Engine {
	return &Engine{
		World:          w,
		Schemas:        schemas,
		History:        history,
		Weights:        DefaultAttentionWeights(),
		Index:          index,
		EstimateTokens: EstimateTokens,
	}
}

// EstimateTokens is a coarse heuristic: roughly 4 characters per token,
// with a floor of 1 for any non-empty string.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / 4
	if n < 1 {
		n = 1
	}
	return n
}

var wordPattern = regexp.MustCompile(`[A-Za-z0-9_]+`)

type queryTokens struct {
	entityNames    map[string]bool
	componentNames map[string]bool
	raw            []string
}

func parseQuery(query string) queryTokens {
	words := wordPattern.FindAllString(query, -1)
	qt := queryTokens{entityNames: map[string]bool{}, componentNames: map[string]bool{}, raw: words}
	for _, w := range words {
		qt.entityNames[strings.ToLower(w)] = true
		qt.componentNames[strings.ToLower(w)] = true
	}
	return qt
}

// Digest implements digest(query, budget, world) -> WorldContext.
func (e *Engine) Digest(query string, budget int) (*WorldContext, error) {
	summary := e.worldSummary()
	summaryTokens := e.EstimateTokens(summary)
	if budget < summaryTokens {
		return nil, ErrBudgetExhausted{Budget: budget, Required: summaryTokens}
	}

	ctx := &WorldContext{Summary: summary, TokenUsage: summaryTokens}
	remaining := budget - summaryTokens

	qt := parseQuery(query)
	scored := e.scoreEntities(qt)
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	selectedComponents := map[world.ComponentType]bool{}

	for _, cand := range scored {
		level, digest, cost, ok := e.fitEntity(cand, qt, remaining)
		if !ok {
			continue
		}
		remaining -= cost
		ctx.TokenUsage += cost
		ctx.EntityDigests = append(ctx.EntityDigests, digest)
		if level >= L1 {
			for t := range digest.Components {
				selectedComponents[t] = true
			}
		}
	}

	mentionedComponents := map[world.ComponentType]bool{}
	for _, t := range e.registeredComponentTypes() {
		if qt.componentNames[strings.ToLower(string(t))] {
			mentionedComponents[t] = true
		}
	}

	if e.Schemas != nil {
		remaining, ctx = e.attachSchemas(remaining, ctx, selectedComponents, mentionedComponents)
	}

	if e.History != nil && remaining > 0 {
		changes := e.History.RecentChanges(time.Now().Add(-RecencyWindow), 50)
		for _, ch := range changes {
			cost := e.EstimateTokens(ch.Summary)
			if cost > remaining {
				break
			}
			ctx.ChangeSet = append(ctx.ChangeSet, ch)
			remaining -= cost
			ctx.TokenUsage += cost
		}
	}

	logging.ContextDebug("digest query=%q budget=%d usage=%d entities=%d", query, budget, ctx.TokenUsage, len(ctx.EntityDigests))
	return ctx, nil
}

type scoredEntity struct {
	snap  world.EntitySnapshot
	Score float64
}

func (e *Engine) scoreEntities(qt queryTokens) []scoredEntity {
	snaps := e.World.IterAll()
	var touched map[world.EntityID]time.Time
	if e.History != nil {
		touched = e.History.RecentlyTouched(time.Now().Add(-RecencyWindow))
	}

	out := make([]scoredEntity, 0, len(snaps))
	for _, snap := range snaps {
		var score float64
		if name, ok := snap.Components[intent.ComponentName].(string); ok && qt.entityNames[strings.ToLower(name)] {
			score += e.Weights.Mention
		}
		if tags, ok := snap.Components[intent.ComponentTags].(intent.Tags); ok {
			for _, tag := range tags {
				if qt.entityNames[strings.ToLower(tag)] {
					score += e.Weights.Tag
					break
				}
			}
		}
		for t := range snap.Components {
			if qt.componentNames[strings.ToLower(string(t))] {
				score += e.Weights.Component
				break
			}
		}
		if touched != nil {
			if _, ok := touched[snap.ID]; ok {
				score += e.Weights.Recency
			}
		}
		out = append(out, scoredEntity{snap: snap, Score: score})
	}
	return out
}

// fitEntity picks the maximum digest level affordable within remaining
// budget for one candidate entity, per the spec's greedy-fill algorithm.
func (e *Engine) fitEntity(cand scoredEntity, qt queryTokens, remaining int) (DigestLevel, EntityDigest, int, bool) {
	name, _ := cand.snap.Components[intent.ComponentName].(string)
	var pos *intent.Vec3
	if tr, ok := cand.snap.Components[intent.ComponentTransform].(intent.Transform); ok {
		p := tr.Position
		pos = &p
	}

	types := make([]world.ComponentType, 0, len(cand.snap.Components))
	for t := range cand.snap.Components {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	l1 := EntityDigest{ID: cand.snap.ID, Level: L1, Name: name, Position: pos, Score: cand.Score}
	l1Components := map[world.ComponentType]interface{}{}
	for _, t := range types {
		l1Components[t] = nil // L1 only lists the type, no value
	}
	l1.Components = l1Components
	l1Cost := e.EstimateTokens(fmt.Sprintf("%+v", l1)) + approxL1Tokens/10

	l2Components := map[world.ComponentType]interface{}{}
	hasMentioned := false
	for _, t := range types {
		if qt.componentNames[strings.ToLower(string(t))] {
			l2Components[t] = cand.snap.Components[t]
			hasMentioned = true
		}
	}
	l2 := EntityDigest{ID: cand.snap.ID, Level: L2, Name: name, Position: pos, Components: l2Components, Score: cand.Score}
	l2Cost := e.EstimateTokens(fmt.Sprintf("%+v", l2)) + approxL2Tokens/10

	if hasMentioned && l2Cost <= remaining {
		return L2, l2, l2Cost, true
	}
	if l1Cost <= remaining {
		return L1, l1, l1Cost, true
	}
	return L0, EntityDigest{}, 0, false
}

// attachSchemas attaches L0 schema (one-line summary) for every registered
// type, L1 (field list) for types appearing in selected entities, and L2
// (full schema + example) for types named in the query itself, per spec.md
// §4.1 step 4. mentioned takes priority over selected when a type is both.
func (e *Engine) attachSchemas(remaining int, ctx *WorldContext, selected, mentioned map[world.ComponentType]bool) (int, *WorldContext) {
	types := e.knownComponentTypes(selected)
	for _, t := range types {
		level := L0
		switch {
		case mentioned[t]:
			level = L2
		case selected[t]:
			level = L1
		}
		schema, cost, ok := e.buildSchema(t, level, remaining)
		if !ok {
			continue
		}
		remaining -= cost
		ctx.TokenUsage += cost
		ctx.ComponentSchemas = append(ctx.ComponentSchemas, schema)
	}
	return remaining, ctx
}

func (e *Engine) knownComponentTypes(selected map[world.ComponentType]bool) []world.ComponentType {
	out := make([]world.ComponentType, 0, len(selected))
	for t := range selected {
		out = append(out, t)
	}
	for _, t := range e.registeredComponentTypes() {
		if !selected[t] {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// registeredComponentTypes lists every type the World knows about, used to
// case-correct query component-name tokens against real component types
// rather than guessing a casing for them.
func (e *Engine) registeredComponentTypes() []world.ComponentType {
	w, ok := e.World.(interface{ ComponentTypes() []world.ComponentType })
	if !ok {
		return nil
	}
	return w.ComponentTypes()
}

func (e *Engine) buildSchema(t world.ComponentType, level DigestLevel, remaining int) (ComponentSchema, int, bool) {
	schema := ComponentSchema{Type: t, Level: level, Summary: e.Schemas.Summary(t)}
	if level >= L1 {
		schema.Fields = e.Schemas.Fields(t)
	}
	if level >= L2 {
		schema.Example = e.Schemas.Example(t)
	}
	cost := e.EstimateTokens(schema.Summary) + e.EstimateTokens(strings.Join(schema.Fields, ",")) + e.EstimateTokens(schema.Example)
	if cost > remaining {
		return ComponentSchema{}, 0, false
	}
	return schema, cost, true
}

func (e *Engine) worldSummary() string {
	snaps := e.World.IterAll()
	counts := map[world.ComponentType]int{}
	tagSet := map[string]bool{}
	for _, snap := range snaps {
		for t := range snap.Components {
			counts[t]++
		}
		if tags, ok := snap.Components[intent.ComponentTags].(intent.Tags); ok {
			for _, tag := range tags {
				tagSet[tag] = true
			}
		}
	}
	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	var b strings.Builder
	fmt.Fprintf(&b, "World: %d entities.", len(snaps))
	types := make([]world.ComponentType, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		fmt.Fprintf(&b, " %s=%d", t, counts[t])
	}
	if len(tags) > 0 {
		fmt.Fprintf(&b, " tags=[%s]", strings.Join(tags, ","))
	}
	return b.String()
}

// Schema implements the on-demand schema(type-tag, level) operation agents
// call to request finer detail than what made it into their digest.
func (e *Engine) Schema(t world.ComponentType, level DigestLevel) (ComponentSchema, error) {
	if e.Schemas == nil {
		return ComponentSchema{}, fmt.Errorf("contextengine: no schema registry configured")
	}
	schema := ComponentSchema{Type: t, Level: level, Summary: e.Schemas.Summary(t)}
	if level >= L1 {
		schema.Fields = e.Schemas.Fields(t)
	}
	if level >= L2 {
		schema.Example = e.Schemas.Example(t)
	}
	return schema, nil
}

// SearchEntities implements resolver.SemanticSearch, letting the Intent
// Resolver's Semantic(s) EntityRef variant delegate to this engine's
// semantic index.
func (e *Engine) SearchEntities(query string, topK int) ([]resolver.SemanticMatch, error) {
	if e.Index == nil {
		return nil, fmt.Errorf("contextengine: no semantic index configured")
	}
	hits, err := e.Index.Search(query, topK)
	if err != nil {
		return nil, err
	}
	out := make([]resolver.SemanticMatch, 0, len(hits))
	for _, h := range hits {
		out = append(out, resolver.SemanticMatch{Entity: h.Entity, Name: h.Name, Score: h.Score})
	}
	return out, nil
}

var _ resolver.SemanticSearch = (*Engine)(nil)
