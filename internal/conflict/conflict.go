// Package conflict implements the Conflict Detector (C5): per-(entity,
// component-type) footprint tracking across in-flight tasks, write/write
// collision detection for the scheduler's admission check, and a
// Datalog-backed resolution-strategy policy with inspectable derivations.
package conflict

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/logging"
	"luminara.dev/orchestrator/internal/rules"
	"luminara.dev/orchestrator/internal/world"
)

// Strategy names one of the three conflict-resolution strategies.
type Strategy string

const (
	LastWriteWins Strategy = "last_write_wins"
	Merge         Strategy = "merge"
	PromptUser    Strategy = "prompt_user"
)

// MergeFunc composes two partial mutations of the same component into one.
// Only component types that register a merge function may resolve via the
// Merge strategy.
type MergeFunc func(base, overlay []byte) ([]byte, error)

// Conflict is one detected collision between two footprints.
type Conflict struct {
	Entity   world.EntityID
	Type     world.ComponentType
	TaskA    string
	TaskB    string
	Strategy Strategy
}

func (c Conflict) String() string {
	return fmt.Sprintf("conflict on (%s, %s) between %s and %s [%s]", c.Entity, c.Type, c.TaskA, c.TaskB, c.Strategy)
}

// DerivationTrace explains why a conflict resolved to its strategy: the
// facts in the policy base that matched and the rule that fired.
type DerivationTrace struct {
	Conflict Conflict
	Facts    []string
	Rule     string
}

// strategySchema is the Datalog policy program the detector evaluates.
// Component types are asserted as name constants; the two derivation rules
// rank Merge above LastWriteWins (the Go-side lookup prefers the merge row
// when both derive).
const strategySchema = `
Decl commutative(Type) descr [mode("-")].
Decl merge_defined(Type) descr [mode("-")].
Decl resolve_strategy(Type, Strategy) descr [mode("-", "-")].

resolve_strategy(T, /merge) :- merge_defined(T).
resolve_strategy(T, /last_write_wins) :- commutative(T).
`

// Detector tracks in-flight footprints and answers conflict queries.
// Safe for concurrent use.
type Detector struct {
	mu       sync.RWMutex
	inflight map[string][]intent.Footprint
	mergeFns map[world.ComponentType]MergeFunc

	policy          *rules.Engine
	defaultStrategy Strategy
}

// New constructs a Detector. defaultStrategy applies to component types with
// no registered policy; an empty value falls back to PromptUser, the
// conservative choice for non-commutative writes.
func New(defaultStrategy Strategy) (*Detector, error) {
	if defaultStrategy == "" {
		defaultStrategy = PromptUser
	}
	policy := rules.New()
	if err := policy.LoadSchema(strategySchema); err != nil {
		return nil, fmt.Errorf("conflict: loading strategy schema: %w", err)
	}
	return &Detector{
		inflight:        make(map[string][]intent.Footprint),
		mergeFns:        make(map[world.ComponentType]MergeFunc),
		policy:          policy,
		defaultStrategy: defaultStrategy,
	}, nil
}

// RegisterCommutative tags t's writes as commutative, making LastWriteWins
// its derived default strategy.
func (d *Detector) RegisterCommutative(t world.ComponentType) error {
	return d.policy.AddFact(rules.Fact(fmt.Sprintf("commutative(%s).", nameConstant(t))))
}

// RegisterMerge declares a merge function for t, making Merge its derived
// strategy.
func (d *Detector) RegisterMerge(t world.ComponentType, fn MergeFunc) error {
	if fn == nil {
		return fmt.Errorf("conflict: merge function for %s must not be nil", t)
	}
	d.mu.Lock()
	d.mergeFns[t] = fn
	d.mu.Unlock()
	return d.policy.AddFact(rules.Fact(fmt.Sprintf("merge_defined(%s).", nameConstant(t))))
}

// MergeFor returns the registered merge function for t, if any.
func (d *Detector) MergeFor(t world.ComponentType) (MergeFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.mergeFns[t]
	return fn, ok
}

// StrategyFor returns the resolution strategy configured for t: the derived
// policy row when one exists, the detector default otherwise.
func (d *Detector) StrategyFor(t world.ComponentType) Strategy {
	rows, err := d.policy.Query(fmt.Sprintf("resolve_strategy(%s, S)", nameConstant(t)))
	if err != nil || len(rows) == 0 {
		return d.defaultStrategy
	}
	best := d.defaultStrategy
	for _, row := range rows {
		switch row["S"] {
		case "/merge":
			return Merge
		case "/last_write_wins":
			best = LastWriteWins
		}
	}
	return best
}

// Detect reports every collision between footprint and the currently
// registered in-flight footprints. Two pairs collide when they name the
// same entity and the same component type (or either side holds the
// entity-wide wildcard) and at least one side writes.
func (d *Detector) Detect(taskID string, footprint []intent.Footprint) []Conflict {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Conflict
	for other, theirs := range d.inflight {
		if other == taskID {
			continue
		}
		for _, a := range footprint {
			for _, b := range theirs {
				if !pairsCollide(a, b) {
					continue
				}
				out = append(out, Conflict{
					Entity:   a.Entity,
					Type:     collidingType(a, b),
					TaskA:    taskID,
					TaskB:    other,
					Strategy: d.StrategyFor(collidingType(a, b)),
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskB != out[j].TaskB {
			return out[i].TaskB < out[j].TaskB
		}
		return out[i].Type < out[j].Type
	})
	if len(out) > 0 {
		logging.ConflictDebug("detected %d conflicts for task %s", len(out), taskID)
	}
	return out
}

// TryRegister atomically runs the admission check and, when no collision
// exists, records the footprint as in-flight. Returning a non-empty
// conflict list means nothing was registered; the scheduler defers the
// task until a blocker releases. Detect-then-Register from two goroutines
// would race past each other, which is why admission is a single call.
func (d *Detector) TryRegister(taskID string, footprint []intent.Footprint) []Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Conflict
	for other, theirs := range d.inflight {
		if other == taskID {
			continue
		}
		for _, a := range footprint {
			for _, b := range theirs {
				if !pairsCollide(a, b) {
					continue
				}
				out = append(out, Conflict{
					Entity:   a.Entity,
					Type:     collidingType(a, b),
					TaskA:    taskID,
					TaskB:    other,
					Strategy: d.StrategyFor(collidingType(a, b)),
				})
			}
		}
	}
	if len(out) > 0 {
		sort.Slice(out, func(i, j int) bool {
			if out[i].TaskB != out[j].TaskB {
				return out[i].TaskB < out[j].TaskB
			}
			return out[i].Type < out[j].Type
		})
		return out
	}
	d.inflight[taskID] = append([]intent.Footprint(nil), footprint...)
	logging.ConflictDebug("admitted footprint for task %s (%d pairs)", taskID, len(footprint))
	return nil
}

// RegisterFootprint records taskID's footprint as in-flight without an
// admission check. The scheduler admits through TryRegister instead.
func (d *Detector) RegisterFootprint(taskID string, footprint []intent.Footprint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[taskID] = append([]intent.Footprint(nil), footprint...)
	logging.ConflictDebug("registered footprint for task %s (%d pairs)", taskID, len(footprint))
}

// ReleaseFootprint drops taskID's in-flight footprint. Releasing an unknown
// task is a no-op.
func (d *Detector) ReleaseFootprint(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, taskID)
	logging.ConflictDebug("released footprint for task %s", taskID)
}

// InFlight returns the IDs of every task with a registered footprint,
// sorted, for diagnostics and tests.
func (d *Detector) InFlight() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.inflight))
	for id := range d.inflight {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Explain reconstructs why c resolved to its strategy: which policy facts
// matched the component type and which derivation rule produced the row.
func (d *Detector) Explain(c Conflict) (DerivationTrace, error) {
	trace := DerivationTrace{Conflict: c}

	// Each policy fact derives exactly one resolve_strategy row (see
	// strategySchema), so the derived rows name the facts that matched.
	rows, _ := d.policy.Query(fmt.Sprintf("resolve_strategy(%s, S)", nameConstant(c.Type)))
	for _, pf := range []struct{ pred, strategy string }{
		{"merge_defined", "/merge"},
		{"commutative", "/last_write_wins"},
	} {
		for _, row := range rows {
			if row["S"] == pf.strategy {
				trace.Facts = append(trace.Facts, fmt.Sprintf("%s(%s)", pf.pred, nameConstant(c.Type)))
				break
			}
		}
	}

	switch c.Strategy {
	case Merge:
		trace.Rule = "resolve_strategy(T, /merge) :- merge_defined(T)."
	case LastWriteWins:
		if len(trace.Facts) > 0 {
			trace.Rule = "resolve_strategy(T, /last_write_wins) :- commutative(T)."
		} else {
			trace.Rule = "default strategy (no policy facts for type)"
		}
	case PromptUser:
		trace.Rule = "default strategy (no policy facts for type)"
	default:
		return trace, fmt.Errorf("conflict: unknown strategy %q", c.Strategy)
	}
	return trace, nil
}

func pairsCollide(a, b intent.Footprint) bool {
	if a.Entity != b.Entity {
		return false
	}
	if !a.Write && !b.Write {
		return false
	}
	if a.Type == intent.WildcardType || b.Type == intent.WildcardType {
		return true
	}
	return a.Type == b.Type
}

// collidingType picks the concrete component type of a collision; when one
// side is the entity-wide wildcard the other side's type names the pair.
func collidingType(a, b intent.Footprint) world.ComponentType {
	if a.Type != intent.WildcardType {
		return a.Type
	}
	return b.Type
}

// nameConstant renders a component type as a Mangle name constant, e.g.
// Transform -> /transform. Dots and dashes collapse to
// underscores so arbitrary game type tags stay parseable.
func nameConstant(t world.ComponentType) string {
	s := strings.ToLower(string(t))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	return "/" + s
}
