// Package rules wraps the google/mangle Datalog engine as a small
// embeddable fact base + rule evaluator, adapted from the teacher's
// internal/mangle.Engine (itself a wrapper around github.com/google/mangle).
// The Conflict Detector (C5) embeds an Engine to look up the configured
// resolution strategy for a component type. The Task Planner (C3) does not
// use it; the planner checks capability legality with direct role.Grants
// calls.
package rules

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"github.com/google/mangle/unionfind"

	"luminara.dev/orchestrator/internal/logging"
)

// Fact is a single ground Datalog fact in textual Mangle syntax, e.g.
// "commutative(/Transform_translation)." The trailing period is optional.
type Fact string

// Engine is a minimal embeddable Datalog fact store + rule evaluator.
// Safe for concurrent use.
type Engine struct {
	mu           sync.RWMutex
	store        factstore.ConcurrentFactStore
	programInfo  *analysis.ProgramInfo
	predicates   map[string]ast.PredicateSym
	queryContext *mengine.QueryContext
	schema       []parse.SourceUnit
}

// New constructs an Engine with no schema loaded; call LoadSchema before
// AddFact or Query.
func New() *Engine {
	base := factstore.NewSimpleInMemoryStore()
	return &Engine{
		store:      factstore.NewConcurrentFactStore(base),
		predicates: make(map[string]ast.PredicateSym),
	}
}

// LoadSchema parses and compiles a Datalog program fragment (decls plus
// rules) and adds it to the engine's program. May be called multiple
// times; fragments accumulate.
func (e *Engine) LoadSchema(src string) error {
	unit, err := parse.Unit(bytes.NewReader([]byte(src)))
	if err != nil {
		return fmt.Errorf("rules: parsing schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.schema = append(e.schema, unit)
	return e.rebuildLocked()
}

func (e *Engine) rebuildLocked() error {
	var clauses []ast.Clause
	var decls []ast.Decl
	for _, frag := range e.schema {
		clauses = append(clauses, frag.Clauses...)
		decls = append(decls, frag.Decls...)
	}
	unit := parse.SourceUnit{Clauses: clauses, Decls: decls}

	info, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return fmt.Errorf("rules: analyzing schema: %w", err)
	}
	e.programInfo = info

	predToDecl := make(map[ast.PredicateSym]*ast.Decl, len(info.Decls))
	for sym, decl := range info.Decls {
		predToDecl[sym] = decl
		e.predicates[sym.Symbol] = sym
	}
	predToRules := make(map[ast.PredicateSym][]ast.Clause)
	for _, clause := range info.Rules {
		predToRules[clause.Head.Predicate] = append(predToRules[clause.Head.Predicate], clause)
	}
	e.queryContext = &mengine.QueryContext{PredToRules: predToRules, PredToDecl: predToDecl, Store: e.store}
	return nil
}

// AddFact asserts f into the fact store and re-evaluates derived rules.
func (e *Engine) AddFact(f Fact) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.programInfo == nil {
		return fmt.Errorf("rules: no schema loaded")
	}

	atom, err := parseGroundAtom(string(f))
	if err != nil {
		return fmt.Errorf("rules: parsing fact %q: %w", f, err)
	}
	e.store.Add(atom)

	if _, err := mengine.EvalProgramWithStats(e.programInfo, e.store); err != nil {
		return fmt.Errorf("rules: evaluating program after fact %q: %w", f, err)
	}
	logging.Get(logging.CategoryConflict).Debug("rules: asserted %s", f)
	return nil
}

// Binding is one row of a query result: variable name -> bound constant
// text (name constants keep their leading '/', strings do not).
type Binding map[string]string

// Query evaluates a single-atom query such as "resolve_strategy(Type, S)"
// and returns one Binding per matching derivation.
func (e *Engine) Query(query string) ([]Binding, error) {
	shape, err := parseQueryShape(query)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.queryContext == nil {
		return nil, fmt.Errorf("rules: no schema loaded")
	}
	decl, ok := e.queryContext.PredToDecl[shape.atom.Predicate]
	if !ok {
		return nil, fmt.Errorf("rules: predicate %s not declared", shape.atom.Predicate.Symbol)
	}
	if len(decl.Modes()) == 0 {
		return nil, fmt.Errorf("rules: predicate %s has no declared mode", shape.atom.Predicate.Symbol)
	}
	mode := decl.Modes()[0]

	var out []Binding
	err = e.queryContext.EvalQuery(shape.atom, mode, unionfind.New(), func(fact ast.Atom) error {
		row := make(Binding, len(shape.variables))
		for _, b := range shape.variables {
			if b.Index >= len(fact.Args) {
				continue
			}
			row[b.Name] = termString(fact.Args[b.Index])
		}
		out = append(out, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rules: query %q failed: %w", query, err)
	}
	return out, nil
}

type queryVariable struct {
	Name  string
	Index int
}

type queryShape struct {
	atom      ast.Atom
	variables []queryVariable
}

// parseQueryShape parses "pred(Arg1, Arg2)" (optionally prefixed with '?'
// and/or suffixed with '.') into an atom plus the variable positions worth
// reporting back, mirroring the teacher's query-shape parser.
func parseQueryShape(query string) (*queryShape, error) {
	clean := strings.TrimSpace(query)
	clean = strings.TrimPrefix(clean, "?")
	clean = strings.TrimSpace(clean)
	clean = strings.TrimSuffix(clean, ".")

	atom, err := parse.Atom(clean)
	if err != nil {
		atom, err = parse.Atom(clean + ".")
		if err != nil {
			return nil, fmt.Errorf("rules: failed to parse query %q: %w", query, err)
		}
	}

	var vars []queryVariable
	for idx, arg := range atom.Args {
		if v, ok := arg.(ast.Variable); ok {
			vars = append(vars, queryVariable{Name: v.Symbol, Index: idx})
		}
	}
	return &queryShape{atom: atom, variables: vars}, nil
}

// parseGroundAtom parses a fully-ground atom (a stored fact, no variables).
func parseGroundAtom(text string) (ast.Atom, error) {
	clean := strings.TrimSpace(text)
	clean = strings.TrimSuffix(clean, ".")
	return parse.Atom(clean)
}

func termString(t ast.BaseTerm) string {
	switch v := t.(type) {
	case ast.Constant:
		switch v.Type {
		case ast.StringType, ast.NameType, ast.BytesType:
			return v.Symbol
		default:
			return v.String()
		}
	case ast.Variable:
		return v.Symbol
	default:
		return fmt.Sprintf("%v", t)
	}
}
