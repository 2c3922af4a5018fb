package verify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"luminara.dev/orchestrator/internal/logging"
)

// Severity ranks a StaticIssue. Issues at SeverityError block the pipeline.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// StaticIssue is one finding from stage S1.
type StaticIssue struct {
	Severity Severity
	Rule     string
	Line     int
	Message  string
}

func (i StaticIssue) String() string {
	return fmt.Sprintf("%s: line %d: %s (%s)", i.Severity, i.Line, i.Message, i.Rule)
}

// ErrStaticRejected carries the blocking issues from a failed S1 pass.
type ErrStaticRejected struct {
	Issues []StaticIssue
}

func (e ErrStaticRejected) Error() string {
	return fmt.Sprintf("verify: static analysis rejected script (%d blocking issues)", len(e.Issues))
}

// builtinIdents are call targets every script may use without declaring.
var builtinIdents = map[string]bool{
	"len": true, "cap": true, "append": true, "make": true, "new": true,
	"copy": true, "delete": true, "panic": true, "recover": true,
	"print": true, "println": true, "min": true, "max": true, "clear": true,
	"string": true, "int": true, "int64": true, "float64": true, "bool": true, "byte": true,
}

// hostAPIReceivers are the selector roots that denote host-API surfaces; a
// call through one of these must appear in the script's declared
// capability set.
var hostAPIReceivers = map[string]bool{"world": true, "engine": true, "host": true}

// StaticAnalyzer is stage S1: a tree-sitter pass over generated script
// source catching unbounded loops by syntactic pattern, unreachable code,
// host-API calls outside the declared capability set, and calls to
// undeclared identifiers.
type StaticAnalyzer struct {
	mu     sync.Mutex
	parser *sitter.Parser
}

// NewStaticAnalyzer constructs an analyzer for Go-flavored script source.
func NewStaticAnalyzer() *StaticAnalyzer {
	p := sitter.NewParser()
	p.SetLanguage(golang.GetLanguage())
	return &StaticAnalyzer{parser: p}
}

// Close releases the underlying parser.
func (a *StaticAnalyzer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parser.Close()
}

// Analyze parses source and returns every issue found. declaredAPI is the
// script's declared capability set (full and bare host call names).
func (a *StaticAnalyzer) Analyze(source []byte, declaredAPI map[string]bool) ([]StaticIssue, error) {
	a.mu.Lock()
	tree, err := a.parser.ParseCtx(context.Background(), nil, source)
	a.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("verify: parsing script source: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return []StaticIssue{{
			Severity: SeverityError,
			Rule:     "syntax",
			Line:     firstErrorLine(root),
			Message:  "script source does not parse",
		}}, nil
	}

	declared := collectDeclared(root, source)
	var issues []StaticIssue
	walk(root, func(n *sitter.Node) {
		switch n.Type() {
		case "for_statement":
			issues = append(issues, checkLoop(n, source)...)
		case "block":
			issues = append(issues, checkUnreachable(n)...)
		case "call_expression":
			issues = append(issues, checkCall(n, source, declared, declaredAPI)...)
		}
	})

	logging.VerifyDebug("static analysis: %d issues over %d bytes", len(issues), len(source))
	return issues, nil
}

// HasBlocking reports whether any issue is at SeverityError or above.
func HasBlocking(issues []StaticIssue) bool {
	for _, i := range issues {
		if i.Severity >= SeverityError {
			return true
		}
	}
	return false
}

func walk(n *sitter.Node, visit func(*sitter.Node)) {
	visit(n)
	for i := 0; i < int(n.NamedChildCount()); i++ {
		walk(n.NamedChild(i), visit)
	}
}

// checkLoop flags `for {}` and `for true {}` loops with no break, return,
// or panic in their body.
func checkLoop(n *sitter.Node, source []byte) []StaticIssue {
	body := n.ChildByFieldName("body")
	if body == nil {
		return nil
	}
	// A header before the body is a for_clause, a range_clause, or a bare
	// condition expression; only no header or a `true` condition loops
	// unconditionally.
	if header := n.NamedChild(0); header != nil && header.Type() != "block" {
		switch header.Type() {
		case "for_clause", "range_clause":
			return nil
		}
		if strings.TrimSpace(header.Content(source)) != "true" {
			return nil
		}
	}

	escapes := false
	walk(body, func(c *sitter.Node) {
		switch c.Type() {
		case "break_statement", "return_statement", "goto_statement":
			escapes = true
		case "call_expression":
			if fn := c.ChildByFieldName("function"); fn != nil && fn.Content(source) == "panic" {
				escapes = true
			}
		}
	})
	if escapes {
		return nil
	}
	return []StaticIssue{{
		Severity: SeverityError,
		Rule:     "unbounded-loop",
		Line:     int(n.StartPoint().Row) + 1,
		Message:  "loop has no condition and no break/return path",
	}}
}

// checkUnreachable flags statements following a return in the same block.
func checkUnreachable(block *sitter.Node) []StaticIssue {
	var issues []StaticIssue
	count := int(block.NamedChildCount())
	for i := 0; i < count-1; i++ {
		child := block.NamedChild(i)
		if child.Type() != "return_statement" {
			continue
		}
		next := block.NamedChild(i + 1)
		issues = append(issues, StaticIssue{
			Severity: SeverityWarning,
			Rule:     "unreachable-code",
			Line:     int(next.StartPoint().Row) + 1,
			Message:  "statement is unreachable after return",
		})
		break
	}
	return issues
}

// checkCall validates one call site: host-API calls must be in the declared
// capability set, plain calls must name a declared or builtin identifier.
func checkCall(n *sitter.Node, source []byte, declared, declaredAPI map[string]bool) []StaticIssue {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return nil
	}
	line := int(n.StartPoint().Row) + 1

	switch fn.Type() {
	case "selector_expression":
		operand := fn.ChildByFieldName("operand")
		field := fn.ChildByFieldName("field")
		if operand == nil || field == nil || operand.Type() != "identifier" {
			return nil
		}
		recv := operand.Content(source)
		if !hostAPIReceivers[recv] {
			return nil // package or local selector, not a host surface
		}
		full := recv + "." + field.Content(source)
		if declaredAPI[full] || declaredAPI[field.Content(source)] {
			return nil
		}
		return []StaticIssue{{
			Severity: SeverityError,
			Rule:     "undeclared-api",
			Line:     line,
			Message:  fmt.Sprintf("call to %s outside declared capability set", full),
		}}

	case "identifier":
		name := fn.Content(source)
		if declared[name] || builtinIdents[name] {
			return nil
		}
		return []StaticIssue{{
			Severity: SeverityError,
			Rule:     "undeclared-identifier",
			Line:     line,
			Message:  fmt.Sprintf("call to undeclared identifier %q", name),
		}}
	}
	return nil
}

// collectDeclared gathers every identifier the source itself declares:
// function names, parameters, var/const/short declarations, range
// variables, and imported package names.
func collectDeclared(root *sitter.Node, source []byte) map[string]bool {
	declared := make(map[string]bool)
	walk(root, func(n *sitter.Node) {
		switch n.Type() {
		case "function_declaration", "method_declaration":
			if name := n.ChildByFieldName("name"); name != nil {
				declared[name.Content(source)] = true
			}
		case "parameter_declaration", "variadic_parameter_declaration":
			if name := n.ChildByFieldName("name"); name != nil {
				declared[name.Content(source)] = true
			}
		case "short_var_declaration", "range_clause":
			if left := n.ChildByFieldName("left"); left != nil {
				for i := 0; i < int(left.NamedChildCount()); i++ {
					if id := left.NamedChild(i); id.Type() == "identifier" {
						declared[id.Content(source)] = true
					}
				}
			}
		case "var_spec", "const_spec":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				if id := n.NamedChild(i); id.Type() == "identifier" {
					declared[id.Content(source)] = true
				}
			}
		case "import_spec":
			path := n.ChildByFieldName("path")
			if path == nil {
				return
			}
			pkg := strings.Trim(path.Content(source), `"`)
			if idx := strings.LastIndex(pkg, "/"); idx >= 0 {
				pkg = pkg[idx+1:]
			}
			if name := n.ChildByFieldName("name"); name != nil {
				pkg = name.Content(source)
			}
			declared[pkg] = true
		}
	})
	return declared
}

func firstErrorLine(root *sitter.Node) int {
	line := 1
	found := false
	walk(root, func(n *sitter.Node) {
		if !found && n.IsError() {
			line = int(n.StartPoint().Row) + 1
			found = true
		}
	})
	return line
}
