// Package planner implements the Task Planner (C3): decomposing a
// natural-language request, in the light of a WorldContext digest, into a
// validated DAG of role-annotated SubTasks.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"luminara.dev/orchestrator/internal/llmclient"
	"luminara.dev/orchestrator/internal/logging"
	"luminara.dev/orchestrator/internal/role"
)

// TaskID identifies a SubTask within a TaskGraph.
type TaskID string

// SubTask is one unit of work the Scheduler will dispatch.
type SubTask struct {
	ID                   TaskID          `json:"id"`
	Role                 role.AgentRole  `json:"role"`
	PromptFragment       string          `json:"prompt_fragment"`
	RequiredCapabilities role.Capability `json:"-"`
	EstimatedCost        int             `json:"estimated_cost"`
}

// TaskGraph is the validated DAG produced by plan().
type TaskGraph struct {
	Nodes map[TaskID]SubTask
	Edges map[TaskID][]TaskID // task -> tasks it depends on
}

// TopoOrder returns nodes in a valid topological order (dependencies
// first). Only ever called after validation has confirmed acyclicity.
func (g *TaskGraph) TopoOrder() []TaskID {
	visited := map[TaskID]bool{}
	var order []TaskID
	var visit func(TaskID)
	visit = func(id TaskID) {
		if visited[id] {
			return
		}
		visited[id] = true
		deps := append([]TaskID{}, g.Edges[id]...)
		sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
		for _, dep := range deps {
			visit(dep)
		}
		order = append(order, id)
	}
	ids := make([]TaskID, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		visit(id)
	}
	return order
}

// PlanError is the base type for the cyclic-graph, illegal-capability, and
// unknown-dependency planning errors named in spec.md §7.
type PlanError struct {
	Kind    string
	Message string
}

func (e *PlanError) Error() string { return fmt.Sprintf("planner: %s: %s", e.Kind, e.Message) }

// rawSubTask is the wire shape the LLM is asked to emit: a flat JSON list
// of sub-tasks with dependency references by ID.
type rawSubTask struct {
	ID                   string   `json:"id"`
	Role                 string   `json:"role"`
	Prompt               string   `json:"prompt"`
	RequiredCapabilities []string `json:"required_capabilities"`
	DependsOn            []string `json:"depends_on"`
	EstimatedCost        int      `json:"estimated_cost"`
}

var capabilityNames = map[string]role.Capability{
	"READ_SCENE":   role.ReadScene,
	"WRITE_SCENE":  role.WriteScene,
	"READ_SCRIPT":  role.ReadScript,
	"WRITE_SCRIPT": role.WriteScript,
	"EXECUTE_CODE": role.ExecuteCode,
	"MANAGE_TASKS": role.ManageTasks,
}

// Planner implements plan(request, context) -> TaskGraph.
type Planner struct {
	LLM llmclient.Client
}

// New constructs a Planner backed by llm.
func New(llm llmclient.Client) *Planner {
	return &Planner{LLM: llm}
}

// Plan prompts the LLM, as the ProjectDirector role, with worldContext and
// request, then validates and returns the resulting TaskGraph.
func (p *Planner) Plan(ctx context.Context, request, worldContext string) (*TaskGraph, error) {
	resp, err := p.LLM.Complete(ctx, llmclient.Request{
		SystemPrompt: directorSystemPrompt,
		Prompt:       request,
		Context:      worldContext,
	})
	if err != nil {
		return nil, fmt.Errorf("planner: LLM request failed: %w", err)
	}

	raw, err := parseSubtasks(resp.JSON)
	if err != nil {
		return nil, &PlanError{Kind: "MalformedResponse", Message: err.Error()}
	}

	graph, err := buildGraph(raw)
	if err != nil {
		return nil, err
	}
	logging.PlannerDebug("planned %d tasks for request %q", len(graph.Nodes), request)
	return graph, nil
}

const directorSystemPrompt = `You are the ProjectDirector. Decompose the user's request into a JSON ` +
	`array of sub-tasks. Each sub-task has: id, role, prompt, required_capabilities, depends_on, ` +
	`estimated_cost. Respond with JSON only.`

func parseSubtasks(jsonText string) ([]rawSubTask, error) {
	jsonText = strings.TrimSpace(jsonText)
	if jsonText == "" {
		return nil, fmt.Errorf("empty response")
	}
	var raw []rawSubTask
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, fmt.Errorf("decoding sub-task list: %w", err)
	}
	return raw, nil
}

// buildGraph validates capability legality, dependency existence, and
// acyclicity, in that order.
func buildGraph(raw []rawSubTask) (*TaskGraph, error) {
	graph := &TaskGraph{Nodes: map[TaskID]SubTask{}, Edges: map[TaskID][]TaskID{}}

	for _, rt := range raw {
		r := role.AgentRole(rt.Role)
		if !role.Valid(r) {
			return nil, &PlanError{Kind: "IllegalCapability", Message: fmt.Sprintf("task %s declares unknown role %q", rt.ID, rt.Role)}
		}

		var caps role.Capability
		for _, name := range rt.RequiredCapabilities {
			bit, ok := capabilityNames[strings.ToUpper(name)]
			if !ok {
				return nil, &PlanError{Kind: "IllegalCapability", Message: fmt.Sprintf("task %s cites unknown capability %q", rt.ID, name)}
			}
			caps |= bit
		}
		if !role.Grants(r, caps) {
			return nil, &PlanError{Kind: "IllegalCapability", Message: fmt.Sprintf("role %s may not exercise %s (task %s)", r, caps, rt.ID)}
		}

		id := TaskID(rt.ID)
		if _, dup := graph.Nodes[id]; dup {
			return nil, &PlanError{Kind: "UnknownDependency", Message: fmt.Sprintf("duplicate task id %q", rt.ID)}
		}
		graph.Nodes[id] = SubTask{
			ID: id, Role: r, PromptFragment: rt.Prompt,
			RequiredCapabilities: caps, EstimatedCost: rt.EstimatedCost,
		}
		deps := make([]TaskID, 0, len(rt.DependsOn))
		for _, d := range rt.DependsOn {
			deps = append(deps, TaskID(d))
		}
		graph.Edges[id] = deps
	}

	for id, deps := range graph.Edges {
		for _, dep := range deps {
			if _, ok := graph.Nodes[dep]; !ok {
				return nil, &PlanError{Kind: "UnknownDependency", Message: fmt.Sprintf("task %s depends on unknown task %s", id, dep)}
			}
		}
	}

	if cyc := findCycle(graph); cyc != "" {
		return nil, &PlanError{Kind: "CyclicGraph", Message: cyc}
	}

	return graph, nil
}

// findCycle returns a description of the first cycle found, or "" if the
// graph is acyclic, via DFS with a recursion-stack coloring.
func findCycle(g *TaskGraph) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[TaskID]int{}
	var path []TaskID

	var visit func(TaskID) string
	visit = func(id TaskID) string {
		color[id] = gray
		path = append(path, id)
		for _, dep := range g.Edges[id] {
			switch color[dep] {
			case gray:
				return fmt.Sprintf("%v -> %s", path, dep)
			case white:
				if msg := visit(dep); msg != "" {
					return msg
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return ""
	}

	ids := make([]TaskID, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if color[id] == white {
			if msg := visit(id); msg != "" {
				return msg
			}
		}
	}
	return ""
}
