package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"luminara.dev/orchestrator/internal/contextengine"
	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/llmclient"
	"luminara.dev/orchestrator/internal/planner"
	"luminara.dev/orchestrator/internal/role"
	"luminara.dev/orchestrator/internal/scheduler"
	"luminara.dev/orchestrator/internal/world"
)

// roleAgent is the scheduler's Agent: it digests world context for the
// task's prompt fragment, asks the LLM as the task's role, and decodes the
// response envelope into intents plus a concrete write footprint.
type roleAgent struct {
	llm    llmclient.Client
	engine *contextengine.Engine
	world  world.World
	budget int
}

var rolePrompts = map[role.AgentRole]string{
	role.ProjectDirector:    "You are the ProjectDirector, coordinating other agents.",
	role.SceneArchitect:     "You are the SceneArchitect. You place, arrange, and remove entities in the scene.",
	role.GameplayProgrammer: "You are the GameplayProgrammer. You write and modify gameplay scripts.",
	role.ArtDirector:        "You are the ArtDirector. You adjust the visual components of entities.",
	role.QAEngineer:         "You are the QAEngineer. You inspect state and exercise scripts, changing nothing.",
}

const envelopeInstructions = `Respond with JSON only: {"footprint":[{"entity":"<name or id>",` +
	`"component":"<type or *>"}],"intents":[...]}. Declare in footprint every (entity, component)` +
	` pair you will write.`

func (a *roleAgent) Prepare(ctx context.Context, task planner.SubTask) (*scheduler.Envelope, error) {
	wc, err := a.engine.Digest(task.PromptFragment, a.budget)
	if err != nil {
		return nil, err
	}

	system, ok := rolePrompts[task.Role]
	if !ok {
		return nil, role.ErrUnknownRole{Role: task.Role}
	}
	resp, err := a.llm.Complete(ctx, llmclient.Request{
		SystemPrompt: system + " " + envelopeInstructions,
		Prompt:       task.PromptFragment,
		Context:      renderContext(wc),
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: LLM request for task %s: %w", task.ID, err)
	}

	env, err := intent.ParseEnvelope(task.Role, resp.JSON)
	if err != nil {
		return nil, err
	}
	return &scheduler.Envelope{
		Intents:   env.Intents,
		Footprint: resolveDeclaredFootprint(env.Footprint, a.world),
		Response:  resp.JSON,
	}, nil
}

// resolveDeclaredFootprint maps declared (entity, component) writes to
// concrete footprint pairs: entity strings matching a live ID are used
// directly, names are looked up through the Name component, and anything
// else (an entity that will only exist after a spawn) keeps the declared
// string as its ID so two tasks declaring the same future entity still
// collide.
func resolveDeclaredFootprint(declared []intent.DeclaredWrite, w world.World) []intent.Footprint {
	var out []intent.Footprint
	for _, d := range declared {
		id := world.EntityID(d.Entity)
		if !w.Exists(id) {
			if byName, ok := lookupByName(w, d.Entity); ok {
				id = byName
			}
		}
		t := world.ComponentType(d.Component)
		if d.Component == "" || d.Component == "*" {
			t = intent.WildcardType
		}
		out = append(out, intent.Footprint{Entity: id, Type: t, Write: true})
	}
	return out
}

func lookupByName(w world.World, name string) (world.EntityID, bool) {
	rows, err := w.IterByType(intent.ComponentName)
	if err != nil {
		return "", false
	}
	for _, row := range rows {
		if s, ok := row.Component.(string); ok && s == name {
			return row.ID, true
		}
	}
	return "", false
}

// renderContext serializes a WorldContext digest into the plain-text block
// attached to an LLM request.
func renderContext(wc *contextengine.WorldContext) string {
	var b strings.Builder
	b.WriteString(wc.Summary)
	b.WriteString("\n")
	for _, d := range wc.EntityDigests {
		fmt.Fprintf(&b, "entity %s", d.ID)
		if d.Name != "" {
			fmt.Fprintf(&b, " (%s)", d.Name)
		}
		if d.Position != nil {
			fmt.Fprintf(&b, " at (%.1f,%.1f,%.1f)", d.Position.X, d.Position.Y, d.Position.Z)
		}
		for t, v := range d.Components {
			if v == nil {
				fmt.Fprintf(&b, " [%s]", t)
			} else {
				fmt.Fprintf(&b, " %s=%v", t, v)
			}
		}
		b.WriteString("\n")
	}
	for _, s := range wc.ComponentSchemas {
		fmt.Fprintf(&b, "component %s: %s", s.Type, s.Summary)
		if len(s.Fields) > 0 {
			fmt.Fprintf(&b, " fields=%s", strings.Join(s.Fields, ","))
		}
		b.WriteString("\n")
	}
	for _, ch := range wc.ChangeSet {
		fmt.Fprintf(&b, "recent: op %s %s\n", ch.OperationID, ch.Summary)
	}
	return b.String()
}
