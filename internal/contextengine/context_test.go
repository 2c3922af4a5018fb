package contextengine

import (
	"testing"
	"time"

	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/world"
)

type stubSchemas struct{}

func (stubSchemas) Fields(t world.ComponentType) []string  { return []string{"Position", "Forward"} }
func (stubSchemas) Example(t world.ComponentType) string   { return "{}" }
func (stubSchemas) Summary(t world.ComponentType) string   { return string(t) + " component" }

type stubHistory struct{}

func (stubHistory) RecentChanges(since time.Time, max int) []ChangeEntry { return nil }
func (stubHistory) RecentlyTouched(since time.Time) map[world.EntityID]time.Time {
	return nil
}

func newTestWorld(t *testing.T) world.World {
	t.Helper()
	w := world.New()
	for _, c := range []world.ComponentType{intent.ComponentName, intent.ComponentTransform, intent.ComponentTags} {
		if err := w.RegisterComponentType(c); err != nil {
			t.Fatalf("RegisterComponentType: %v", err)
		}
	}
	return w
}

func TestDigestRespectsBudget(t *testing.T) {
	w := newTestWorld(t)
	for i := 0; i < 20; i++ {
		_, _ = w.Spawn(map[world.ComponentType]world.Component{
			intent.ComponentName:      "npc",
			intent.ComponentTransform: intent.Transform{},
		})
	}
	e := New(w, stubSchemas{}, stubHistory{}, nil)

	ctx, err := e.Digest("npc", 2000)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if ctx.TokenUsage > 2000 {
		t.Fatalf("TokenUsage %d exceeds budget 2000", ctx.TokenUsage)
	}
}

func TestDigestBudgetExhausted(t *testing.T) {
	w := newTestWorld(t)
	e := New(w, stubSchemas{}, stubHistory{}, nil)
	_, err := e.Digest("anything", 0)
	if _, ok := err.(ErrBudgetExhausted); !ok {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
}

func TestDigestPrioritizesMentionedEntity(t *testing.T) {
	w := newTestWorld(t)
	target, _ := w.Spawn(map[world.ComponentType]world.Component{
		intent.ComponentName:      "hero",
		intent.ComponentTransform: intent.Transform{},
	})
	for i := 0; i < 5; i++ {
		_, _ = w.Spawn(map[world.ComponentType]world.Component{
			intent.ComponentName:      "filler",
			intent.ComponentTransform: intent.Transform{},
		})
	}
	e := New(w, stubSchemas{}, stubHistory{}, nil)

	ctx, err := e.Digest("find the hero", 500)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	found := false
	for _, d := range ctx.EntityDigests {
		if d.ID == target {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected hero entity to be included in digest, got %+v", ctx.EntityDigests)
	}
}

func TestDigestAttachesL2SchemaForMentionedComponent(t *testing.T) {
	w := newTestWorld(t)
	_, _ = w.Spawn(map[world.ComponentType]world.Component{
		intent.ComponentName:      "npc",
		intent.ComponentTransform: intent.Transform{},
	})
	e := New(w, stubSchemas{}, stubHistory{}, nil)

	// "npc" selects the entity (so Name and Transform are L1, owned-but-
	// unmentioned); "tags" is mentioned in the query but no entity owns a
	// Tags component, so it can only reach L2 through mentionedComponents.
	ctx, err := e.Digest("describe npc tags", 4000)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}

	schemaByType := map[world.ComponentType]ComponentSchema{}
	for _, s := range ctx.ComponentSchemas {
		schemaByType[s.Type] = s
	}

	tagsSchema, ok := schemaByType[intent.ComponentTags]
	if !ok {
		t.Fatalf("expected a Tags schema in the digest, got %+v", ctx.ComponentSchemas)
	}
	if tagsSchema.Level != L2 {
		t.Fatalf("expected Tags schema at L2 for a mentioned-but-unselected component, got level %d", tagsSchema.Level)
	}
	if tagsSchema.Example == "" {
		t.Fatalf("expected L2 schema to carry an example")
	}

	nameSchema, ok := schemaByType[intent.ComponentName]
	if !ok {
		t.Fatalf("expected a Name schema in the digest, got %+v", ctx.ComponentSchemas)
	}
	if nameSchema.Level != L1 {
		t.Fatalf("expected Name schema at L1 (selected but not mentioned), got level %d", nameSchema.Level)
	}
}

func TestKeywordIndexSearch(t *testing.T) {
	idx := NewKeywordIndex()
	_ = idx.Index("e1", "ancient statue", "a weathered stone statue near the fountain")
	_ = idx.Index("e2", "fountain", "a marble fountain in the plaza")

	matches, err := idx.Search("stone statue", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) == 0 || matches[0].Entity != "e1" {
		t.Fatalf("expected e1 to rank first, got %+v", matches)
	}
}
