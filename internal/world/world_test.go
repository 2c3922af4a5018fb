package world

import "testing"

func TestSpawnRequiresRegisteredComponents(t *testing.T) {
	w := New()
	if _, err := w.Spawn(map[ComponentType]Component{"Transform": 1}); err == nil {
		t.Fatalf("expected error spawning with unregistered component type")
	}
	if err := w.RegisterComponentType("Transform"); err != nil {
		t.Fatalf("RegisterComponentType: %v", err)
	}
	id, err := w.Spawn(map[ComponentType]Component{"Transform": 1})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !w.Exists(id) {
		t.Fatalf("expected entity %s to exist", id)
	}
}

func TestGetSetRemoveRoundTrip(t *testing.T) {
	w := New()
	_ = w.RegisterComponentType("Position")
	id, _ := w.Spawn(nil)

	if _, err := w.Get(id, "Position"); err == nil {
		t.Fatalf("expected ErrComponentNotFound before Set")
	}
	if err := w.Set(id, "Position", "3,4"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := w.Get(id, "Position")
	if err != nil || v != "3,4" {
		t.Fatalf("Get = %v, %v; want 3,4, nil", v, err)
	}
	if err := w.Remove(id, "Position"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := w.Get(id, "Position"); err == nil {
		t.Fatalf("expected ErrComponentNotFound after Remove")
	}
}

func TestDespawnRemovesEntity(t *testing.T) {
	w := New()
	_ = w.RegisterComponentType("Tag")
	id, _ := w.Spawn(map[ComponentType]Component{"Tag": "npc"})
	if err := w.Despawn(id); err != nil {
		t.Fatalf("Despawn: %v", err)
	}
	if w.Exists(id) {
		t.Fatalf("expected entity to be gone")
	}
	if err := w.Despawn(id); err == nil {
		t.Fatalf("expected error despawning twice")
	}
}

func TestIterByTypeIsOrderedAndFiltered(t *testing.T) {
	w := New()
	_ = w.RegisterComponentType("Tag")
	a, _ := w.Spawn(map[ComponentType]Component{"Tag": "a"})
	_, _ = w.Spawn(nil) // no Tag component
	b, _ := w.Spawn(map[ComponentType]Component{"Tag": "b"})

	rows, err := w.IterByType("Tag")
	if err != nil {
		t.Fatalf("IterByType: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows with Tag set, got %d", len(rows))
	}
	seen := map[EntityID]bool{}
	for _, r := range rows {
		seen[r.ID] = true
	}
	if !seen[a] || !seen[b] {
		t.Fatalf("expected both tagged entities present")
	}
}

func TestSnapshotRestoreIsolatesMutation(t *testing.T) {
	w := New()
	_ = w.RegisterComponentType("HP")
	id, _ := w.Spawn(map[ComponentType]Component{"HP": 10})

	snap := w.Snapshot()
	_ = w.Set(id, "HP", 0)

	w.Restore(snap)
	v, err := w.Get(id, "HP")
	if err != nil || v != 10 {
		t.Fatalf("Get after Restore = %v, %v; want 10, nil", v, err)
	}

	// Mutating the live world after Restore must not reach back into snap.
	_ = w.Set(id, "HP", 99)
	snap2 := w.Snapshot()
	w.Restore(snap)
	_ = w.Set(id, "HP", 1)
	w.Restore(snap2)
	v, _ = w.Get(id, "HP")
	if v != 99 {
		t.Fatalf("expected snapshot isolation, got %v", v)
	}
}
