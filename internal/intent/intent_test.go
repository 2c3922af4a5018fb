package intent

import (
	"testing"

	"luminara.dev/orchestrator/internal/role"
	"luminara.dev/orchestrator/internal/world"
)

func TestRequiredCapabilityPerVariant(t *testing.T) {
	cases := []struct {
		intent Intent
		want   role.Capability
	}{
		{SpawnRelative{Role: role.SceneArchitect}, role.WriteScene},
		{ModifyComponent{Role: role.SceneArchitect}, role.WriteScene},
		{Destroy{Role: role.SceneArchitect}, role.WriteScene},
		{CreateScript{Role: role.GameplayProgrammer}, role.WriteScript},
		{ModifyScript{Role: role.GameplayProgrammer}, role.WriteScript},
	}
	for _, c := range cases {
		if got := RequiredCapability(c.intent); got != c.want {
			t.Errorf("RequiredCapability(%T) = %v, want %v", c.intent, got, c.want)
		}
	}
}

func TestEmittedByReturnsDeclaredRole(t *testing.T) {
	i := ModifyComponent{Role: role.QAEngineer, TypeTag: "Transform"}
	if i.EmittedBy() != role.QAEngineer {
		t.Fatalf("EmittedBy() = %v, want QAEngineer", i.EmittedBy())
	}
}

func TestCommandFootprints(t *testing.T) {
	spawn := SpawnCommand{EntityID: "e1"}
	fp := spawn.Footprint()
	if len(fp) != 1 || fp[0].Type != WildcardType || !fp[0].Write {
		t.Fatalf("SpawnCommand.Footprint() = %+v", fp)
	}

	modify := ModifyCommand{EntityID: "e1", TypeTag: world.ComponentType("Transform")}
	fp = modify.Footprint()
	if len(fp) != 1 || fp[0].Type != "Transform" || !fp[0].Write {
		t.Fatalf("ModifyCommand.Footprint() = %+v", fp)
	}

	script := CreateScriptCommand{ScriptID: "s1"}
	fp = script.Footprint()
	if len(fp) != 1 || fp[0].Entity != "script:s1" {
		t.Fatalf("CreateScriptCommand.Footprint() = %+v", fp)
	}
}
