package role

import "testing"

func TestCapabilitiesKnownRoles(t *testing.T) {
	for _, r := range []AgentRole{ProjectDirector, SceneArchitect, GameplayProgrammer, ArtDirector, QAEngineer} {
		if !Valid(r) {
			t.Fatalf("expected %s to be a valid role", r)
		}
		if _, err := Capabilities(r); err != nil {
			t.Fatalf("Capabilities(%s): %v", r, err)
		}
	}
}

func TestUnknownRoleErrors(t *testing.T) {
	if Valid("Janitor") {
		t.Fatalf("expected unknown role to be invalid")
	}
	if _, err := Capabilities("Janitor"); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestGrantsRespectsRoleBoundaries(t *testing.T) {
	if !Grants(GameplayProgrammer, ExecuteCode) {
		t.Fatalf("expected GameplayProgrammer to grant EXECUTE_CODE")
	}
	if Grants(SceneArchitect, ExecuteCode) {
		t.Fatalf("expected SceneArchitect to not grant EXECUTE_CODE")
	}
	if !Grants(ProjectDirector, ManageTasks) {
		t.Fatalf("expected ProjectDirector to grant MANAGE_TASKS")
	}
	if Grants(QAEngineer, ManageTasks) {
		t.Fatalf("expected QAEngineer to not grant MANAGE_TASKS")
	}
}

func TestCapabilityString(t *testing.T) {
	c := ReadScene | WriteScript
	got := c.String()
	if got != "READ_SCENE|WRITE_SCRIPT" {
		t.Fatalf("String() = %q", got)
	}
	if (Capability(0)).String() != "NONE" {
		t.Fatalf("expected NONE for empty capability set")
	}
}
