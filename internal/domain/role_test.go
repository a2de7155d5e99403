package domain

import "testing"

func TestParseRole(t *testing.T) {
	if ParseRole("admin") != Admin {
		t.Error("admin should parse as a system role")
	}
	if ParseRole("anonymous") != Anonymous {
		t.Error("anonymous should parse as the pseudo role")
	}
	custom := ParseRole("editor")
	if custom.Kind != RoleKindNamed || custom.Name != "editor" {
		t.Errorf("custom role = %+v", custom)
	}
}

func TestRoleTokens(t *testing.T) {
	if Admin.Token() != "role:admin" {
		t.Errorf("token = %q", Admin.Token())
	}
	if CommunityMemberRole(9).Token() != "role:community:9:member" {
		t.Errorf("token = %q", CommunityMemberRole(9).Token())
	}
	if (Principal{UserID: 7}).Token() != "user:7" {
		t.Errorf("token = %q", Principal{UserID: 7}.Token())
	}
}

func TestRoleAssignability(t *testing.T) {
	for _, r := range []Role{Anonymous, Authenticated, Owner, Creator} {
		if r.Assignable() {
			t.Errorf("%s should not be assignable", r)
		}
	}
	for _, r := range []Role{Admin, Member, Manager, NamedRole("editor")} {
		if !r.Assignable() {
			t.Errorf("%s should be assignable", r)
		}
	}
}
