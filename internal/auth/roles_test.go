package auth

import "testing"

func TestAuthorizeMatrix(t *testing.T) {
	cases := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermViewPlanning, true},
		{RoleViewer, PermEditPlanning, false},
		{RoleViewer, PermManageUsers, false},
		{RolePlanner, PermEditPlanning, true},
		{RolePlanner, PermManageUsers, false},
		{RolePlanner, PermEditPastPlanning, false},
		{RolePlannerAdvanced, PermEditPastPlanning, true},
		{RoleDriverAdmin, PermManageDrivers, true},
		{RoleDriverAdmin, PermEditPlanning, false},
		{RoleFinance, PermViewFinance, true},
		{RoleFinance, PermManageFinance, true},
		{RoleFinance, PermEditPlanning, false},
		{RoleAdmin, PermManageUsers, true},
		{RoleAdmin, PermEditPastPlanning, true},
	}
	for _, tc := range cases {
		if got := Authorize(tc.role, tc.perm); got != tc.want {
			t.Errorf("Authorize(%s, %s) = %v, want %v", tc.role, tc.perm, got, tc.want)
		}
	}
}

func TestAdminSatisfiesEveryPermission(t *testing.T) {
	for _, perm := range AllPermissions() {
		if !Authorize(RoleAdmin, perm) {
			t.Errorf("admin must satisfy %s", perm)
		}
	}
}

func TestUnknownRoleFailsClosed(t *testing.T) {
	for _, perm := range AllPermissions() {
		if Authorize(Role("dispatcher"), perm) {
			t.Errorf("unknown role must not authorize %s", perm)
		}
	}
	if perms := PermissionsOf(Role("dispatcher")); perms != nil {
		t.Errorf("unknown role must grant no permissions, got %v", perms)
	}
}

func TestParseRole(t *testing.T) {
	if role, ok := ParseRole(" Planner "); !ok || role != RolePlanner {
		t.Fatalf("ParseRole(Planner) = %v, %v", role, ok)
	}
	if _, ok := ParseRole("superuser"); ok {
		t.Fatal("unknown role name must be rejected")
	}
}

func TestEffectivePermissions(t *testing.T) {
	if got := EffectivePermissions(RoleViewer, true); len(got) != len(AllPermissions()) {
		t.Fatalf("system admin must resolve the full catalogue, got %v", got)
	}
	got := EffectivePermissions(RoleViewer, false)
	if len(got) != 2 {
		t.Fatalf("viewer permissions = %v", got)
	}
}
