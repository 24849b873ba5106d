package auth

import "strings"

// Permission is a fine-grained capability tag carried by roles.
type Permission string

const (
	PermViewPlanning     Permission = "view_planning"
	PermEditPlanning     Permission = "edit_planning"
	PermEditPastPlanning Permission = "edit_past_planning"
	PermViewDrivers      Permission = "view_drivers"
	PermManageDrivers    Permission = "manage_drivers"
	PermManageRoutes     Permission = "manage_routes"
	PermViewFinance      Permission = "view_finance"
	PermManageFinance    Permission = "manage_finance"
	PermManageUsers      Permission = "manage_users"
)

// Role names form a closed catalogue. The permission matrix is fixed at
// build time; changing it is a deployment, not a request-time operation.
type Role string

const (
	RoleViewer          Role = "viewer"
	RolePlanner         Role = "planner"
	RolePlannerAdvanced Role = "planner_advanced"
	RoleDriverAdmin     Role = "driver_admin"
	RoleFinance         Role = "finance"
	RoleAdmin           Role = "admin"
)

var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermViewPlanning, PermViewDrivers,
	},
	RolePlanner: {
		PermViewPlanning, PermViewDrivers,
		PermEditPlanning, PermManageRoutes,
	},
	RolePlannerAdvanced: {
		PermViewPlanning, PermViewDrivers,
		PermEditPlanning, PermManageRoutes, PermEditPastPlanning,
	},
	RoleDriverAdmin: {
		PermViewPlanning, PermViewDrivers, PermManageDrivers,
	},
	RoleFinance: {
		PermViewPlanning, PermViewDrivers,
		PermViewFinance, PermManageFinance,
	},
	RoleAdmin: {
		PermViewPlanning, PermEditPlanning, PermEditPastPlanning,
		PermViewDrivers, PermManageDrivers, PermManageRoutes,
		PermViewFinance, PermManageFinance, PermManageUsers,
	},
}

// AllPermissions returns the full permission catalogue.
func AllPermissions() []Permission {
	return []Permission{
		PermViewPlanning, PermEditPlanning, PermEditPastPlanning,
		PermViewDrivers, PermManageDrivers, PermManageRoutes,
		PermViewFinance, PermManageFinance, PermManageUsers,
	}
}

// EffectivePermissions resolves the permission set for a role, widened to the
// full catalogue for system admins.
func EffectivePermissions(role Role, systemAdmin bool) []Permission {
	if systemAdmin || role == RoleAdmin {
		return AllPermissions()
	}
	return PermissionsOf(role)
}

// ParseRole maps a role name onto the catalogue. Unknown names are rejected
// so misspelled roles fail at assignment time, not at request time.
func ParseRole(name string) (Role, bool) {
	role := Role(strings.TrimSpace(strings.ToLower(name)))
	_, ok := rolePermissions[role]
	return role, ok
}

// PermissionsOf returns the permission set granted by a role. Unknown roles
// grant nothing.
func PermissionsOf(role Role) []Permission {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// Authorize reports whether a role grants a permission. The admin role is an
// explicit superset and satisfies every check; everything else is a plain
// table lookup that fails closed.
func Authorize(role Role, perm Permission) bool {
	if role == RoleAdmin {
		return true
	}
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
