package auth

// Permission is a named capability granted to roles.
type Permission string

const (
	PermRobotRead       Permission = "robot:read"
	PermRestrictionRead Permission = "restriction:read"
	PermAuditRead       Permission = "audit:read"
	PermSystemAdmin     Permission = "system:admin"
)

// rolePermissions is the single source of truth for what each role may do.
var rolePermissions = map[Role][]Permission{
	RoleOperator: {PermRobotRead},
	RoleManager:  {PermRobotRead, PermRestrictionRead},
	RoleAdmin:    {PermRobotRead, PermRestrictionRead, PermAuditRead, PermSystemAdmin},
}

// HasPermission reports whether role grants perm. Unknown roles grant nothing.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns a copy of the role's permissions, or nil.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	return append([]Permission(nil), perms...)
}

// Require returns an *AuthorizationError unless role grants perm.
func Require(role Role, perm Permission) error {
	if HasPermission(role, perm) {
		return nil
	}
	return &AuthorizationError{Reason: string(perm), Err: ErrForbidden}
}
