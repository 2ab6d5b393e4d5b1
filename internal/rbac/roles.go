package rbac

import "family-calls/internal/calls"

// Role names mirror the family directory. Keep these stable; they are part
// of the token contract with the account service.
const (
	RoleParent       = string(calls.RoleParent)
	RoleChild        = string(calls.RoleChild)
	RoleFamilyMember = string(calls.RoleFamilyMember)
)

// IsGuardian reports whether role may see family-wide reports.
func IsGuardian(role string) bool { return role == RoleParent }
