package auth

// Role represents a user role for access control.
type Role string

const (
	// RoleAdmin has full access to the admin endpoints
	RoleAdmin Role = "admin"

	// RoleUser can use the chat API and read their own quota
	RoleUser Role = "user"
)

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is a known role
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleUser:
		return true
	default:
		return false
	}
}

// HasPermission checks if a role satisfies a required role.
// Admin has all permissions.
func (r Role) HasPermission(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required
}
