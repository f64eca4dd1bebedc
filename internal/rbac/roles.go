package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleStudent = "student"
	RoleMentor  = "mentor"
	RoleSupport = "support"
	RoleAdmin   = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// CanReadAnyHistory reports whether the role may query call history for users
// other than itself. Students and mentors only ever see their own calls.
func CanReadAnyHistory(role string) bool {
	return role == RoleAdmin || role == RoleSupport
}
