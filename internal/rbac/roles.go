package rbac

// Role names. Keep these stable; they are carried in access tokens.
const (
	RoleUser     = "user"
	RoleOperator = "operator" // ingestion control, no wallet writes
	RoleAdmin    = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleUser, RoleOperator, RoleAdmin:
		return true
	default:
		return false
	}
}
