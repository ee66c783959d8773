package admin

// Role is the access level of an admin request initiator. Roles form a strict
// hierarchy; a higher role covers everything a lower role may do.
type Role uint8

const (
	RoleUser Role = iota
	RoleOperator
	RoleComplianceOfficer
	RoleSystemAdmin
	RoleSuperAdmin
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleOperator:
		return "operator"
	case RoleComplianceOfficer:
		return "compliance_officer"
	case RoleSystemAdmin:
		return "system_admin"
	case RoleSuperAdmin:
		return "super_admin"
	default:
		return "invalid"
	}
}

// Covers reports whether the role satisfies the given minimum requirement.
func (r Role) Covers(minimum Role) bool {
	return r >= minimum
}

// ParseRole maps a role name to its Role. Unknown names map to RoleUser.
func ParseRole(name string) Role {
	switch name {
	case "operator":
		return RoleOperator
	case "compliance_officer":
		return RoleComplianceOfficer
	case "system_admin":
		return RoleSystemAdmin
	case "super_admin":
		return RoleSuperAdmin
	default:
		return RoleUser
	}
}
