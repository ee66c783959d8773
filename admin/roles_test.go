package admin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleHierarchy(t *testing.T) {
	assert.True(t, RoleSuperAdmin.Covers(RoleSystemAdmin))
	assert.True(t, RoleSystemAdmin.Covers(RoleComplianceOfficer))
	assert.True(t, RoleComplianceOfficer.Covers(RoleOperator))
	assert.True(t, RoleOperator.Covers(RoleUser))

	assert.False(t, RoleUser.Covers(RoleOperator))
	assert.False(t, RoleOperator.Covers(RoleComplianceOfficer))
	assert.False(t, RoleSystemAdmin.Covers(RoleSuperAdmin))

	// every role covers itself
	for _, role := range []Role{RoleUser, RoleOperator, RoleComplianceOfficer, RoleSystemAdmin, RoleSuperAdmin} {
		assert.True(t, role.Covers(role))
	}
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleSuperAdmin, ParseRole("super_admin"))
	assert.Equal(t, RoleSystemAdmin, ParseRole("system_admin"))
	assert.Equal(t, RoleComplianceOfficer, ParseRole("compliance_officer"))
	assert.Equal(t, RoleOperator, ParseRole("operator"))
	assert.Equal(t, RoleUser, ParseRole("user"))
	// unknown names never escalate
	assert.Equal(t, RoleUser, ParseRole("root"))
}
